package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeSource(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), size), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestCompressReportsProgressAndWritesEntry(t *testing.T) {
	src := writeSource(t, 3*copyChunk+10)
	dest := filepath.Join(t.TempDir(), "out", "result.zip")

	var reports []int64
	size, err := Compress(context.Background(), src, dest, "report.txt", MethodDeflate, func(done, total int64) {
		if total != int64(3*copyChunk+10) {
			t.Fatalf("unexpected total %d", total)
		}
		reports = append(reports, done)
	})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if size <= 0 {
		t.Fatalf("expected archive size, got %d", size)
	}
	if len(reports) < 2 || reports[len(reports)-1] != int64(3*copyChunk+10) {
		t.Fatalf("unexpected progress reports %v", reports)
	}

	zr, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "report.txt" {
		t.Fatalf("unexpected entries %+v", zr.File)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	n, _ := io.Copy(io.Discard, rc)
	if n != int64(3*copyChunk+10) {
		t.Fatalf("entry has %d bytes", n)
	}
}

func TestCompressCancelledRemovesDestination(t *testing.T) {
	src := writeSource(t, 2*copyChunk)
	dest := filepath.Join(t.TempDir(), "result.zip")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Compress(ctx, src, dest, "", MethodStore, func(done, total int64) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected destination removed, stat err=%v", err)
	}
}

func TestCopy(t *testing.T) {
	src := writeSource(t, 100)
	dest := filepath.Join(t.TempDir(), "copy.bin")

	n, err := Copy(context.Background(), src, dest, nil)
	if err != nil || n != 100 {
		t.Fatalf("copy: n=%d err=%v", n, err)
	}
	if _, err := Copy(context.Background(), filepath.Join(t.TempDir(), "missing"), dest, nil); err == nil {
		t.Fatalf("expected error for missing source")
	}
}
