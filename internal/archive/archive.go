package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const (
	archiveDirPerm os.FileMode = 0o750
	copyChunk                  = 64 << 10
)

// Method selects how entries are stored in the archive.
type Method string

const (
	MethodDeflate Method = "deflate"
	MethodStore   Method = "store"
)

// ProgressFunc receives the number of source bytes consumed so far and the
// total source size.
type ProgressFunc func(done, total int64)

// Compress writes srcPath as a single entry named entryName into a new zip at
// destZipPath and returns the size of the archive. The destination is removed
// when ctx is cancelled or anything fails.
func Compress(ctx context.Context, srcPath, destZipPath, entryName string, method Method, report ProgressFunc) (int64, error) {
	src, err := os.Open(srcPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if entryName == "" {
		entryName = filepath.Base(srcPath)
	}

	zipFile, err := openOSFile(destZipPath)
	if err != nil {
		return 0, err
	}
	size, err := writeEntry(ctx, zipFile, src, info, entryName, method, report)
	if err != nil {
		_ = zipFile.Close()
		_ = os.Remove(destZipPath)
		return 0, err
	}
	if err := zipFile.Close(); err != nil {
		_ = os.Remove(destZipPath)
		return 0, fmt.Errorf("close zip file: %w", err)
	}
	return size, nil
}

func writeEntry(ctx context.Context, zipFile *os.File, src io.Reader, info os.FileInfo, entryName string, method Method, report ProgressFunc) (int64, error) {
	zipWriter := zip.NewWriter(zipFile)

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, fmt.Errorf("zip header: %w", err)
	}
	header.Name = entryName
	header.Method = zip.Deflate
	if method == MethodStore {
		header.Method = zip.Store
	}

	entryWriter, err := zipWriter.CreateHeader(header)
	if err != nil {
		return 0, fmt.Errorf("zip entry create: %w", err)
	}

	total := info.Size()
	if err := copyWithProgress(ctx, entryWriter, src, total, report); err != nil {
		_ = zipWriter.Close()
		return 0, err
	}
	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Str("entry", entryName).Msg("closing zip writer failed")
		return 0, fmt.Errorf("close zip writer: %w", err)
	}

	stat, err := zipFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat zip: %w", err)
	}
	return stat.Size(), nil
}

// copyWithProgress copies in chunks, checking ctx between chunks so a
// cancelled job stops promptly.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, report ProgressFunc) error {
	buf := make([]byte, copyChunk)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write entry: %w", err)
			}
			done += int64(n)
			if report != nil {
				report(done, total)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read source: %w", readErr)
		}
	}
}

// Copy duplicates srcPath into destPath with the same progress reporting as
// Compress and returns the number of bytes written.
func Copy(ctx context.Context, srcPath, destPath string, report ProgressFunc) (int64, error) {
	src, err := os.Open(srcPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}

	dst, err := openOSFile(destPath)
	if err != nil {
		return 0, err
	}
	if err := copyWithProgress(ctx, dst, src, info.Size(), report); err != nil {
		_ = dst.Close()
		_ = os.Remove(destPath)
		return 0, err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(destPath)
		return 0, fmt.Errorf("close destination: %w", err)
	}
	return info.Size(), nil
}

// openOSFile creates or truncates the destination file along with ensuring parent dir exists
func openOSFile(destinationPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(destinationPath), archiveDirPerm); err != nil { //nolint:gosec // directory created by application under controlled path
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	outputFile, err := os.Create(destinationPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return outputFile, nil
}
