package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestToolsSorted(t *testing.T) {
	m := NewManager(t.TempDir())
	m.UseProcessor("aaa", CopyProcessor)
	got := strings.Join(m.Tools(), ",")
	if got != "aaa,copy,zip" {
		t.Fatalf("unexpected tools %q", got)
	}
}

func TestSubmitUnknownToolAndMissingFile(t *testing.T) {
	m := NewManager(t.TempDir())
	if _, err := m.Submit("nope", "a.txt", strings.NewReader("x"), nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := m.Submit("zip", "a.txt", nil, nil); !errors.Is(err, ErrNoFile) {
		t.Fatalf("expected ErrNoFile, got %v", err)
	}
	if m.IsBusy() {
		t.Fatalf("rejected submissions must not hold a worker slot")
	}
}

func TestSubmitStoresUploadUnderJobDir(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	job, err := m.Submit("copy", "../../etc/notes.txt", strings.NewReader("payload"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Filename != "notes.txt" || job.OriginalSize != int64(len("payload")) {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.HasPrefix(job.InputPath, filepath.Join(dir, "jobs", job.ID)) {
		t.Fatalf("upload stored outside job dir: %s", job.InputPath)
	}

	done := waitForStatus(t, m, job.ID, StatusCompleted)
	b, err := os.ReadFile(done.OutputPath)
	if err != nil || string(b) != "payload" {
		t.Fatalf("unexpected output %q, err %v", b, err)
	}
}

func TestProcessorErrorMarksFailed(t *testing.T) {
	m := NewManagerWithOptions(Options{
		DataDir: t.TempDir(),
		Processors: map[string]Processor{"bad": func(context.Context, Input, ReportFunc) (Output, error) {
			return Output{}, errors.New("codec exploded")
		}},
	})
	job, err := m.Submit("bad", "a.bin", strings.NewReader("x"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := waitForStatus(t, m, job.ID, StatusFailed)
	if failed.Error != "codec exploded" {
		t.Fatalf("unexpected error %q", failed.Error)
	}
	ev := terminalEvent(failed)
	if ev.Event != "error" {
		t.Fatalf("expected error event, got %q", ev.Event)
	}
}

func TestUnsupportedZipMethodFails(t *testing.T) {
	m := NewManager(t.TempDir())
	job, err := m.Submit("zip", "a.txt", strings.NewReader("x"), map[string]string{"method": "lzma"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := waitForStatus(t, m, job.ID, StatusFailed)
	if !strings.Contains(failed.Error, "lzma") {
		t.Fatalf("unexpected error %q", failed.Error)
	}
}

func TestWatchFinishedJobReturnsNilChannel(t *testing.T) {
	m := NewManager(t.TempDir())
	job, _ := m.Submit("copy", "a.txt", strings.NewReader("x"), nil)
	waitForStatus(t, m, job.ID, StatusCompleted)

	snapshot, updates, unsubscribe, err := m.Watch(job.ID)
	defer unsubscribe()
	if err != nil || updates != nil || snapshot.Status != StatusCompleted {
		t.Fatalf("unexpected watch result %+v %v %v", snapshot, updates, err)
	}
	if _, _, _, err := m.Watch("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestWatchUnsubscribeClosesChannel(t *testing.T) {
	release := make(chan struct{})
	m := NewManagerWithOptions(Options{
		DataDir:    t.TempDir(),
		Processors: map[string]Processor{"slow": blockingProcessor(nil, release)},
	})
	job, _ := m.Submit("slow", "a.txt", strings.NewReader("x"), nil)

	_, updates, unsubscribe, err := m.Watch(job.ID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	unsubscribe()
	unsubscribe()
	for range updates {
	}

	close(release)
	waitForStatus(t, m, job.ID, StatusCompleted)
}

func TestLoadFromDiskMarksInterruptedJobsFailed(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	m := NewManagerWithOptions(Options{
		DataDir:    dir,
		Processors: map[string]Processor{"slow": blockingProcessor(nil, release)},
	})
	running, _ := m.Submit("slow", "a.txt", strings.NewReader("x"), nil)
	waitForStatus(t, m, running.ID, StatusRunning)

	restarted := NewManager(dir)
	if err := restarted.LoadFromDisk(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := restarted.GetJob(running.ID)
	if !ok || got.Status != StatusFailed || got.Error != "interrupted by server restart" {
		t.Fatalf("unexpected restored job %+v", got)
	}

	close(release)
	m.WaitAll(context.Background())
}

func TestLoadFromDiskWithoutJobs(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "fresh"))
	if err := m.LoadFromDisk(); err != nil {
		t.Fatalf("expected no error on empty data dir, got %v", err)
	}
}

func TestCancelFinishedJobIsNoop(t *testing.T) {
	m := NewManager(t.TempDir())
	job, _ := m.Submit("copy", "a.txt", strings.NewReader("x"), nil)
	waitForStatus(t, m, job.ID, StatusCompleted)

	got, err := m.Cancel(job.ID)
	if err != nil || got.Status != StatusCompleted {
		t.Fatalf("unexpected cancel result %+v %v", got, err)
	}
}
