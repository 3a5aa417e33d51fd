package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"convertkit/internal/archive"
)

// DefaultProcessors returns the built-in tools.
func DefaultProcessors() map[string]Processor {
	return map[string]Processor{
		"zip":  ZipProcessor,
		"copy": CopyProcessor,
	}
}

// ZipProcessor archives the upload. The "method" field selects deflate
// (default) or store.
func ZipProcessor(ctx context.Context, in Input, report ReportFunc) (Output, error) {
	method := archive.Method(strings.ToLower(strings.TrimSpace(in.Fields["method"])))
	switch method {
	case "":
		method = archive.MethodDeflate
	case archive.MethodDeflate, archive.MethodStore:
	default:
		return Output{}, fmt.Errorf("unsupported zip method %q", method)
	}

	name := strings.TrimSuffix(in.Filename, filepath.Ext(in.Filename)) + ".zip"
	dest := filepath.Join(in.OutputDir, name)
	report(0, "Compressing...")
	size, err := archive.Compress(ctx, in.Path, dest, in.Filename, method, percentReporter(report, "Compressing..."))
	if err != nil {
		return Output{}, err
	}
	return Output{Path: dest, Filename: name, Size: size}, nil
}

// CopyProcessor returns the upload unchanged; useful to exercise the
// pipeline without transforming anything.
func CopyProcessor(ctx context.Context, in Input, report ReportFunc) (Output, error) {
	dest := filepath.Join(in.OutputDir, in.Filename)
	report(0, "Copying...")
	size, err := archive.Copy(ctx, in.Path, dest, percentReporter(report, "Copying..."))
	if err != nil {
		return Output{}, err
	}
	return Output{Path: dest, Filename: in.Filename, Size: size}, nil
}

// percentReporter converts byte counts into whole percentages and only
// reports when the value changes.
func percentReporter(report ReportFunc, stage string) archive.ProgressFunc {
	last := -1
	return func(done, total int64) {
		percent := 100
		if total > 0 {
			percent = int(done * 100 / total)
		}
		if percent == last {
			return
		}
		last = percent
		report(percent, stage)
	}
}

// process runs one job on an already acquired worker slot.
func (m *Manager) process(ctx context.Context, jobID string, proc Processor) {
	defer func() { <-m.semaphore }()
	defer m.releaseCancel(jobID)

	in, ok := m.markRunning(jobID)
	if !ok {
		return
	}

	started := time.Now()
	out, err := proc(ctx, in, func(percent int, stage string) { m.report(jobID, percent, stage) })
	switch {
	case err == nil:
		m.finish(jobID, func(j *Job) {
			j.Status = StatusCompleted
			j.Percent = 100
			j.Message = "Completed"
			j.OutputPath = out.Path
			j.OutputName = out.Filename
			j.ProcessedSize = out.Size
		})
		log.Info().Str("task_id", jobID).Dur("elapsed", time.Since(started)).Msg("job completed")
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		m.finish(jobID, func(j *Job) {
			j.Status = StatusCancelled
			j.Message = "Cancelled"
		})
		log.Info().Str("task_id", jobID).Msg("job cancelled")
	default:
		m.finish(jobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
			j.Message = "Processing failed"
		})
		log.Warn().Str("task_id", jobID).Err(err).Msg("job failed")
	}
}

func (m *Manager) markRunning(jobID string) (Input, bool) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return Input{}, false
	}
	job.Status = StatusRunning
	job.Message = "Processing..."
	job.UpdatedAt = time.Now()
	in := Input{
		Path:      job.InputPath,
		Filename:  job.Filename,
		Fields:    job.Fields,
		OutputDir: filepath.Join(filepath.Dir(filepath.Dir(job.InputPath)), "output"),
	}
	snapshot := cloneJob(job)
	m.broadcastLocked(jobID, Update{Percent: job.Percent, Message: job.Message})
	m.mu.Unlock()

	m.persistJob(snapshot)
	return in, true
}

// report records progress and pushes it to watchers. Slow watchers miss
// intermediate updates rather than stalling the worker.
func (m *Manager) report(jobID string, percent int, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Percent = percent
	if stage != "" {
		job.Message = stage
	}
	job.UpdatedAt = time.Now()
	m.broadcastLocked(jobID, Update{Percent: job.Percent, Message: job.Message})
}

func (m *Manager) broadcastLocked(jobID string, u Update) {
	for ch := range m.watchers[jobID] {
		select {
		case ch <- u:
		default:
		}
	}
}

// finish applies the terminal mutation and closes every watcher channel so
// streams emit the terminal event from the final job state.
func (m *Manager) finish(jobID string, mutate func(*Job)) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	mutate(job)
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	for ch := range m.watchers[jobID] {
		close(ch)
	}
	delete(m.watchers, jobID)
	m.mu.Unlock()

	m.persistJob(snapshot)
}

func (m *Manager) releaseCancel(jobID string) {
	m.mu.Lock()
	cancel := m.cancels[jobID]
	delete(m.cancels, jobID)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
