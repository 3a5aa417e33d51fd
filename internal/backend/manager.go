package backend

import (
	"context"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	fileutil "convertkit/internal/file"
)

// Manager keeps jobs in memory, runs them on a bounded set of worker slots
// and fans progress out to stream watchers.
type Manager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	watchers   map[string]map[chan Update]struct{}
	cancels    map[string]context.CancelFunc
	processors map[string]Processor
	semaphore  chan struct{}
	workersWG  sync.WaitGroup
	baseCtx    context.Context
	store      JobStore
}

// NewManager creates a manager with the default processors, suitable for tests.
func NewManager(dataDir string) *Manager {
	return NewManagerWithOptions(Options{
		DataDir:            dataDir,
		MaxConcurrentTasks: defaultMaxConcurrent,
	})
}

// NewManagerWithOptions creates a manager with provided configuration.
func NewManagerWithOptions(opts Options) *Manager {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 1
	}
	processors := opts.Processors
	if len(processors) == 0 {
		processors = DefaultProcessors()
	}
	return &Manager{
		jobs:       make(map[string]*Job),
		watchers:   make(map[string]map[chan Update]struct{}),
		cancels:    make(map[string]context.CancelFunc),
		processors: maps.Clone(processors),
		semaphore:  make(chan struct{}, opts.MaxConcurrentTasks),
		baseCtx:    context.Background(),
		store:      NewFileStore(opts.DataDir),
	}
}

// IsBusy reports whether every worker slot is taken.
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// Tools lists the registered processor names in sorted order.
func (m *Manager) Tools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.processors))
}

// UseProcessor registers or replaces the processor for tool.
// Intended for setup; jobs already running keep their processor.
func (m *Manager) UseProcessor(tool string, p Processor) {
	m.mu.Lock()
	m.processors[tool] = p
	m.mu.Unlock()
}

// Submit stores the upload and starts processing it. A worker slot is taken
// synchronously so a full server rejects the request instead of queueing it.
func (m *Manager) Submit(tool, filename string, src io.Reader, fields map[string]string) (Job, error) {
	if src == nil {
		return Job{}, ErrNoFile
	}
	m.mu.RLock()
	proc, ok := m.processors[tool]
	m.mu.RUnlock()
	if !ok {
		return Job{}, NewErrUnknownTool(tool)
	}

	select {
	case m.semaphore <- struct{}{}:
	default:
		return Job{}, ErrBusy
	}

	jobID := uuid.NewString()
	jobDir, err := m.store.EnsureJobDir(context.Background(), jobID)
	if err != nil {
		<-m.semaphore
		return Job{}, err
	}
	name := fileutil.SafeName(filename, "upload")
	inputPath := filepath.Join(jobDir, "input", name)
	size, err := fileutil.CopyAtomic(inputPath, src)
	if err != nil {
		<-m.semaphore
		return Job{}, fmt.Errorf("store upload: %w", err)
	}

	now := time.Now()
	newJob := &Job{
		ID:           jobID,
		Tool:         tool,
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		Filename:     name,
		Fields:       maps.Clone(fields),
		Message:      "Queued",
		InputPath:    inputPath,
		OriginalSize: size,
	}

	m.mu.Lock()
	jobCtx, cancel := context.WithCancel(m.baseCtx)
	m.jobs[jobID] = newJob
	m.cancels[jobID] = cancel
	snapshot := cloneJob(newJob)
	m.mu.Unlock()

	m.persistJob(snapshot)

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.process(jobCtx, jobID, proc)
	}()
	return snapshot, nil
}

// GetJob returns a copy of the job.
func (m *Manager) GetJob(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return cloneJob(found), true
}

// Cancel asks a running job to stop. Cancelling a finished job is a no-op.
func (m *Manager) Cancel(jobID string) (Job, error) {
	m.mu.RLock()
	found, ok := m.jobs[jobID]
	if !ok {
		m.mu.RUnlock()
		return Job{}, ErrTaskNotFound
	}
	snapshot := cloneJob(found)
	cancel := m.cancels[jobID]
	m.mu.RUnlock()

	if cancel != nil && !snapshot.Status.Terminal() {
		log.Info().Str("task_id", jobID).Msg("cancelling job")
		cancel()
	}
	return snapshot, nil
}

// Watch registers for progress updates of a job. It returns the job as of
// registration and a channel that is closed once the job reaches a terminal
// status. For a job that already finished the channel is nil. The returned
// func unregisters and must be called when the watcher goes away.
func (m *Manager) Watch(jobID string) (Job, <-chan Update, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, ok := m.jobs[jobID]
	if !ok {
		return Job{}, nil, func() {}, ErrTaskNotFound
	}
	snapshot := cloneJob(found)
	if found.Status.Terminal() {
		return snapshot, nil, func() {}, nil
	}

	ch := make(chan Update, watcherBuffer)
	set, ok := m.watchers[jobID]
	if !ok {
		set = make(map[chan Update]struct{})
		m.watchers[jobID] = set
	}
	set[ch] = struct{}{}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.watchers[jobID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
		}
	}
	return snapshot, ch, unsubscribe, nil
}

// SetBaseContext sets the parent context of job contexts. Intended to be set
// at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// WaitAll blocks until all in-flight workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// persistJob is best-effort: the in-memory job stays authoritative.
func (m *Manager) persistJob(j Job) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveJob(context.Background(), &j); err != nil {
		log.Warn().Str("task_id", j.ID).Err(err).Msg("persist job failed")
	}
}

func cloneJob(j *Job) Job {
	c := *j
	c.Fields = maps.Clone(j.Fields)
	return c
}
