package task

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"convertkit/internal/stream"
)

const defaultCancelTimeout = 5 * time.Second

// Submission is what the backend returned for an accepted upload.
type Submission struct {
	TaskID string `json:"task_id"`
}

// SubmitFunc performs the upload. It must abort once ctx is done.
type SubmitFunc func(ctx context.Context) (Submission, error)

// ConnectFunc opens a progress subscription for taskID.
type ConnectFunc func(ctx context.Context, taskID string, h stream.Handlers) Subscription

// Canceler notifies the backend that a task should stop.
type Canceler interface {
	Cancel(ctx context.Context, taskID string) error
}

// StreamConnector adapts a stream client to a ConnectFunc.
func StreamConnector(c *stream.Client) ConnectFunc {
	return func(ctx context.Context, taskID string, h stream.Handlers) Subscription {
		return c.Connect(ctx, taskID, h)
	}
}

type Options struct {
	Connect  ConnectFunc
	Canceler Canceler
	// CancelTimeout bounds the cancel notification. Zero means the default,
	// negative disables the bound.
	CancelTimeout time.Duration
}

type observer struct {
	fn func(State)
}

// Tracker follows one task at a time. Starting a new task, cancelling or
// resetting always disposes whatever belonged to the previous one first.
//
// Observers are called synchronously with each new state, in version order.
// They may call State but no other Tracker method.
type Tracker struct {
	// opMu serialises StartTask, Cancel, Reset and Close bookkeeping.
	// Lock order: opMu, then a subscription's delivery lock, then stateMu.
	opMu          sync.Mutex
	handle        Handle
	connect       ConnectFunc
	canceler      Canceler
	cancelTimeout time.Duration
	baseCtx       context.Context
	closed        bool

	stateMu   sync.Mutex
	machine   *Machine
	observers []*observer

	notifyMu sync.Mutex
	notified uint64
}

// NewTracker creates a tracker that streams progress from streams and sends
// cancel notifications to canceler, which may be nil.
func NewTracker(streams *stream.Client, canceler Canceler) *Tracker {
	return NewTrackerWithOptions(Options{Connect: StreamConnector(streams), Canceler: canceler})
}

// NewTrackerWithOptions creates a tracker with provided configuration.
func NewTrackerWithOptions(opts Options) *Tracker {
	if opts.CancelTimeout == 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}
	return &Tracker{
		connect:       opts.Connect,
		canceler:      opts.Canceler,
		cancelTimeout: opts.CancelTimeout,
		baseCtx:       context.Background(),
		machine:       NewMachine(),
	}
}

// SetBaseContext sets the parent context of progress subscriptions. A
// subscription outlives the StartTask call that opened it.
func (t *Tracker) SetBaseContext(ctx context.Context) {
	t.opMu.Lock()
	t.baseCtx = ctx
	t.opMu.Unlock()
}

// State returns the current snapshot.
func (t *Tracker) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.machine.State()
}

// Observe registers fn for every subsequent state. The returned func
// unregisters it.
func (t *Tracker) Observe(fn func(State)) func() {
	o := &observer{fn: fn}
	t.stateMu.Lock()
	t.observers = append(t.observers, o)
	t.stateMu.Unlock()
	return func() {
		t.stateMu.Lock()
		t.observers = slices.DeleteFunc(t.observers, func(x *observer) bool { return x == o })
		t.stateMu.Unlock()
	}
}

// StartTask submits a new task and, once the backend returned its id, opens
// the progress stream for it. It returns when the submission settled; the
// outcome of the task itself arrives through State and observers.
//
// A submission superseded by a later StartTask, Cancel, Reset or Close
// returns nil and leaves the state to the operation that replaced it.
func (t *Tracker) StartTask(ctx context.Context, submit SubmitFunc) error {
	if submit == nil {
		return errors.New("nil submit func")
	}

	t.opMu.Lock()
	if t.closed {
		t.opMu.Unlock()
		return ErrTrackerClosed
	}
	submitCtx, abort := context.WithCancelCause(ctx)
	t.handle.Replace(func() Resources { return Resources{Abort: abort} })
	t.apply(Transition{Event: EventStart})
	t.opMu.Unlock()

	sub, err := submit(submitCtx)

	t.opMu.Lock()
	defer t.opMu.Unlock()
	if errors.Is(context.Cause(submitCtx), ErrDisposed) {
		log.Debug().Msg("submission superseded, dropping its result")
		return nil
	}

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		t.handle.Dispose()
		t.apply(Transition{Event: EventSubmitCancelled})
		return nil
	case err != nil:
		t.handle.Dispose()
		log.Warn().Err(err).Msg("task submission failed")
		t.apply(Transition{Event: EventSubmitFailed, Err: err.Error()})
		return &SubmitError{Err: err}
	case strings.TrimSpace(sub.TaskID) == "":
		t.handle.Dispose()
		t.apply(Transition{Event: EventNoTaskID})
		return ErrMissingTaskID
	}

	taskID := strings.TrimSpace(sub.TaskID)
	t.apply(Transition{Event: EventSubmitted, TaskID: taskID})
	baseCtx := t.baseCtx
	t.handle.Replace(func() Resources {
		return Resources{Subscription: t.connect(baseCtx, taskID, t.streamHandlers())}
	})
	log.Debug().Str("task_id", taskID).Msg("task submitted, following progress")
	return nil
}

// Cancel stops following the current task and returns to Idle. When the task
// id is known the backend is told to stop it; a failed notification is only
// logged.
func (t *Tracker) Cancel(ctx context.Context) {
	t.opMu.Lock()
	taskID := t.State().TaskID
	t.handle.Dispose()
	t.apply(Transition{Event: EventCancel})
	canceler, timeout := t.canceler, t.cancelTimeout
	t.opMu.Unlock()

	if taskID == "" || canceler == nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := canceler.Cancel(ctx, taskID); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("cancel notification failed")
	}
}

// Reset disposes everything and returns to the initial state.
func (t *Tracker) Reset() {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.handle.Dispose()
	t.apply(Transition{Event: EventReset})
}

// Close releases the tracker's resources. Later StartTask calls fail with
// ErrTrackerClosed.
func (t *Tracker) Close() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.closed = true
	t.handle.Dispose()
	return nil
}

// Live reports how many resources the tracker currently holds open.
func (t *Tracker) Live() int {
	return t.handle.Live()
}

// streamHandlers run on the subscription's goroutine under its delivery lock.
func (t *Tracker) streamHandlers() stream.Handlers {
	return stream.Handlers{
		OnProgress: func(ev stream.ProgressEvent) {
			t.apply(Transition{Event: EventProgress, Percent: ev.Percent, Message: ev.Message})
		},
		OnComplete: func(res stream.Result) {
			t.apply(Transition{Event: EventComplete, Result: &res})
		},
		OnCancelled: func() {
			t.apply(Transition{Event: EventStreamCancelled})
		},
		OnError: func(ev stream.ErrorEvent) {
			if ev.Transport {
				log.Warn().Err(ev.Err).Msg("progress stream failed")
			}
			t.apply(Transition{Event: EventStreamError, Err: ev.Message})
		},
	}
}

func (t *Tracker) apply(tr Transition) {
	t.stateMu.Lock()
	next, err := t.machine.Apply(tr)
	observers := slices.Clone(t.observers)
	t.stateMu.Unlock()

	if err != nil {
		log.Debug().Err(err).Msg("dropping transition")
		return
	}
	log.Debug().Str("task_id", next.TaskID).Str("status", string(next.Status)).Int("progress", next.Progress).Msg("task state changed")
	t.notify(next, observers)
}

// notify skips a snapshot that a newer one already overtook.
func (t *Tracker) notify(s State, observers []*observer) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if s.Version <= t.notified {
		return
	}
	t.notified = s.Version
	for _, o := range observers {
		o.fn(s)
	}
}
