package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handlers receive stream notifications. They run on the subscription's
// reader goroutine, one at a time, and must not call Close on the same
// subscription. Nil handlers are skipped.
type Handlers struct {
	OnProgress  func(ProgressEvent)
	OnComplete  func(Result)
	OnCancelled func()
	OnError     func(ErrorEvent)
}

// Subscription is one open progress stream.
type Subscription struct {
	taskID   string
	handlers Handlers
	cancel   context.CancelCauseFunc
	done     chan struct{}

	// mu is held while a handler runs; closed gates every delivery.
	mu     sync.Mutex
	closed bool
}

// TaskID returns the task this subscription follows.
func (s *Subscription) TaskID() string { return s.taskID }

// Close stops delivery and releases the connection. It waits for a handler
// that is already running, so no callback happens after Close returns.
// Calling Close more than once is a no-op.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Closed reports whether the subscription stopped delivering events.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed once the reader goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel(ErrClosed)
}

// deliver dispatches ev and reports whether the subscription is still open.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	if Terminal(ev) {
		s.closeLocked()
	}

	switch e := ev.(type) {
	case ProgressEvent:
		if s.handlers.OnProgress != nil {
			s.handlers.OnProgress(e)
		}
	case CompleteEvent:
		if s.handlers.OnComplete != nil {
			s.handlers.OnComplete(e.Result)
		}
	case CancelledEvent:
		if s.handlers.OnCancelled != nil {
			s.handlers.OnCancelled()
		}
	case ErrorEvent:
		if s.handlers.OnError != nil {
			s.handlers.OnError(e)
		}
	case MalformedEvent:
		log.Warn().Str("task_id", s.taskID).Str("event", e.Name).Err(e.Err).Msg("dropping malformed stream event")
	}
	return !s.closed
}
