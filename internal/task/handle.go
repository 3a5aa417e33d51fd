package task

import (
	"context"
	"sync"
)

// Subscription is the live stream part of Resources.
type Subscription interface {
	Close()
	Closed() bool
}

// Resources is what a Handle owns for the current task: an open stream, an
// abortable submission, or neither.
type Resources struct {
	Subscription Subscription
	Abort        context.CancelCauseFunc
}

// Handle owns at most one set of Resources. The zero value is ready to use.
type Handle struct {
	mu  sync.Mutex
	res Resources
}

// Replace disposes the current resources and only then calls factory to
// create the next ones, so two never coexist.
func (h *Handle) Replace(factory func() Resources) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposeLocked()
	if factory != nil {
		h.res = factory()
	}
}

// Dispose closes the subscription and aborts the submission. Idempotent.
func (h *Handle) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposeLocked()
}

// Live counts resources that are still open. A subscription that closed
// itself, after a terminal event or because its context ended, is not live.
func (h *Handle) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	if h.res.Subscription != nil && !h.res.Subscription.Closed() {
		n++
	}
	if h.res.Abort != nil {
		n++
	}
	return n
}

func (h *Handle) disposeLocked() {
	if h.res.Subscription != nil {
		h.res.Subscription.Close()
	}
	if h.res.Abort != nil {
		h.res.Abort(ErrDisposed)
	}
	h.res = Resources{}
}
