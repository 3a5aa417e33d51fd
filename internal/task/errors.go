package task

import (
	"errors"
	"fmt"
)

var (
	ErrMissingTaskID     = errors.New("no task_id received from server")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTrackerClosed     = errors.New("tracker closed")

	// ErrDisposed is the cancellation cause of a submission whose resources
	// were disposed by a later operation.
	ErrDisposed = errors.New("task resources disposed")
)

// SubmitError is returned by StartTask when the submission itself failed.
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string { return fmt.Sprintf("submit task: %v", e.Err) }

func (e *SubmitError) Unwrap() error { return e.Err }
