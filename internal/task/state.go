// Package task tracks one long-running conversion task from submission to a
// terminal outcome and publishes its state to observers.
package task

import "convertkit/internal/stream"

type Status string

const (
	StatusIdle       Status = "idle"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// User facing messages.
const (
	MessageUploading  = "Uploading..."
	MessageProcessing = "Processing..."
	MessageCompleted  = "Completed"
	MessageCancelled  = "Cancelled"
	MessageNoTaskID   = "No task_id received from server"
	MessageUploadFail = "Upload failed"
)

// State is an immutable snapshot of the tracked task. Every transition
// produces a new value with a higher Version.
type State struct {
	TaskID   string         `json:"task_id,omitempty"`
	Status   Status         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Result   *stream.Result `json:"result,omitempty"`
	Err      string         `json:"error,omitempty"`
	Version  uint64         `json:"version"`
}

// Initial returns the state of a tracker that never ran a task.
func Initial() State {
	return State{Status: StatusIdle}
}

func (s State) IsIdle() bool       { return s.Status == StatusIdle }
func (s State) IsUploading() bool  { return s.Status == StatusUploading }
func (s State) IsProcessing() bool { return s.Status == StatusProcessing }
func (s State) IsCompleted() bool  { return s.Status == StatusCompleted }
func (s State) IsError() bool      { return s.Status == StatusError }

// IsLoading reports whether the task is still in flight.
func (s State) IsLoading() bool { return s.IsUploading() || s.IsProcessing() }
