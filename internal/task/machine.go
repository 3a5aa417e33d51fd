package task

import (
	"fmt"
	"math"

	"convertkit/internal/stream"
)

// Event names a requested state change.
type Event int

const (
	EventStart Event = iota + 1
	EventSubmitted
	EventNoTaskID
	EventSubmitCancelled
	EventSubmitFailed
	EventProgress
	EventComplete
	EventStreamCancelled
	EventStreamError
	EventCancel
	EventReset
)

var eventNames = map[Event]string{
	EventStart:           "start",
	EventSubmitted:       "submitted",
	EventNoTaskID:        "no_task_id",
	EventSubmitCancelled: "submit_cancelled",
	EventSubmitFailed:    "submit_failed",
	EventProgress:        "progress",
	EventComplete:        "complete",
	EventStreamCancelled: "stream_cancelled",
	EventStreamError:     "stream_error",
	EventCancel:          "cancel",
	EventReset:           "reset",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Transition is an event plus the data it carries. Only the fields relevant
// to Event are read.
type Transition struct {
	Event   Event
	TaskID  string
	Percent float64
	Message string
	Result  *stream.Result
	Err     string
}

// allowedFrom lists the source states of events that are not accepted from
// every state.
var allowedFrom = map[Event]Status{
	EventSubmitted:       StatusUploading,
	EventNoTaskID:        StatusUploading,
	EventSubmitCancelled: StatusUploading,
	EventSubmitFailed:    StatusUploading,
	EventProgress:        StatusProcessing,
	EventComplete:        StatusProcessing,
	EventStreamCancelled: StatusProcessing,
	EventStreamError:     StatusProcessing,
}

// Machine holds the task state and enforces the transition table. It does no
// I/O and is not safe for concurrent use.
type Machine struct {
	state State
}

func NewMachine() *Machine {
	return &Machine{state: Initial()}
}

// State returns the current snapshot.
func (m *Machine) State() State { return m.state }

// Apply performs tr. A disallowed transition returns ErrInvalidTransition and
// leaves the state untouched.
func (m *Machine) Apply(tr Transition) (State, error) {
	cur := m.state
	if from, ok := allowedFrom[tr.Event]; ok && cur.Status != from {
		return cur, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, tr.Event, cur.Status)
	}

	var next State
	switch tr.Event {
	case EventStart:
		next = State{Status: StatusUploading, Message: MessageUploading}
	case EventSubmitted:
		if tr.TaskID == "" {
			return cur, fmt.Errorf("%w: %s without task id", ErrInvalidTransition, tr.Event)
		}
		next = State{TaskID: tr.TaskID, Status: StatusProcessing, Message: MessageProcessing}
	case EventNoTaskID:
		next = failed(cur.TaskID, MessageNoTaskID)
	case EventSubmitFailed:
		next = failed(cur.TaskID, fallback(tr.Err, MessageUploadFail))
	case EventProgress:
		next = cur
		next.Progress = roundPercent(tr.Percent)
		next.Message = tr.Message
	case EventComplete:
		res := stream.Result{}
		if tr.Result != nil {
			res = *tr.Result
		}
		next = State{TaskID: cur.TaskID, Status: StatusCompleted, Progress: 100, Message: MessageCompleted, Result: &res}
	case EventStreamError:
		next = failed(cur.TaskID, fallback(tr.Err, stream.ConnectionLostMessage))
	case EventSubmitCancelled, EventStreamCancelled, EventCancel:
		next = State{Status: StatusIdle, Message: MessageCancelled}
	case EventReset:
		next = Initial()
	default:
		return cur, fmt.Errorf("%w: unknown %s", ErrInvalidTransition, tr.Event)
	}

	next.Version = cur.Version + 1
	m.state = next
	return next, nil
}

func failed(taskID, msg string) State {
	return State{TaskID: taskID, Status: StatusError, Message: msg, Err: msg}
}

// roundPercent saturates values beyond the int range instead of wrapping.
func roundPercent(p float64) int {
	r := math.Round(p)
	switch {
	case r >= math.MaxInt:
		return math.MaxInt
	case r <= math.MinInt:
		return math.MinInt
	}
	return int(r)
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
