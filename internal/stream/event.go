package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"convertkit/internal/sse"
)

// Named events of the progress stream.
const (
	EventProgress  = "progress"
	EventComplete  = "complete"
	EventCancelled = "cancelled"
	EventError     = "error"
)

const (
	// DefaultProgressMessage is used when a progress event carries neither a
	// message nor a stage.
	DefaultProgressMessage = "Processing..."
	// ConnectionLostMessage is reported for transport failures and error
	// events without a usable body.
	ConnectionLostMessage = "Connection lost"
)

var (
	errEmptyPayload = errors.New("empty payload")
	errNullPayload  = errors.New("null payload")
)

// Event is one parsed server notification: ProgressEvent, CompleteEvent,
// CancelledEvent, ErrorEvent or MalformedEvent.
type Event interface {
	isEvent()
}

// ProgressEvent reports intermediate progress. Percent is passed through as
// sent by the server, without clamping.
type ProgressEvent struct {
	Percent float64
	Message string
}

// CompleteEvent carries the task result.
type CompleteEvent struct {
	Result Result
}

// CancelledEvent reports that the server cancelled the task.
type CancelledEvent struct{}

// ErrorEvent terminates the stream. Transport is set when the failure came
// from the connection rather than from an error event body.
type ErrorEvent struct {
	Message   string
	Code      string
	Transport bool
	Err       error
}

// MalformedEvent is a named event whose payload could not be decoded. It is
// logged and dropped, never turned into a transition.
type MalformedEvent struct {
	Name string
	Err  error
}

func (ProgressEvent) isEvent()  {}
func (CompleteEvent) isEvent()  {}
func (CancelledEvent) isEvent() {}
func (ErrorEvent) isEvent()     {}
func (MalformedEvent) isEvent() {}

// Terminal reports whether ev ends the subscription.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case CompleteEvent, CancelledEvent, ErrorEvent:
		return true
	}
	return false
}

// Result is the decoded payload of a complete event.
type Result struct {
	Success       bool           `json:"success"`
	DownloadURL   string         `json:"download_url,omitempty"`
	Filename      string         `json:"filename,omitempty"`
	OriginalSize  *int64         `json:"original_size,omitempty"`
	ProcessedSize *int64         `json:"processed_size,omitempty"`
	Data          jsontext.Value `json:"data,omitempty"`

	// Raw is the whole complete payload, for tool specific fields.
	Raw jsontext.Value `json:"-"`
}

// Decode unmarshals the whole complete payload into v.
func (r Result) Decode(v any) error {
	if len(r.Raw) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(r.Raw, v)
}

// DecodeData unmarshals the tool specific data member into v.
func (r Result) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(r.Data, v)
}

type progressPayload struct {
	Percent *float64 `json:"percent"`
	Message *string  `json:"message"`
	Stage   *string  `json:"stage"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Parse turns an SSE frame into an Event. It returns nil for frames that
// carry nothing actionable: unknown event names and unnamed frames without a
// percent field.
func Parse(frame sse.Event) Event {
	switch frame.Type {
	case EventProgress:
		ev, err := parseProgress(frame.Data)
		if err != nil {
			return MalformedEvent{Name: frame.Type, Err: err}
		}
		return ev
	case EventComplete:
		res, err := parseResult(frame.Data)
		if err != nil {
			return MalformedEvent{Name: frame.Type, Err: err}
		}
		return CompleteEvent{Result: res}
	case EventCancelled:
		return CancelledEvent{}
	case EventError:
		var body errorPayload
		if err := unmarshalObject(frame.Data, &body); err != nil || body.Message == "" {
			return ErrorEvent{Message: ConnectionLostMessage, Transport: true, Err: err}
		}
		return ErrorEvent{Message: body.Message, Code: body.Code}
	case sse.DefaultEventType:
		// Fallback for servers that only send unnamed frames.
		if ev, err := parseProgress(frame.Data); err == nil {
			return ev
		}
		return nil
	default:
		return nil
	}
}

func parseProgress(data string) (ProgressEvent, error) {
	var body progressPayload
	if err := unmarshalObject(data, &body); err != nil {
		return ProgressEvent{}, err
	}
	if body.Percent == nil {
		return ProgressEvent{}, errors.New("missing percent")
	}
	msg := DefaultProgressMessage
	switch {
	case body.Message != nil:
		msg = *body.Message
	case body.Stage != nil:
		msg = *body.Stage
	}
	return ProgressEvent{Percent: *body.Percent, Message: msg}, nil
}

func parseResult(data string) (Result, error) {
	var res Result
	if err := unmarshalObject(data, &res); err != nil {
		return Result{}, err
	}
	res.Raw = jsontext.Value(data)
	return res, nil
}

func unmarshalObject(data string, v any) error {
	if data == "" {
		return errEmptyPayload
	}
	if strings.TrimSpace(data) == "null" {
		return errNullPayload
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
