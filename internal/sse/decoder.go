// Package sse reads text/event-stream framing from a live response body.
//
// It only deals with framing: field lines, comments and the blank line that
// dispatches an event. Interpreting event names and payloads is up to the
// caller.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const maxLineBytes = 1 << 20

// DefaultEventType is the type of frames that carry no event field.
const DefaultEventType = "message"

// Event is one dispatched server-sent event.
type Event struct {
	Type  string
	Data  string
	ID    string
	Retry int
}

// Decoder decodes events one at a time without buffering the whole stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Decoder{scanner: scanner}
}

// Next blocks until the next complete event is available. It returns io.EOF
// when the stream ends; a trailing event without its terminating blank line
// is discarded.
func (d *Decoder) Next() (Event, error) {
	var (
		ev      Event
		data    strings.Builder
		hasData bool
		hasType bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if !hasData && !hasType {
				continue
			}
			ev.Data = data.String()
			if ev.Type == "" {
				ev.Type = DefaultEventType
			}
			return ev, nil
		}

		// Comments (lines starting with :) are keep-alives.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			ev.Type = value
			hasType = value != ""
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
			}
		case "retry":
			if retry, err := strconv.Atoi(value); err == nil && retry >= 0 {
				ev.Retry = retry
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read event stream: %w", err)
	}
	return Event{}, io.EOF
}
