// Package stream consumes the server-sent progress stream of a conversion
// task and turns it into typed callbacks.
//
// A Subscription delivers events until it sees complete, cancelled or error,
// or until Close is called. Either way it closes itself and stops reading;
// nothing is delivered after that point.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"convertkit/internal/sse"
)

const (
	defaultStreamPath = "/tasks/{task_id}/stream"
	taskIDPlaceholder = "{task_id}"
)

var (
	// ErrClosed is the cancellation cause of a subscription closed locally.
	ErrClosed = errors.New("subscription closed")

	errEndOfStream = errors.New("stream ended before a terminal event")
)

// Client opens progress subscriptions against one backend.
type Client struct {
	base       string
	streamPath string
	http       *http.Client
	headers    http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not impose a total request
// timeout, the stream stays open for the lifetime of the task.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithStreamPath sets the endpoint template; {task_id} is substituted.
func WithStreamPath(p string) Option {
	return func(c *Client) {
		if strings.TrimSpace(p) != "" {
			c.streamPath = p
		}
	}
}

// WithHeader adds a header sent with every stream request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("empty base url")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		streamPath: defaultStreamPath,
		// No timeout - the stream blocks waiting for events until closed.
		http:    &http.Client{},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the stream endpoint for taskID.
func (c *Client) URL(taskID string) string {
	return c.base + strings.ReplaceAll(c.streamPath, taskIDPlaceholder, url.PathEscape(taskID))
}

// Connect opens a subscription for taskID. It does not block: connection
// failures are reported through Handlers.OnError like any other transport
// error. The subscription ends when ctx is done, without a callback.
func (c *Client) Connect(ctx context.Context, taskID string, h Handlers) *Subscription {
	subCtx, cancel := context.WithCancelCause(ctx)
	s := &Subscription{
		taskID:   taskID,
		handlers: h,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(subCtx, c)
	return s
}

func (c *Client) open(ctx context.Context, taskID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Subscription) run(ctx context.Context, c *Client) {
	defer close(s.done)

	err := s.consume(ctx, c)
	if ctx.Err() != nil {
		// Ended by Close or by the parent context; either way nothing more
		// will be delivered.
		s.Close()
		return
	}
	log.Debug().Str("task_id", s.taskID).Err(err).Msg("progress stream lost")
	s.deliver(ErrorEvent{Message: ConnectionLostMessage, Transport: true, Err: err})
}

// consume reads frames until the subscription closes or the transport fails.
func (s *Subscription) consume(ctx context.Context, c *Client) error {
	body, err := c.open(ctx, s.taskID)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := sse.NewDecoder(body)
	for {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return errEndOfStream
		}
		if err != nil {
			return err
		}

		ev := Parse(frame)
		if ev == nil {
			log.Debug().Str("task_id", s.taskID).Str("event", frame.Type).Msg("ignoring stream frame")
			continue
		}
		if !s.deliver(ev) {
			return nil
		}
	}
}
