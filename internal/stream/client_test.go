package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sse"
)

// fakeStream serves one SSE connection whose frames are pushed by the test.
type fakeStream struct {
	srv    *httptest.Server
	frames chan sse.Event
	hangup chan struct{}
	paths  chan string
}

func newFakeStream(t *testing.T) *fakeStream {
	t.Helper()
	fs := &fakeStream{
		frames: make(chan sse.Event),
		hangup: make(chan struct{}),
		paths:  make(chan string, 4),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.paths <- r.URL.Path
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "bad accept", http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case ev := <-fs.frames:
				if err := sse.Encode(w, ev); err != nil {
					return
				}
				flusher.Flush()
			case <-fs.hangup:
				return
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

// send pushes a frame, failing the test if the handler is gone.
func (fs *fakeStream) send(t *testing.T, ev sse.Event) {
	t.Helper()
	select {
	case fs.frames <- ev:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream handler did not accept frame %q", ev.Event)
	}
}

type recorder struct {
	calls chan string
	last  chan any
}

func newRecorder() *recorder {
	return &recorder{calls: make(chan string, 16), last: make(chan any, 16)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnProgress:  func(e ProgressEvent) { r.last <- e; r.calls <- "progress" },
		OnComplete:  func(res Result) { r.last <- res; r.calls <- "complete" },
		OnCancelled: func() { r.last <- nil; r.calls <- "cancelled" },
		OnError:     func(e ErrorEvent) { r.last <- e; r.calls <- "error" },
	}
}

func (r *recorder) next(t *testing.T) (string, any) {
	t.Helper()
	select {
	case call := <-r.calls:
		return call, <-r.last
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for handler call")
		return "", nil
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case call := <-r.calls:
		t.Fatalf("unexpected handler call %q", call)
	case <-time.After(wait):
	}
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription reader did not exit")
	}
}

func newTestClient(t *testing.T, base string) *Client {
	t.Helper()
	c, err := NewClient(base)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestProgressThenComplete(t *testing.T) {
	fs := newFakeStream(t)
	rec := newRecorder()
	sub := newTestClient(t, fs.srv.URL).Connect(context.Background(), "t-1", rec.handlers())
	defer sub.Close()

	if got := <-fs.paths; got != "/tasks/t-1/stream" {
		t.Fatalf("unexpected stream path %q", got)
	}

	fs.send(t, sse.Event{Event: "progress", Data: map[string]any{"percent": 25, "message": "Analyzing..."}})
	call, payload := rec.next(t)
	if call != "progress" || payload.(ProgressEvent).Percent != 25 || payload.(ProgressEvent).Message != "Analyzing..." {
		t.Fatalf("unexpected first call %q %+v", call, payload)
	}

	fs.send(t, sse.Event{Event: "complete", Data: map[string]any{"success": true, "download_url": "/d/x"}})
	call, payload = rec.next(t)
	if call != "complete" {
		t.Fatalf("expected complete, got %q", call)
	}
	if res := payload.(Result); !res.Success || res.DownloadURL != "/d/x" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !sub.Closed() {
		t.Fatalf("subscription must close itself after complete")
	}
	waitDone(t, sub)
}

func TestMalformedEventIsDropped(t *testing.T) {
	fs := newFakeStream(t)
	rec := newRecorder()
	sub := newTestClient(t, fs.srv.URL).Connect(context.Background(), "t-2", rec.handlers())
	defer sub.Close()

	fs.send(t, sse.Event{Event: "progress", Data: "{not json"})
	fs.send(t, sse.Event{Event: "complete", Data: "{broken"})
	fs.send(t, sse.Event{Event: "progress", Data: map[string]any{"percent": 10}})

	call, payload := rec.next(t)
	if call != "progress" || payload.(ProgressEvent).Percent != 10 {
		t.Fatalf("expected only the valid progress event, got %q %+v", call, payload)
	}
	if sub.Closed() {
		t.Fatalf("malformed events must not close the subscription")
	}
}

func TestErrorEventWithBody(t *testing.T) {
	fs := newFakeStream(t)
	rec := newRecorder()
	sub := newTestClient(t, fs.srv.URL).Connect(context.Background(), "t-3", rec.handlers())
	defer sub.Close()

	fs.send(t, sse.Event{Event: "error", Data: map[string]any{"message": "Processing failed"}})
	call, payload := rec.next(t)
	if call != "error" {
		t.Fatalf("expected error, got %q", call)
	}
	if e := payload.(ErrorEvent); e.Message != "Processing failed" || e.Transport {
		t.Fatalf("unexpected error event %+v", e)
	}
	waitDone(t, sub)
}

func TestHangupIsConnectionLost(t *testing.T) {
	fs := newFakeStream(t)
	rec := newRecorder()
	sub := newTestClient(t, fs.srv.URL).Connect(context.Background(), "t-4", rec.handlers())
	defer sub.Close()

	fs.send(t, sse.Event{Event: "progress", Data: map[string]any{"percent": 50}})
	rec.next(t)
	close(fs.hangup)

	call, payload := rec.next(t)
	if call != "error" {
		t.Fatalf("expected error, got %q", call)
	}
	if e := payload.(ErrorEvent); e.Message != ConnectionLostMessage || !e.Transport {
		t.Fatalf("unexpected error event %+v", e)
	}
	waitDone(t, sub)
}

func TestBadStatusIsConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rec := newRecorder()
	sub := newTestClient(t, srv.URL).Connect(context.Background(), "missing", rec.handlers())
	defer sub.Close()

	call, payload := rec.next(t)
	if call != "error" || payload.(ErrorEvent).Message != ConnectionLostMessage {
		t.Fatalf("expected connection lost, got %q %+v", call, payload)
	}
}

func TestNoDeliveryAfterTerminalEvent(t *testing.T) {
	fs := newFakeStream(t)
	rec := newRecorder()
	sub := newTestClient(t, fs.srv.URL).Connect(context.Background(), "t-5", rec.handlers())
	defer sub.Close()

	fs.send(t, sse.Event{Event: "cancelled", Data: ""})
	if call, _ := rec.next(t); call != "cancelled" {
		t.Fatalf("expected cancelled, got %q", call)
	}
	waitDone(t, sub)

	// The reader is gone, so late frames cannot reach the handlers.
	select {
	case fs.frames <- sse.Event{Event: "progress", Data: map[string]any{"percent": 99}}:
	case <-time.After(100 * time.Millisecond):
	}
	rec.none(t, 50*time.Millisecond)
}

func TestCloseStopsDelivery(t *testing.T) {
	fs := newFakeStream(t)
	rec := newRecorder()
	sub := newTestClient(t, fs.srv.URL).Connect(context.Background(), "t-6", rec.handlers())

	fs.send(t, sse.Event{Event: "progress", Data: map[string]any{"percent": 1}})
	rec.next(t)

	sub.Close()
	sub.Close()
	waitDone(t, sub)
	rec.none(t, 50*time.Millisecond)
}

func TestClientURL(t *testing.T) {
	c, err := NewClient("localhost:8080/", WithStreamPath("/api/v1/jobs/{task_id}/events"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got := c.URL("a b/c")
	if !strings.HasPrefix(got, "http://localhost:8080/api/v1/jobs/") || !strings.HasSuffix(got, "a%20b%2Fc/events") {
		t.Fatalf("unexpected url %q", got)
	}
	if _, err := NewClient(" "); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

func TestParentContextEndClosesSubscription(t *testing.T) {
	fs := newFakeStream(t)
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	sub := newTestClient(t, fs.srv.URL).Connect(ctx, "t-7", rec.handlers())

	fs.send(t, sse.Event{Event: "progress", Data: map[string]any{"percent": 5}})
	rec.next(t)

	cancel()
	waitDone(t, sub)
	if !sub.Closed() {
		t.Fatalf("subscription must report closed once its reader exited")
	}
	rec.none(t, 50*time.Millisecond)
}
