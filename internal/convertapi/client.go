// Package convertapi talks to the conversion backend's REST endpoints:
// uploads, cancellation and result downloads.
package convertapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/rs/zerolog/log"

	fileutil "convertkit/internal/file"
	"convertkit/internal/task"
)

const (
	defaultCancelPath = "/tasks/{task_id}/cancel"
	taskIDPlaceholder = "{task_id}"
	toolsPath         = "/api/v1/tools"

	// errorBodyLimit caps how much of an error response is read.
	errorBodyLimit = 4 << 10
)

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return e.Message
}

// Client is safe for concurrent use.
type Client struct {
	base       *url.URL
	cancelPath string
	http       *http.Client
}

type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCancelPath sets the cancel endpoint template; {task_id} is substituted.
func WithCancelPath(p string) Option {
	return func(c *Client) {
		if strings.TrimSpace(p) != "" {
			c.cancelPath = p
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("empty base url")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.ParseRequestURI(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{base: u, cancelPath: defaultCancelPath, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload returns a submission that posts the file at path to the tool's
// endpoint as multipart field "file", with fields as extra form values.
// The body is streamed, so the file is never held in memory.
func (c *Client) Upload(tool, path string, fields map[string]string) task.SubmitFunc {
	return func(ctx context.Context) (task.Submission, error) {
		f, err := os.Open(path) //nolint:gosec // path is chosen by the user
		if err != nil {
			return task.Submission{}, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeForm(mw, filepath.Base(path), f, fields))
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(toolsPath+"/"+url.PathEscape(tool)), pr)
		if err != nil {
			_ = pr.Close()
			return task.Submission{}, fmt.Errorf("create upload request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Accept", "application/json")

		var sub task.Submission
		if err := c.doJSON(req, &sub); err != nil {
			_ = pr.Close()
			return task.Submission{}, err
		}
		log.Debug().Str("tool", tool).Str("task_id", sub.TaskID).Msg("upload accepted")
		return sub, nil
	}
}

func writeForm(mw *multipart.Writer, filename string, src io.Reader, fields map[string]string) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// Cancel asks the backend to stop taskID.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	if taskID == "" {
		return errors.New("empty task id")
	}
	p := strings.ReplaceAll(c.cancelPath, taskIDPlaceholder, url.PathEscape(taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(p), nil)
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}
	return c.doJSON(req, nil)
}

// Tools lists the tools the backend accepts.
func (c *Client) Tools(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(toolsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("create tools request: %w", err)
	}
	var body struct {
		Tools []string `json:"tools"`
	}
	if err := c.doJSON(req, &body); err != nil {
		return nil, err
	}
	return body.Tools, nil
}

// Download fetches rawURL, which may be relative to the base URL, and writes
// it atomically to dest.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(rawURL), nil)
	if err != nil {
		return 0, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	n, err := fileutil.CopyAtomic(dest, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("save download: %w", err)
	}
	return n, nil
}

func (c *Client) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return c.base.String() + ref
	}
	if u.IsAbs() {
		return u.String()
	}
	joined := *c.base
	joined.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(u.Path, "/")
	joined.RawPath = ""
	joined.RawQuery = u.RawQuery
	return joined.String()
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.UnmarshalRead(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if json.Unmarshal(raw, &body) != nil {
		body.Message = strings.TrimSpace(string(raw))
	}
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}
