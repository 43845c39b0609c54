// Package backend posts chat payloads to the upstream LLM endpoint with
// the proxy's retry, header, and timeout policy.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 3100 * time.Millisecond
	defaultTimeout    = 120 * time.Second
)

// StatusError is a non-2xx backend reply, carrying the status and a body
// excerpt so the dispatcher can shape the client-facing error.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Body)
}

// UnreachableError wraps transport failures and timeouts; the dispatcher
// maps it to 504.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("backend unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// Client posts JSON to backends. Read-only after construction; safe for
// concurrent use.
type Client struct {
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the connection timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithMaxRetries caps retry attempts after the first request.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the exponential backoff base.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// New builds a Client with the documented defaults: 2 retries, 500ms
// backoff base capped at 3.1s, 120s connection timeout.
func New(opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends the JSON body and returns the response with its body
// unconsumed, so callers can stream it. Retries network errors, 5xx and
// 429 (honoring Retry-After up to the delay cap). The returned response is
// always 2xx; everything else becomes StatusError or UnreachableError.
func (c *Client) Post(ctx context.Context, url string, body []byte, header http.Header) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, url, body, header)
}

// Get fetches a backend resource under the same retry policy as Post.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, url, nil, header)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			zap.S().Debugw("backend_retry", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, &UnreachableError{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("build backend request: %w", err)
		}
		req.Header = header.Clone()
		if req.Header == nil {
			req.Header = http.Header{}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &UnreachableError{Err: err}
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		excerpt := readExcerpt(resp.Body)
		resp.Body.Close()
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: excerpt}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = withRetryAfter(statusErr, resp.Header)
			continue
		}
		// 4xx other than 429 is the caller's problem, not a transient.
		return nil, statusErr
	}
	if lastErr == nil {
		lastErr = &UnreachableError{Err: fmt.Errorf("retries exhausted")}
	}
	if se, ok := lastErr.(*retryAfterError); ok {
		return nil, se.inner
	}
	return nil, lastErr
}

// retryAfterError threads the server-requested delay through to backoff.
type retryAfterError struct {
	inner *StatusError
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.inner.Error() }

func withRetryAfter(se *StatusError, h http.Header) error {
	var after time.Duration
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			after = time.Duration(secs) * time.Second
		}
	}
	return &retryAfterError{inner: se, after: after}
}

func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	if ra, ok := lastErr.(*retryAfterError); ok && ra.after > 0 {
		if ra.after > c.maxDelay {
			return c.maxDelay
		}
		return ra.after
	}
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

// readExcerpt reads at most 4 KiB of an error body for diagnostics.
func readExcerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
