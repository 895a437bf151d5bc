// Package httpclient fetches feed indexes and artifact bytes by URL. It
// supports http, https and file URLs and optionally retries transient
// failures with exponential backoff.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Minute

	// MaxResponseSize is the maximum allowed size of a document read with Get (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "nupkg-mirror/1.0"
)

// Client is an interface for fetching bytes by URL
type Client interface {
	// Get fetches a whole document, such as a feed index
	Get(ctx context.Context, url string) ([]byte, error)
	// Open streams a document, such as an artifact. The caller closes the reader.
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// DefaultClient is the default Client implementation
type DefaultClient struct {
	client          *http.Client
	timeout         time.Duration
	maxAttempts     uint
	maxResponseSize int64
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithMaxAttempts sets how many times a request is tried before giving up.
// Values below 1 mean a single attempt.
func WithMaxAttempts(attempts int) Option {
	return func(c *DefaultClient) {
		if attempts > 1 {
			c.maxAttempts = uint(attempts)
		}
	}
}

// WithMaxResponseSize overrides MaxResponseSize for Get
func WithMaxResponseSize(size int64) Option {
	return func(c *DefaultClient) {
		if size > 0 {
			c.maxResponseSize = size
		}
	}
}

// NewDefaultClient creates a new default client with the specified timeout.
// If timeout is 0, uses DefaultTimeout
func NewDefaultClient(timeout time.Duration, opts ...Option) Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout:         timeout,
		maxAttempts:     1,
		maxResponseSize: MaxResponseSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches url and returns the whole body
func (c *DefaultClient) Get(ctx context.Context, rawURL string) ([]byte, error) {
	rc, size, err := c.open(ctx, rawURL, "application/json")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()

	if size > c.maxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			size, c.maxResponseSize, float64(c.maxResponseSize)/(1024*1024))
	}

	// +1 to detect if limit exceeded
	limitedReader := io.LimitReader(rc, c.maxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.maxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			c.maxResponseSize, float64(c.maxResponseSize)/(1024*1024))
	}
	return body, nil
}

// Open fetches url and returns the body as a stream
func (c *DefaultClient) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	rc, _, err := c.open(ctx, rawURL, "")
	return rc, err
}

// open returns the body of rawURL and its size, or -1 when unknown
func (c *DefaultClient) open(ctx context.Context, rawURL, accept string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if u.Scheme == "file" {
		return openFile(u)
	}

	type response struct {
		body io.ReadCloser
		size int64
	}
	operation := func() (response, error) {
		resp, err := c.do(ctx, rawURL, accept)
		if err != nil {
			return response{}, err
		}
		return response{body: resp.Body, size: resp.ContentLength}, nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Retrying request", "url", rawURL, "error", err, "wait", wait)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithMaxElapsedTime(c.timeout),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, 0, err
	}
	return resp.body, resp.size, nil
}

// do performs a single request. Errors that retrying cannot fix are
// marked permanent.
func (c *DefaultClient) do(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to execute request: %w", err))
		}
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		httpErr := NewHTTPError(resp.StatusCode, rawURL, resp.Status)
		if httpErr.Temporary() {
			return nil, httpErr
		}
		return nil, backoff.Permanent(httpErr)
	}
	return resp, nil
}

func openFile(u *url.URL) (io.ReadCloser, int64, error) {
	// #nosec G304 -- file URLs are configured by the operator
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", u.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", u.Path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("failed to open %s: %w", u.Path, errors.New("is a directory"))
	}
	return f, info.Size(), nil
}
