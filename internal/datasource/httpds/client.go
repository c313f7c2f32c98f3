// Package httpds is the HTTP transport for open-data portals: a client that
// retries transport errors, 5xx and 429 responses with exponential backoff
// (github.com/cenkalti/backoff/v4). A Retry-After header on a throttled
// response stretches the next wait, up to Config.MaxRetryAfter.
package httpds

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures the HTTP datasource client.
//
// Timeout bounds connection setup and the wait for response headers. It does
// not bound reading the body, so a stream may be consumed for as long as the
// caller needs.
//
// Zero values are given defaults:
//   - Timeout:        30s
//   - InitialBackoff: 200ms
//   - MaxBackoff:     5s
//   - MaxRetryAfter:  30s
//
// MaxRetries=0 means only the initial attempt is made.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxRetryAfter caps how long a server's Retry-After may delay a retry.
	MaxRetryAfter time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// BaseHeaders are added to every request; per-request headers win.
	BaseHeaders http.Header

	// Transport is an optional custom RoundTripper. When nil, a default
	// *http.Transport is built from the TLS settings.
	Transport http.RoundTripper
}

// Client wraps an http.Client with retry and backoff behavior.
type Client struct {
	httpClient     *http.Client
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetryAfter  time.Duration
	baseHeaders    http.Header
}

// StatusError is returned by Open for a final non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string // first bytes of the response body
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpds: %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// NewClient constructs a Client from Config, applying defaults for zero values.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = 30 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   cfg.Timeout,
			ResponseHeaderTimeout: cfg.Timeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
		}
	}

	hdr := http.Header{}
	for k, vs := range cfg.BaseHeaders {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}

	return &Client{
		httpClient:     &http.Client{Transport: transport},
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxRetryAfter:  cfg.MaxRetryAfter,
		baseHeaders:    hdr,
	}
}

// newBackOff builds the retry schedule: exponential from initialBackoff,
// capped at maxBackoff and bounded by maxRetries. The returned throttle lets
// the request loop stretch the next wait after a Retry-After.
func (c *Client) newBackOff() *throttle {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0 // bounded by retries instead
	eb.Reset()
	return &throttle{BackOff: backoff.WithMaxRetries(eb, uint64(c.maxRetries))}
}

// throttle waits at least the server-requested delay, when there is one.
type throttle struct {
	backoff.BackOff
	hint time.Duration
}

func (t *throttle) NextBackOff() time.Duration {
	d := t.BackOff.NextBackOff()
	if d != backoff.Stop && t.hint > d {
		d = t.hint
	}
	t.hint = 0
	return d
}

// retryAfter parses a Retry-After value (delay-seconds or HTTP-date) and
// caps it at limit. Unparseable or past values yield 0.
func retryAfter(v string, now time.Time, limit time.Duration) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	}
	if d < 0 {
		return 0
	}
	return min(d, limit)
}

// Do sends an HTTP request, retrying transport errors and retryable statuses.
// The body is a byte slice so it can be re-sent on retry.
//
// The returned *http.Response has a non-nil Body which the caller must close.
// Non-retryable statuses (e.g. 404) are returned as responses, not errors.
func (c *Client) Do(
	ctx context.Context,
	method, url string,
	body []byte,
	headers http.Header,
) (*http.Response, error) {
	if method == "" {
		return nil, errors.New("httpds: method must not be empty")
	}
	if url == "" {
		return nil, errors.New("httpds: url must not be empty")
	}

	var resp *http.Response
	bo := c.newBackOff()
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("httpds: build request: %w", err))
		}
		for k, vs := range c.baseHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		r, err := c.send(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if isRetryableStatus(r.StatusCode) {
			bo.hint = retryAfter(r.Header.Get("Retry-After"), time.Now(), c.maxRetryAfter)
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4<<10))
			_ = r.Body.Close()
			return fmt.Errorf("httpds: retryable status %d from %s %s", r.StatusCode, method, url)
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// send runs one attempt. The attempt is cancelled if headers have not arrived
// within c.timeout; once they have, the body stays readable until closed.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(c.timeout, cancel)

	r, err := c.httpClient.Do(req.WithContext(ctx))
	if !timer.Stop() {
		if err == nil {
			_ = r.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("httpds: %s %s: no response headers within %s", req.Method, req.URL, c.timeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	r.Body = &cancelOnClose{ReadCloser: r.Body, cancel: cancel}
	return r, nil
}

// cancelOnClose releases the attempt context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Get is a convenience wrapper over Do for HTTP GET. The caller must close
// the response body.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

// Open issues a GET and returns the body of a 2xx response. Any other final
// status is turned into a *StatusError.
func (c *Client) Open(ctx context.Context, url string, headers http.Header) (io.ReadCloser, error) {
	resp, err := c.Get(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	return resp.Body, nil
}

// isRetryableStatus reports whether the status should trigger a retry:
// 5xx and 429 are transient, everything else is final.
func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}
