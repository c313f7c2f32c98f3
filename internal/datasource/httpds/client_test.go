package httpds

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fastConfig keeps backoff waits in the millisecond range.
func fastConfig(retries int) Config {
	return Config{
		MaxRetries:     retries,
		Timeout:        2 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

// TestNewClient_Defaults verifies that NewClient applies defaults and sets TLS
// behavior when no custom Transport is supplied.
func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{InsecureSkipVerify: true, MaxRetries: -1})

	if c.timeout <= 0 {
		t.Fatalf("expected non-zero timeout, got %v", c.timeout)
	}
	if c.httpClient.Timeout != 0 {
		t.Fatalf("http.Client.Timeout = %v, want 0 so bodies can stream", c.httpClient.Timeout)
	}
	if c.maxRetries != 0 {
		t.Fatalf("expected maxRetries=0, got %d", c.maxRetries)
	}
	if c.initialBackoff <= 0 || c.maxBackoff <= 0 {
		t.Fatalf("expected positive backoff defaults, got %v/%v", c.initialBackoff, c.maxBackoff)
	}
	transport, ok := c.httpClient.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", c.httpClient.Transport)
	}
	if transport.TLSClientConfig == nil || !transport.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("expected InsecureSkipVerify=true when configured")
	}
	if transport.ResponseHeaderTimeout != c.timeout {
		t.Fatalf("ResponseHeaderTimeout = %v, want %v", transport.ResponseHeaderTimeout, c.timeout)
	}
}

// TestDo_RetryOn5xxThenSuccess verifies that 5xx and 429 are retried and the
// eventual 200 is returned.
func TestDo_RetryOn5xxThenSuccess(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&hits, 1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = io.WriteString(w, "ok")
		}
	}))
	defer srv.Close()

	c := NewClient(fastConfig(3))
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("hits=%d want 3", got)
	}
}

// TestDo_StopsAfterMaxRetries verifies the attempt budget is 1+MaxRetries.
func TestDo_StopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(fastConfig(2))
	if _, err := c.Get(context.Background(), srv.URL, nil); err == nil {
		t.Fatalf("expected error after retries")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("hits=%d want 3", got)
	}
}

// TestOpen_NonRetryableStatus verifies that a 404 is not retried and surfaces
// as a *StatusError with a body snippet.
func TestOpen_NonRetryableStatus(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "dataset not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(fastConfig(3))
	_, err := c.Open(context.Background(), srv.URL, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err=%v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound || !strings.Contains(se.Body, "dataset not found") {
		t.Fatalf("StatusError=%+v", se)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("hits=%d want 1", got)
	}
}

// TestDo_HeadersMerged checks base headers and per-request overrides.
func TestDo_HeadersMerged(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-App-Token") != "tok" || r.Header.Get("Accept") != "text/csv" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := fastConfig(0)
	cfg.BaseHeaders = http.Header{"X-App-Token": {"tok"}, "Accept": {"*/*"}}
	c := NewClient(cfg)
	rc, err := c.Open(context.Background(), srv.URL, http.Header{"Accept": {"text/csv"}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rc.Close()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// TestCustomTransport ensures a supplied RoundTripper is used and transport
// errors are retried.
func TestCustomTransport(t *testing.T) {
	t.Parallel()

	var calls int32
	cfg := fastConfig(1)
	cfg.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("connection reset")
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("a,b\n")), Request: r}, nil
	})
	c := NewClient(cfg)
	rc, err := c.Open(context.Background(), "http://example.invalid/data.csv", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "a,b\n" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("body=%q calls=%d", b, calls)
	}
}

// TestDo_ContextCanceled verifies that a canceled context stops retries.
func TestDo_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(fastConfig(5))
	if _, err := c.Get(ctx, srv.URL, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]bool{200: false, 404: false, 429: true, 500: true, 503: true, 599: true} {
		if got := isRetryableStatus(code); got != want {
			t.Fatalf("isRetryableStatus(%d)=%v want %v", code, got, want)
		}
	}
}

func TestFetchFirstBytes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-9" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, strings.Repeat("x", 100)) // ignores Range
	}))
	defer srv.Close()

	c := NewClient(fastConfig(0))
	b, err := c.FetchFirstBytes(context.Background(), srv.URL, nil, 10)
	if err != nil {
		t.Fatalf("FetchFirstBytes: %v", err)
	}
	if len(b) != 10 {
		t.Fatalf("len=%d want 10", len(b))
	}
	if _, err := c.FetchFirstBytes(context.Background(), srv.URL, nil, 0); err == nil {
		t.Fatalf("n=0: want error")
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"120", 30 * time.Second},
		{"-5", 0},
		{"soon", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.in, now, 30*time.Second); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestDo_ThrottledWaitsRetryAfter checks that a 429 with Retry-After delays
// the retry past the (much shorter) exponential interval.
func TestDo_ThrottledWaitsRetryAfter(t *testing.T) {
	t.Parallel()

	var (
		hits  int32
		first atomic.Int64
		gap   atomic.Int64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UnixNano()
		if atomic.AddInt32(&hits, 1) == 1 {
			first.Store(now)
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		gap.Store(now - first.Load())
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := fastConfig(1)
	cfg.MaxRetryAfter = 50 * time.Millisecond
	resp, err := NewClient(cfg).Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if got := time.Duration(gap.Load()); got < 50*time.Millisecond {
		t.Fatalf("retry after %v, want >= 50ms", got)
	}
}

// TestOpen_BodyOutlivesTimeout verifies that the timeout stops at the headers:
// a body that trickles in for longer than Timeout is still read in full.
func TestOpen_BodyOutlivesTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "unique_key\n1\n")
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(w, "2\n")
	}))
	defer srv.Close()

	cfg := fastConfig(0)
	cfg.Timeout = 100 * time.Millisecond
	rc, err := NewClient(cfg).Open(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "unique_key\n1\n2\n" {
		t.Fatalf("body = %q", got)
	}
}

// TestOpen_SlowHeadersTimeout verifies that a server which never answers
// within Timeout fails the attempt.
func TestOpen_SlowHeadersTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	cfg := fastConfig(0)
	cfg.Timeout = 50 * time.Millisecond
	_, err := NewClient(cfg).Open(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "no response headers within") && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}
}
