package httpds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// FetchFirstBytes retrieves up to n bytes from url. The validate command uses
// it to inspect a source's header line without downloading the dataset.
//
// A Range header is sent as an optimization, and the read is capped
// client-side for servers that ignore it. Unlike Open, the whole request
// including the body read is bounded by the client timeout. The returned slice
// length is <= n.
func (c *Client) FetchFirstBytes(ctx context.Context, url string, headers http.Header, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("httpds: n must be > 0")
	}

	h := headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.Do(ctx, http.MethodGet, url, nil, h)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode}
	}

	lr := &io.LimitedReader{R: resp.Body, N: int64(n)}

	var buf bytes.Buffer
	_, err = buf.ReadFrom(lr)
	if err != nil && err != io.EOF {
		return nil, err
	}

	return buf.Bytes(), nil
}
