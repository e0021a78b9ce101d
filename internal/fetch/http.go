package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// HTTPTransfer downloads http and https sources.
type HTTPTransfer struct {
	Client *http.Client
}

// NewHTTPTransfer creates a transfer whose requests time out after timeout.
func NewHTTPTransfer(timeout time.Duration) *HTTPTransfer {
	return &HTTPTransfer{Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPTransfer) Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", src.Redacted(), resp.Status)
	}

	w := &countingWriter{w: dst, total: resp.ContentLength, progress: progress}
	_, err = io.Copy(w, resp.Body)
	return err
}

type countingWriter struct {
	w        io.Writer
	done     int64
	total    int64
	progress ProgressFunc
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.done += int64(n)
	if c.progress != nil {
		c.progress(c.done, c.total)
	}
	return n, err
}
