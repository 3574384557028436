package connectivity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// HTTPChecker probes a URL. Any HTTP response counts as online; only a
// transport failure counts as offline.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

func NewHTTPChecker(url string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChecker) Check(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true, nil
}

// TCPChecker dials an address.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func (c *TCPChecker) Check(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return false, nil
	}
	conn.Close()
	return true, nil
}

// StaticChecker always reports the same state.
type StaticChecker bool

func (c StaticChecker) Check(context.Context) (bool, error) {
	return bool(c), nil
}
