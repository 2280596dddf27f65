package upstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storyapp/shelter/internal/cache"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client performs network fetches and captures the whole response.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewClientWith wraps an existing http.Client, mostly for tests.
func NewClientWith(hc *http.Client) *Client {
	return &Client{http: hc}
}

// Fetch replays r (method, URL and headers) against the network. Only
// transport failures return an error; any HTTP status is a valid response.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (cache.Object, error) {
	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return cache.Object{}, err
	}
	copyHeaders(req.Header, r.Header)
	// let the transport negotiate and decode compression
	req.Header.Del("Accept-Encoding")

	resp, err := c.http.Do(req)
	if err != nil {
		return cache.Object{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Object{}, err
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	if resp.Uncompressed {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}
	return cache.Object{
		Status:    resp.StatusCode,
		Header:    header,
		Body:      data,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// Get fetches rawURL with a plain GET.
func (c *Client) Get(ctx context.Context, rawURL string, headers http.Header) (cache.Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return cache.Object{}, err
	}
	copyHeaders(req.Header, headers)
	return c.Fetch(ctx, req)
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if len(vv) == 0 || isHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHop(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
