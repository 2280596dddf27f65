package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/storyapp/shelter/internal/cache"
	"github.com/storyapp/shelter/internal/clients"
	"github.com/storyapp/shelter/internal/config"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin  = "https://app.example"
	testAPIBase = "https://story-api.dicoding.dev/v1"
)

var errOffline = errors.New("network unreachable")

type route struct {
	status int
	body   string
	ctype  string
	err    error
	gate   chan struct{}
	header http.Header
}

// fakeNet answers from a route table; unknown URLs fail like a dropped
// connection.
type fakeNet struct {
	mu     sync.Mutex
	routes map[string]route
	calls  map[string]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{routes: make(map[string]route), calls: make(map[string]int)}
}

func (f *fakeNet) set(u string, rt route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[u] = rt
}

func (f *fakeNet) ok(u, body, ctype string) {
	f.set(u, route{status: http.StatusOK, body: body, ctype: ctype})
}

func (f *fakeNet) count(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func (f *fakeNet) Fetch(ctx context.Context, r *http.Request) (cache.Object, error) {
	u := r.URL.String()
	f.mu.Lock()
	rt, ok := f.routes[u]
	f.calls[u]++
	f.mu.Unlock()
	if !ok {
		return cache.Object{}, errOffline
	}
	if rt.gate != nil {
		select {
		case <-rt.gate:
		case <-ctx.Done():
			return cache.Object{}, ctx.Err()
		}
	}
	if rt.err != nil {
		return cache.Object{}, rt.err
	}
	h := rt.header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	ct := rt.ctype
	if ct == "" {
		ct = "text/plain"
	}
	h.Set("Content-Type", ct)
	return cache.Object{Status: rt.status, Header: h, Body: []byte(rt.body)}, nil
}

type fakeClients struct {
	mu        sync.Mutex
	claimed   []string
	broadcast []clients.Message
}

func (c *fakeClients) Claim(_ context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed = append(c.claimed, version)
	return nil
}

func (c *fakeClients) Broadcast(_ context.Context, msg clients.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast = append(c.broadcast, msg)
	return nil
}

func (c *fakeClients) messages() []clients.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]clients.Message(nil), c.broadcast...)
}

var testManifest = []string{"/", "/index.html", "/app.css", "/icons/location.png"}

func testOptions(shell string) Options {
	origin, _ := url.Parse(testOrigin)
	return Options{
		Version: config.Version{Shell: shell, Runtime: "story-runtime-v3", Tiles: "osm-tiles-v1"},
		Scope: Scope{
			Origin:   origin,
			APIBase:  testAPIBase,
			TileHost: "tile.openstreetmap.org",
		},
		Manifest:          testManifest,
		ShellDocument:     "/index.html",
		TilePlaceholder:   "/icons/location.png",
		APITimeout:        50 * time.Millisecond,
		NavigationPreload: true,
		BackgroundTimeout: 2 * time.Second,
	}
}

// serveShell routes every manifest entry to a 200.
func serveShell(net *fakeNet, doc string) {
	net.ok(testOrigin+"/", doc, "text/html")
	net.ok(testOrigin+"/index.html", doc, "text/html")
	net.ok(testOrigin+"/app.css", "body{}", "text/css")
	net.ok(testOrigin+"/icons/location.png", "PNG", "image/png")
}

type harness struct {
	w       *Worker
	reg     *Registration
	store   *cache.MemoryStore
	net     *fakeNet
	clients *fakeClients
}

// activeWorker registers an activated worker with the shell already cached.
func activeWorker(t *testing.T) harness {
	t.Helper()
	h := harness{store: cache.NewMemoryStore(), net: newFakeNet(), clients: &fakeClients{}}
	serveShell(h.net, "<html>v1</html>")
	h.w = New(testOptions("story-app-shell-v6"), h.store, h.net, h.clients, nil, nil)
	h.reg = NewRegistration(testOrigin, nil, time.Minute, nil)
	require.NoError(t, h.reg.Register(context.Background(), h.w))
	t.Cleanup(h.w.Close)
	return h
}

func (h harness) fetch(t *testing.T, r *http.Request) *Response {
	t.Helper()
	res, err := h.w.Dispatch(context.Background(), FetchEvent{Request: r})
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	return res.Response
}
