package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storyapp/shelter/internal/cache"
	"github.com/storyapp/shelter/internal/clients"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tileURL = "https://a.tile.openstreetmap.org/12/3/4.png"

func navigation(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	return r
}

func asset(target, accept string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Accept", accept)
	return r
}

func TestTileCachedNeverFetches(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	ctx := context.Background()
	tile := cache.Object{Status: http.StatusOK, Header: http.Header{"Content-Type": {"image/png"}}, Body: []byte("tile")}
	require.NoError(t, h.store.Put(ctx, "osm-tiles-v1", cache.GetKey(tileURL), tile))

	resp := h.fetch(t, asset(tileURL, "image/*"))
	assert.Equal(t, SourceHit, resp.Source)
	assert.Equal(t, "tile", string(resp.Body))
	assert.Zero(t, h.net.count(tileURL))
}

func TestTileStoresOnly200(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	ctx := context.Background()

	h.net.set(tileURL, route{status: http.StatusNotFound, body: "nope"})
	resp := h.fetch(t, asset(tileURL, "image/*"))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	_, err := h.store.Get(ctx, "osm-tiles-v1", cache.GetKey(tileURL))
	assert.ErrorIs(t, err, cache.ErrNotFound)

	h.net.ok(tileURL, "tile", "image/png")
	resp = h.fetch(t, asset(tileURL, "image/*"))
	assert.Equal(t, SourceMiss, resp.Source)
	_, err = h.store.Get(ctx, "osm-tiles-v1", cache.GetKey(tileURL))
	assert.NoError(t, err)
}

func TestTileOfflineFallsBackToPlaceholder(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)

	resp := h.fetch(t, asset(tileURL, "image/*"))
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "PNG", string(resp.Body))

	// without a cached placeholder the answer is an empty 503
	require.NoError(t, h.store.DeletePartition(context.Background(), "story-app-shell-v6"))
	resp = h.fetch(t, asset(tileURL, "image/*"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Empty(t, resp.Body)
}

func TestAPINetworkFirst(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	ctx := context.Background()
	u := testAPIBase + "/stories?page=1"
	key := cache.GetKey(u)

	h.net.ok(u, `{"error":false,"listStory":[]}`, "application/json")
	resp := h.fetch(t, asset(u, "application/json"))
	assert.Equal(t, SourceNetwork, resp.Source)
	_, err := h.store.Get(ctx, "story-runtime-v3", key)
	require.NoError(t, err)

	// a non-OK answer is returned as-is and does not replace the copy
	h.net.set(u, route{status: http.StatusUnauthorized, body: `{"error":true,"message":"Missing authentication"}`})
	resp = h.fetch(t, asset(u, "application/json"))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	cached, err := h.store.Get(ctx, "story-runtime-v3", key)
	require.NoError(t, err)
	assert.Equal(t, `{"error":false,"listStory":[]}`, string(cached.Body))

	h.net.set(u, route{err: errOffline})
	resp = h.fetch(t, asset(u, "application/json"))
	assert.Equal(t, SourceStale, resp.Source)
	assert.Equal(t, `{"error":false,"listStory":[]}`, string(resp.Body))
}

func TestAPIOfflineWithoutCache(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)

	resp := h.fetch(t, asset(testAPIBase+"/stories/abc", "application/json"))
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, "application/json", resp.ContentType())
	assert.JSONEq(t, `{"error":true,"message":"offline"}`, string(resp.Body))
}

func TestAPITimeoutThenLateResponseStillStores(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	u := testAPIBase + "/stories"
	gate := make(chan struct{})
	h.net.set(u, route{status: http.StatusOK, body: `{"fresh":true}`, ctype: "application/json", gate: gate})

	start := time.Now()
	resp := h.fetch(t, asset(u, "application/json"))
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Less(t, time.Since(start), time.Second)

	close(gate)
	h.w.Wait()
	cached, err := h.store.Get(context.Background(), "story-runtime-v3", cache.GetKey(u))
	require.NoError(t, err)
	assert.Equal(t, `{"fresh":true}`, string(cached.Body))
}

func TestNavigationServesCacheWithoutWaiting(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	gate := make(chan struct{})
	h.net.set(testOrigin+"/", route{status: http.StatusOK, body: "<html>v2</html>", ctype: "text/html", gate: gate})

	resp := h.fetch(t, navigation("/"))
	assert.Equal(t, SourceHit, resp.Source)
	assert.Equal(t, "<html>v1</html>", string(resp.Body))
	assert.Empty(t, h.clients.messages())

	close(gate)
	h.w.Wait()

	doc, err := h.store.Get(context.Background(), "story-app-shell-v6", cache.GetKey(testOrigin+"/index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(doc.Body))
	assert.Equal(t, []clients.Message{{Type: clients.TypeNewVersion, Version: "story-app-shell-v6"}}, h.clients.messages())
}

func TestNavigationUnchangedDocumentIsSilent(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)

	resp := h.fetch(t, navigation("/"))
	assert.Equal(t, SourceHit, resp.Source)
	h.w.Wait()
	assert.Empty(t, h.clients.messages())

	h.net.set(testOrigin+"/", route{err: errOffline})
	h.fetch(t, navigation("/"))
	h.w.Wait()
	assert.Empty(t, h.clients.messages())
}

func TestNavigationWithoutCache(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	require.NoError(t, h.store.DeletePartition(context.Background(), "story-app-shell-v6"))

	h.net.ok(testOrigin+"/about", "<html>about</html>", "text/html")
	resp := h.fetch(t, navigation("/about"))
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "<html>about</html>", string(resp.Body))

	require.NoError(t, h.store.DeletePartition(context.Background(), "story-app-shell-v6"))
	h.net.set(testOrigin+"/about", route{err: errOffline})
	resp = h.fetch(t, navigation("/about"))
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, "<h1>Offline</h1>", string(resp.Body))
	assert.Contains(t, resp.ContentType(), "text/html")
}

func TestNavigationUsesReadyPreload(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	ctx := context.Background()
	h.net.ok(testOrigin+"/", "<html>preloaded</html>", "text/html")

	r := navigation("/")
	p := h.w.StartPreload(r)
	require.NotNil(t, p)
	assert.Nil(t, h.w.StartPreload(asset("/app.css", "text/css")))
	_, err := p.Wait(ctx)
	require.NoError(t, err)

	res, err := h.w.Dispatch(ctx, FetchEvent{Request: r, Preload: p})
	require.NoError(t, err)
	assert.Equal(t, SourcePreload, res.Response.Source)
	doc, err := h.store.Get(ctx, "story-app-shell-v6", cache.GetKey(testOrigin+"/index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>preloaded</html>", string(doc.Body))
}

func TestStaticCacheFirstIsIdempotent(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	u := testOrigin + "/bundle.js"
	h.net.ok(u, "console.log(1)", "application/javascript")

	first := h.fetch(t, asset("/bundle.js", "*/*"))
	second := h.fetch(t, asset("/bundle.js", "*/*"))
	assert.Equal(t, SourceMiss, first.Source)
	assert.Equal(t, SourceHit, second.Source)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, h.net.count(u))
}

func TestStaticServesShellBeforeRuntime(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	ctx := context.Background()
	key := cache.GetKey(testOrigin + "/app.css")
	require.NoError(t, h.store.Put(ctx, "story-runtime-v3", key, cache.Object{Status: http.StatusOK, Body: []byte("runtime")}))

	resp := h.fetch(t, asset("/app.css", "text/css,*/*;q=0.1"))
	assert.Equal(t, SourceHit, resp.Source)
	assert.Equal(t, "body{}", string(resp.Body))
}

func TestStaticStoreRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		accept string
		ctype  string
		status int
		stored bool
	}{
		{name: "same origin script", target: testOrigin + "/a.js", accept: "*/*", ctype: "application/javascript", status: 200, stored: true},
		{name: "cross origin", target: "https://cdn.example/lib.js", accept: "*/*", ctype: "application/javascript", status: 200},
		{name: "html response", target: testOrigin + "/partial", accept: "*/*", ctype: "text/html", status: 200},
		{name: "html accept", target: testOrigin + "/frag", accept: "text/html", ctype: "text/plain", status: 200},
		{name: "not found", target: testOrigin + "/missing.js", accept: "*/*", ctype: "text/plain", status: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := activeWorker(t)
			h.net.set(tt.target, route{status: tt.status, body: "x", ctype: tt.ctype})

			r := asset(tt.target, tt.accept)
			r.Header.Set("Sec-Fetch-Mode", "cors")
			resp := h.fetch(t, r)
			assert.Equal(t, tt.status, resp.Status)

			_, err := h.store.Get(context.Background(), "story-runtime-v3", cache.GetKey(tt.target))
			assert.Equal(t, tt.stored, err == nil)
		})
	}
}

func TestStaticOffline(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)

	resp := h.fetch(t, asset("/never-seen.js", "*/*"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, SourceOffline, resp.Source)
}

func TestNavigationRevalidatesThroughPendingPreload(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	ctx := context.Background()
	gate := make(chan struct{})
	h.net.set(testOrigin+"/", route{status: http.StatusOK, body: "<html>v2</html>", ctype: "text/html", gate: gate})
	before := h.net.count(testOrigin + "/")

	r := navigation("/")
	res, err := h.w.Dispatch(ctx, FetchEvent{Request: r, Preload: h.w.StartPreload(r)})
	require.NoError(t, err)
	assert.Equal(t, SourceHit, res.Response.Source)

	close(gate)
	h.w.Wait()
	assert.Equal(t, before+1, h.net.count(testOrigin+"/"))
	assert.Len(t, h.clients.messages(), 1)
}

func TestAPICopyIsPrivateToItsCredentials(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	ctx := context.Background()
	u := testAPIBase + "/stories"
	as := func(token string) *http.Request {
		r := asset(u, "application/json")
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		return r
	}

	h.net.set(u, route{
		status: http.StatusOK,
		body:   `{"listStory":["alice-private"]}`,
		ctype:  "application/json",
		header: http.Header{"Set-Cookie": []string{"session=alice"}},
	})
	resp := h.fetch(t, as("alice"))
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "session=alice", resp.Header.Get("Set-Cookie"))

	cached, err := h.store.Get(ctx, "story-runtime-v3", cache.GetKey(u))
	require.NoError(t, err)
	assert.Empty(t, cached.Header.Values("Set-Cookie"))

	h.net.set(u, route{err: errOffline})

	for _, token := range []string{"bob", ""} {
		resp = h.fetch(t, as(token))
		assert.Equal(t, SourceOffline, resp.Source, "token %q", token)
		assert.JSONEq(t, `{"error":true,"message":"offline"}`, string(resp.Body))
	}

	resp = h.fetch(t, as("alice"))
	assert.Equal(t, SourceStale, resp.Source)
	assert.Equal(t, `{"listStory":["alice-private"]}`, string(resp.Body))
	assert.Empty(t, resp.Header.Values("Set-Cookie"))
}

func TestStaticPrivateCopyIsNotShared(t *testing.T) {
	t.Parallel()
	h := activeWorker(t)
	u := testOrigin + "/me.json"
	h.net.ok(u, `{"me":"alice"}`, "application/json")

	alice := asset(u, "application/json")
	alice.Header.Set("Cookie", "session=alice")
	assert.Equal(t, SourceMiss, h.fetch(t, alice).Source)
	assert.Equal(t, SourceHit, h.fetch(t, alice).Source)

	h.net.set(u, route{err: errOffline})
	bob := asset(u, "application/json")
	bob.Header.Set("Cookie", "session=bob")
	resp := h.fetch(t, bob)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	// the shell is public and served to everyone
	css := asset(testOrigin+"/app.css", "text/css")
	css.Header.Set("Cookie", "session=bob")
	assert.Equal(t, SourceHit, h.fetch(t, css).Source)
}
