package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/storyapp/shelter/internal/cache"
	"github.com/storyapp/shelter/internal/clients"
)

const (
	offlineHTML = "<h1>Offline</h1>"
	offlineJSON = `{"error":true,"message":"offline"}`
)

func (w *Worker) handleFetch(ctx context.Context, ev Event) (Result, error) {
	fe, ok := ev.(FetchEvent)
	if !ok || fe.Request == nil {
		return Result{}, errors.New("fetch event without request")
	}
	info := ClassifyRequest(fe.Request, w.opts.Scope)

	var resp *Response
	switch info.Policy {
	case PolicyTile:
		resp = w.serveTile(ctx, fe.Request, info.URL)
	case PolicyAPI:
		resp = w.serveAPI(ctx, fe.Request, info.URL)
	case PolicyNavigation:
		resp = w.serveNavigation(ctx, fe.Request, info.URL, fe.Preload)
	case PolicyStatic:
		resp = w.serveStatic(ctx, fe.Request, info.URL)
	default:
		return Result{}, nil
	}
	w.metrics.Fetch(info.Policy.String(), strings.ToLower(string(resp.Source)))
	return Result{Response: resp}, nil
}

// serveTile is cache-first. A cached tile never touches the network; only a
// 200 is kept.
func (w *Worker) serveTile(ctx context.Context, r *http.Request, u *url.URL) *Response {
	tiles := w.opts.Version.Tiles
	key := cache.GetKey(u.String())
	creds := cache.CredentialsOf(r.Header)
	if obj, err := w.store.Get(ctx, tiles, key); err == nil && obj.VisibleTo(creds) {
		return &Response{Object: obj, Source: SourceHit}
	} else if err != nil && !errors.Is(err, cache.ErrNotFound) {
		w.log.Warn("tile cache read", "url", u.String(), "error", err)
	}

	obj, err := w.net.Fetch(ctx, outbound(ctx, r, u))
	if err != nil {
		w.log.Debug("tile fetch failed", "url", u.String(), "error", err)
		if ph, ok := w.placeholder(ctx); ok {
			return &Response{Object: ph, Source: SourceOffline}
		}
		return unavailable()
	}
	if obj.Status == http.StatusOK {
		obj.Credentials = creds
		if err := w.store.Put(ctx, tiles, key, obj); err != nil {
			w.log.Warn("tile cache write", "url", u.String(), "error", err)
		}
	}
	return &Response{Object: obj, Source: SourceMiss}
}

func (w *Worker) placeholder(ctx context.Context) (cache.Object, bool) {
	if w.opts.TilePlaceholder == "" {
		return cache.Object{}, false
	}
	u, err := w.opts.Scope.ResolveString(w.opts.TilePlaceholder)
	if err != nil {
		return cache.Object{}, false
	}
	v := w.opts.Version
	obj, _, err := cache.Match(ctx, w.store, cache.GetKey(u.String()), v.Shell, v.Runtime, v.Tiles)
	return obj, err == nil
}

type fetched struct {
	obj cache.Object
	err error
}

// serveAPI races the network against the API timeout. The network fetch runs
// in the background so a response that loses the race still refreshes the
// runtime partition.
func (w *Worker) serveAPI(ctx context.Context, r *http.Request, u *url.URL) *Response {
	runtime := w.opts.Version.Runtime
	key := cache.GetKey(u.String())
	creds := cache.CredentialsOf(r.Header)
	req := outbound(context.Background(), r, u)

	ch := make(chan fetched, 1)
	w.background(func(bctx context.Context) {
		obj, err := w.net.Fetch(bctx, req.WithContext(bctx))
		if err == nil && obj.OK() {
			obj.Credentials = creds
			if perr := w.store.Put(bctx, runtime, key, obj); perr != nil {
				w.log.Warn("api cache write", "url", u.String(), "error", perr)
			}
		}
		ch <- fetched{obj: obj, err: err}
	})

	timer := time.NewTimer(w.opts.APITimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.err == nil {
			return &Response{Object: f.obj, Source: SourceNetwork}
		}
		w.log.Debug("api fetch failed", "url", u.String(), "error", f.err)
	case <-timer.C:
		w.log.Debug("api fetch timed out", "url", u.String(), "timeout", w.opts.APITimeout)
	case <-ctx.Done():
	}

	// the runtime copy is only replayed to the credentials that fetched it
	if obj, err := w.store.Get(context.WithoutCancel(ctx), runtime, key); err == nil && obj.Credentials == creds {
		return &Response{Object: obj, Source: SourceStale}
	}
	return synthetic(http.StatusOK, "application/json", offlineJSON)
}

// serveNavigation answers every navigation with the shell document. A ready
// preload wins; otherwise the cached document is returned at once and
// revalidated in the background.
func (w *Worker) serveNavigation(ctx context.Context, r *http.Request, u *url.URL, preload *Preload) *Response {
	shell := w.opts.Version.Shell
	docURL, err := w.opts.Scope.ResolveString(w.opts.ShellDocument)
	if err != nil {
		docURL = u
	}
	docKey := cache.GetKey(docURL.String())

	if preload != nil && w.PreloadEnabled() {
		if obj, ok := preload.Ready(); ok {
			if err := w.store.Put(ctx, shell, docKey, obj); err != nil {
				w.log.Warn("shell document write", "error", err)
			}
			return &Response{Object: obj, Source: SourcePreload}
		}
	} else {
		preload = nil
	}

	req := outbound(context.Background(), r, u)
	cached, err := w.store.Get(ctx, shell, docKey)
	if err == nil {
		w.background(func(bctx context.Context) {
			w.revalidate(bctx, req, preload, docKey, cached)
		})
		return &Response{Object: cached, Source: SourceHit}
	}

	obj, err := w.navigationFetch(ctx, req, preload)
	if err != nil {
		w.log.Debug("navigation fetch failed", "url", u.String(), "error", err)
		return synthetic(http.StatusOK, "text/html; charset=utf-8", offlineHTML)
	}
	if obj.Status == http.StatusOK {
		if err := w.store.Put(ctx, shell, docKey, obj); err != nil {
			w.log.Warn("shell document write", "error", err)
		}
	}
	return &Response{Object: obj, Source: SourceNetwork}
}

func (w *Worker) navigationFetch(ctx context.Context, req *http.Request, preload *Preload) (cache.Object, error) {
	if preload != nil {
		return preload.Wait(ctx)
	}
	return w.net.Fetch(ctx, req.WithContext(ctx))
}

// revalidate refreshes the shell document and tells every client once when
// it actually changed.
func (w *Worker) revalidate(ctx context.Context, req *http.Request, preload *Preload, docKey string, cached cache.Object) {
	fresh, err := w.navigationFetch(ctx, req, preload)
	if err != nil {
		w.log.Debug("shell revalidation failed", "error", err)
		return
	}
	if fresh.Status != http.StatusOK || bytes.Equal(fresh.Body, cached.Body) {
		return
	}
	if err := w.store.Put(ctx, w.opts.Version.Shell, docKey, fresh); err != nil {
		w.log.Warn("shell document write", "error", err)
		return
	}
	if w.clients == nil {
		return
	}
	msg := clients.Message{Type: clients.TypeNewVersion, Version: w.opts.Version.Shell}
	if err := w.clients.Broadcast(ctx, msg); err != nil {
		w.log.Warn("new version broadcast", "error", err)
		return
	}
	w.metrics.VersionNotified()
	w.log.Info("shell document changed, clients notified")
}

// serveStatic is cache-first across the shell and runtime partitions. Tile
// URLs never classify as static, so the tile partition is not searched.
func (w *Worker) serveStatic(ctx context.Context, r *http.Request, u *url.URL) *Response {
	v := w.opts.Version
	key := cache.GetKey(u.String())
	creds := cache.CredentialsOf(r.Header)
	if obj, _, err := cache.Match(ctx, w.store, key, v.Shell, v.Runtime); err == nil && obj.VisibleTo(creds) {
		return &Response{Object: obj, Source: SourceHit}
	}

	obj, err := w.net.Fetch(ctx, outbound(ctx, r, u))
	if err != nil {
		w.log.Debug("static fetch failed", "url", u.String(), "error", err)
		return unavailable()
	}
	if w.storable(r, u, obj) {
		obj.Credentials = creds
		if err := w.store.Put(ctx, v.Runtime, key, obj); err != nil {
			w.log.Warn("runtime cache write", "url", u.String(), "error", err)
		}
	}
	return &Response{Object: obj, Source: SourceMiss}
}

// storable keeps same-origin, non-HTML 200s only. Cross-origin responses are
// never stored.
func (w *Worker) storable(r *http.Request, u *url.URL, obj cache.Object) bool {
	if obj.Status != http.StatusOK || !w.opts.Scope.SameOrigin(u) {
		return false
	}
	if r.Header.Get("Accept") == "" || acceptsHTML(r.Header) {
		return false
	}
	return !strings.HasPrefix(obj.ContentType(), "text/html")
}

// outbound is r re-targeted at its absolute URL.
func outbound(ctx context.Context, r *http.Request, u *url.URL) *http.Request {
	out := r.Clone(ctx)
	out.URL = u
	out.Host = u.Host
	out.RequestURI = ""
	return out
}

func synthetic(status int, contentType, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return &Response{
		Object: cache.Object{Status: status, Header: h, Body: []byte(body), UpdatedAt: time.Now().UTC()},
		Source: SourceOffline,
	}
}

func unavailable() *Response {
	return &Response{
		Object: cache.Object{Status: http.StatusServiceUnavailable, Header: make(http.Header)},
		Source: SourceOffline,
	}
}
