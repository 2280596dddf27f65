package worker

import (
	"context"
	"net/http"

	"github.com/storyapp/shelter/internal/cache"
)

// Preload is a navigation request started on the network before the fetch
// event is dispatched. The navigation strategy uses it when it has already
// answered and otherwise reuses it for revalidation instead of fetching the
// document a second time.
type Preload struct {
	done chan struct{}
	obj  cache.Object
	err  error
}

// StartPreload begins a preload for r when preload is enabled and r is a
// navigation; otherwise it returns nil. The fetch is not bound to r's
// context.
func (w *Worker) StartPreload(r *http.Request) *Preload {
	if !w.PreloadEnabled() {
		return nil
	}
	info := ClassifyRequest(r, w.opts.Scope)
	if info.Policy != PolicyNavigation {
		return nil
	}
	req := outbound(context.Background(), r, info.URL)
	p := &Preload{done: make(chan struct{})}
	w.background(func(ctx context.Context) {
		defer close(p.done)
		p.obj, p.err = w.net.Fetch(ctx, req.WithContext(ctx))
	})
	return p
}

// Ready returns the response if it has already arrived and is OK.
func (p *Preload) Ready() (cache.Object, bool) {
	select {
	case <-p.done:
		if p.err != nil || !p.obj.OK() {
			return cache.Object{}, false
		}
		return p.obj.Clone(), true
	default:
		return cache.Object{}, false
	}
}

// Wait blocks until the preload finishes or ctx is done.
func (p *Preload) Wait(ctx context.Context) (cache.Object, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return cache.Object{}, p.err
		}
		return p.obj.Clone(), nil
	case <-ctx.Done():
		return cache.Object{}, ctx.Err()
	}
}
