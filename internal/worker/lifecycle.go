package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/storyapp/shelter/internal/cache"
	"github.com/storyapp/shelter/internal/lock"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s while %s", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// install fetches the whole manifest and commits it to the shell partition
// only when every asset answered 200. A failed install leaves the worker
// redundant and the partition as it was.
func (w *Worker) install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	if err := w.precache(ctx); err != nil {
		w.setState(StateRedundant)
		w.metrics.Install(false)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.setState(StateInstalled)
	w.metrics.Install(true)
	w.log.Info("installed", "assets", len(w.opts.Manifest))
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	var urls []string
	for _, ref := range w.opts.Manifest {
		u, err := w.opts.Scope.ResolveString(ref)
		if err != nil {
			return fmt.Errorf("manifest entry %q: %w", ref, err)
		}
		if s := u.String(); !slices.Contains(urls, s) {
			urls = append(urls, s)
		}
	}

	objs := make([]cache.Object, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.InstallConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			obj, err := w.net.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if obj.Status != http.StatusOK {
				return fmt.Errorf("fetch %s: status %d", u, obj.Status)
			}
			objs[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	shell := w.opts.Version.Shell
	existing, err := w.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	fresh := !slices.Contains(existing, shell)

	// reinstalling into a live partition: remember what each key held so a
	// failed commit can put it back
	var prev []*cache.Object
	if !fresh {
		prev = make([]*cache.Object, len(urls))
		for i, u := range urls {
			obj, err := w.store.Get(ctx, shell, cache.GetKey(u))
			switch {
			case err == nil:
				prev[i] = &obj
			case !errors.Is(err, cache.ErrNotFound):
				return fmt.Errorf("snapshot %s: %w", u, err)
			}
		}
	}

	for i, u := range urls {
		if err := w.store.Put(ctx, shell, cache.GetKey(u), objs[i]); err != nil {
			err = fmt.Errorf("store %s: %w", u, err)
			rctx := context.WithoutCancel(ctx)
			if fresh {
				if derr := w.store.DeletePartition(rctx, shell); derr != nil {
					err = errors.Join(err, fmt.Errorf("roll back %s: %w", shell, derr))
				}
				return err
			}
			return errors.Join(err, w.restore(rctx, shell, urls[:i], prev))
		}
	}
	return nil
}

// restore puts back the snapshot taken before a failed commit: keys that
// held an object get it again, keys that were empty are removed.
func (w *Worker) restore(ctx context.Context, shell string, urls []string, prev []*cache.Object) error {
	var errs []error
	for i, u := range urls {
		key := cache.GetKey(u)
		var err error
		if prev[i] != nil {
			err = w.store.Put(ctx, shell, key, *prev[i])
		} else {
			err = w.store.Delete(ctx, shell, key)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

// activate evicts every partition this version does not own, turns on
// navigation preload and takes control of the open clients. Eviction and
// claim failures are logged; the worker still activates.
func (w *Worker) activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	names, err := w.store.Partitions(ctx)
	if err != nil {
		w.log.Warn("listing partitions for cleanup", "error", err)
	}
	for _, name := range names {
		if w.opts.Version.Allows(name) {
			continue
		}
		if err := w.store.DeletePartition(ctx, name); err != nil {
			w.log.Warn("deleting stale partition", "partition", name, "error", err)
			continue
		}
		w.metrics.PartitionDeleted()
		w.log.Info("deleted stale partition", "partition", name)
	}

	w.mu.Lock()
	w.preload = w.opts.NavigationPreload
	w.state = StateActivated
	w.mu.Unlock()

	if w.clients != nil {
		if err := w.clients.Claim(ctx, w.opts.Version.Shell); err != nil {
			w.log.Warn("claiming clients", "error", err)
		}
	}
	w.log.Info("activated")
	return nil
}

// Registration holds the workers of one origin. At most one is active.
type Registration struct {
	origin  string
	locker  lock.Locker
	lockTTL time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	active    *Worker
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRegistration(origin string, locker lock.Locker, lockTTL time.Duration, logger *slog.Logger) *Registration {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Registration{
		origin:  origin,
		locker:  locker,
		lockTTL: lockTTL,
		log:     logger,
		ready:   make(chan struct{}),
	}
}

// Register installs w and, without waiting for open clients to go away,
// activates it in place of the current worker, which becomes redundant. If
// install fails the current worker keeps serving.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	l, ok, err := r.locker.TryLock(ctx, "lock:lifecycle:"+r.origin, r.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lifecycle lock: %w", err)
	}
	if !ok {
		return ErrLifecycleBusy
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("release lifecycle lock", "error", err)
		}
	}()

	if _, err := w.Dispatch(ctx, InstallEvent{}); err != nil {
		return err
	}
	if _, err := w.Dispatch(ctx, ActivateEvent{}); err != nil {
		w.setState(StateRedundant)
		return err
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })

	if prev != nil && prev != w {
		prev.setState(StateRedundant)
		r.log.Info("worker replaced", "previous", prev.opts.Version.Shell, "current", w.opts.Version.Shell)
	}
	return nil
}

// Active is the worker currently controlling the origin, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Ready waits up to timeout for a worker to become active.
func (r *Registration) Ready(ctx context.Context, timeout time.Duration) (*Worker, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-r.ready:
		return r.Active(), nil
	case <-ctx.Done():
		return nil, ErrNotReady
	}
}

// Dispatch delivers ev to the active worker.
func (r *Registration) Dispatch(ctx context.Context, ev Event) (Result, error) {
	w := r.Active()
	if w == nil {
		return Result{}, ErrNotReady
	}
	return w.Dispatch(ctx, ev)
}
