// Package replay resubmits queued story writes once connectivity returns.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/storyapp/shelter/internal/lock"
	"github.com/storyapp/shelter/internal/metrics"
	"github.com/storyapp/shelter/internal/queue"
	"github.com/storyapp/shelter/internal/storyapi"
)

// SyncTag is the tag the client registers its background sync under.
const SyncTag = "sync-new-story"

const (
	lockKey = "lock:sync"

	defaultEntryTimeout = 30 * time.Second
	defaultLockTTL      = 10 * time.Minute
)

var ErrReplayBusy = errors.New("replay pass already running")

// Queue is the part of *queue.Queue a pass consumes.
type Queue interface {
	List(ctx context.Context) ([]queue.PendingWrite, error)
	Delete(ctx context.Context, id int64) error
}

// Submitter is satisfied by *storyapi.Client.
type Submitter interface {
	AddStory(ctx context.Context, token string, s storyapi.NewStory) error
	AddGuestStory(ctx context.Context, s storyapi.NewStory) error
}

type Options struct {
	// EntryTimeout bounds a single submission.
	EntryTimeout time.Duration
	// Interval between periodic passes in Loop; zero disables them.
	Interval time.Duration
	// LockTTL must outlive a whole pass.
	LockTTL time.Duration
	// LockKey names the pass lock. Replayers draining different queues must
	// use different keys; see QueueLockKey.
	LockKey string
}

// QueueLockKey scopes the pass lock to one queue file on one host, so
// replicas with their own queues never block each other while processes
// sharing a file still do.
func QueueLockKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(host + "\x00" + path))
	return lockKey + ":" + hex.EncodeToString(sum[:8])
}

type Result struct {
	Attempted int
	Replayed  int
	Failed    int
}

type Replayer struct {
	queue   Queue
	api     Submitter
	locker  lock.Locker
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	running atomic.Bool
	trigger chan struct{}
}

func New(q Queue, api Submitter, locker lock.Locker, opts Options, logger *slog.Logger, m *metrics.Metrics) *Replayer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if opts.EntryTimeout <= 0 {
		opts.EntryTimeout = defaultEntryTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.LockKey == "" {
		opts.LockKey = lockKey
	}
	return &Replayer{
		queue:   q,
		api:     api,
		locker:  locker,
		opts:    opts,
		log:     logger,
		metrics: m,
		trigger: make(chan struct{}, 1),
	}
}

// Run makes one pass over the queue in insertion order. Entries are submitted
// one at a time; a successful entry is deleted, a failed one is logged and
// kept for the next pass. Only a failure to read the queue or to take the
// pass lock is returned.
func (r *Replayer) Run(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, ErrReplayBusy
	}
	defer r.running.Store(false)

	l, ok, err := r.locker.TryLock(ctx, r.opts.LockKey, r.opts.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return Result{}, ErrReplayBusy
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("release sync lock", "error", err)
		}
	}()

	entries, err := r.queue.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list pending writes: %w", err)
	}

	var res Result
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		if err := r.submit(ctx, e); err != nil {
			res.Failed++
			r.metrics.Replayed(false)
			r.log.Warn("replay failed, keeping entry", "id", e.ID, "error", err)
			continue
		}
		res.Replayed++
		r.metrics.Replayed(true)
		if err := r.queue.Delete(ctx, e.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			r.log.Error("replayed entry not removed", "id", e.ID, "error", err)
		}
	}
	r.metrics.QueueDepth(len(entries) - res.Replayed)

	if res.Attempted > 0 {
		r.log.Info("replay pass done", "attempted", res.Attempted, "replayed", res.Replayed, "failed", res.Failed)
	}
	return res, nil
}

func (r *Replayer) submit(ctx context.Context, e queue.PendingWrite) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.EntryTimeout)
	defer cancel()

	s := storyapi.NewStory{Description: e.Description, Lat: e.Lat, Lon: e.Lon}
	if e.Photo != nil {
		s.Photo = &storyapi.Photo{Name: e.Photo.Name, ContentType: e.Photo.ContentType, Data: e.Photo.Data}
	}
	if e.Token == "" {
		return r.api.AddGuestStory(ctx, s)
	}
	return r.api.AddStory(ctx, e.Token, s)
}

// Trigger asks Loop for a pass. Triggers that arrive while one is pending
// collapse into it.
func (r *Replayer) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Loop runs a pass on every Trigger and every Interval until ctx is done.
func (r *Replayer) Loop(ctx context.Context) {
	var tick <-chan time.Time
	if r.opts.Interval > 0 {
		t := time.NewTicker(r.opts.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		case <-tick:
		}
		if _, err := r.Run(ctx); err != nil {
			if errors.Is(err, ErrReplayBusy) {
				r.log.Debug("replay pass skipped, another is running")
				continue
			}
			r.log.Error("replay pass failed", "error", err)
		}
	}
}
