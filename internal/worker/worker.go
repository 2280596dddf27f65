// Package worker is the cache coordinator: one versioned worker installs the
// application shell, activates by evicting stale partitions, and answers
// fetch events with a caching policy per request class.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/storyapp/shelter/internal/cache"
	"github.com/storyapp/shelter/internal/clients"
	"github.com/storyapp/shelter/internal/config"
	"github.com/storyapp/shelter/internal/metrics"
	"github.com/storyapp/shelter/internal/push"
	"github.com/storyapp/shelter/internal/replay"
)

var (
	ErrInvalidState   = errors.New("invalid lifecycle transition")
	ErrInstallFailed  = errors.New("install failed")
	ErrUnhandledEvent = errors.New("no handler for event")
	ErrNotReady       = errors.New("no active worker")
	ErrLifecycleBusy  = errors.New("another lifecycle change is in progress")
)

const (
	defaultAPITimeout         = 2500 * time.Millisecond
	defaultBackgroundTimeout  = 30 * time.Second
	defaultInstallConcurrency = 4
)

// Fetcher goes to the network. Only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (cache.Object, error)
}

// Clients is the part of the client registry the worker drives.
type Clients interface {
	Claim(ctx context.Context, version string) error
	Broadcast(ctx context.Context, msg clients.Message) error
}

type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindSync              Kind = "sync"
)

type Event interface {
	Kind() Kind
}

type InstallEvent struct{}

type ActivateEvent struct{}

// FetchEvent carries an intercepted request. Preload is set only when the
// host started a navigation preload for it.
type FetchEvent struct {
	Request *http.Request
	Preload *Preload
}

type PushEvent struct {
	Payload []byte
}

type NotificationClickEvent struct {
	Notification push.Notification
}

type SyncEvent struct {
	Tag string
}

func (InstallEvent) Kind() Kind           { return KindInstall }
func (ActivateEvent) Kind() Kind          { return KindActivate }
func (FetchEvent) Kind() Kind             { return KindFetch }
func (PushEvent) Kind() Kind              { return KindPush }
func (NotificationClickEvent) Kind() Kind { return KindNotificationClick }
func (SyncEvent) Kind() Kind              { return KindSync }

// Source tells where a response came from.
type Source string

const (
	SourceHit     Source = "HIT"
	SourceMiss    Source = "MISS"
	SourceNetwork Source = "NETWORK"
	SourceStale   Source = "STALE"
	SourceOffline Source = "OFFLINE"
	SourcePreload Source = "PRELOAD"
)

type Response struct {
	cache.Object
	Source Source
}

// Result is what a handler produced. A fetch result with a nil Response was
// not handled and should go to the network untouched.
type Result struct {
	Response *Response
	Replay   *replay.Result
}

type HandlerFunc func(ctx context.Context, ev Event) (Result, error)

type Options struct {
	Version  config.Version
	Scope    Scope
	Manifest []string
	// ShellDocument is the cached document served for every navigation.
	ShellDocument   string
	TilePlaceholder string
	APITimeout      time.Duration
	// NavigationPreload is enabled on activation when set.
	NavigationPreload  bool
	BackgroundTimeout  time.Duration
	InstallConcurrency int
}

// OptionsFromConfig builds worker options for the deploy described by cfg.
func OptionsFromConfig(cfg config.Config, manifest []string) (Options, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return Options{}, fmt.Errorf("parse origin: %w", err)
	}
	if len(manifest) == 0 {
		manifest = cfg.ShellAssets
	}
	return Options{
		Version: cfg.Version(),
		Scope: Scope{
			Origin:   origin,
			APIBase:  cfg.APIBaseURL,
			TileHost: cfg.TileHost,
		},
		Manifest:          manifest,
		ShellDocument:     cfg.ShellDocument,
		TilePlaceholder:   cfg.TilePlaceholder,
		APITimeout:        cfg.APITimeout,
		NavigationPreload: cfg.NavigationPreload,
		BackgroundTimeout: cfg.UpstreamTimeout * 3,
	}, nil
}

type Worker struct {
	opts    Options
	store   cache.Store
	net     Fetcher
	clients Clients
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    State
	preload  bool
	handlers map[Kind]HandlerFunc

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func New(opts Options, store cache.Store, net Fetcher, cl Clients, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.APITimeout <= 0 {
		opts.APITimeout = defaultAPITimeout
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = defaultBackgroundTimeout
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = defaultInstallConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		opts:     opts,
		store:    store,
		net:      net,
		clients:  cl,
		log:      logger.With("version", opts.Version.Shell),
		metrics:  m,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	w.handlers = map[Kind]HandlerFunc{
		KindInstall: func(ctx context.Context, _ Event) (Result, error) {
			return Result{}, w.install(ctx)
		},
		KindActivate: func(ctx context.Context, _ Event) (Result, error) {
			return Result{}, w.activate(ctx)
		},
		KindFetch: w.handleFetch,
	}
	return w
}

func (w *Worker) Version() config.Version { return w.opts.Version }

// Scope is where this worker's requests resolve.
func (w *Worker) Scope() Scope { return w.opts.Scope }

// Handle registers fn for kind, replacing any previous handler.
func (w *Worker) Handle(kind Kind, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = fn
}

// Dispatch runs the handler registered for ev. Functional events (fetch,
// push, click, sync) are only accepted once the worker is activated.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	w.mu.Lock()
	h, ok := w.handlers[ev.Kind()]
	state := w.state
	w.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Kind())
	}
	switch ev.Kind() {
	case KindInstall, KindActivate:
	default:
		if state != StateActivated {
			return Result{}, fmt.Errorf("%w: %s event while %s", ErrInvalidState, ev.Kind(), state)
		}
	}
	return h(ctx, ev)
}

// PreloadEnabled reports whether the host should start navigation preloads.
func (w *Worker) PreloadEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.preload
}

// Wait blocks until all background work started so far has finished.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// Close cancels background work and waits for it.
func (w *Worker) Close() {
	w.bgCancel()
	w.bg.Wait()
}

// background runs fn outside the request that started it, bounded by the
// background timeout.
func (w *Worker) background(fn func(ctx context.Context)) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		ctx, cancel := context.WithTimeout(w.bgCtx, w.opts.BackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
