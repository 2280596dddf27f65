package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/storyapp/shelter/internal/clients"
	"github.com/storyapp/shelter/internal/config"
	"github.com/storyapp/shelter/internal/push"
	"github.com/storyapp/shelter/internal/queue"
	"github.com/storyapp/shelter/internal/replay"
	"github.com/storyapp/shelter/internal/worker"
)

const (
	controlPrefix  = "/_shelter/"
	cacheHeader    = "X-Shelter-Cache"
	pendingTimeout = 10 * time.Second
)

// Notifications resolves a notification that is still on screen by id.
type Notifications interface {
	Lookup(id string) (push.Notification, bool)
}

// Deps are the components the handler fronts. Queue, Replayer and
// Notifications may be nil; their endpoints then answer 503 or degrade.
type Deps struct {
	Registration  *worker.Registration
	Hub           *clients.Hub
	Queue         *queue.Queue
	Replayer      *replay.Replayer
	Notifications Notifications
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

type Handler struct {
	Cfg   config.Config
	Reg   *worker.Registration
	Hub   *clients.Hub
	Queue *queue.Queue
	Sync  *replay.Replayer
	Shown Notifications
	Proxy *httputil.ReverseProxy
	Log   *slog.Logger

	control http.Handler
}

func NewHandler(cfg config.Config, deps Deps) (*Handler, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{
		Cfg:   cfg,
		Reg:   deps.Registration,
		Hub:   deps.Hub,
		Queue: deps.Queue,
		Sync:  deps.Replayer,
		Shown: deps.Notifications,
		Proxy: newProxy(origin),
		Log:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Hub != nil {
		mux.Handle("GET "+controlPrefix+"clients", deps.Hub)
	}
	mux.HandleFunc("POST "+controlPrefix+"push", h.push)
	mux.HandleFunc("POST "+controlPrefix+"notificationclick", h.notificationClick)
	mux.HandleFunc("POST "+controlPrefix+"sync", h.sync)
	mux.HandleFunc("POST "+controlPrefix+"pending", h.enqueue)
	mux.HandleFunc("GET "+controlPrefix+"pending", h.listPending)
	h.control = mux
	return h, nil
}

// newProxy forwards origin-form requests to the application origin and
// absolute-form requests to the host they name.
func newProxy(origin *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := origin
			if pr.In.URL.IsAbs() {
				target = &url.URL{Scheme: pr.In.URL.Scheme, Host: pr.In.URL.Host}
			}
			pr.SetURL(target)
			pr.SetXForwarded()
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isControl(r) {
		h.control.ServeHTTP(w, r)
		return
	}

	wk, err := h.Reg.Ready(r.Context(), h.Cfg.ReadyTimeout)
	if err != nil {
		// nothing controls the origin yet
		h.Proxy.ServeHTTP(w, r)
		return
	}

	ev := worker.FetchEvent{Request: r, Preload: wk.StartPreload(r)}
	res, err := wk.Dispatch(r.Context(), ev)
	if err != nil {
		if !errors.Is(err, worker.ErrInvalidState) {
			h.Log.Error("fetch event failed", "url", r.URL.String(), "error", err)
		}
		h.Proxy.ServeHTTP(w, r)
		return
	}
	if res.Response == nil {
		h.Proxy.ServeHTTP(w, r)
		return
	}
	writeResponse(w, res.Response)
}

func isControl(r *http.Request) bool {
	if r.URL.IsAbs() {
		return false
	}
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return strings.HasPrefix(r.URL.Path, controlPrefix)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

// readyz only reports ready once a worker is active; it never waits.
func (h *Handler) readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	wk := h.Reg.Active()
	if wk == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "no active worker")
		return
	}
	_, _ = io.WriteString(w, wk.Version().Shell)
}

func writeResponse(w http.ResponseWriter, resp *worker.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(cacheHeader, string(resp.Source))
	if resp.Body != nil {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
