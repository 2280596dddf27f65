// Package push turns inbound push payloads into displayed notifications and
// routes notification clicks back to an application window.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/storyapp/shelter/internal/clients"
	"github.com/storyapp/shelter/internal/metrics"
)

const (
	DefaultTitle = "Story Notification"
	DefaultBody  = "Ada pembaruan story baru!"
	DefaultIcon  = "/icons/checklist.png"
	DefaultURL   = "/#/home"
)

var defaultVibrate = []int{200, 100, 200}

type Data struct {
	URL string `json:"url"`
}

type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Vibrate []int  `json:"vibrate,omitempty"`
	Data    Data   `json:"data"`
}

// Target is where a click on n should take the user.
func (n Notification) Target() string {
	if n.Data.URL == "" {
		return DefaultURL
	}
	return n.Data.URL
}

// Decode builds the notification for raw. Any JSON value counts as
// structured: an object overrides the defaults field by field with its
// truthy scalar values, any other value keeps every default. Input that is
// not JSON, or JSON null, becomes the body. The second result reports whether
// raw was structured.
func Decode(raw []byte) (Notification, bool) {
	n := Notification{
		Title:   DefaultTitle,
		Body:    DefaultBody,
		Icon:    DefaultIcon,
		Badge:   DefaultIcon,
		Vibrate: append([]int(nil), defaultVibrate...),
		Data:    Data{URL: DefaultURL},
	}
	if len(raw) == 0 {
		return n, false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		n.Body = string(raw)
		return n, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return n, true
	}
	if s, ok := field(obj, "title"); ok {
		n.Title = s
	}
	if s, ok := field(obj, "body"); ok {
		n.Body = s
	}
	if s, ok := field(obj, "icon"); ok {
		n.Icon = s
	}
	if s, ok := field(obj, "url"); ok {
		n.Data.URL = s
	}
	return n, true
}

// field returns obj[name] as text when it is a truthy scalar. Empty strings,
// zero, false, null and nested values leave the default in place.
func field(obj map[string]any, name string) (string, bool) {
	switch v := obj[name].(type) {
	case string:
		return v, v != ""
	case float64:
		if v == 0 {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		if !v {
			return "", false
		}
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}

// Displayer shows notifications to the user.
type Displayer interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// Windows is the part of the client registry a click needs.
type Windows interface {
	MatchAll() []clients.Info
	Focus(ctx context.Context, id string) error
	PostMessage(ctx context.Context, id string, msg clients.Message) error
	OpenWindow(ctx context.Context, url string) error
}

type Bridge struct {
	display Displayer
	windows Windows
	log     *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
}

func NewBridge(d Displayer, w Windows, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{display: d, windows: w, log: logger, metrics: m, newID: uuid.NewString}
}

// HandlePush always displays a notification; a malformed payload only
// degrades it to plain text. The returned error is the display's.
func (b *Bridge) HandlePush(ctx context.Context, raw []byte) error {
	n, structured := Decode(raw)
	n.ID = b.newID()
	kind := "json"
	if !structured {
		kind = "text"
		if len(raw) > 0 {
			b.log.DebugContext(ctx, "push payload is not JSON, showing as text")
		}
	}
	b.metrics.Push(kind)

	if err := b.display.Show(ctx, n); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	return nil
}

// HandleClick closes n and sends the user to its target: the first open
// window is focused and told to navigate, otherwise a new window is opened.
func (b *Bridge) HandleClick(ctx context.Context, n Notification) error {
	if n.ID != "" {
		if err := b.display.Close(ctx, n.ID); err != nil {
			b.log.WarnContext(ctx, "closing notification failed", "id", n.ID, "error", err)
		}
	}
	target := n.Target()

	for _, w := range b.windows.MatchAll() {
		if err := b.windows.Focus(ctx, w.ID); err != nil {
			// gone between MatchAll and Focus
			continue
		}
		return b.windows.PostMessage(ctx, w.ID, clients.Message{Type: clients.TypeNavigate, URL: target})
	}
	return b.windows.OpenWindow(ctx, target)
}
