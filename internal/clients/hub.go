// Package clients tracks the open application windows connected to the
// gateway and delivers messages to them.
package clients

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeNewVersion        = "NEW_VERSION_AVAILABLE"
	TypeNavigate          = "navigate"
	TypeNotification      = "notification"
	TypeNotificationClose = "notification-close"
	TypeClaimed           = "claimed"

	sendBuffer = 16
)

var ErrUnknownClient = errors.New("client not connected")

// Message is what clients receive, JSON encoded.
type Message struct {
	Type    string `json:"type"`
	URL     string `json:"url,omitempty"`
	Version string `json:"version,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Info is a snapshot of one connected client.
type Info struct {
	ID          string
	URL         string
	Focused     bool
	Controller  string
	ConnectedAt time.Time
}

type Client struct {
	info Info
	send chan Message
}

func (c *Client) ID() string { return c.info.ID }

// Messages is the client's outbound stream; it is closed on disconnect.
func (c *Client) Messages() <-chan Message { return c.send }

// Relay carries broadcasts to the hubs of other replicas. The relay is
// responsible for delivering back to this hub as well.
type Relay interface {
	Publish(ctx context.Context, msg Message) error
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	parked  []string
	relay   Relay
	log     *slog.Logger
	now     func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		clients: make(map[string]*Client),
		log:     logger,
		now:     time.Now,
	}
}

func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

// Connect registers a new client at url. Windows requested through
// OpenWindow while nobody was connected are delivered to it as navigations.
func (h *Hub) Connect(url string) *Client {
	c := &Client{
		info: Info{ID: uuid.NewString(), URL: url, ConnectedAt: h.now()},
		send: make(chan Message, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c.info.ID] = c
	parked := h.parked
	h.parked = nil
	for _, target := range parked {
		h.enqueue(c, Message{Type: TypeNavigate, URL: target})
	}
	h.mu.Unlock()

	h.log.Debug("client connected", "client", c.info.ID, "url", url)
	return c
}

func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.log.Debug("client disconnected", "client", id)
	}
}

// MatchAll lists connected clients, oldest first.
func (h *Hub) MatchAll() []Info {
	h.mu.RLock()
	out := make([]Info, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.info)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast sends msg to every client, on every replica when a relay is set.
func (h *Hub) Broadcast(ctx context.Context, msg Message) error {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		return relay.Publish(ctx, msg)
	}
	h.Deliver(msg)
	return nil
}

// Deliver sends msg to the clients connected to this hub only.
func (h *Hub) Deliver(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.enqueue(c, msg)
	}
}

func (h *Hub) PostMessage(_ context.Context, id string, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	h.enqueue(c, msg)
	return nil
}

// Focus marks id as the focused client.
func (h *Hub) Focus(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; !ok {
		return ErrUnknownClient
	}
	for cid, c := range h.clients {
		c.info.Focused = cid == id
	}
	return nil
}

// OpenWindow parks url until the next client connects.
func (h *Hub) OpenWindow(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parked = append(h.parked, url)
	h.log.Debug("window open requested", "url", url)
	return nil
}

// Claim makes version the controller of every connected client.
func (h *Hub) Claim(_ context.Context, version string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.info.Controller = version
		h.enqueue(c, Message{Type: TypeClaimed, Version: version})
	}
	return nil
}

func (h *Hub) setURL(id, url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.info.URL = url
	}
}

// enqueue must be called with h.mu held. Slow clients lose messages rather
// than stall the hub.
func (h *Hub) enqueue(c *Client, msg Message) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("client send buffer full, dropping message", "client", c.info.ID, "type", msg.Type)
	}
}
