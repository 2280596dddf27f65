package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/storyapp/shelter/internal/clients"
)

// Broadcaster is satisfied by *clients.Hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg clients.Message) error
}

// HubDisplayer shows notifications in every open window and remembers them
// until they are closed, so a click can be resolved from its id alone.
type HubDisplayer struct {
	hub Broadcaster

	mu    sync.Mutex
	shown map[string]Notification
}

func NewHubDisplayer(hub Broadcaster) *HubDisplayer {
	return &HubDisplayer{hub: hub, shown: make(map[string]Notification)}
}

func (d *HubDisplayer) Show(ctx context.Context, n Notification) error {
	d.mu.Lock()
	d.shown[n.ID] = n
	d.mu.Unlock()
	return d.hub.Broadcast(ctx, clients.Message{Type: clients.TypeNotification, Data: n})
}

func (d *HubDisplayer) Close(ctx context.Context, id string) error {
	d.mu.Lock()
	_, ok := d.shown[id]
	delete(d.shown, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return d.hub.Broadcast(ctx, clients.Message{Type: clients.TypeNotificationClose, Data: map[string]string{"id": id}})
}

// Lookup returns a notification that is still on screen.
func (d *HubDisplayer) Lookup(id string) (Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.shown[id]
	return n, ok
}

// ShoutrrrDisplayer forwards notifications to external services (ntfy,
// telegram, ...) addressed by shoutrrr URLs. Those cannot be closed.
type ShoutrrrDisplayer struct {
	urls []string
	send func(url, message string) error
}

func NewShoutrrrDisplayer(urls []string) *ShoutrrrDisplayer {
	return &ShoutrrrDisplayer{urls: urls, send: shoutrrr.Send}
}

func (d *ShoutrrrDisplayer) Show(_ context.Context, n Notification) error {
	msg := n.Title + "\n" + n.Body
	if n.Data.URL != "" {
		msg += "\n" + n.Data.URL
	}
	var errs []error
	for _, u := range d.urls {
		if err := d.send(u, msg); err != nil {
			errs = append(errs, fmt.Errorf("shoutrrr send: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *ShoutrrrDisplayer) Close(context.Context, string) error { return nil }

// Displayers shows on every member and reports all failures.
type Displayers []Displayer

func (ds Displayers) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range ds {
		if err := d.Show(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ds Displayers) Close(ctx context.Context, id string) error {
	var errs []error
	for _, d := range ds {
		if err := d.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
