package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storyapp/shelter/internal/clients"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDisplay struct {
	mu     sync.Mutex
	shown  []Notification
	closed []string
	err    error
}

func (d *recordingDisplay) Show(_ context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, n)
	return d.err
}

func (d *recordingDisplay) Close(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, id)
	return nil
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		structured bool
		title      string
		body       string
		url        string
	}{
		{name: "empty", raw: "", title: DefaultTitle, body: DefaultBody, url: DefaultURL},
		{name: "full json", raw: `{"title":"T","body":"B","url":"/#/detail/1"}`, structured: true, title: "T", body: "B", url: "/#/detail/1"},
		{name: "partial json", raw: `{"body":"only body"}`, structured: true, title: DefaultTitle, body: "only body", url: DefaultURL},
		{name: "empty strings keep defaults", raw: `{"title":"","body":""}`, structured: true, title: DefaultTitle, body: DefaultBody, url: DefaultURL},
		{name: "plain text", raw: "hello world", title: DefaultTitle, body: "hello world", url: DefaultURL},
		{name: "broken json", raw: `{"title":`, title: DefaultTitle, body: `{"title":`, url: DefaultURL},
		{name: "json string keeps defaults", raw: `"hello"`, structured: true, title: DefaultTitle, body: DefaultBody, url: DefaultURL},
		{name: "json array keeps defaults", raw: `[1,2]`, structured: true, title: DefaultTitle, body: DefaultBody, url: DefaultURL},
		{name: "json null is text", raw: `null`, title: DefaultTitle, body: "null", url: DefaultURL},
		{name: "numbers are formatted", raw: `{"title":7,"body":"Y"}`, structured: true, title: "7", body: "Y", url: DefaultURL},
		{name: "falsy scalars keep defaults", raw: `{"title":0,"body":false,"url":null}`, structured: true, title: DefaultTitle, body: DefaultBody, url: DefaultURL},
		{name: "true and fractions", raw: `{"title":true,"body":2.5}`, structured: true, title: "true", body: "2.5", url: DefaultURL},
		{name: "nested values keep defaults", raw: `{"title":{"x":1},"url":"/#/about"}`, structured: true, title: DefaultTitle, body: DefaultBody, url: "/#/about"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, structured := Decode([]byte(tt.raw))
			assert.Equal(t, tt.structured, structured)
			assert.Equal(t, tt.title, n.Title)
			assert.Equal(t, tt.body, n.Body)
			assert.Equal(t, tt.url, n.Data.URL)
			assert.Equal(t, DefaultIcon, n.Icon)
			assert.Equal(t, DefaultIcon, n.Badge)
			assert.Equal(t, []int{200, 100, 200}, n.Vibrate)
		})
	}
}

func TestHandlePushShowsExactlyOnce(t *testing.T) {
	t.Parallel()
	d := &recordingDisplay{}
	b := NewBridge(d, clients.NewHub(nil), nil, nil)
	b.newID = func() string { return "n-1" }

	require.NoError(t, b.HandlePush(context.Background(), []byte("not json at all")))

	require.Len(t, d.shown, 1)
	assert.Equal(t, "n-1", d.shown[0].ID)
	assert.Equal(t, "not json at all", d.shown[0].Body)
	assert.Equal(t, DefaultTitle, d.shown[0].Title)
}

func TestHandlePushDisplayError(t *testing.T) {
	t.Parallel()
	d := &recordingDisplay{err: errors.New("boom")}
	b := NewBridge(d, clients.NewHub(nil), nil, nil)

	err := b.HandlePush(context.Background(), nil)
	require.Error(t, err)
	assert.Len(t, d.shown, 1)
}

func TestHandleClickFocusesExistingWindow(t *testing.T) {
	t.Parallel()
	hub := clients.NewHub(nil)
	first := hub.Connect("https://app.example/#/home")
	time.Sleep(time.Millisecond)
	second := hub.Connect("https://app.example/#/map")
	d := &recordingDisplay{}
	b := NewBridge(d, hub, nil, nil)

	n := Notification{ID: "n-1", Data: Data{URL: "/#/detail/9"}}
	require.NoError(t, b.HandleClick(context.Background(), n))

	assert.Equal(t, []string{"n-1"}, d.closed)
	select {
	case msg := <-first.Messages():
		assert.Equal(t, clients.TypeNavigate, msg.Type)
		assert.Equal(t, "/#/detail/9", msg.URL)
	case <-time.After(time.Second):
		t.Fatal("first window got no navigate message")
	}
	select {
	case msg := <-second.Messages():
		t.Fatalf("second window should not be messaged, got %+v", msg)
	default:
	}

	var focused []string
	for _, info := range hub.MatchAll() {
		if info.Focused {
			focused = append(focused, info.ID)
		}
	}
	assert.Equal(t, []string{first.ID()}, focused)
}

func TestHandleClickOpensWindowWhenNoneOpen(t *testing.T) {
	t.Parallel()
	hub := clients.NewHub(nil)
	b := NewBridge(&recordingDisplay{}, hub, nil, nil)

	require.NoError(t, b.HandleClick(context.Background(), Notification{ID: "n-2"}))

	// the parked window is delivered to the next client that connects
	c := hub.Connect("https://app.example/")
	select {
	case msg := <-c.Messages():
		assert.Equal(t, clients.TypeNavigate, msg.Type)
		assert.Equal(t, DefaultURL, msg.URL)
	case <-time.After(time.Second):
		t.Fatal("opened window was not delivered")
	}
}
