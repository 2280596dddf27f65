package clients

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg := <-c.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	a := h.Connect("/#/home")
	b := h.Connect("/#/archive")

	require.NoError(t, h.Broadcast(context.Background(), Message{Type: TypeNewVersion, Version: "v7"}))

	assert.Equal(t, TypeNewVersion, receive(t, a).Type)
	assert.Equal(t, "v7", receive(t, b).Version)
}

func TestMatchAllOrder(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	first := h.Connect("/a")
	second := h.Connect("/b")

	all := h.MatchAll()
	require.Len(t, all, 2)
	assert.Equal(t, first.ID(), all[0].ID)
	assert.Equal(t, second.ID(), all[1].ID)

	h.Disconnect(first.ID())
	all = h.MatchAll()
	require.Len(t, all, 1)
	assert.Equal(t, second.ID(), all[0].ID)

	_, open := <-first.Messages()
	assert.False(t, open, "disconnect closes the stream")
}

func TestFocusAndPostMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewHub(nil)
	a := h.Connect("/a")
	b := h.Connect("/b")

	require.NoError(t, h.Focus(ctx, b.ID()))
	for _, info := range h.MatchAll() {
		assert.Equal(t, info.ID == b.ID(), info.Focused)
	}

	require.NoError(t, h.PostMessage(ctx, a.ID(), Message{Type: TypeNavigate, URL: "/#/detail/1"}))
	assert.Equal(t, "/#/detail/1", receive(t, a).URL)

	assert.ErrorIs(t, h.PostMessage(ctx, "missing", Message{}), ErrUnknownClient)
	assert.ErrorIs(t, h.Focus(ctx, "missing"), ErrUnknownClient)
}

func TestOpenWindowParksUntilConnect(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	require.NoError(t, h.OpenWindow(context.Background(), "/#/home"))

	c := h.Connect("")
	msg := receive(t, c)
	assert.Equal(t, TypeNavigate, msg.Type)
	assert.Equal(t, "/#/home", msg.URL)

	// delivered once only
	other := h.Connect("")
	select {
	case m := <-other.Messages():
		t.Fatalf("unexpected message %+v", m)
	default:
	}
}

func TestClaimSetsController(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	c := h.Connect("/")

	require.NoError(t, h.Claim(context.Background(), "story-app-shell-v6"))
	assert.Equal(t, TypeClaimed, receive(t, c).Type)
	assert.Equal(t, "story-app-shell-v6", h.MatchAll()[0].Controller)
}

type recordingRelay struct{ msgs []Message }

func (r *recordingRelay) Publish(_ context.Context, msg Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestBroadcastGoesThroughRelay(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	c := h.Connect("/")
	relay := &recordingRelay{}
	h.SetRelay(relay)

	require.NoError(t, h.Broadcast(context.Background(), Message{Type: TypeNewVersion}))
	require.Len(t, relay.msgs, 1)
	select {
	case m := <-c.Messages():
		t.Fatalf("relay must deliver, got %+v", m)
	default:
	}
}

func TestServeWS(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?url=/%23/home"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return len(h.MatchAll()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "/#/home", h.MatchAll()[0].URL)

	require.NoError(t, conn.WriteJSON(inbound{Type: "focus"}))
	require.Eventually(t, func() bool { return h.MatchAll()[0].Focused }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Broadcast(context.Background(), Message{Type: TypeNewVersion, Version: "v7"}))
	var got Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypeNewVersion, got.Type)
	assert.Equal(t, "v7", got.Version)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(h.MatchAll()) == 0 }, time.Second, 10*time.Millisecond)
}
