package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
)

// wsTestServer upgrades connections and exposes what the client sent.
type wsTestServer struct {
	t        *testing.T
	srv      *httptest.Server
	conns    chan *websocket.Conn
	commands chan backend.Command
}

func newWSTestServer(t *testing.T) *wsTestServer {
	s := &wsTestServer{
		t:        t,
		conns:    make(chan *websocket.Conn, 4),
		commands: make(chan backend.Command, 16),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
		go func() {
			for {
				var cmd backend.Command
				if err := ws.ReadJSON(&cmd); err != nil {
					return
				}
				s.commands <- cmd
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsTestServer) accept() *websocket.Conn {
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(2 * time.Second):
		s.t.Fatal("no client connected")
		return nil
	}
}

func (s *wsTestServer) nextCommand() backend.Command {
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(2 * time.Second):
		s.t.Fatal("no command received")
		return backend.Command{}
	}
}

func testManager(t *testing.T, s *wsTestServer, b *bus.Bus) *Manager {
	m := NewManager(Config{
		URL:         s.url(),
		Heartbeat:   50 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}, b, nil, nil)
	t.Cleanup(m.Stop)
	return m
}

func TestManagerSubscribesAndDispatches(t *testing.T) {
	s := newWSTestServer(t)
	m := testManager(t, s, bus.New())

	got := make(chan backend.Event, 1)
	m.CreateChannel(&Channel{
		Name:  "conv:c1",
		Table: backend.TableMessages,
		OnChange: map[backend.ChangeKey]Handler{
			{Table: backend.TableMessages, Op: backend.OpInsert}: func(evt backend.Event) {
				got <- evt
			},
		},
	})

	m.Start(context.Background())
	ws := s.accept()

	cmd := s.nextCommand()
	assert.Equal(t, "subscribe", cmd.Type)
	assert.Equal(t, "conv:c1", cmd.Channel)
	assert.Equal(t, backend.TableMessages, cmd.Table)

	frame := map[string]any{
		"type":    "change",
		"channel": "conv:c1",
		"table":   "messages",
		"op":      "insert",
		"record": map[string]any{
			"id":              "m1",
			"conversation_id": "c1",
			"sender_id":       "alice",
			"content":         "hi",
			"created_at":      100,
			"status":          "sent",
		},
	}
	require.NoError(t, ws.WriteJSON(frame))

	select {
	case evt := <-got:
		ins, ok := evt.(backend.MessageInserted)
		require.True(t, ok)
		assert.Equal(t, "m1", ins.Msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestManagerReconnectsAndResubscribes(t *testing.T) {
	s := newWSTestServer(t)
	b := bus.New()
	states, unsub := b.Subscribe("conn.state_changed", 32)
	defer unsub()

	m := testManager(t, s, b)
	m.CreateChannel(&Channel{Name: "conv:c1", Table: backend.TableMessages})
	m.Start(context.Background())

	ws := s.accept()
	assert.Equal(t, "subscribe", s.nextCommand().Type)

	// Server drops the connection; the manager must dial again and replay
	// the subscription.
	_ = ws.Close()
	s.accept()
	cmd := s.nextCommand()
	assert.Equal(t, "subscribe", cmd.Type)
	assert.Equal(t, "conv:c1", cmd.Channel)

	seen := map[State]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen[Reconnecting] && seen[Connected]) {
		select {
		case evt := <-states:
			sc := evt.Payload.(StateChange)
			seen[sc.To] = true
		case <-deadline:
			t.Fatalf("missing states, saw %v", seen)
		}
	}
}

func TestManagerHandlerPanicIsolated(t *testing.T) {
	s := newWSTestServer(t)
	m := testManager(t, s, bus.New())

	got := make(chan struct{}, 1)
	m.CreateChannel(&Channel{
		Name:  "conv:c1",
		Table: backend.TableMessages,
		OnChange: map[backend.ChangeKey]Handler{
			{Table: backend.TableMessages, Op: backend.OpInsert}: func(backend.Event) {
				panic("boom")
			},
			{Table: backend.TableMessages, Op: backend.OpDelete}: func(backend.Event) {
				got <- struct{}{}
			},
		},
	})

	m.Start(context.Background())
	ws := s.accept()
	s.nextCommand()

	insert := `{"type":"change","channel":"conv:c1","table":"messages","op":"insert","record":{"id":"m1","conversation_id":"c1","created_at":1}}`
	del := `{"type":"change","channel":"conv:c1","table":"messages","op":"delete","record":{"id":"m1","conversation_id":"c1"}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(insert)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(del)))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("panic in one handler starved the next event")
	}
}

func TestManagerRemoveChannelIdempotent(t *testing.T) {
	s := newWSTestServer(t)
	m := testManager(t, s, bus.New())
	m.Start(context.Background())
	s.accept()

	m.CreateChannel(&Channel{Name: "conv:c1", Table: backend.TableMessages})
	assert.Equal(t, "subscribe", s.nextCommand().Type)

	m.RemoveChannel("conv:c1")
	assert.Equal(t, "unsubscribe", s.nextCommand().Type)

	// Removing again must not send another frame or blow up.
	m.RemoveChannel("conv:c1")
	m.RemoveChannel("never-existed")
	select {
	case cmd := <-s.commands:
		t.Fatalf("unexpected command %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerBroadcast(t *testing.T) {
	s := newWSTestServer(t)
	m := testManager(t, s, bus.New())

	// Not connected yet: local failure.
	assert.Error(t, m.Broadcast("typing:c1", "typing", nil))

	m.Start(context.Background())
	s.accept()

	require.Eventually(t, func() bool {
		return m.Broadcast("typing:c1", "typing",
			backend.TypingPayload("c1", "me", "Me", true)) == nil
	}, 2*time.Second, 10*time.Millisecond)

	cmd := s.nextCommand()
	assert.Equal(t, "broadcast", cmd.Type)
	assert.Equal(t, "typing:c1", cmd.Channel)
	assert.Equal(t, "typing", cmd.Event)

	raw, err := json.Marshal(cmd.Payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"is_typing":true`)
}
