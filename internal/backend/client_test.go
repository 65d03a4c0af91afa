package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/internal/model"
)

func TestListConversationsSkipsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/conversations", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id": "c1", "participant_ids": ["a", "b"], "unread_count": 1, "updated_at": 10},
			{"participant_ids": ["x"]},
			{"id": "c2", "unread_count": 0, "updated_at": 20}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, "c2", convs[1].ID)
}

func TestListMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[
			{"id": "m1", "conversation_id": "c1", "sender_id": "a", "content": "hi", "created_at": 100, "status": "sent"},
			{"id": "m2", "conversation_id": "c1", "sender_id": "b", "content": "yo", "created_at": 200, "status": "read"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	msgs, err := c.ListMessages(context.Background(), "c1", 25)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.StatusRead, msgs[1].Status)
}

func TestCreateMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)

		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Content)

		_, _ = w.Write([]byte(`{"id": "srv-1", "conversation_id": "c1", "sender_id": "me", "content": "hello", "created_at": 123, "status": "sent"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	msg, err := c.CreateMessage(context.Background(), SendRequest{ConversationID: "c1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Equal(t, int64(123), msg.CreatedAt)
}

func TestMarkMessages(t *testing.T) {
	var got struct {
		IDs       []string `json:"ids"`
		Status    string   `json:"status"`
		Timestamp int64    `json:"timestamp"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/conversations/c1/messages/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	err := c.MarkMessages(context.Background(), "c1", []string{"m1", "m2"}, model.StatusRead, 999)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, got.IDs)
	assert.Equal(t, "read", got.Status)
	assert.Equal(t, int64(999), got.Timestamp)
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	_, err := c.ListConversations(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	latency, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}

func TestProbeFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	_, err := c.Probe(context.Background())
	assert.Error(t, err)
}

func TestRealtimeURL(t *testing.T) {
	c := NewClient("https://chat.example.com/", "tok", nil)
	assert.Equal(t, "wss://chat.example.com/api/realtime?token=tok", c.RealtimeURL())

	c = NewClient("http://localhost:8080", "t2", nil)
	assert.Equal(t, "ws://localhost:8080/api/realtime?token=t2", c.RealtimeURL())
}
