package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/model"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/syncer"
)

type fakeCreator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCreator) CreateMessage(ctx context.Context, req backend.SendRequest) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return model.Message{}, f.err
	}
	return model.Message{
		ID:             "srv-1",
		ConversationID: req.ConversationID,
		SenderID:       "me",
		Content:        req.Content,
		CreatedAt:      time.Now().UnixMilli(),
		Status:         model.StatusSent,
	}, nil
}

func (f *fakeCreator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func queue(t *testing.T, db *store.DB, clientID, content string) {
	t.Helper()
	require.NoError(t, db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID:    clientID,
		ConversationID: "c1",
		Content:        content,
	}))
}

func TestSenderDeliversQueuedEntry(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	acks, unsub := b.Subscribe("message.send_ack", 10)
	defer unsub()

	queue(t, db, "local-1", "hello")

	creator := &fakeCreator{}
	s := NewSender(db, creator, nil, b, nil)
	s.poll = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-acks:
		ack := evt.Payload.(syncer.SendAck)
		assert.Equal(t, "local-1", ack.ClientMsgID)
		assert.Equal(t, "srv-1", ack.Msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no send ack")
	}

	// Delivered entries leave the queue.
	assert.Eventually(t, func() bool {
		pending, err := db.PendingOutbox()
		return err == nil && len(pending) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSenderFailureMarksFailed(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	fails, unsub := b.Subscribe("message.send_failed", 10)
	defer unsub()

	queue(t, db, "local-1", "hello")

	creator := &fakeCreator{err: errors.New("backend rejected")}
	s := NewSender(db, creator, nil, b, nil)
	s.poll = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-fails:
		fail := evt.Payload.(syncer.SendFailure)
		assert.Equal(t, "local-1", fail.ClientMsgID)
		assert.Equal(t, "c1", fail.ConversationID)
		assert.Contains(t, fail.Err, "rejected")
	case <-time.After(2 * time.Second):
		t.Fatal("no send failure")
	}

	// Failed entries do not retry by themselves.
	pending, err := db.PendingOutbox()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSenderSkipsWhileOffline(t *testing.T) {
	db := testDB(t)
	queue(t, db, "local-1", "hello")

	var mu sync.Mutex
	online := false
	creator := &fakeCreator{}
	s := NewSender(db, creator, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}, bus.New(), nil)
	s.poll = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, creator.callCount())

	mu.Lock()
	online = true
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return creator.callCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSenderRecoversStrandedSending(t *testing.T) {
	db := testDB(t)
	queue(t, db, "local-1", "hello")
	require.NoError(t, db.MarkOutboxSending("local-1"))

	pending, err := db.PendingOutbox()
	require.NoError(t, err)
	require.Empty(t, pending)

	creator := &fakeCreator{}
	s := NewSender(db, creator, nil, bus.New(), nil)
	s.poll = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return creator.callCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSenderDeliversInQueueOrder(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	acks, unsub := b.Subscribe("message.send_ack", 10)
	defer unsub()

	queue(t, db, "local-1", "first")
	queue(t, db, "local-2", "second")

	creator := &fakeCreator{}
	s := NewSender(db, creator, nil, b, nil)
	s.poll = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	var order []string
	for len(order) < 2 {
		select {
		case evt := <-acks:
			order = append(order, evt.Payload.(syncer.SendAck).ClientMsgID)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d acks", len(order))
		}
	}
	assert.Equal(t, []string{"local-1", "local-2"}, order)
}
