package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/internal/model"
)

func TestDecodeEventMessageInsert(t *testing.T) {
	frame := []byte(`{
		"type": "change",
		"channel": "conv:c1",
		"table": "messages",
		"op": "insert",
		"record": {
			"id": "m1",
			"conversation_id": "c1",
			"sender_id": "alice",
			"content": "hello",
			"created_at": 1700000000000,
			"status": "sent"
		}
	}`)

	evt, err := DecodeEvent(frame)
	require.NoError(t, err)

	ins, ok := evt.(MessageInserted)
	require.True(t, ok)
	assert.Equal(t, "conv:c1", ins.ChannelName())
	assert.Equal(t, "m1", ins.Msg.ID)
	assert.Equal(t, "alice", ins.Msg.SenderID)
	assert.Equal(t, model.StatusSent, ins.Msg.Status)
}

func TestDecodeEventMessageUpdate(t *testing.T) {
	frame := []byte(`{
		"type": "change",
		"channel": "conv:c1",
		"table": "messages",
		"op": "update",
		"record": {
			"id": "m1",
			"conversation_id": "c1",
			"sender_id": "alice",
			"content": "hello",
			"created_at": 1700000000000,
			"read_at": 1700000001000,
			"status": "read"
		}
	}`)

	evt, err := DecodeEvent(frame)
	require.NoError(t, err)

	upd, ok := evt.(MessageUpdated)
	require.True(t, ok)
	assert.Equal(t, model.StatusRead, upd.Msg.Status)
	assert.Equal(t, int64(1700000001000), upd.Msg.ReadAt)
}

func TestDecodeEventMessageDelete(t *testing.T) {
	frame := []byte(`{
		"type": "change",
		"channel": "conv:c1",
		"table": "messages",
		"op": "delete",
		"record": {"id": "m1", "conversation_id": "c1"}
	}`)

	evt, err := DecodeEvent(frame)
	require.NoError(t, err)

	del, ok := evt.(MessageDeleted)
	require.True(t, ok)
	assert.Equal(t, "m1", del.MessageID)
	assert.Equal(t, "c1", del.ConversationID)
}

func TestDecodeEventConversationChange(t *testing.T) {
	frame := []byte(`{
		"type": "change",
		"channel": "conversations:u1",
		"table": "conversations",
		"op": "update",
		"record": {
			"id": "c1",
			"participant_ids": ["alice", "bob"],
			"unread_count": 2,
			"updated_at": 1700000000000
		}
	}`)

	evt, err := DecodeEvent(frame)
	require.NoError(t, err)

	cc, ok := evt.(ConversationChanged)
	require.True(t, ok)
	assert.Equal(t, OpUpdate, cc.Op)
	assert.Equal(t, "c1", cc.Conv.ID)
	assert.Equal(t, 2, cc.Conv.UnreadCount)
	assert.Nil(t, cc.Conv.LastMessage)
}

func TestDecodeEventParticipantChange(t *testing.T) {
	frame := []byte(`{
		"type": "change",
		"channel": "conversations:u1",
		"table": "participants",
		"op": "insert",
		"record": {"conversation_id": "c1", "user_id": "carol"}
	}`)

	evt, err := DecodeEvent(frame)
	require.NoError(t, err)

	pc, ok := evt.(ParticipantChanged)
	require.True(t, ok)
	assert.Equal(t, "c1", pc.ConversationID)
}

func TestDecodeEventTypingBroadcast(t *testing.T) {
	frame := []byte(`{
		"type": "broadcast",
		"channel": "typing:c1",
		"event": "typing",
		"payload": {
			"conversation_id": "c1",
			"user_id": "bob",
			"display_name": "Bob",
			"is_typing": true
		}
	}`)

	evt, err := DecodeEvent(frame)
	require.NoError(t, err)

	tb, ok := evt.(TypingBroadcast)
	require.True(t, ok)
	assert.Equal(t, "bob", tb.UserID)
	assert.True(t, tb.IsTyping)
}

func TestDecodeEventAck(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type": "ack", "channel": "conv:c1"}`))
	require.NoError(t, err)

	ack, ok := evt.(SubscribeAck)
	require.True(t, ok)
	assert.Equal(t, "conv:c1", ack.Channel)
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	frames := map[string][]byte{
		"not json":        []byte(`{`),
		"unknown type":    []byte(`{"type": "nope"}`),
		"unknown table":   []byte(`{"type": "change", "table": "widgets", "op": "insert", "record": {}}`),
		"unknown op":      []byte(`{"type": "change", "table": "messages", "op": "upsert", "record": {"id": "m1", "conversation_id": "c1", "created_at": 1}}`),
		"missing id":      []byte(`{"type": "change", "table": "messages", "op": "insert", "record": {"conversation_id": "c1", "created_at": 1}}`),
		"bad created_at":  []byte(`{"type": "change", "table": "messages", "op": "insert", "record": {"id": "m1", "conversation_id": "c1", "created_at": 0}}`),
		"bad status":      []byte(`{"type": "change", "table": "messages", "op": "insert", "record": {"id": "m1", "conversation_id": "c1", "created_at": 1, "status": "teleported"}}`),
		"negative unread": []byte(`{"type": "change", "table": "conversations", "op": "update", "record": {"id": "c1", "unread_count": -1}}`),
		"typing no user":  []byte(`{"type": "broadcast", "event": "typing", "payload": {"conversation_id": "c1"}}`),
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent(frame)
			assert.Error(t, err)
		})
	}
}

func TestDecodeEventDefaultsEmptyStatusToSent(t *testing.T) {
	frame := []byte(`{
		"type": "change",
		"channel": "conv:c1",
		"table": "messages",
		"op": "insert",
		"record": {"id": "m1", "conversation_id": "c1", "sender_id": "a", "created_at": 5}
	}`)

	evt, err := DecodeEvent(frame)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, evt.(MessageInserted).Msg.Status)
}
