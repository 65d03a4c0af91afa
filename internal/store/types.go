package store

import "github.com/chatloop/chatloop/internal/model"

// CachedMessage is a message row together with its cache insertion time,
// which drives TTL expiry independently of the message's own timestamps.
type CachedMessage struct {
	Msg      model.Message
	CachedAt int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Content        string
	MediaURL       string
	MediaType      string
	RepliedToID    string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64
}
