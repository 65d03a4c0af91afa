package model

import "time"

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank returns the forward-progress rank of a status. Failed is terminal
// and does not participate in the forward ordering.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Message is a single chat message. Timestamps are unix milliseconds from
// the server clock; CreatedAt is the sort key.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	MediaURL       string
	MediaType      string
	// RepliedToID is a weak reference: the target may have been deleted.
	RepliedToID string
	CreatedAt   int64
	DeliveredAt int64
	ReadAt      int64
	Status      MessageStatus
}

// Less orders messages by (CreatedAt, ID) ascending.
func (m *Message) Less(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// Conversation is a chat thread with a denormalized copy of its newest
// message for fast list rendering.
type Conversation struct {
	ID             string
	ParticipantIDs []string
	LastMessage    *Message
	UnreadCount    int
	UpdatedAt      int64
}

// SortKey returns the value conversations are list-ordered by (descending):
// the max of the conversation's own timestamp and its last message's.
func (c *Conversation) SortKey() int64 {
	key := c.UpdatedAt
	if c.LastMessage != nil && c.LastMessage.CreatedAt > key {
		key = c.LastMessage.CreatedAt
	}
	return key
}

// TypingUser is an ephemeral typing-indicator entry.
type TypingUser struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// Quality classifies network health.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// ConnectionMetrics is the current network health estimate.
type ConnectionMetrics struct {
	LatencyMs           int64
	Quality             Quality
	ConsecutiveFailures int
	SuccessRate         float64
}

// Identity is the local user as known to the backend.
type Identity struct {
	UserID      string
	DisplayName string
}
