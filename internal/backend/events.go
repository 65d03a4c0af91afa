package backend

import (
	"encoding/json"
	"fmt"

	"github.com/chatloop/chatloop/internal/model"
)

// Op is a change-event operation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Tables the event source publishes changes for.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
	TableParticipants  = "participants"
)

// ChangeKey identifies a handler registration for table change events.
type ChangeKey struct {
	Table string
	Op    Op
}

// Event is the closed set of decoded backend events. The transport decodes
// raw frames into exactly one of these variants; nothing downstream
// dispatches on strings.
type Event interface {
	isEvent()
	// ChannelName returns the subscription channel the event arrived on.
	ChannelName() string
}

// MessageInserted is a new message pushed by the event source.
type MessageInserted struct {
	Channel string
	Msg     model.Message
}

// MessageUpdated is a changed message record, typically a status change.
type MessageUpdated struct {
	Channel string
	Msg     model.Message
}

// MessageDeleted signals removal of a message from the remote store.
type MessageDeleted struct {
	Channel        string
	ConversationID string
	MessageID      string
}

// ConversationChanged is a membership-level change: a conversation was
// created, updated or deleted.
type ConversationChanged struct {
	Channel string
	Op      Op
	Conv    model.Conversation
}

// ParticipantChanged signals a participant add/remove on a conversation.
type ParticipantChanged struct {
	Channel        string
	Op             Op
	ConversationID string
}

// TypingBroadcast is an ephemeral typing payload on a broadcast channel.
type TypingBroadcast struct {
	Channel        string
	ConversationID string
	UserID         string
	DisplayName    string
	IsTyping       bool
}

// SubscribeAck confirms a channel subscription.
type SubscribeAck struct {
	Channel string
}

func (MessageInserted) isEvent()     {}
func (MessageUpdated) isEvent()      {}
func (MessageDeleted) isEvent()      {}
func (ConversationChanged) isEvent() {}
func (ParticipantChanged) isEvent()  {}
func (TypingBroadcast) isEvent()     {}
func (SubscribeAck) isEvent()        {}

func (e MessageInserted) ChannelName() string     { return e.Channel }
func (e MessageUpdated) ChannelName() string      { return e.Channel }
func (e MessageDeleted) ChannelName() string      { return e.Channel }
func (e ConversationChanged) ChannelName() string { return e.Channel }
func (e ParticipantChanged) ChannelName() string  { return e.Channel }
func (e TypingBroadcast) ChannelName() string     { return e.Channel }
func (e SubscribeAck) ChannelName() string        { return e.Channel }

// envelope is the wire format for frames on the realtime connection.
type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Table   string          `json:"table,omitempty"`
	Op      string          `json:"op,omitempty"`
	Event   string          `json:"event,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	IsTyping       bool   `json:"is_typing"`
}

type deletedRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// DecodeEvent parses one inbound frame into an Event variant. Malformed
// frames and records yield an error; the caller logs and drops them.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "change":
		return decodeChange(&env)
	case "broadcast":
		return decodeBroadcast(&env)
	case "ack":
		return SubscribeAck{Channel: env.Channel}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

func decodeChange(env *envelope) (Event, error) {
	op := Op(env.Op)
	switch env.Table {
	case TableMessages:
		if op == OpDelete {
			var rec deletedRecord
			if err := json.Unmarshal(env.Record, &rec); err != nil {
				return nil, fmt.Errorf("decode deleted message: %w", err)
			}
			if rec.ID == "" {
				return nil, fmt.Errorf("deleted message record missing id")
			}
			return MessageDeleted{Channel: env.Channel, ConversationID: rec.ConversationID, MessageID: rec.ID}, nil
		}
		var wm wireMessage
		if err := json.Unmarshal(env.Record, &wm); err != nil {
			return nil, fmt.Errorf("decode message record: %w", err)
		}
		m, err := wm.toModel()
		if err != nil {
			return nil, err
		}
		if op == OpInsert {
			return MessageInserted{Channel: env.Channel, Msg: m}, nil
		}
		if op == OpUpdate {
			return MessageUpdated{Channel: env.Channel, Msg: m}, nil
		}
		return nil, fmt.Errorf("unknown message op %q", env.Op)

	case TableConversations:
		var wc wireConversation
		if err := json.Unmarshal(env.Record, &wc); err != nil {
			return nil, fmt.Errorf("decode conversation record: %w", err)
		}
		c, err := wc.toModel()
		if err != nil {
			return nil, err
		}
		if op != OpInsert && op != OpUpdate && op != OpDelete {
			return nil, fmt.Errorf("unknown conversation op %q", env.Op)
		}
		return ConversationChanged{Channel: env.Channel, Op: op, Conv: c}, nil

	case TableParticipants:
		var rec struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return nil, fmt.Errorf("decode participant record: %w", err)
		}
		if rec.ConversationID == "" {
			return nil, fmt.Errorf("participant record missing conversation_id")
		}
		if op != OpInsert && op != OpUpdate && op != OpDelete {
			return nil, fmt.Errorf("unknown participant op %q", env.Op)
		}
		return ParticipantChanged{Channel: env.Channel, Op: op, ConversationID: rec.ConversationID}, nil

	default:
		return nil, fmt.Errorf("unknown change table %q", env.Table)
	}
}

func decodeBroadcast(env *envelope) (Event, error) {
	switch env.Event {
	case "typing":
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode typing payload: %w", err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("typing payload missing user_id")
		}
		return TypingBroadcast{
			Channel:        env.Channel,
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			IsTyping:       p.IsTyping,
		}, nil
	default:
		return nil, fmt.Errorf("unknown broadcast event %q", env.Event)
	}
}

// Command is a client-to-server frame on the realtime connection.
type Command struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Table   string `json:"table,omitempty"`
	Filter  string `json:"filter,omitempty"`
	Event   string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// SubscribeCommand builds the subscribe frame for a channel.
func SubscribeCommand(channel, table, filter string) Command {
	return Command{Type: "subscribe", Channel: channel, Table: table, Filter: filter}
}

// UnsubscribeCommand builds the unsubscribe frame for a channel.
func UnsubscribeCommand(channel string) Command {
	return Command{Type: "unsubscribe", Channel: channel}
}

// BroadcastCommand builds an ephemeral broadcast frame.
func BroadcastCommand(channel, event string, payload any) Command {
	return Command{Type: "broadcast", Channel: channel, Event: event, Payload: payload}
}

// TypingPayload builds the ephemeral typing broadcast body.
func TypingPayload(conversationID, userID, displayName string, isTyping bool) any {
	return typingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		IsTyping:       isTyping,
	}
}
