package conn

import (
	"github.com/chatloop/chatloop/internal/backend"
)

// Handler consumes one decoded backend event. Handlers run on the read
// goroutine; a panicking handler is recovered and logged without taking the
// connection down.
type Handler func(evt backend.Event)

// Channel is a named realtime subscription with per-event handlers.
// OnChange is keyed by (table, op); an entry with a zero Op matches any op
// on that table when no exact entry exists. OnBroadcast is keyed by the
// broadcast event name.
type Channel struct {
	Name        string
	Table       string
	Filter      string
	OnChange    map[backend.ChangeKey]Handler
	OnBroadcast map[string]Handler
}

// changeKeyFor derives the routing key for a decoded change event.
func changeKeyFor(evt backend.Event) (backend.ChangeKey, bool) {
	switch e := evt.(type) {
	case backend.MessageInserted:
		return backend.ChangeKey{Table: backend.TableMessages, Op: backend.OpInsert}, true
	case backend.MessageUpdated:
		return backend.ChangeKey{Table: backend.TableMessages, Op: backend.OpUpdate}, true
	case backend.MessageDeleted:
		return backend.ChangeKey{Table: backend.TableMessages, Op: backend.OpDelete}, true
	case backend.ConversationChanged:
		return backend.ChangeKey{Table: backend.TableConversations, Op: e.Op}, true
	case backend.ParticipantChanged:
		return backend.ChangeKey{Table: backend.TableParticipants, Op: e.Op}, true
	}
	return backend.ChangeKey{}, false
}

// handlerFor resolves the handler for an event on this channel, or nil.
func (c *Channel) handlerFor(evt backend.Event) Handler {
	if _, ok := evt.(backend.TypingBroadcast); ok {
		return c.OnBroadcast["typing"]
	}
	key, ok := changeKeyFor(evt)
	if !ok {
		return nil
	}
	if h, ok := c.OnChange[key]; ok {
		return h
	}
	return c.OnChange[backend.ChangeKey{Table: key.Table}]
}
