package syncer

import (
	"context"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/conn"
	"github.com/chatloop/chatloop/internal/presence"
)

// Channel naming. One feed per watched conversation plus one list-level
// feed for the local user's memberships.
func conversationChannel(conversationID string) string {
	return "conv:" + conversationID
}

func feedChannel(userID string) string {
	return "conversations:" + userID
}

// publishRemote hands a decoded event to the apply loop. Channel handlers
// run on the connection's read goroutine; the bus hop is what serializes
// them with local mutations.
func (s *Synchronizer) publishRemote(evt backend.Event) {
	s.bus.Emit("remote.event", evt)
}

// subscribeConversationFeed opens the list-level subscription: conversation
// rows and participant rows scoped to the local user.
func (s *Synchronizer) subscribeConversationFeed() {
	if s.chans == nil {
		return
	}
	s.chans.CreateChannel(&conn.Channel{
		Name:   feedChannel(s.self.UserID),
		Table:  backend.TableConversations,
		Filter: "member=" + s.self.UserID,
		OnChange: map[backend.ChangeKey]conn.Handler{
			{Table: backend.TableConversations}: s.publishRemote,
			{Table: backend.TableParticipants}:  s.publishRemote,
		},
	})
}

// Watch opens the realtime feed for one conversation and warms its message
// cache. Watching an already-watched conversation only refreshes the cache.
func (s *Synchronizer) Watch(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	already := s.watched[conversationID]
	s.watched[conversationID] = true
	s.mu.Unlock()

	if !already && s.chans != nil {
		s.chans.CreateChannel(&conn.Channel{
			Name:   conversationChannel(conversationID),
			Table:  backend.TableMessages,
			Filter: "conversation_id=" + conversationID,
			OnChange: map[backend.ChangeKey]conn.Handler{
				{Table: backend.TableMessages}: s.publishRemote,
			},
		})
		// Typing indicators arrive on their own broadcast channel, named the
		// way SetTyping sends them.
		s.chans.CreateChannel(&conn.Channel{
			Name: presence.TypingChannel(conversationID),
			OnBroadcast: map[string]conn.Handler{
				"typing": s.publishRemote,
			},
		})
	}

	_, err := s.Messages(ctx, conversationID)
	return err
}

// Unwatch closes the realtime feed for a conversation. The cached messages
// stay; TTL and eviction own their lifecycle. Unwatching an unwatched
// conversation is a no-op.
func (s *Synchronizer) Unwatch(conversationID string) {
	s.mu.Lock()
	s.unwatchLocked(conversationID)
	s.mu.Unlock()
}

func (s *Synchronizer) unwatchLocked(conversationID string) {
	if !s.watched[conversationID] {
		return
	}
	delete(s.watched, conversationID)
	if s.chans != nil {
		s.chans.RemoveChannel(conversationChannel(conversationID))
		s.chans.RemoveChannel(presence.TypingChannel(conversationID))
	}
}
