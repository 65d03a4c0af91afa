package syncer

import (
	"context"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/conn"
	"github.com/chatloop/chatloop/internal/model"
	"github.com/chatloop/chatloop/internal/status"
)

func (s *Synchronizer) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "remote.event":
		re, ok := evt.Payload.(backend.Event)
		if !ok {
			return
		}
		s.applyRemote(ctx, re)

	case "message.send_ack":
		ack, ok := evt.Payload.(SendAck)
		if !ok {
			return
		}
		s.applyAck(ack)

	case "message.send_failed":
		fail, ok := evt.Payload.(SendFailure)
		if !ok {
			return
		}
		s.applyFailure(fail)

	case "conn.state_changed":
		sc, ok := evt.Payload.(conn.StateChange)
		if !ok {
			return
		}
		// Events may have been missed while the connection was down, so a
		// fresh connection triggers a full refetch.
		if sc.To == conn.Connected && sc.From != conn.Degraded {
			s.scheduleRefresh(ctx)
		}
	}
}

func (s *Synchronizer) applyRemote(ctx context.Context, evt backend.Event) {
	switch e := evt.(type) {
	case backend.MessageInserted:
		s.applyInsert(ctx, e.Msg)
	case backend.MessageUpdated:
		s.applyUpdate(e.Msg)
	case backend.MessageDeleted:
		s.applyDelete(e.ConversationID, e.MessageID)
	case backend.ConversationChanged:
		s.applyConversation(ctx, e)
	case backend.ParticipantChanged:
		s.scheduleRefresh(ctx)
	case backend.TypingBroadcast:
		if s.typing != nil {
			s.typing(e)
		}
	}
}

func (s *Synchronizer) applyInsert(ctx context.Context, msg model.Message) {
	// The realtime feed echoes our own sends back. A pending optimistic
	// entry for the same content is superseded, not duplicated.
	if msg.SenderID == s.self.UserID {
		if tempID, ok := s.matchPendingEcho(msg); ok {
			s.replaceTemp(tempID, msg)
			return
		}
	}

	if msg.SenderID != s.self.UserID {
		// Receiving the message is delivery. The local copy advances right
		// away; the receipt to the remote store is best effort.
		at := s.now().UnixMilli()
		_, _ = status.Advance(&msg, model.StatusDelivered, at)
		go func() {
			if err := s.client.MarkMessages(ctx, msg.ConversationID, []string{msg.ID}, model.StatusDelivered, at); err != nil {
				s.logger.Debug("delivery receipt failed", zap.String("msg_id", msg.ID), zap.Error(err))
			}
		}()
	}

	s.cache.Upsert(msg.ConversationID, msg)
	s.bumpConversation(msg)
	s.bus.Emit("sync.messages_updated", msg.ConversationID)
}

// bumpConversation updates the denormalized last-message copy and unread
// counter of the message's conversation.
func (s *Synchronizer) bumpConversation(msg model.Message) {
	s.mu.Lock()
	c, ok := s.convs[msg.ConversationID]
	if !ok {
		// A message for an unknown conversation means the list is behind.
		s.mu.Unlock()
		return
	}
	if c.LastMessage == nil || c.LastMessage.CreatedAt <= msg.CreatedAt {
		m := msg
		c.LastMessage = &m
	}
	if msg.SenderID != s.self.UserID && msg.ReadAt == 0 {
		c.UnreadCount++
	}
	s.convs[msg.ConversationID] = c
	s.mu.Unlock()

	s.bus.Emit("sync.conversations_updated", 0)
}

func (s *Synchronizer) applyUpdate(msg model.Message) {
	updated, found := s.cache.Patch(msg.ConversationID, msg.ID, func(m *model.Message) {
		// Content edits apply as-is; delivery status only moves forward.
		st := m.Status
		deliveredAt, readAt := m.DeliveredAt, m.ReadAt
		*m = msg
		m.Status, m.DeliveredAt, m.ReadAt = st, deliveredAt, readAt
		if msg.Status.Rank() > 0 {
			at := msg.ReadAt
			if at == 0 {
				at = msg.DeliveredAt
			}
			if at == 0 {
				at = s.now().UnixMilli()
			}
			_, _ = status.Advance(m, msg.Status, at)
		}
	})
	if !found {
		// Not cached: nothing local to reconcile.
		return
	}

	s.mu.Lock()
	if c, ok := s.convs[msg.ConversationID]; ok && c.LastMessage != nil && c.LastMessage.ID == msg.ID {
		m := updated
		c.LastMessage = &m
		s.convs[msg.ConversationID] = c
	}
	s.mu.Unlock()

	s.bus.Emit("sync.messages_updated", msg.ConversationID)
}

func (s *Synchronizer) applyDelete(conversationID, messageID string) {
	s.cache.Remove(conversationID, messageID)

	s.mu.Lock()
	if c, ok := s.convs[conversationID]; ok && c.LastMessage != nil && c.LastMessage.ID == messageID {
		c.LastMessage = nil
		s.convs[conversationID] = c
	}
	s.mu.Unlock()

	s.bus.Emit("sync.messages_updated", conversationID)
}

func (s *Synchronizer) applyConversation(ctx context.Context, e backend.ConversationChanged) {
	switch e.Op {
	case backend.OpInsert, backend.OpUpdate:
		s.mu.Lock()
		s.convs[e.Conv.ID] = e.Conv
		s.mu.Unlock()
		s.bus.Emit("sync.conversations_updated", 0)
	case backend.OpDelete:
		// A single delete event is not a full enumeration. Schedule a
		// refetch and let it prove the removal.
		s.scheduleRefresh(ctx)
	}
}
