package syncer

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/model"
	"github.com/chatloop/chatloop/internal/store"
)

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	MediaURL    string
	MediaType   string
	RepliedToID string
}

// SendAck correlates a server-acknowledged send with its optimistic entry.
type SendAck struct {
	ClientMsgID string
	Msg         model.Message
}

// SendFailure reports a permanently failed send.
type SendFailure struct {
	ClientMsgID    string
	ConversationID string
	Err            string
}

// SendMessage queues a message for delivery and inserts an optimistic local
// copy immediately, so sending works the same offline and online. The
// returned message carries a client-generated ID that is replaced by the
// server-assigned one once the send is acknowledged.
func (s *Synchronizer) SendMessage(conversationID, content string, opts SendOptions) (model.Message, error) {
	clientID := "local-" + uuid.NewString()
	msg := model.Message{
		ID:             clientID,
		ConversationID: conversationID,
		SenderID:       s.self.UserID,
		Content:        content,
		MediaURL:       opts.MediaURL,
		MediaType:      opts.MediaType,
		RepliedToID:    opts.RepliedToID,
		CreatedAt:      s.now().UnixMilli(),
		Status:         model.StatusSent,
	}

	if s.db != nil {
		if err := s.db.QueueOutbox(&store.OutboxEntry{
			ClientMsgID:    clientID,
			ConversationID: conversationID,
			Content:        content,
			MediaURL:       opts.MediaURL,
			MediaType:      opts.MediaType,
			RepliedToID:    opts.RepliedToID,
		}); err != nil {
			return model.Message{}, err
		}
	}

	s.mu.Lock()
	s.pending[clientID] = pendingSend{
		conversationID: conversationID,
		content:        content,
		createdAt:      msg.CreatedAt,
	}
	s.mu.Unlock()

	s.cache.Upsert(conversationID, msg)
	s.bumpConversation(msg)
	s.bus.Emit("message.queued", clientID)
	s.bus.Emit("sync.messages_updated", conversationID)
	return msg, nil
}

// RetryMessage requeues a failed send. The optimistic entry flips back to
// sent so the conversation view stops showing it as failed.
func (s *Synchronizer) RetryMessage(clientMsgID, conversationID string) error {
	if s.db != nil {
		if err := s.db.RequeueOutbox(clientMsgID); err != nil {
			return err
		}
	}
	s.cache.Patch(conversationID, clientMsgID, func(m *model.Message) {
		if m.Status == model.StatusFailed {
			m.Status = model.StatusSent
		}
	})
	s.bus.Emit("sync.messages_updated", conversationID)
	return nil
}

// applyAck swaps the optimistic entry for the server record.
func (s *Synchronizer) applyAck(ack SendAck) {
	s.replaceTemp(ack.ClientMsgID, ack.Msg)
}

func (s *Synchronizer) applyFailure(fail SendFailure) {
	s.cache.Patch(fail.ConversationID, fail.ClientMsgID, func(m *model.Message) {
		m.Status = model.StatusFailed
	})
	s.logger.Warn("send failed",
		zap.String("client_msg_id", fail.ClientMsgID),
		zap.String("error", fail.Err))
	s.bus.Emit("sync.messages_updated", fail.ConversationID)
}

// replaceTemp removes the optimistic entry and inserts the acknowledged
// server record in its place.
func (s *Synchronizer) replaceTemp(clientMsgID string, serverMsg model.Message) {
	s.mu.Lock()
	p, known := s.pending[clientMsgID]
	delete(s.pending, clientMsgID)
	s.mu.Unlock()

	if known {
		s.cache.Remove(p.conversationID, clientMsgID)
	}
	s.cache.Upsert(serverMsg.ConversationID, serverMsg)
	s.bumpConversation(serverMsg)
	s.bus.Emit("sync.messages_updated", serverMsg.ConversationID)
}

// matchPendingEcho finds the optimistic entry a server echo corresponds to:
// same conversation, same content, sent near the same time. Returns its
// client ID.
func (s *Synchronizer) matchPendingEcho(msg model.Message) (string, bool) {
	const window = int64(60_000)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		if p.conversationID != msg.ConversationID || p.content != msg.Content {
			continue
		}
		delta := msg.CreatedAt - p.createdAt
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return id, true
		}
	}
	return "", false
}
