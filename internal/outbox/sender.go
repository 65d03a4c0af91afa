package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/model"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/syncer"
)

// MessageCreator pushes one outgoing message to the backend.
type MessageCreator interface {
	CreateMessage(ctx context.Context, req backend.SendRequest) (model.Message, error)
}

// Online reports whether sends are worth attempting right now.
type Online func() bool

// Sender drains the durable outbox. Queued entries are pushed to the
// backend in order; results are announced on the bus so the synchronizer
// can reconcile the optimistic entries. While the connection is down the
// queue just sits, which is what makes offline sends safe.
type Sender struct {
	db      *store.DB
	creator MessageCreator
	online  Online
	bus     *bus.Bus
	logger  *zap.Logger
	poll    time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates an outbox sender. online may be nil, in which case
// every poll attempts delivery.
func NewSender(db *store.DB, creator MessageCreator, online Online, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Sender{
		db:      db,
		creator: creator,
		online:  online,
		bus:     b,
		logger:  logger,
		poll:    500 * time.Millisecond,
	}
}

// Start recovers entries stranded by a crash mid-send and begins polling.
func (s *Sender) Start(ctx context.Context) {
	if err := s.db.ResetSendingOutbox(); err != nil {
		s.logger.Warn("outbox recovery failed", zap.Error(err))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	if !s.online() {
		return
	}

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		msg, err := s.creator.CreateMessage(ctx, backend.SendRequest{
			ConversationID: entry.ConversationID,
			Content:        entry.Content,
			MediaURL:       entry.MediaURL,
			MediaType:      entry.MediaType,
			RepliedToID:    entry.RepliedToID,
		})
		if err != nil {
			s.logger.Error("send failed",
				zap.String("client_msg_id", entry.ClientMsgID),
				zap.String("conversation_id", entry.ConversationID),
				zap.Error(err))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.bus.Emit("message.send_failed", syncer.SendFailure{
				ClientMsgID:    entry.ClientMsgID,
				ConversationID: entry.ConversationID,
				Err:            err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, msg.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", msg.ID))
		s.bus.Emit("message.send_ack", syncer.SendAck{
			ClientMsgID: entry.ClientMsgID,
			Msg:         msg,
		})
	}
}
