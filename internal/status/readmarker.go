package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FlushFunc pushes one batched read receipt to the remote store.
type FlushFunc func(ctx context.Context, conversationID string, messageIDs []string, at int64) error

// ReadMarker batches read receipts. Marking messages as read while a
// conversation is open tends to arrive in bursts; the marker collects IDs
// per conversation and flushes them as a single remote update once the
// dwell period passes without new marks.
type ReadMarker struct {
	dwell  time.Duration
	flush  FlushFunc
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*batch
}

type batch struct {
	ids   map[string]struct{}
	timer *time.Timer
}

// NewReadMarker creates a read marker. dwell <= 0 defaults to one second.
func NewReadMarker(dwell time.Duration, flush FlushFunc, logger *zap.Logger) *ReadMarker {
	if dwell <= 0 {
		dwell = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadMarker{
		dwell:   dwell,
		flush:   flush,
		logger:  logger,
		pending: make(map[string]*batch),
	}
}

// Mark queues messages as read. The dwell timer restarts on every call, so
// a burst of marks on one conversation collapses into one remote update.
// Already-queued IDs are deduplicated.
func (r *ReadMarker) Mark(conversationID string, messageIDs ...string) {
	if len(messageIDs) == 0 {
		return
	}
	r.mu.Lock()
	b := r.pending[conversationID]
	if b == nil {
		b = &batch{ids: make(map[string]struct{})}
		r.pending[conversationID] = b
	}
	for _, id := range messageIDs {
		b.ids[id] = struct{}{}
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(r.dwell, func() {
		r.flushConversation(conversationID)
	})
	r.mu.Unlock()
}

// Flush pushes every pending batch immediately. Called on shutdown so
// receipts are not lost to the dwell timer.
func (r *ReadMarker) Flush() {
	r.mu.Lock()
	convs := make([]string, 0, len(r.pending))
	for id, b := range r.pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		convs = append(convs, id)
	}
	r.mu.Unlock()

	for _, id := range convs {
		r.flushConversation(id)
	}
}

func (r *ReadMarker) flushConversation(conversationID string) {
	r.mu.Lock()
	b := r.pending[conversationID]
	if b == nil || len(b.ids) == 0 {
		delete(r.pending, conversationID)
		r.mu.Unlock()
		return
	}
	delete(r.pending, conversationID)
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	at := time.Now().UnixMilli()
	if err := r.flush(ctx, conversationID, ids, at); err != nil {
		// Receipts are best effort; the remote store will converge on the
		// next explicit read.
		r.logger.Warn("read receipt flush failed",
			zap.String("conversation_id", conversationID),
			zap.Int("count", len(ids)),
			zap.Error(err))
	}
}

// Pending reports how many receipts are queued for a conversation.
func (r *ReadMarker) Pending(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.pending[conversationID]; b != nil {
		return len(b.ids)
	}
	return 0
}
