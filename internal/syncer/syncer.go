package syncer

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/cache"
	"github.com/chatloop/chatloop/internal/conn"
	"github.com/chatloop/chatloop/internal/model"
	"github.com/chatloop/chatloop/internal/status"
	"github.com/chatloop/chatloop/internal/store"
)

// Backend is the slice of the backend client the synchronizer needs.
type Backend interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	MarkMessages(ctx context.Context, conversationID string, messageIDs []string, status model.MessageStatus, at int64) error
}

// Channels is the subscription surface of the connection manager.
type Channels interface {
	CreateChannel(ch *conn.Channel)
	RemoveChannel(name string)
}

// Config tunes the synchronizer.
type Config struct {
	// RefreshDebounce coalesces bursts of membership change events into a
	// single full refetch.
	RefreshDebounce time.Duration
	// PageSize is how many messages are fetched when a conversation is
	// opened cold.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.RefreshDebounce <= 0 {
		c.RefreshDebounce = 1500 * time.Millisecond
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	return c
}

// Synchronizer keeps the local conversation list and message cache
// converged with the remote store. Remote change events arrive through the
// event bus and are applied by a single goroutine, so every mutation of
// sync state is serialized. Reads are served from local state and never
// block on the network once warm.
type Synchronizer struct {
	cfg    Config
	self   model.Identity
	client Backend
	cache  *cache.Store
	db     *store.DB
	chans  Channels
	marker *status.ReadMarker
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	// typing receives decoded typing broadcasts. Optional; wired to the
	// presence coordinator by the daemon.
	typing func(backend.TypingBroadcast)

	mu       sync.Mutex
	convs    map[string]model.Conversation
	stale    bool
	pending  map[string]pendingSend
	watched  map[string]bool
	debounce *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

type pendingSend struct {
	conversationID string
	content        string
	createdAt      int64
}

// New creates a synchronizer. db may be nil to disable snapshots; marker
// may be nil to disable read receipts.
func New(cfg Config, self model.Identity, client Backend, c *cache.Store, db *store.DB,
	chans Channels, marker *status.ReadMarker, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		cfg:     cfg.withDefaults(),
		self:    self,
		client:  client,
		cache:   c,
		db:      db,
		chans:   chans,
		marker:  marker,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		convs:   make(map[string]model.Conversation),
		pending: make(map[string]pendingSend),
		watched: make(map[string]bool),
	}
}

// SetTypingHandler routes decoded typing broadcasts to the given function.
// Must be called before Start.
func (s *Synchronizer) SetTypingHandler(fn func(backend.TypingBroadcast)) {
	s.typing = fn
}

// Start restores the persisted snapshot, subscribes to bus events and
// launches the apply loop. The first full refresh runs asynchronously so
// startup does not block on the network.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.restoreSnapshot()
	s.subscribeConversationFeed()

	remote, unsubRemote := s.bus.Subscribe("remote.", 256)
	sends, unsubSends := s.bus.Subscribe("message.send_", 64)
	states, unsubStates := s.bus.Subscribe("conn.state_changed", 16)
	go func() {
		defer close(s.done)
		defer unsubRemote()
		defer unsubSends()
		defer unsubStates()
		for {
			select {
			case evt := <-remote:
				s.handleEvent(ctx, evt)
			case evt := <-sends:
				s.handleEvent(ctx, evt)
			case evt := <-states:
				s.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("initial refresh failed, serving snapshot", zap.Error(err))
		}
	}()
}

// Stop halts the apply loop and persists a snapshot of the current state.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.mu.Unlock()
	s.persistSnapshot()
}

// Conversations returns the conversation list ordered by most recent
// activity, newest first. Ties break on conversation ID for a stable order.
func (s *Synchronizer) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].SortKey(), out[j].SortKey()
		if ki != kj {
			return ki > kj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one conversation by ID.
func (s *Synchronizer) Conversation(id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	return c, ok
}

// Stale reports whether the conversation list may be behind the remote
// store. Set when a refresh fails, cleared by the next successful one.
func (s *Synchronizer) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Messages returns the message sequence for a conversation, oldest first.
// Served from cache when warm; a cold conversation is fetched from the
// backend and cached. Fetching counts as delivery: other senders' messages
// advance to delivered and one batched receipt goes to the remote store,
// best effort. A fetch failure with no cached data returns the error; with
// cached data the cache is served and the list marked stale.
func (s *Synchronizer) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if msgs := s.cache.Get(conversationID); msgs != nil {
		return msgs, nil
	}

	msgs, err := s.client.ListMessages(ctx, conversationID, s.cfg.PageSize)
	if err != nil {
		s.setStale(true)
		return nil, err
	}

	at := s.now().UnixMilli()
	var delivered []string
	for i := range msgs {
		if msgs[i].SenderID == s.self.UserID {
			continue
		}
		if adv, err := status.Advance(&msgs[i], model.StatusDelivered, at); err == nil && adv {
			delivered = append(delivered, msgs[i].ID)
		}
	}
	s.cache.Put(conversationID, msgs)

	if len(delivered) > 0 {
		go func() {
			if err := s.client.MarkMessages(ctx, conversationID, delivered, model.StatusDelivered, at); err != nil {
				s.logger.Debug("delivery receipt failed",
					zap.String("conversation_id", conversationID), zap.Error(err))
			}
		}()
	}
	return msgs, nil
}

// Refresh performs a full conversation enumeration. This is the only path
// that removes conversations locally: a conversation absent from a
// successful full listing is gone, anything less is not proof of removal.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	convs, err := s.client.ListConversations(ctx)
	if err != nil {
		s.setStale(true)
		return err
	}

	s.mu.Lock()
	next := make(map[string]model.Conversation, len(convs))
	for _, c := range convs {
		next[c.ID] = c
	}
	removed := 0
	for id := range s.convs {
		if _, ok := next[id]; !ok {
			removed++
			s.cache.Drop(id)
			s.unwatchLocked(id)
		}
	}
	s.convs = next
	wasStale := s.stale
	s.stale = false
	s.mu.Unlock()

	if wasStale {
		s.bus.Emit("sync.stale_changed", false)
	}
	s.bus.Emit("sync.conversations_updated", len(convs))
	if removed > 0 {
		s.logger.Info("conversations removed after full enumeration", zap.Int("count", removed))
	}
	if s.db != nil {
		if err := s.db.SetCheckpoint("last_refresh", strconv.FormatInt(s.now().UnixMilli(), 10)); err != nil {
			s.logger.Warn("checkpoint write failed", zap.Error(err))
		}
	}
	return nil
}

// MarkAsRead marks messages of a conversation as read: cached copies
// advance locally right away, receipts are batched to the remote store, and
// the conversation's unread counter clears.
func (s *Synchronizer) MarkAsRead(conversationID string, messageIDs ...string) {
	if len(messageIDs) == 0 {
		return
	}
	at := s.now().UnixMilli()
	changed := false
	for _, id := range messageIDs {
		if _, ok := s.cache.Patch(conversationID, id, func(m *model.Message) {
			if adv, err := status.Advance(m, model.StatusRead, at); err == nil && adv {
				changed = true
			}
		}); !ok {
			changed = true
		}
	}

	s.mu.Lock()
	if c, ok := s.convs[conversationID]; ok && c.UnreadCount != 0 {
		c.UnreadCount = 0
		s.convs[conversationID] = c
		changed = true
	}
	s.mu.Unlock()

	if s.marker != nil {
		s.marker.Mark(conversationID, messageIDs...)
	}
	if changed {
		s.bus.Emit("sync.messages_updated", conversationID)
		s.bus.Emit("sync.conversations_updated", 0)
	}
}

func (s *Synchronizer) setStale(v bool) {
	s.mu.Lock()
	changed := s.stale != v
	s.stale = v
	s.mu.Unlock()
	if changed {
		s.bus.Emit("sync.stale_changed", v)
	}
}

// scheduleRefresh debounces a full refetch: membership events arrive in
// bursts and a single enumeration covers all of them.
func (s *Synchronizer) scheduleRefresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.RefreshDebounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("debounced refresh failed", zap.Error(err))
		}
	})
}

func (s *Synchronizer) restoreSnapshot() {
	if s.db == nil {
		return
	}
	convs, err := s.db.LoadConversations()
	if err != nil {
		s.logger.Warn("snapshot load failed, starting cold", zap.Error(err))
		return
	}
	s.mu.Lock()
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	// Snapshot data is by definition possibly behind.
	s.stale = true
	s.mu.Unlock()

	s.cache.LoadFrom(s.db)

	age := "unknown"
	if v, err := s.db.GetCheckpoint("last_refresh"); err == nil && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			age = time.Since(time.UnixMilli(ms)).Truncate(time.Second).String()
		}
	}
	s.logger.Info("snapshot restored",
		zap.Int("conversations", len(convs)),
		zap.Int("messages", s.cache.Len()),
		zap.String("age", age))
}

func (s *Synchronizer) persistSnapshot() {
	if s.db == nil {
		return
	}
	s.mu.Lock()
	convs := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.Unlock()

	if err := s.db.ReplaceConversations(convs); err != nil {
		s.logger.Warn("conversation snapshot failed", zap.Error(err))
	}
	if err := s.cache.SaveTo(s.db); err != nil {
		s.logger.Warn("message snapshot failed", zap.Error(err))
	}
}
