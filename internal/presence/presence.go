package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/model"
)

// Broadcaster sends ephemeral payloads on the realtime connection.
type Broadcaster interface {
	Broadcast(channel, event string, payload any) error
}

// TypingChannel names the broadcast channel for a conversation's typing
// indicators.
func TypingChannel(conversationID string) string {
	return "typing:" + conversationID
}

// Coordinator tracks who is typing in which conversation. Incoming typing
// broadcasts populate per-conversation sets with an expiry; a background
// sweep drops entries whose senders stopped without saying so. Outgoing
// typing state is broadcast fire-and-forget.
type Coordinator struct {
	self   model.Identity
	window time.Duration
	sweep  time.Duration
	caster Broadcaster
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	typing map[string]map[string]model.TypingUser

	stop chan struct{}
	done chan struct{}
}

// Config tunes the coordinator.
type Config struct {
	// Window is how long a typing indicator lives without a refresh.
	Window time.Duration
	// SweepInterval is how often expired entries are collected.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.Window / 2
	}
	return c
}

// New creates a coordinator. caster may be nil when outgoing indicators are
// not wanted.
func New(cfg Config, self model.Identity, caster Broadcaster, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		self:   self,
		window: cfg.Window,
		sweep:  cfg.SweepInterval,
		caster: caster,
		bus:    b,
		logger: logger,
		now:    time.Now,
		typing: make(map[string]map[string]model.TypingUser),
	}
}

// Start launches the expiry sweep.
func (c *Coordinator) Start() {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.sweepLoop()
}

// Stop halts the sweep.
func (c *Coordinator) Stop() {
	if c.stop != nil {
		close(c.stop)
		<-c.done
	}
}

// SetTyping broadcasts the local user's typing state for a conversation.
// Fire and forget: indicators are ephemeral, so a failed send is only
// logged. The local user is never added to their own typing set.
func (c *Coordinator) SetTyping(conversationID string, isTyping bool) {
	if c.caster == nil {
		return
	}
	err := c.caster.Broadcast(
		TypingChannel(conversationID),
		"typing",
		backend.TypingPayload(conversationID, c.self.UserID, c.self.DisplayName, isTyping),
	)
	if err != nil {
		c.logger.Debug("typing broadcast dropped",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

// HandleBroadcast applies an incoming typing indicator. Indicators from the
// local user are ignored.
func (c *Coordinator) HandleBroadcast(tb backend.TypingBroadcast) {
	if tb.UserID == c.self.UserID {
		return
	}

	c.mu.Lock()
	users := c.typing[tb.ConversationID]
	if tb.IsTyping {
		if users == nil {
			users = make(map[string]model.TypingUser)
			c.typing[tb.ConversationID] = users
		}
		users[tb.UserID] = model.TypingUser{
			UserID:      tb.UserID,
			DisplayName: tb.DisplayName,
			ExpiresAt:   c.now().Add(c.window),
		}
	} else {
		delete(users, tb.UserID)
		if len(users) == 0 {
			delete(c.typing, tb.ConversationID)
		}
	}
	snapshot := c.snapshotLocked(tb.ConversationID)
	c.mu.Unlock()

	c.emit(tb.ConversationID, snapshot)
}

// Typing returns who is currently typing in a conversation, expired entries
// excluded, ordered by user ID.
func (c *Coordinator) Typing(conversationID string) []model.TypingUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(conversationID)
}

func (c *Coordinator) snapshotLocked(conversationID string) []model.TypingUser {
	users := c.typing[conversationID]
	if len(users) == 0 {
		return nil
	}
	now := c.now()
	out := make([]model.TypingUser, 0, len(users))
	for _, u := range users {
		if u.ExpiresAt.After(now) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Coordinator) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.stop:
			return
		}
	}
}

// expire drops entries past their window and emits a change event for each
// conversation that lost someone.
func (c *Coordinator) expire() {
	now := c.now()

	c.mu.Lock()
	changed := make(map[string][]model.TypingUser)
	for convID, users := range c.typing {
		dropped := false
		for id, u := range users {
			if !u.ExpiresAt.After(now) {
				delete(users, id)
				dropped = true
			}
		}
		if dropped {
			if len(users) == 0 {
				delete(c.typing, convID)
			}
			changed[convID] = c.snapshotLocked(convID)
		}
	}
	c.mu.Unlock()

	for convID, snapshot := range changed {
		c.emit(convID, snapshot)
	}
}

// TypingChange is the payload for typing.changed events.
type TypingChange struct {
	ConversationID string
	Users          []model.TypingUser
}

func (c *Coordinator) emit(conversationID string, users []model.TypingUser) {
	if c.bus != nil {
		c.bus.Emit("typing.changed", TypingChange{ConversationID: conversationID, Users: users})
	}
}
