package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/model"
)

// Config bounds the store. Zero values fall back to permissive defaults.
type Config struct {
	// TTL is the max age of an entry before it becomes a cleanup candidate.
	TTL time.Duration
	// IdleAfter classifies a conversation as idle when it has not been
	// accessed for this long. Idle conversations are evicted first.
	IdleAfter time.Duration
	// MaxTotal caps the number of cached messages across all conversations.
	MaxTotal int
	// MaxPerConversation caps the cached sequence length per conversation.
	MaxPerConversation int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 15 * time.Minute
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 5000
	}
	if c.MaxPerConversation <= 0 {
		c.MaxPerConversation = 500
	}
	return c
}

type entry struct {
	msg      model.Message
	cachedAt time.Time
}

type conversation struct {
	entries    []entry // ascending by (CreatedAt, ID), unique IDs
	lastAccess time.Time
}

// Store is a bounded, TTL'd, in-memory cache of per-conversation message
// sequences. All mutation goes through its methods; callers never touch the
// sequences directly. Persistence is in persist.go.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	convs    map[string]*conversation
	total    int
	pressure bool
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a cache store.
func New(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg.withDefaults(),
		convs:  make(map[string]*conversation),
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the cached sequence for a conversation, ascending by
// (CreatedAt, ID). Returns nil on a miss. Marks the conversation accessed.
func (s *Store) Get(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	c.lastAccess = s.now()

	out := make([]model.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

// Put replaces the cached sequence for a conversation. The input is sorted
// and de-duplicated by ID (last occurrence wins).
func (s *Store) Put(conversationID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	byID := make(map[string]int, len(msgs))
	entries := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		if i, dup := byID[m.ID]; dup {
			entries[i] = entry{msg: m, cachedAt: now}
			continue
		}
		byID[m.ID] = len(entries)
		entries = append(entries, entry{msg: m, cachedAt: now})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].msg.Less(&entries[j].msg)
	})

	old := 0
	if c, ok := s.convs[conversationID]; ok {
		old = len(c.entries)
	}
	s.convs[conversationID] = &conversation{entries: entries, lastAccess: now}
	s.total += len(entries) - old

	s.trimConversationLocked(conversationID)
	s.enforceTotalLocked()
}

// Upsert inserts or updates a single message, preserving order and
// de-duplicating by ID.
func (s *Store) Upsert(conversationID string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(conversationID, msg, s.now())
	s.trimConversationLocked(conversationID)
	s.enforceTotalLocked()
}

func (s *Store) upsertLocked(conversationID string, msg model.Message, cachedAt time.Time) {
	c, ok := s.convs[conversationID]
	if !ok {
		c = &conversation{lastAccess: cachedAt}
		s.convs[conversationID] = c
	}

	for i := range c.entries {
		if c.entries[i].msg.ID == msg.ID {
			c.entries[i] = entry{msg: msg, cachedAt: cachedAt}
			s.resortLocked(c, i)
			return
		}
	}

	pos := sort.Search(len(c.entries), func(i int) bool {
		return msg.Less(&c.entries[i].msg)
	})
	c.entries = append(c.entries, entry{})
	copy(c.entries[pos+1:], c.entries[pos:])
	c.entries[pos] = entry{msg: msg, cachedAt: cachedAt}
	s.total++
}

// resortLocked restores ordering after an in-place update at index i. Only
// the updated entry can be out of place, so checking its neighbors suffices.
// Updates rarely change CreatedAt, so this is almost always a no-op.
func (s *Store) resortLocked(c *conversation, i int) {
	ordered := (i == 0 || c.entries[i-1].msg.Less(&c.entries[i].msg)) &&
		(i == len(c.entries)-1 || c.entries[i].msg.Less(&c.entries[i+1].msg))
	if ordered {
		return
	}
	sort.Slice(c.entries, func(a, b int) bool {
		return c.entries[a].msg.Less(&c.entries[b].msg)
	})
}

// Remove deletes a single message from the cached sequence.
func (s *Store) Remove(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for i := range c.entries {
		if c.entries[i].msg.ID == messageID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			s.total--
			return
		}
	}
}

// Patch applies fn to the cached message with the given ID, if present.
// Returns the updated message and whether it was found.
func (s *Store) Patch(conversationID, messageID string, fn func(*model.Message)) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return model.Message{}, false
	}
	for i := range c.entries {
		if c.entries[i].msg.ID == messageID {
			fn(&c.entries[i].msg)
			return c.entries[i].msg, true
		}
	}
	return model.Message{}, false
}

// Drop removes an entire conversation from the cache.
func (s *Store) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[conversationID]; ok {
		s.total -= len(c.entries)
		delete(s.convs, conversationID)
	}
}

// Len returns the number of cached messages across all conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// SetPressure signals (or clears) host memory pressure. While set, every
// entry is an eviction candidate on the next Evict.
func (s *Store) SetPressure(on bool) {
	s.mu.Lock()
	s.pressure = on
	s.mu.Unlock()
}

// Evict runs cleanup and returns the number of entries removed.
//
// Expired entries (age > TTL) are always removed. Under force or memory
// pressure, additional entries are shed — idle conversations first, oldest
// cachedAt first within the same idle class — until the store is within
// MaxTotal. Entries referenced by the RepliedToID of a cached unread message
// are skipped on a best-effort basis; they are shed only if the store is
// still above MaxTotal after everything else is gone.
func (s *Store) Evict(force bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(force)
}

type candidate struct {
	convID   string
	msgID    string
	idle     bool
	cachedAt time.Time
}

func (s *Store) evictLocked(force bool) int {
	now := s.now()
	protected := s.protectedIDsLocked()
	evicted := 0

	// Pass 1: expired entries go unconditionally.
	for id, c := range s.convs {
		kept := c.entries[:0]
		for _, e := range c.entries {
			if now.Sub(e.cachedAt) > s.cfg.TTL && !protected[e.msg.ID] {
				evicted++
				s.total--
				continue
			}
			kept = append(kept, e)
		}
		c.entries = kept
		if len(c.entries) == 0 {
			delete(s.convs, id)
		}
	}

	if !force && !s.pressure && s.total <= s.cfg.MaxTotal {
		return evicted
	}

	// Pass 2: shed down to budget, idle conversations first, then oldest.
	var cands []candidate
	for id, c := range s.convs {
		idle := now.Sub(c.lastAccess) > s.cfg.IdleAfter
		for _, e := range c.entries {
			cands = append(cands, candidate{convID: id, msgID: e.msg.ID, idle: idle, cachedAt: e.cachedAt})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].idle != cands[j].idle {
			return cands[i].idle
		}
		return cands[i].cachedAt.Before(cands[j].cachedAt)
	})

	target := s.cfg.MaxTotal
	for _, cand := range cands {
		if s.total <= target {
			break
		}
		if protected[cand.msgID] {
			continue
		}
		s.removeLocked(cand.convID, cand.msgID)
		evicted++
	}

	// Extreme pressure: the soft reply-reference constraint yields.
	if s.total > target {
		for _, cand := range cands {
			if s.total <= target {
				break
			}
			if protected[cand.msgID] {
				s.removeLocked(cand.convID, cand.msgID)
				evicted++
			}
		}
	}

	if evicted > 0 {
		s.logger.Info("cache evicted entries", zap.Int("count", evicted), zap.Int("remaining", s.total))
	}
	return evicted
}

// protectedIDsLocked collects message IDs referenced by the RepliedToID of a
// currently cached unread message.
func (s *Store) protectedIDsLocked() map[string]bool {
	protected := make(map[string]bool)
	for _, c := range s.convs {
		for _, e := range c.entries {
			if e.msg.ReadAt == 0 && e.msg.RepliedToID != "" {
				protected[e.msg.RepliedToID] = true
			}
		}
	}
	return protected
}

func (s *Store) removeLocked(conversationID, messageID string) {
	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for i := range c.entries {
		if c.entries[i].msg.ID == messageID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			s.total--
			break
		}
	}
	if len(c.entries) == 0 {
		delete(s.convs, conversationID)
	}
}

// trimConversationLocked drops the oldest messages beyond the per-conversation cap.
func (s *Store) trimConversationLocked(conversationID string) {
	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	over := len(c.entries) - s.cfg.MaxPerConversation
	if over <= 0 {
		return
	}
	c.entries = append(c.entries[:0], c.entries[over:]...)
	s.total -= over
}

// enforceTotalLocked sheds entries when the global cap is exceeded.
func (s *Store) enforceTotalLocked() {
	if s.total > s.cfg.MaxTotal {
		s.evictLocked(false)
	}
}
