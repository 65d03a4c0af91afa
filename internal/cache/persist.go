package cache

import (
	"time"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/store"
)

// SaveTo writes the current snapshot to the durable store. Failures are
// logged and returned, but callers treat them as non-fatal: the engine can
// always rebuild the cache from the remote source.
func (s *Store) SaveTo(db *store.DB) error {
	s.mu.Lock()
	rows := make([]store.CachedMessage, 0, s.total)
	for _, c := range s.convs {
		for _, e := range c.entries {
			rows = append(rows, store.CachedMessage{Msg: e.msg, CachedAt: e.cachedAt.UnixMilli()})
		}
	}
	s.mu.Unlock()

	if err := db.ReplaceMessageSnapshot(rows); err != nil {
		s.logger.Warn("cache snapshot save failed", zap.Error(err))
		return err
	}
	s.logger.Info("cache snapshot saved", zap.Int("messages", len(rows)))
	return nil
}

// LoadFrom restores the snapshot from the durable store, applying TTL
// retroactively: rows older than the TTL are dropped during load. A storage
// error degrades to an empty cache (cache-miss behavior), never a failure.
func (s *Store) LoadFrom(db *store.DB) {
	rows, err := db.LoadMessageSnapshot()
	if err != nil {
		s.logger.Warn("cache snapshot load failed, starting cold", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	restored, dropped := 0, 0
	for _, r := range rows {
		cachedAt := time.UnixMilli(r.CachedAt)
		if now.Sub(cachedAt) > s.cfg.TTL {
			dropped++
			continue
		}
		s.upsertLocked(r.Msg.ConversationID, r.Msg, cachedAt)
		restored++
	}
	for id := range s.convs {
		s.trimConversationLocked(id)
	}

	s.logger.Info("cache snapshot restored",
		zap.Int("messages", restored), zap.Int("expired", dropped))
}
