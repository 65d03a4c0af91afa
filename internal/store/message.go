package store

import (
	"fmt"

	"github.com/chatloop/chatloop/internal/model"
)

// ReplaceMessageSnapshot atomically replaces the persisted cache snapshot.
func (db *DB) ReplaceMessageSnapshot(rows []CachedMessage) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	for _, r := range rows {
		m := r.Msg
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, content, media_url, media_type,
				replied_to_id, created_at, delivered_at, read_at, status, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ConversationID, m.ID, m.SenderID, m.Content, m.MediaURL, m.MediaType,
			m.RepliedToID, m.CreatedAt, m.DeliveredAt, m.ReadAt, string(m.Status), r.CachedAt); err != nil {
			return fmt.Errorf("insert snapshot row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadMessageSnapshot returns all persisted cache rows ordered by
// (conversation_id, created_at, msg_id). TTL filtering is the cache's job:
// restored rows older than the TTL are dropped there, not here.
func (db *DB) LoadMessageSnapshot() ([]CachedMessage, error) {
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, content, media_url, media_type,
			replied_to_id, created_at, delivered_at, read_at, status, cached_at
		FROM messages
		ORDER BY conversation_id, created_at, msg_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CachedMessage
	for rows.Next() {
		var r CachedMessage
		var status string
		if err := rows.Scan(&r.Msg.ConversationID, &r.Msg.ID, &r.Msg.SenderID, &r.Msg.Content,
			&r.Msg.MediaURL, &r.Msg.MediaType, &r.Msg.RepliedToID, &r.Msg.CreatedAt,
			&r.Msg.DeliveredAt, &r.Msg.ReadAt, &status, &r.CachedAt); err != nil {
			return nil, err
		}
		r.Msg.Status = model.MessageStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
