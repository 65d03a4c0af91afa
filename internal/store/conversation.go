package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatloop/chatloop/internal/model"
)

// ReplaceConversations atomically replaces the persisted conversation list.
// ParticipantIDs and LastMessage are stored as JSON columns.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, c := range convs {
		participants, err := json.Marshal(c.ParticipantIDs)
		if err != nil {
			return fmt.Errorf("marshal participants: %w", err)
		}
		lastMsg := ""
		if c.LastMessage != nil {
			raw, err := json.Marshal(c.LastMessage)
			if err != nil {
				return fmt.Errorf("marshal last message: %w", err)
			}
			lastMsg = string(raw)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, participant_ids, last_message, unread_count, updated_at, cached_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, string(participants), lastMsg, c.UnreadCount, c.UpdatedAt, now); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversations: %w", err)
	}
	return nil
}

// LoadConversations returns the persisted conversation list. Rows that fail
// to decode are skipped rather than failing the whole load.
func (db *DB) LoadConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant_ids, last_message, unread_count, updated_at
		FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var participants, lastMsg string
		if err := rows.Scan(&c.ID, &participants, &lastMsg, &c.UnreadCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			continue
		}
		if lastMsg != "" {
			var m model.Message
			if err := json.Unmarshal([]byte(lastMsg), &m); err == nil {
				c.LastMessage = &m
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
