package backend

import (
	"encoding/json"
	"fmt"

	"github.com/chatloop/chatloop/internal/model"
)

// Wire DTOs for records crossing the backend boundary. Records are decoded
// and validated exactly once, here; nothing downstream sees raw JSON.

type wireMessage struct {
	ID                  string `json:"id"`
	ConversationID      string `json:"conversation_id"`
	SenderID            string `json:"sender_id"`
	Content             string `json:"content"`
	MediaURL            string `json:"media_url,omitempty"`
	MediaType           string `json:"media_type,omitempty"`
	RepliedToMessageID  string `json:"replied_to_message_id,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	DeliveredAt         int64  `json:"delivered_at,omitempty"`
	ReadAt              int64  `json:"read_at,omitempty"`
	Status              string `json:"status"`
}

func (w *wireMessage) toModel() (model.Message, error) {
	if w.ID == "" || w.ConversationID == "" {
		return model.Message{}, fmt.Errorf("malformed message record: id=%q conversation_id=%q", w.ID, w.ConversationID)
	}
	if w.CreatedAt <= 0 {
		return model.Message{}, fmt.Errorf("malformed message record %s: created_at=%d", w.ID, w.CreatedAt)
	}
	status := model.MessageStatus(w.Status)
	switch status {
	case model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusFailed:
	case "":
		status = model.StatusSent
	default:
		return model.Message{}, fmt.Errorf("malformed message record %s: status=%q", w.ID, w.Status)
	}
	return model.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		MediaURL:       w.MediaURL,
		MediaType:      w.MediaType,
		RepliedToID:    w.RepliedToMessageID,
		CreatedAt:      w.CreatedAt,
		DeliveredAt:    w.DeliveredAt,
		ReadAt:         w.ReadAt,
		Status:         status,
	}, nil
}

type wireConversation struct {
	ID             string          `json:"id"`
	ParticipantIDs []string        `json:"participant_ids"`
	LastMessage    json.RawMessage `json:"last_message,omitempty"`
	UnreadCount    int             `json:"unread_count"`
	UpdatedAt      int64           `json:"updated_at"`
}

func (w *wireConversation) toModel() (model.Conversation, error) {
	if w.ID == "" {
		return model.Conversation{}, fmt.Errorf("malformed conversation record: empty id")
	}
	if w.UnreadCount < 0 {
		return model.Conversation{}, fmt.Errorf("malformed conversation record %s: unread_count=%d", w.ID, w.UnreadCount)
	}
	conv := model.Conversation{
		ID:             w.ID,
		ParticipantIDs: w.ParticipantIDs,
		UnreadCount:    w.UnreadCount,
		UpdatedAt:      w.UpdatedAt,
	}
	if len(w.LastMessage) > 0 && string(w.LastMessage) != "null" {
		var wm wireMessage
		if err := json.Unmarshal(w.LastMessage, &wm); err != nil {
			return model.Conversation{}, fmt.Errorf("conversation %s last_message: %w", w.ID, err)
		}
		m, err := wm.toModel()
		if err != nil {
			return model.Conversation{}, fmt.Errorf("conversation %s last_message: %w", w.ID, err)
		}
		conv.LastMessage = &m
	}
	return conv, nil
}
