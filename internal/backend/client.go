package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/model"
)

// Client talks to the backend collaborator's CRUD endpoints. The realtime
// event channel is owned by the connection manager; this client covers
// fetches, writes and the health probe.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a backend client. baseURL is the http(s) root of the
// backend service.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// RealtimeURL returns the websocket endpoint for the event channel.
func (c *Client) RealtimeURL() string {
	url := c.baseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/api/realtime?token=" + c.token
}

// ListConversations fetches the full conversation membership set for the
// authenticated user. The result enumerates every conversation, so callers
// may treat missing IDs as removed.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var raw []json.RawMessage
	if err := c.get(ctx, "/api/conversations", &raw); err != nil {
		return nil, err
	}

	convs := make([]model.Conversation, 0, len(raw))
	for _, r := range raw {
		var wc wireConversation
		if err := json.Unmarshal(r, &wc); err != nil {
			c.logger.Warn("skipping malformed conversation record", zap.Error(err))
			continue
		}
		conv, err := wc.toModel()
		if err != nil {
			c.logger.Warn("skipping malformed conversation record", zap.Error(err))
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// ListMessages fetches the newest messages of a conversation, ascending by
// created_at.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var raw []json.RawMessage
	path := fmt.Sprintf("/api/conversations/%s/messages?limit=%d", conversationID, limit)
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, len(raw))
	for _, r := range raw {
		var wm wireMessage
		if err := json.Unmarshal(r, &wm); err != nil {
			c.logger.Warn("skipping malformed message record", zap.Error(err))
			continue
		}
		m, err := wm.toModel()
		if err != nil {
			c.logger.Warn("skipping malformed message record", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendRequest is the payload for creating a message.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	MediaURL       string `json:"media_url,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
	RepliedToID    string `json:"replied_to_message_id,omitempty"`
}

// CreateMessage creates a message and returns the server-acknowledged record
// with its server-assigned id and timestamp.
func (c *Client) CreateMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	var wm wireMessage
	path := fmt.Sprintf("/api/conversations/%s/messages", req.ConversationID)
	if err := c.post(ctx, path, req, &wm); err != nil {
		return model.Message{}, err
	}
	return wm.toModel()
}

// MarkMessages updates the delivery status of a batch of messages in one
// remote call.
func (c *Client) MarkMessages(ctx context.Context, conversationID string, messageIDs []string, status model.MessageStatus, at int64) error {
	body := struct {
		IDs       []string `json:"ids"`
		Status    string   `json:"status"`
		Timestamp int64    `json:"timestamp"`
	}{IDs: messageIDs, Status: string(status), Timestamp: at}

	path := fmt.Sprintf("/api/conversations/%s/messages/status", conversationID)
	return c.patch(ctx, path, body)
}

// Probe performs a lightweight health round trip and reports its latency.
// Used as the quality estimator's probe function.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return 0, err
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health probe: HTTP %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	return c.do(req, out)
}

func (c *Client) patch(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: HTTP %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(snippet))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
