// Package tradechat provides the Go SDK for marketplace buyer/seller chat.
//
// It covers the REST collaborator (conversation list, history, send, start)
// and the real-time session layer: a websocket connection with heartbeat and
// reconnection, an event bus, presence and typing tracking, a conversation
// store and optimistic message reconciliation.
//
// Example:
//
//	client := tradechat.NewClient(token, tradechat.WithBaseURL("https://market.example.com"))
//	session := tradechat.NewSession(client, tradechat.SessionConfig{
//		Realtime: tradechat.RealtimeConfig{URL: "wss://market.example.com/ws"},
//	})
//	if err := session.Start(ctx, token, me); err != nil {
//		return err
//	}
//	defer session.Close()
//
//	session.Bus.Subscribe(tradechat.EventNewMessage, func(ev tradechat.Event) error {
//		fmt.Println(ev.(tradechat.NewMessageEvent).Message.Text)
//		return nil
//	})
//	_ = session.Refresh(ctx)
//	_, _ = session.SendMessage(ctx, "conv-123", "Is this still available?")
package tradechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.tradepost.market"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator: conversation list, history, send and start.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Chat endpoints
// ============================================================================

// ListConversations returns every conversation of the current user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// FetchHistory returns a conversation's messages, oldest first.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]Message, error) {
	var detail ChatDetail
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(conversationID), nil, &detail); err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", conversationID, err)
	}
	for i := range detail.Messages {
		if detail.Messages[i].ConversationID == "" {
			detail.Messages[i].ConversationID = conversationID
		}
	}
	return detail.Messages, nil
}

// SendMessage posts text to a conversation and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	body := map[string]string{"text": text}
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(conversationID)+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return &msg, nil
}

// StartConversation opens (or returns the existing) conversation with another user.
func (c *Client) StartConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	body := map[string]string{"userId": otherUserID}
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/api/chats", body, &conv); err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	return &conv, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &u); err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return &u, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	data, status, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	result, err := decodeJSON[apiResult](data)
	if err != nil {
		if status >= 400 {
			return &APIError{Status: status, Message: http.StatusText(status)}
		}
		return err
	}
	if status >= 400 || !result.Success {
		if result.Error == nil {
			result.Error = &APIError{Message: "request failed"}
		}
		result.Error.Status = status
		return result.Error
	}
	if out == nil || len(result.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
