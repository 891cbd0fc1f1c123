package tradechat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAuth matches every *AuthError.
	ErrAuth = errors.New("tradechat: authentication failed")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("tradechat: transport failure")
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("tradechat: malformed frame")
	// ErrUnconfirmed is the MessageFailedEvent error for a send that was
	// accepted without an id and never confirmed by broadcast.
	ErrUnconfirmed = errors.New("tradechat: message not confirmed")
)

// AuthError reports missing or rejected credentials. It is fatal to the
// connection attempt and never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// TransportError reports a dial failure, an abnormal closure or a failed write.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError reports an inbound frame that could not be decoded.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// SendError is returned by Reconciler.Send when the REST send was rejected.
// The provisional message identified by TempID has already been rolled back.
type SendError struct {
	ConversationID string
	TempID         string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// APIError represents an error returned by the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Domain Types
// ============================================================================

// User is a marketplace participant.
type User struct {
	ID          string `json:"id" toml:"id"`
	Username    string `json:"username" toml:"username"`
	DisplayName string `json:"displayName,omitempty" toml:"display_name"`
	AvatarURL   string `json:"avatarUrl,omitempty" toml:"avatar_url"`
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Conversation is the summary of a two-party thread.
type Conversation struct {
	ID               string    `json:"id"`
	OtherParticipant User      `json:"otherParticipant"`
	LastMessageText  string    `json:"lastMessageText,omitempty"`
	LastMessageTime  time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount      int       `json:"unreadCount"`
}

// MessageStatus tells a provisional message apart from a confirmed one.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
)

// Message is a single chat message. Confirmed messages carry the server ID;
// provisional ones carry only a TempID.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Text           string        `json:"text"`
	SenderID       string        `json:"senderId"`
	Timestamp      time.Time     `json:"timestamp"`
	IsRead         bool          `json:"isRead"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Key returns the identifier the message is currently known by.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Provisional reports whether the message still awaits server confirmation.
func (m Message) Provisional() bool {
	return m.ID == "" && m.TempID != ""
}

// ============================================================================
// REST envelope
// ============================================================================

type apiResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// ChatDetail is the payload of the single-conversation endpoint.
type ChatDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}
