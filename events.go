package tradechat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType names a wire or local event.
type EventType string

// Wire event types, shared by inbound and outbound frames.
const (
	EventConnect             EventType = "connect"
	EventSyncStatus          EventType = "syncStatus"
	EventPing                EventType = "ping"
	EventJoinConversation    EventType = "joinConversation"
	EventTyping              EventType = "typing"
	EventMarkRead            EventType = "markRead"
	EventViewingConversation EventType = "viewingConversation"
	EventNewMessage          EventType = "newMessage"
	EventTypingStatus        EventType = "typingStatus"
	EventUserStatusChanged   EventType = "userStatusChanged"
	EventMessagesRead        EventType = "messagesRead"
	EventGetUserStatus       EventType = "getUserStatus"
)

// Local event types. They are published on the bus but never sent or received.
const (
	EventDisconnect       EventType = "disconnect"
	EventReconnecting     EventType = "reconnecting"
	EventTypingCleared    EventType = "typingCleared"
	EventMessageConfirmed EventType = "messageConfirmed"
	EventMessageFailed    EventType = "messageFailed"
)

// Event is one of the payload variants below. Handlers type-switch on it.
type Event interface {
	Type() EventType
}

// ConnectEvent is published when a connection opens.
type ConnectEvent struct {
	UserID    string `json:"userId,omitempty"`
	Reconnect bool   `json:"-"`
}

// SyncStatusEvent asks the server for the presence of known peers; the
// server answers with the same type listing who is online.
type SyncStatusEvent struct {
	OnlineUserIDs []string `json:"onlineUsers,omitempty"`
}

// PingEvent is the heartbeat keepalive.
type PingEvent struct{}

// JoinConversationEvent subscribes the connection to a conversation's
// broadcasts.
type JoinConversationEvent struct {
	ConversationID string `json:"conversationId"`
}

// TypingEvent is the outbound local typing signal.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MarkReadEvent reports that the local user read a conversation.
type MarkReadEvent struct {
	ConversationID string `json:"conversationId"`
}

// ViewingConversationEvent tells the server whether a conversation is open
// on screen.
type ViewingConversationEvent struct {
	ConversationID string `json:"conversationId"`
	IsViewing      bool   `json:"isViewing"`
}

// NewMessageEvent carries a server-confirmed message.
type NewMessageEvent struct {
	Message Message `json:"message"`
}

// TypingStatusEvent is the inbound peer typing signal.
type TypingStatusEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

// UserStatusChangedEvent announces that a user came online or went offline.
type UserStatusChangedEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// MessagesReadEvent tells that ReaderID has read the conversation.
type MessagesReadEvent struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// GetUserStatusEvent requests (UserIDs) or reports (Statuses) presence.
type GetUserStatusEvent struct {
	UserIDs  []string                 `json:"userIds,omitempty"`
	Statuses []UserStatusChangedEvent `json:"statuses,omitempty"`
}

// DisconnectEvent is published when the session ends for good. Err is nil
// after Disconnect and set when the server rejected the credentials.
type DisconnectEvent struct {
	Reason string
	Err    error
}

// ReconnectingEvent is published each time a retry is scheduled. Err is
// what ended the previous attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// TypingClearedEvent reports that a remote typing indicator expired without
// an explicit stop.
type TypingClearedEvent struct {
	ConversationID string
	UserID         string
}

// MessageConfirmedEvent reports that the provisional entry TempID is now
// the server message Message.
type MessageConfirmedEvent struct {
	TempID  string
	Message Message
}

// MessageFailedEvent reports a send that will not be delivered. Its
// provisional entry is already gone. Err is ErrUnconfirmed when the server
// accepted the message without an id and no broadcast followed.
type MessageFailedEvent struct {
	ConversationID string
	TempID         string
	Text           string
	Err            error
}

func (ConnectEvent) Type() EventType             { return EventConnect }
func (SyncStatusEvent) Type() EventType          { return EventSyncStatus }
func (PingEvent) Type() EventType                { return EventPing }
func (JoinConversationEvent) Type() EventType    { return EventJoinConversation }
func (TypingEvent) Type() EventType              { return EventTyping }
func (MarkReadEvent) Type() EventType            { return EventMarkRead }
func (ViewingConversationEvent) Type() EventType { return EventViewingConversation }
func (NewMessageEvent) Type() EventType          { return EventNewMessage }
func (TypingStatusEvent) Type() EventType        { return EventTypingStatus }
func (UserStatusChangedEvent) Type() EventType   { return EventUserStatusChanged }
func (MessagesReadEvent) Type() EventType        { return EventMessagesRead }
func (GetUserStatusEvent) Type() EventType       { return EventGetUserStatus }
func (DisconnectEvent) Type() EventType          { return EventDisconnect }
func (ReconnectingEvent) Type() EventType        { return EventReconnecting }
func (TypingClearedEvent) Type() EventType       { return EventTypingCleared }
func (MessageConfirmedEvent) Type() EventType    { return EventMessageConfirmed }
func (MessageFailedEvent) Type() EventType       { return EventMessageFailed }

// ============================================================================
// Wire envelope
// ============================================================================

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func encodeEnvelope(ev Event, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{
		Type:      ev.Type(),
		Payload:   payload,
		Timestamp: now.UnixMilli(),
	})
}

// decodeFrame parses a text frame into its event variant. Unknown types and
// undecodable payloads come back as *ProtocolError.
func decodeFrame(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Err: err}
	}

	var ev Event
	switch env.Type {
	case EventConnect:
		ev = &ConnectEvent{}
	case EventSyncStatus:
		ev = &SyncStatusEvent{}
	case EventPing:
		ev = &PingEvent{}
	case EventJoinConversation:
		ev = &JoinConversationEvent{}
	case EventTyping:
		ev = &TypingEvent{}
	case EventMarkRead:
		ev = &MarkReadEvent{}
	case EventViewingConversation:
		ev = &ViewingConversationEvent{}
	case EventNewMessage:
		ev = &NewMessageEvent{}
	case EventTypingStatus:
		ev = &TypingStatusEvent{}
	case EventUserStatusChanged:
		ev = &UserStatusChangedEvent{}
	case EventMessagesRead:
		ev = &MessagesReadEvent{}
	case EventGetUserStatus:
		ev = &GetUserStatusEvent{}
	default:
		return nil, &ProtocolError{Type: string(env.Type), Err: fmt.Errorf("unknown event type")}
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, &ProtocolError{Type: string(env.Type), Err: err}
		}
	}
	return deref(ev), nil
}

// deref hands out value variants so handlers switch on a single form.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *ConnectEvent:
		return *e
	case *SyncStatusEvent:
		return *e
	case *PingEvent:
		return *e
	case *JoinConversationEvent:
		return *e
	case *TypingEvent:
		return *e
	case *MarkReadEvent:
		return *e
	case *ViewingConversationEvent:
		return *e
	case *NewMessageEvent:
		return *e
	case *TypingStatusEvent:
		return *e
	case *UserStatusChangedEvent:
		return *e
	case *MessagesReadEvent:
		return *e
	case *GetUserStatusEvent:
		return *e
	}
	return ev
}

// ============================================================================
// Event Bus
// ============================================================================

// Handler receives a published event. A returned error is reported to the
// bus error sink and does not stop the remaining handlers.
type Handler func(Event) error

// ErrorSink receives handler failures.
type ErrorSink func(eventType EventType, err error)

// Subscription identifies one registered handler.
type Subscription struct {
	eventType EventType
	id        uint64
}

// EventType returns the type the subscription listens on.
func (s Subscription) EventType() EventType { return s.eventType }

type registration struct {
	id      uint64
	handler Handler
}

// EventBus is a type-keyed publish/subscribe registry. Dispatch is synchronous,
// in registration order, and isolated per handler.
type EventBus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventType][]registration
	sink      ErrorSink
}

// NewEventBus creates a bus. A nil sink logs failures to log.
func NewEventBus(log zerolog.Logger, sink ErrorSink) *EventBus {
	if sink == nil {
		sink = func(t EventType, err error) {
			log.Warn().Err(err).Str(FieldEvent, string(t)).Msg("event handler failed")
		}
	}
	return &EventBus{
		listeners: make(map[EventType][]registration),
		sink:      sink,
	}
}

// Subscribe registers h for events of type t.
func (b *EventBus) Subscribe(t EventType, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[t] = append(b.listeners[t], registration{id: b.nextID, handler: h})
	return Subscription{eventType: t, id: b.nextID}
}

// Unsubscribe removes a single registration. Unknown subscriptions are ignored.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[sub.eventType]
	for i, r := range regs {
		if r.id == sub.id {
			b.listeners[sub.eventType] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.listeners[sub.eventType]) == 0 {
		delete(b.listeners, sub.eventType)
	}
}

// UnsubscribeAll clears the given types, or every registration when called
// without arguments.
func (b *EventBus) UnsubscribeAll(types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.listeners = make(map[EventType][]registration)
		return
	}
	for _, t := range types {
		delete(b.listeners, t)
	}
}

// HandlerCount returns how many handlers listen on t.
func (b *EventBus) HandlerCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[t])
}

// Publish runs every handler registered for ev.Type().
func (b *EventBus) Publish(ev Event) {
	t := ev.Type()
	b.mu.RLock()
	regs := append([]registration(nil), b.listeners[t]...)
	b.mu.RUnlock()

	for _, r := range regs {
		if err := b.call(r.handler, ev); err != nil {
			b.sink(t, err)
		}
	}
}

func (b *EventBus) call(h Handler, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ev)
}
