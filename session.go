package tradechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChatAPI is the REST surface a Session needs. *Client implements it.
type ChatAPI interface {
	MessageAPI
	ListConversations(ctx context.Context) ([]Conversation, error)
	FetchHistory(ctx context.Context, conversationID string) ([]Message, error)
	StartConversation(ctx context.Context, otherUserID string) (*Conversation, error)
}

// SessionConfig configures NewSession. Logger is shared by every component
// and overrides Realtime.Logger.
type SessionConfig struct {
	Realtime        RealtimeConfig
	TypingExpiry    time.Duration
	ReconcileWindow time.Duration
	ErrorSink       ErrorSink
	Logger          zerolog.Logger
}

// Session owns one event bus, one connection and the state built from it.
// Separate sessions share nothing.
type Session struct {
	Bus        *EventBus
	Conn       *ConnectionManager
	Presence   *PresenceTracker
	Store      *Store
	Reconciler *Reconciler

	api ChatAPI
	log zerolog.Logger

	mu       sync.Mutex
	user     User
	viewing  string
	attached bool
}

// NewSession wires the components of a session around api.
func NewSession(api ChatAPI, cfg SessionConfig) *Session {
	log := cfg.Logger
	cfg.Realtime.Logger = log

	s := &Session{api: api, log: log.With().Str(FieldComponent, "session").Logger()}
	s.Bus = NewEventBus(log, cfg.ErrorSink)
	s.Conn = NewConnectionManager(cfg.Realtime, s.Bus)
	s.Presence = NewPresenceTracker(s.Bus, s.Conn, cfg.TypingExpiry, log)
	s.Store = NewStore(cfg.ReconcileWindow, log)
	s.Reconciler = NewReconciler(s.Store, s.Presence, api, s.Bus, s.localUserID, log)
	return s
}

// Start attaches the session handlers and opens the connection as user.
func (s *Session) Start(ctx context.Context, token string, user User) error {
	if s.Conn.State() == StateConnected {
		return nil
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.Store.SetLocalUser(user.ID)
	s.Presence.SetLocalUser(user.ID)
	s.attach()

	if _, err := s.Conn.Initialize(ctx, token, user.ID); err != nil {
		if errors.Is(err, ErrAuth) {
			s.detach()
		}
		return err
	}
	return nil
}

// Close disconnects and forgets all session state.
func (s *Session) Close() {
	s.Conn.Disconnect()
	s.Presence.Reset()
	s.Store.Reset()

	s.mu.Lock()
	s.attached = false
	s.viewing = ""
	s.user = User{}
	s.mu.Unlock()
}

// User returns the local user.
func (s *Session) User() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// ViewingConversation returns the conversation currently open, if any.
func (s *Session) ViewingConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewing
}

func (s *Session) localUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.ID
}

// ── Operations ───────────────────────────────────────────

// Refresh reloads the conversation list from the API.
func (s *Session) Refresh(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	s.Store.LoadConversationList(list)
	return nil
}

// OpenConversation joins a conversation, loads its history once and marks it read.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("open conversation: empty id")
	}
	s.SetViewingConversation(ctx, conversationID, true)

	history, err := s.api.FetchHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	s.Store.LoadMessages(conversationID, history)
	s.MarkRead(ctx, conversationID)
	return nil
}

// SetViewingConversation tells the server which conversation is open.
// Leaving a conversation stops typing emission for it; the socket stays up.
func (s *Session) SetViewingConversation(ctx context.Context, conversationID string, viewing bool) {
	s.mu.Lock()
	prev := s.viewing
	if viewing {
		s.viewing = conversationID
	} else if s.viewing == conversationID {
		s.viewing = ""
	}
	s.mu.Unlock()

	if viewing && prev != "" && prev != conversationID {
		s.SetViewingConversation(ctx, prev, false)
	}

	s.Store.SetViewing(conversationID, viewing)
	if viewing {
		s.Conn.Send(ctx, JoinConversationEvent{ConversationID: conversationID})
	} else {
		s.Presence.ClearLocalTyping(ctx, conversationID)
	}
	s.Conn.Send(ctx, ViewingConversationEvent{ConversationID: conversationID, IsViewing: viewing})
}

// SetTyping emits the local typing state. Starting to type is only sent for
// the conversation being viewed.
func (s *Session) SetTyping(ctx context.Context, conversationID string, isTyping bool) bool {
	if isTyping && !s.Store.Viewing(conversationID) {
		return false
	}
	return s.Presence.SetLocalTyping(ctx, conversationID, isTyping)
}

// SendMessage sends text optimistically; see Reconciler.Send.
func (s *Session) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	return s.Reconciler.Send(ctx, conversationID, text)
}

// MarkRead clears the local unread count and tells the peer.
func (s *Session) MarkRead(ctx context.Context, conversationID string) bool {
	s.Store.MarkConversationRead(conversationID)
	return s.Conn.Send(ctx, MarkReadEvent{ConversationID: conversationID})
}

// StartConversation opens a conversation with another user and records it.
func (s *Session) StartConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	conv, err := s.api.StartConversation(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	if existing, ok := s.Store.Conversation(conv.ID); ok && conv.LastMessageTime.IsZero() {
		conv.LastMessageText = existing.LastMessageText
		conv.LastMessageTime = existing.LastMessageTime
	}
	s.Store.UpsertConversation(*conv)
	return conv, nil
}

// RequestUserStatus asks the server for the presence of userIDs.
func (s *Session) RequestUserStatus(ctx context.Context, userIDs ...string) bool {
	if len(userIDs) == 0 {
		return false
	}
	return s.Conn.Send(ctx, GetUserStatusEvent{UserIDs: userIDs})
}

// ── Inbound wiring ───────────────────────────────────────

func (s *Session) attach() {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return
	}
	s.attached = true
	s.mu.Unlock()

	s.Presence.Attach()
	s.Bus.Subscribe(EventNewMessage, func(ev Event) error {
		s.onNewMessage(ev.(NewMessageEvent).Message)
		return nil
	})
	s.Bus.Subscribe(EventMessagesRead, func(ev Event) error {
		read := ev.(MessagesReadEvent)
		if read.ReaderID != s.localUserID() {
			s.Store.ApplyReadReceipt(read.ConversationID)
		}
		return nil
	})
	s.Bus.Subscribe(EventConnect, func(ev Event) error {
		if !ev.(ConnectEvent).Reconnect {
			return nil
		}
		if id := s.ViewingConversation(); id != "" {
			ctx := context.Background()
			s.Conn.Send(ctx, JoinConversationEvent{ConversationID: id})
			s.Conn.Send(ctx, ViewingConversationEvent{ConversationID: id, IsViewing: true})
		}
		return nil
	})
	s.Bus.Subscribe(EventReconnecting, func(ev Event) error {
		r := ev.(ReconnectingEvent)
		s.log.Info().Int(FieldAttempt, r.Attempt).Int64(FieldDelay, r.Delay.Milliseconds()).Msg("reconnecting")
		return nil
	})
}

func (s *Session) detach() {
	s.Bus.UnsubscribeAll()
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

func (s *Session) onNewMessage(m Message) {
	if !s.Store.AppendIncomingMessage(m) {
		return
	}
	if m.SenderID == s.localUserID() {
		return
	}

	// A delivered message ends the sender's typing indicator.
	s.Presence.OnTypingStatus(TypingStatusEvent{ConversationID: m.ConversationID, UserID: m.SenderID})
	if s.Store.Viewing(m.ConversationID) {
		s.MarkRead(context.Background(), m.ConversationID)
	}
}
