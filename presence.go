package tradechat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTypingExpiry is how long a peer typing indicator survives without a
// fresh typing event.
const DefaultTypingExpiry = 3 * time.Second

// Sender delivers outbound frames. *ConnectionManager implements it.
type Sender interface {
	Send(ctx context.Context, ev Event) bool
}

// TypingUser is the peer currently typing in a conversation.
type TypingUser struct {
	UserID   string
	Username string
}

type typingEntry struct {
	user  TypingUser
	timer *time.Timer
	seq   uint64
}

// PresenceTracker owns typing and online state. Inbound typing indicators
// expire on their own; outbound typing signals are sent as-is.
type PresenceTracker struct {
	bus    *EventBus
	out    Sender
	expiry time.Duration
	log    zerolog.Logger

	mu          sync.Mutex
	localUserID string
	seq         uint64
	typing      map[string]*typingEntry
	online      map[string]bool
	localTyping map[string]bool
}

// NewPresenceTracker creates a tracker. A zero expiry uses DefaultTypingExpiry.
func NewPresenceTracker(bus *EventBus, out Sender, expiry time.Duration, log zerolog.Logger) *PresenceTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &PresenceTracker{
		bus:         bus,
		out:         out,
		expiry:      expiry,
		log:         log.With().Str(FieldComponent, "presence").Logger(),
		typing:      make(map[string]*typingEntry),
		online:      make(map[string]bool),
		localTyping: make(map[string]bool),
	}
}

// SetLocalUser sets whose typing events are never reflected back.
func (p *PresenceTracker) SetLocalUser(userID string) {
	p.mu.Lock()
	p.localUserID = userID
	p.mu.Unlock()
}

// Attach subscribes the tracker to the inbound presence events on its bus.
func (p *PresenceTracker) Attach() []Subscription {
	return []Subscription{
		p.bus.Subscribe(EventTypingStatus, func(ev Event) error {
			p.OnTypingStatus(ev.(TypingStatusEvent))
			return nil
		}),
		p.bus.Subscribe(EventUserStatusChanged, func(ev Event) error {
			p.OnUserStatusChanged(ev.(UserStatusChangedEvent))
			return nil
		}),
		p.bus.Subscribe(EventSyncStatus, func(ev Event) error {
			p.OnSyncStatus(ev.(SyncStatusEvent))
			return nil
		}),
		p.bus.Subscribe(EventGetUserStatus, func(ev Event) error {
			p.OnUserStatuses(ev.(GetUserStatusEvent).Statuses)
			return nil
		}),
	}
}

// ── Inbound ──────────────────────────────────────────────

// OnTypingStatus applies a peer typing event. Repeated true events restart
// the expiry timer rather than adding another one.
func (p *PresenceTracker) OnTypingStatus(ev TypingStatusEvent) {
	if ev.ConversationID == "" {
		return
	}

	p.mu.Lock()
	if ev.UserID == p.localUserID {
		p.mu.Unlock()
		return
	}

	if !ev.IsTyping {
		p.clearLocked(ev.ConversationID)
		p.mu.Unlock()
		return
	}

	p.seq++
	seq := p.seq
	entry := p.typing[ev.ConversationID]
	if entry == nil {
		entry = &typingEntry{}
		p.typing[ev.ConversationID] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.user = TypingUser{UserID: ev.UserID, Username: ev.Username}
	entry.seq = seq
	convID := ev.ConversationID
	entry.timer = time.AfterFunc(p.expiry, func() { p.expire(convID, seq) })
	p.mu.Unlock()
}

// OnUserStatusChanged records the latest online flag for a user.
func (p *PresenceTracker) OnUserStatusChanged(ev UserStatusChangedEvent) {
	if ev.UserID == "" {
		return
	}
	p.mu.Lock()
	p.online[ev.UserID] = ev.IsOnline
	p.mu.Unlock()
}

// OnSyncStatus marks every listed user online.
func (p *PresenceTracker) OnSyncStatus(ev SyncStatusEvent) {
	p.mu.Lock()
	for _, id := range ev.OnlineUserIDs {
		p.online[id] = true
	}
	p.mu.Unlock()
}

// OnUserStatuses applies a batch of status answers.
func (p *PresenceTracker) OnUserStatuses(statuses []UserStatusChangedEvent) {
	for _, s := range statuses {
		p.OnUserStatusChanged(s)
	}
}

func (p *PresenceTracker) expire(conversationID string, seq uint64) {
	p.mu.Lock()
	entry := p.typing[conversationID]
	if entry == nil || entry.seq != seq {
		p.mu.Unlock()
		return
	}
	delete(p.typing, conversationID)
	userID := entry.user.UserID
	p.mu.Unlock()

	p.log.Debug().Str(FieldConversationID, conversationID).Str(FieldUserID, userID).Msg("typing expired")
	p.bus.Publish(TypingClearedEvent{ConversationID: conversationID, UserID: userID})
}

func (p *PresenceTracker) clearLocked(conversationID string) {
	entry := p.typing[conversationID]
	if entry == nil {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(p.typing, conversationID)
}

// ── Outbound ─────────────────────────────────────────────

// SetLocalTyping sends the local user's typing state for a conversation.
// Callers debounce; nothing is throttled here.
func (p *PresenceTracker) SetLocalTyping(ctx context.Context, conversationID string, isTyping bool) bool {
	if conversationID == "" {
		return false
	}
	p.mu.Lock()
	if isTyping {
		p.localTyping[conversationID] = true
	} else {
		delete(p.localTyping, conversationID)
	}
	p.mu.Unlock()
	return p.out.Send(ctx, TypingEvent{ConversationID: conversationID, IsTyping: isTyping})
}

// ClearLocalTyping sends a stop signal if the local user is marked typing in
// the conversation.
func (p *PresenceTracker) ClearLocalTyping(ctx context.Context, conversationID string) {
	p.mu.Lock()
	marked := p.localTyping[conversationID]
	p.mu.Unlock()
	if marked {
		p.SetLocalTyping(ctx, conversationID, false)
	}
}

// LocalTyping reports whether the local user is marked typing.
func (p *PresenceTracker) LocalTyping(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localTyping[conversationID]
}

// ── Reads ────────────────────────────────────────────────

// TypingIn returns the peer typing in a conversation, if any.
func (p *PresenceTracker) TypingIn(conversationID string) (TypingUser, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.typing[conversationID]
	if entry == nil {
		return TypingUser{}, false
	}
	return entry.user, true
}

// IsOnline reports the last known status of a user.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// OnlineUsers returns the users currently known to be online, sorted.
func (p *PresenceTracker) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, on := range p.online {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Reset stops every expiry timer and forgets all state.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.typing {
		p.clearLocked(id)
	}
	p.online = make(map[string]bool)
	p.localTyping = make(map[string]bool)
	p.localUserID = ""
}
