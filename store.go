package tradechat

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReconcileWindow bounds how long a provisional message may wait for
// a matching broadcast before it stops being a match candidate.
const DefaultReconcileWindow = 30 * time.Second

// Store holds the conversation summaries and per-conversation message lists
// for one session. It is the only writer of those collections; readers get
// copies.
type Store struct {
	log    zerolog.Logger
	window time.Duration
	now    func() time.Time

	mu            sync.RWMutex
	localUserID   string
	conversations map[string]*Conversation
	messages      map[string][]*Message
	loaded        map[string]bool
	viewing       map[string]bool
	// provisional creation times, keyed by TempID
	pendingSince map[string]time.Time
	// server id of the broadcast that replaced a provisional entry, keyed by
	// TempID, until the sender collects it
	matched map[string]string
}

// NewStore creates an empty store. A zero window uses DefaultReconcileWindow.
func NewStore(window time.Duration, log zerolog.Logger) *Store {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	s := &Store{
		log:    log.With().Str(FieldComponent, "store").Logger(),
		window: window,
		now:    time.Now,
	}
	s.init()
	return s
}

func (s *Store) init() {
	s.conversations = make(map[string]*Conversation)
	s.messages = make(map[string][]*Message)
	s.loaded = make(map[string]bool)
	s.viewing = make(map[string]bool)
	s.pendingSince = make(map[string]time.Time)
	s.matched = make(map[string]string)
}

// Window returns how long a provisional entry stays a match candidate.
func (s *Store) Window() time.Duration {
	return s.window
}

// SetLocalUser sets the user whose messages count as outgoing.
func (s *Store) SetLocalUser(userID string) {
	s.mu.Lock()
	s.localUserID = userID
	s.mu.Unlock()
}

// Reset forgets everything.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.localUserID = ""
}

// ── Conversations ────────────────────────────────────────

// LoadConversationList replaces the summaries wholesale. Server values win.
func (s *Store) LoadConversationList(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*Conversation, len(list))
	for i := range list {
		c := list[i]
		s.conversations[c.ID] = &c
	}
}

// UpsertConversation adds or replaces one summary.
func (s *Store) UpsertConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = &c
}

// Conversation returns one summary.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Conversations returns the summaries, most recent activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalUnread sums the unread counts of every conversation.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// SetViewing records whether the local user has the conversation open.
// Incoming messages in a viewed conversation do not raise its unread count.
func (s *Store) SetViewing(conversationID string, viewing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if viewing {
		s.viewing[conversationID] = true
	} else {
		delete(s.viewing, conversationID)
	}
}

// Viewing reports whether the conversation is open.
func (s *Store) Viewing(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewing[conversationID]
}

// MarkConversationRead zeroes the local unread count. Read receipts for the
// local user's messages come from ApplyReadReceipt only.
func (s *Store) MarkConversationRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		c.UnreadCount = 0
	}
}

// ApplyReadReceipt marks every message the local user sent in the
// conversation as read by the peer.
func (s *Store) ApplyReadReceipt(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.SenderID == s.localUserID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n
}

// ── Messages ─────────────────────────────────────────────

// Messages returns a copy of the conversation's ordered message list.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// LoadMessages installs fetched history, already ordered oldest first. It
// does nothing once the conversation has been loaded so later fetches cannot
// discard provisional entries. Provisional entries added before the first
// load are kept after the history.
func (s *Store) LoadMessages(conversationID string, history []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[conversationID] {
		return false
	}

	list := make([]*Message, 0, len(history))
	seen := make(map[string]bool, len(history))
	for i := range history {
		m := history[i]
		if m.ID != "" {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.Status == "" {
			m.Status = MessageSent
		}
		list = append(list, &m)
	}
	for _, m := range s.messages[conversationID] {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		list = append(list, m)
	}

	s.messages[conversationID] = list
	s.loaded[conversationID] = true
	return true
}

// AppendIncomingMessage adds a server-confirmed message. It is idempotent by
// server id. A message from the local user that matches a pending provisional
// entry replaces it in place; anything unmatched is appended.
func (s *Store) AppendIncomingMessage(m Message) bool {
	if m.ConversationID == "" || m.ID == "" {
		return false
	}
	m.TempID = ""
	if m.Status == "" {
		m.Status = MessageSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[m.ConversationID]
	if indexByID(list, m.ID) >= 0 {
		return false
	}

	if m.SenderID == s.localUserID {
		if i := s.matchProvisionalLocked(list, m.Text); i >= 0 {
			tempID := list[i].TempID
			delete(s.pendingSince, tempID)
			s.matched[tempID] = m.ID
			list[i] = &m
			s.log.Debug().Str(FieldTempID, tempID).Str(FieldMessageID, m.ID).Msg("reconciled by broadcast")
			s.touchLocked(m, false)
			return true
		}
	}

	s.messages[m.ConversationID] = append(list, &m)
	s.touchLocked(m, m.SenderID != s.localUserID && !s.viewing[m.ConversationID])
	return true
}

// AddProvisional appends an optimistic outgoing message.
func (s *Store) AddProvisional(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Status = MessagePending
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &m)
	s.pendingSince[m.TempID] = s.now()
	s.touchLocked(m, false)
}

// ConfirmProvisional swaps the provisional entry tempID for its confirmed
// message, keeping its position. If the broadcast already replaced it the
// call is a no-op; if the entry is gone and the message unknown, the message
// is appended so nothing is lost.
func (s *Store) ConfirmProvisional(conversationID, tempID string, confirmed Message) bool {
	if confirmed.ID == "" {
		return false
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = conversationID
	}
	confirmed.TempID = ""
	confirmed.Status = MessageSent

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	delete(s.pendingSince, tempID)
	delete(s.matched, tempID)
	exists := indexByID(list, confirmed.ID) >= 0
	if i := indexByTempID(list, tempID); i >= 0 {
		if exists {
			s.messages[conversationID] = append(list[:i:i], list[i+1:]...)
			return false
		}
		list[i] = &confirmed
		s.touchLocked(confirmed, false)
		return true
	}
	if exists {
		return false
	}
	s.messages[conversationID] = append(list, &confirmed)
	s.touchLocked(confirmed, false)
	return true
}

// RemoveProvisional rolls back an optimistic message. It returns false when
// the entry is already gone, for instance because a broadcast replaced it;
// TakeMatched tells the two apart.
func (s *Store) RemoveProvisional(conversationID, tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingSince, tempID)
	list := s.messages[conversationID]
	i := indexByTempID(list, tempID)
	if i < 0 {
		return false
	}
	s.messages[conversationID] = append(list[:i:i], list[i+1:]...)
	return true
}

// TakeMatched returns the confirmed message that replaced provisional entry
// tempID by broadcast, and forgets the association.
func (s *Store) TakeMatched(conversationID, tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.matched[tempID]
	if !ok {
		return Message{}, false
	}
	delete(s.matched, tempID)
	list := s.messages[conversationID]
	if i := indexByID(list, id); i >= 0 {
		return *list[i], true
	}
	return Message{}, false
}

// matchProvisionalLocked returns the oldest pending entry with the same text
// still inside the reconcile window.
func (s *Store) matchProvisionalLocked(list []*Message, text string) int {
	now := s.now()
	for i, m := range list {
		if !m.Provisional() || m.Text != text {
			continue
		}
		if since, ok := s.pendingSince[m.TempID]; ok && now.Sub(since) <= s.window {
			return i
		}
	}
	return -1
}

// touchLocked refreshes the conversation summary from m.
func (s *Store) touchLocked(m Message, unread bool) {
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		c = &Conversation{ID: m.ConversationID}
		s.conversations[m.ConversationID] = c
	}
	if !m.Timestamp.Before(c.LastMessageTime) {
		c.LastMessageText = m.Text
		c.LastMessageTime = m.Timestamp
	}
	if unread {
		c.UnreadCount++
	}
}

func indexByID(list []*Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func indexByTempID(list []*Message, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, m := range list {
		if m.ID == "" && m.TempID == tempID {
			return i
		}
	}
	return -1
}
