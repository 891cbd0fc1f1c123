package tradechat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TempIDPrefix marks client-generated ids; server ids never carry it.
const TempIDPrefix = "temp-"

// MessageAPI is the request/response send operation. *Client implements it.
type MessageAPI interface {
	SendMessage(ctx context.Context, conversationID, text string) (*Message, error)
}

// Reconciler sends messages optimistically: a provisional entry is shown at
// once and later replaced by the confirmed message or rolled back.
type Reconciler struct {
	store    *Store
	presence *PresenceTracker
	api      MessageAPI
	bus      *EventBus
	log      zerolog.Logger
	now      func() time.Time

	localUserID func() string
}

// NewReconciler wires a reconciler. localUserID is read on every send.
func NewReconciler(store *Store, presence *PresenceTracker, api MessageAPI, bus *EventBus, localUserID func() string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		presence:    presence,
		api:         api,
		bus:         bus,
		log:         log.With().Str(FieldComponent, "reconciler").Logger(),
		now:         time.Now,
		localUserID: localUserID,
	}
}

// Send submits text to a conversation. Blank text or a missing conversation
// is a silent no-op returning (nil, nil). On success the confirmed message is
// returned; on failure the provisional entry is removed, a
// MessageFailedEvent is published and a *SendError returned. A request that
// errors after the broadcast already confirmed the message counts as a
// success. Nothing is retried.
func (r *Reconciler) Send(ctx context.Context, conversationID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" || conversationID == "" {
		return nil, nil
	}

	tempID := TempIDPrefix + uuid.NewString()
	r.store.AddProvisional(Message{
		TempID:         tempID,
		ConversationID: conversationID,
		Text:           text,
		SenderID:       r.localUserID(),
		Timestamp:      r.now(),
	})
	if r.presence != nil {
		r.presence.ClearLocalTyping(ctx, conversationID)
	}

	log := r.log.With().Str(FieldConversationID, conversationID).Str(FieldTempID, tempID).Logger()

	confirmed, err := r.api.SendMessage(ctx, conversationID, text)
	if err != nil {
		if !r.store.RemoveProvisional(conversationID, tempID) {
			// The server stored it and the broadcast got here first; only the
			// response was lost.
			if m, ok := r.store.TakeMatched(conversationID, tempID); ok {
				log.Info().Err(err).Str(FieldMessageID, m.ID).Msg("send errored after broadcast confirmed it")
				r.bus.Publish(MessageConfirmedEvent{TempID: tempID, Message: m})
				return &m, nil
			}
		}
		log.Warn().Err(err).Msg("send failed, provisional message removed")
		r.fail(conversationID, tempID, text, err)
		return nil, &SendError{ConversationID: conversationID, TempID: tempID, Err: err}
	}

	// Without a server id the broadcast is the only confirmation. The store
	// matches it against the provisional entry; if none arrives within the
	// reconcile window the entry is dropped and reported as failed.
	if confirmed == nil || confirmed.ID == "" {
		log.Debug().Msg("send accepted without id, awaiting broadcast")
		time.AfterFunc(r.store.Window(), func() { r.expire(conversationID, tempID, text) })
		return nil, nil
	}

	if confirmed.SenderID == "" {
		confirmed.SenderID = r.localUserID()
	}
	r.store.ConfirmProvisional(conversationID, tempID, *confirmed)
	log.Debug().Str(FieldMessageID, confirmed.ID).Msg("message confirmed")
	r.bus.Publish(MessageConfirmedEvent{TempID: tempID, Message: *confirmed})
	return confirmed, nil
}

// expire settles a provisional entry whose send returned no id.
func (r *Reconciler) expire(conversationID, tempID, text string) {
	if _, ok := r.store.TakeMatched(conversationID, tempID); ok {
		return
	}
	if !r.store.RemoveProvisional(conversationID, tempID) {
		return
	}
	r.log.Warn().Str(FieldConversationID, conversationID).Str(FieldTempID, tempID).Msg("no broadcast confirmed the message, provisional message removed")
	r.fail(conversationID, tempID, text, ErrUnconfirmed)
}

func (r *Reconciler) fail(conversationID, tempID, text string, err error) {
	r.bus.Publish(MessageFailedEvent{
		ConversationID: conversationID,
		TempID:         tempID,
		Text:           text,
		Err:            err,
	})
}
