package tradechat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultSyncStatusDelay   = 1 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// RealtimeConfig configures a ConnectionManager.
type RealtimeConfig struct {
	// URL is the websocket endpoint, e.g. wss://chat.example.com/ws.
	// http(s) schemes are rewritten to ws(s).
	URL               string
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	SyncStatusDelay   time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HTTPClient        *http.Client
	Logger            zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.SyncStatusDelay == 0 {
		c.SyncStatusDelay = DefaultSyncStatusDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// SessionInfo is a snapshot of the connection-owned session.
type SessionInfo struct {
	State  ConnectionState
	UserID string
	Token  string
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns one websocket's lifecycle: open, heartbeat, abnormal
// closure detection and fixed-interval reconnection. Inbound frames are
// decoded and published on the bus in the order they were received.
//
// Ordering holds within one connection only. A message sent right before an
// abnormal closure may be delivered after messages sent once reconnected.
type ConnectionManager struct {
	config RealtimeConfig
	bus    *EventBus
	log    zerolog.Logger

	mu      sync.Mutex
	state   ConnectionState
	token   string
	userID  string
	conn    *websocket.Conn
	cancel  context.CancelFunc
	attempt int

	// gen identifies the current connection epoch. Timer callbacks and
	// goroutines capture it and do nothing once it has moved on.
	gen        uint64
	retryTimer *time.Timer
	syncTimer  *time.Timer
}

// NewConnectionManager creates a manager publishing onto bus.
func NewConnectionManager(config RealtimeConfig, bus *EventBus) *ConnectionManager {
	config.defaults()
	return &ConnectionManager{
		config: config,
		bus:    bus,
		log:    config.Logger.With().Str(FieldComponent, "realtime").Logger(),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Info returns the current session snapshot.
func (cm *ConnectionManager) Info() SessionInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.infoLocked()
}

func (cm *ConnectionManager) infoLocked() SessionInfo {
	return SessionInfo{State: cm.state, UserID: cm.userID, Token: cm.token}
}

// Initialize opens the connection for userID. Missing credentials fail with
// *AuthError before anything is dialed. An open or opening session is
// returned unchanged. A dial failure other than a credential rejection is
// returned as *TransportError while the reconnect cycle keeps trying.
func (cm *ConnectionManager) Initialize(ctx context.Context, token, userID string) (SessionInfo, error) {
	if token == "" {
		return SessionInfo{}, &AuthError{Reason: "missing auth token"}
	}
	if userID == "" {
		return SessionInfo{}, &AuthError{Reason: "missing user id"}
	}

	cm.mu.Lock()
	if cm.state == StateConnected || cm.state == StateConnecting {
		info := cm.infoLocked()
		cm.mu.Unlock()
		return info, nil
	}
	cm.stopTimersLocked()
	cm.gen++
	gen := cm.gen
	cm.token, cm.userID = token, userID
	cm.state = StateConnecting
	cm.attempt = 0
	cm.mu.Unlock()

	cm.log.Debug().Str(FieldUserID, userID).Msg("connecting")

	conn, err := cm.dial(ctx, token, userID)
	if err != nil {
		return cm.dialFailed(gen, err)
	}
	if !cm.opened(gen, conn, false) {
		return cm.Info(), &TransportError{Op: "dial", Err: errors.New("session closed while connecting")}
	}
	return cm.Info(), nil
}

// Disconnect tears the session down: timers are cancelled, the socket is
// closed normally and every bus subscription is cleared. The manager stays
// disconnected until Initialize is called again.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	active := cm.state != StateDisconnected
	conn, cancel := cm.detachLocked()
	cm.resetLocked()
	cm.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			cm.log.Debug().Err(err).Msg("close handshake")
		}
	}
	if cancel != nil {
		cancel()
	}
	if active {
		cm.log.Info().Msg("disconnected")
		cm.bus.Publish(DisconnectEvent{Reason: "client disconnect"})
	}
	cm.bus.UnsubscribeAll()
}

// Send writes ev as a text frame. It reports false, without an error, when
// the manager is not connected or the write failed; retry or rollback is the
// caller's decision.
func (cm *ConnectionManager) Send(ctx context.Context, ev Event) bool {
	cm.mu.Lock()
	conn := cm.conn
	connected := cm.state == StateConnected
	cm.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	data, err := encodeEnvelope(ev, time.Now())
	if err != nil {
		cm.log.Error().Err(err).Str(FieldEvent, string(ev.Type())).Msg("encode frame")
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, cm.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		cm.log.Warn().Err(&TransportError{Op: "write", Err: err}).Str(FieldEvent, string(ev.Type())).Msg("send failed")
		return false
	}
	return true
}

// ── Lifecycle ────────────────────────────────────────────

func (cm *ConnectionManager) dial(ctx context.Context, token, userID string) (*websocket.Conn, error) {
	u, err := connectURL(cm.config.URL, token, userID)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, cm.config.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, u, &websocket.DialOptions{HTTPClient: cm.config.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: fmt.Sprintf("credentials rejected (http %d)", resp.StatusCode)}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

func (cm *ConnectionManager) dialFailed(gen uint64, err error) (SessionInfo, error) {
	cm.mu.Lock()
	if gen != cm.gen {
		cm.mu.Unlock()
		return SessionInfo{}, err
	}

	var ev Event
	var authErr *AuthError
	if errors.As(err, &authErr) {
		cm.resetLocked()
		ev = DisconnectEvent{Reason: "auth", Err: err}
	} else {
		ev = cm.scheduleReconnectLocked(err)
	}
	info := cm.infoLocked()
	cm.mu.Unlock()

	cm.log.Warn().Err(err).Str(FieldState, string(info.State)).Msg("dial failed")
	cm.bus.Publish(ev)
	return info, err
}

// opened installs conn as the live connection unless the epoch moved on
// while dialing, in which case conn is closed and false is returned.
func (cm *ConnectionManager) opened(gen uint64, conn *websocket.Conn, reconnect bool) bool {
	cm.mu.Lock()
	if gen != cm.gen || cm.state == StateDisconnected {
		cm.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return false
	}
	cm.gen++
	gen = cm.gen
	ctx, cancel := context.WithCancel(context.Background())
	cm.conn = conn
	cm.cancel = cancel
	cm.state = StateConnected
	cm.attempt = 0
	cm.syncTimer = time.AfterFunc(cm.config.SyncStatusDelay, func() { cm.requestSyncStatus(gen) })
	userID := cm.userID
	cm.mu.Unlock()

	cm.log.Info().Str(FieldUserID, userID).Bool("reconnect", reconnect).Msg("connected")
	cm.bus.Publish(ConnectEvent{UserID: userID, Reconnect: reconnect})

	go cm.readLoop(ctx, conn, gen)
	go cm.heartbeatLoop(ctx)
	return true
}

// closed handles the end of a read loop that was not caused by Disconnect.
func (cm *ConnectionManager) closed(gen uint64, err error) {
	cm.mu.Lock()
	if gen != cm.gen || cm.state != StateConnected {
		cm.mu.Unlock()
		return
	}
	_, cancel := cm.detachLocked()

	var ev Event
	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		authErr := &AuthError{Reason: "session rejected by server"}
		cm.resetLocked()
		ev = DisconnectEvent{Reason: "auth", Err: authErr}
	} else {
		ev = cm.scheduleReconnectLocked(&TransportError{Op: "read", Err: err})
	}
	cm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	cm.log.Warn().Err(err).Msg("connection lost")
	cm.bus.Publish(ev)
}

func (cm *ConnectionManager) reconnect(gen uint64) {
	cm.mu.Lock()
	if gen != cm.gen || cm.state != StateReconnecting {
		cm.mu.Unlock()
		return
	}
	cm.retryTimer = nil
	token, userID, attempt := cm.token, cm.userID, cm.attempt
	cm.mu.Unlock()

	cm.log.Debug().Int(FieldAttempt, attempt).Msg("reconnecting")

	conn, err := cm.dial(context.Background(), token, userID)
	if err != nil {
		cm.mu.Lock()
		if gen != cm.gen || cm.state != StateReconnecting {
			cm.mu.Unlock()
			return
		}
		var ev Event
		var authErr *AuthError
		if errors.As(err, &authErr) {
			cm.resetLocked()
			ev = DisconnectEvent{Reason: "auth", Err: err}
		} else {
			ev = cm.scheduleReconnectLocked(err)
		}
		cm.mu.Unlock()

		cm.log.Warn().Err(err).Int(FieldAttempt, attempt).Msg("reconnect failed")
		cm.bus.Publish(ev)
		return
	}
	cm.opened(gen, conn, true)
}

// scheduleReconnectLocked arms the single retry timer.
func (cm *ConnectionManager) scheduleReconnectLocked(cause error) Event {
	cm.stopTimersLocked()
	cm.state = StateReconnecting
	cm.attempt++
	gen := cm.gen
	delay := cm.config.ReconnectInterval
	cm.retryTimer = time.AfterFunc(delay, func() { cm.reconnect(gen) })
	return ReconnectingEvent{Attempt: cm.attempt, Delay: delay, Err: cause}
}

// detachLocked drops the live connection and invalidates its epoch.
func (cm *ConnectionManager) detachLocked() (*websocket.Conn, context.CancelFunc) {
	cm.gen++
	cm.stopTimersLocked()
	conn, cancel := cm.conn, cm.cancel
	cm.conn, cm.cancel = nil, nil
	return conn, cancel
}

func (cm *ConnectionManager) resetLocked() {
	cm.stopTimersLocked()
	cm.gen++
	cm.state = StateDisconnected
	cm.token, cm.userID = "", ""
	cm.attempt = 0
}

func (cm *ConnectionManager) stopTimersLocked() {
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	if cm.syncTimer != nil {
		cm.syncTimer.Stop()
		cm.syncTimer = nil
	}
}

// ── Loops ────────────────────────────────────────────────

func (cm *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			cm.closed(gen, err)
			return
		}
		if typ != websocket.MessageText {
			cm.log.Debug().Msg("ignoring binary frame")
			continue
		}

		ev, err := decodeFrame(data)
		if err != nil {
			cm.log.Warn().Err(err).Msg("dropping inbound frame")
			continue
		}
		cm.bus.Publish(ev)
	}
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !cm.Send(ctx, PingEvent{}) {
				cm.log.Debug().Msg("heartbeat not delivered")
			}
		}
	}
}

func (cm *ConnectionManager) requestSyncStatus(gen uint64) {
	cm.mu.Lock()
	current := gen == cm.gen && cm.state == StateConnected
	cm.mu.Unlock()
	if current {
		cm.Send(context.Background(), SyncStatusEvent{})
	}
}

func connectURL(base, token, userID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
