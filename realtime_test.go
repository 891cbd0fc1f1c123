package tradechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test server
// ============================================================================

type wsServer struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	reject  int
	conns   []*websocket.Conn
	queries []url.Values
	dials   []time.Time

	accepted chan *websocket.Conn
	received chan Envelope
	closes   chan websocket.StatusCode
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		t:        t,
		accepted: make(chan *websocket.Conn, 8),
		received: make(chan Envelope, 64),
		closes:   make(chan websocket.StatusCode, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.Query())
	s.dials = append(s.dials, time.Now())
	reject := s.reject
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("accept: %v", err)
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	s.accepted <- c

	for {
		_, data, err := c.Read(context.Background())
		if err != nil {
			s.closes <- websocket.CloseStatus(err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.t.Errorf("client sent invalid frame %q", data)
			continue
		}
		s.received <- env
	}
}

func (s *wsServer) setReject(status int) {
	s.mu.Lock()
	s.reject = status
	s.mu.Unlock()
}

func (s *wsServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dials)
}

func (s *wsServer) latest() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("no connection accepted")
	}
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) pushRaw(frame string) {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.latest().Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		s.t.Fatalf("push: %v", err)
	}
}

func (s *wsServer) push(ev Event) {
	s.t.Helper()
	data, err := encodeEnvelope(ev, time.Now())
	if err != nil {
		s.t.Fatal(err)
	}
	s.pushRaw(string(data))
}

func (s *wsServer) drop(code websocket.StatusCode) {
	s.latest().Close(code, "test drop")
}

// nextOfType skips frames until one of type typ arrives.
func (s *wsServer) nextOfType(typ EventType) Envelope {
	s.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-s.received:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			s.t.Fatalf("no %s frame received", typ)
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

// logBuffer is a bytes.Buffer safe for the manager's goroutines to log into.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

// recordEvents forwards every published event of the given types to a channel.
func recordEvents(bus *EventBus, types ...EventType) <-chan Event {
	ch := make(chan Event, 64)
	for _, typ := range types {
		bus.Subscribe(typ, func(ev Event) error {
			ch <- ev
			return nil
		})
	}
	return ch
}

func nextEvent[T Event](t *testing.T, ch <-chan Event) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func newTestConn(t *testing.T, s *wsServer, mutate func(*RealtimeConfig)) (*ConnectionManager, *EventBus) {
	t.Helper()
	cfg := RealtimeConfig{
		URL:               s.srv.URL + "/ws",
		HeartbeatInterval: time.Hour,
		ReconnectInterval: 100 * time.Millisecond,
		SyncStatusDelay:   time.Hour,
		Logger:            zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	bus, _ := newTestBus()
	cm := NewConnectionManager(cfg, bus)
	t.Cleanup(cm.Disconnect)
	return cm, bus
}

// ============================================================================
// Tests
// ============================================================================

func TestConnectionManager_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("missing credentials", func(t *testing.T) {
		s := newWSServer(t)
		cm, _ := newTestConn(t, s, nil)

		for _, creds := range [][2]string{{"", me}, {"tok", ""}} {
			_, err := cm.Initialize(ctx, creds[0], creds[1])
			if !errors.Is(err, ErrAuth) {
				t.Fatalf("Initialize(%q, %q) err = %v, want ErrAuth", creds[0], creds[1], err)
			}
		}
		if s.dialCount() != 0 {
			t.Fatal("dialed without credentials")
		}
		if cm.State() != StateDisconnected {
			t.Fatalf("state = %s", cm.State())
		}
	})

	t.Run("connects with token and user id", func(t *testing.T) {
		s := newWSServer(t)
		cm, bus := newTestConn(t, s, nil)
		events := recordEvents(bus, EventConnect)

		info, err := cm.Initialize(ctx, "tok-1", me)
		if err != nil {
			t.Fatal(err)
		}
		if info.State != StateConnected || info.UserID != me {
			t.Fatalf("info = %+v", info)
		}
		connected := nextEvent[ConnectEvent](t, events)
		if connected.UserID != me || connected.Reconnect {
			t.Fatalf("connect event = %+v", connected)
		}

		recv(t, s.accepted)
		s.mu.Lock()
		q := s.queries[0]
		s.mu.Unlock()
		if q.Get("token") != "tok-1" || q.Get("userId") != me {
			t.Fatalf("query = %v", q)
		}

		again, err := cm.Initialize(ctx, "tok-1", me)
		if err != nil || again.State != StateConnected {
			t.Fatalf("second Initialize = %+v, %v", again, err)
		}
		if s.dialCount() != 1 {
			t.Fatalf("dialed %d times, want 1", s.dialCount())
		}
	})

	t.Run("rejected credentials", func(t *testing.T) {
		s := newWSServer(t)
		s.setReject(http.StatusUnauthorized)
		cm, bus := newTestConn(t, s, nil)
		events := recordEvents(bus, EventDisconnect, EventReconnecting)

		_, err := cm.Initialize(ctx, "bad", me)
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("err = %v, want *AuthError", err)
		}
		if cm.State() != StateDisconnected {
			t.Fatalf("state = %s", cm.State())
		}
		if d := nextEvent[DisconnectEvent](t, events); !errors.Is(d.Err, ErrAuth) {
			t.Fatalf("disconnect = %+v", d)
		}

		time.Sleep(300 * time.Millisecond)
		if s.dialCount() != 1 {
			t.Fatalf("retried after auth failure: %d dials", s.dialCount())
		}
	})

	t.Run("transport failure keeps retrying", func(t *testing.T) {
		s := newWSServer(t)
		s.setReject(http.StatusServiceUnavailable)
		cm, bus := newTestConn(t, s, nil)
		events := recordEvents(bus, EventConnect, EventReconnecting)

		_, err := cm.Initialize(ctx, "tok", me)
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("err = %v, want ErrTransport", err)
		}
		if cm.State() != StateReconnecting {
			t.Fatalf("state = %s", cm.State())
		}
		nextEvent[ReconnectingEvent](t, events)

		s.setReject(0)
		if c := nextEvent[ConnectEvent](t, events); !c.Reconnect {
			t.Fatalf("connect = %+v", c)
		}
		if cm.State() != StateConnected {
			t.Fatalf("state = %s", cm.State())
		}
	})
}

func TestConnectionManager_Inbound(t *testing.T) {
	s := newWSServer(t)
	cm, bus := newTestConn(t, s, nil)
	events := recordEvents(bus, EventTypingStatus, EventNewMessage)

	if _, err := cm.Initialize(context.Background(), "tok", me); err != nil {
		t.Fatal(err)
	}
	recv(t, s.accepted)

	s.pushRaw(`not json`)
	s.pushRaw(`{"type":"mystery"}`)
	s.push(TypingStatusEvent{ConversationID: "c1", UserID: peer, IsTyping: true})
	s.push(NewMessageEvent{Message: serverMsg("m1", "c1", peer, "hi", 0)})

	first := recv(t, events)
	if _, ok := first.(TypingStatusEvent); !ok {
		t.Fatalf("first event = %T, want TypingStatusEvent", first)
	}
	second := recv(t, events)
	if nm, ok := second.(NewMessageEvent); !ok || nm.Message.ID != "m1" {
		t.Fatalf("second event = %#v", second)
	}
	if cm.State() != StateConnected {
		t.Fatalf("malformed frames broke the connection: %s", cm.State())
	}
}

func TestConnectionManager_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		s := newWSServer(t)
		cm, _ := newTestConn(t, s, nil)
		if cm.Send(ctx, TypingEvent{ConversationID: "c1", IsTyping: true}) {
			t.Fatal("Send reported success without a connection")
		}
	})

	t.Run("frames carry type payload and timestamp", func(t *testing.T) {
		s := newWSServer(t)
		cm, _ := newTestConn(t, s, nil)
		if _, err := cm.Initialize(ctx, "tok", me); err != nil {
			t.Fatal(err)
		}
		recv(t, s.accepted)

		before := time.Now().UnixMilli()
		if !cm.Send(ctx, MarkReadEvent{ConversationID: "c1"}) {
			t.Fatal("Send failed")
		}
		env := s.nextOfType(EventMarkRead)
		if env.Timestamp < before {
			t.Errorf("timestamp %d before send time %d", env.Timestamp, before)
		}
		var p MarkReadEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID != "c1" {
			t.Fatalf("payload = %s, %v", env.Payload, err)
		}
	})
}

func TestConnectionManager_Timers(t *testing.T) {
	ctx := context.Background()

	t.Run("heartbeat", func(t *testing.T) {
		s := newWSServer(t)
		cm, _ := newTestConn(t, s, func(c *RealtimeConfig) { c.HeartbeatInterval = 50 * time.Millisecond })
		if _, err := cm.Initialize(ctx, "tok", me); err != nil {
			t.Fatal(err)
		}
		s.nextOfType(EventPing)
		s.nextOfType(EventPing)
	})

	t.Run("no heartbeat while reconnecting", func(t *testing.T) {
		s := newWSServer(t)
		logs := &logBuffer{}
		cm, bus := newTestConn(t, s, func(c *RealtimeConfig) {
			c.HeartbeatInterval = 30 * time.Millisecond
			c.ReconnectInterval = 500 * time.Millisecond
			c.Logger = zerolog.New(logs).Level(zerolog.DebugLevel)
		})
		events := recordEvents(bus, EventConnect, EventReconnecting)
		if _, err := cm.Initialize(ctx, "tok", me); err != nil {
			t.Fatal(err)
		}
		nextEvent[ConnectEvent](t, events)
		s.nextOfType(EventPing)

		s.drop(websocket.StatusGoingAway)
		nextEvent[ReconnectingEvent](t, events)
		time.Sleep(20 * time.Millisecond)
		logs.Reset()

		time.Sleep(200 * time.Millisecond)
		if cm.State() != StateReconnecting {
			t.Fatalf("state = %s", cm.State())
		}
		if out := logs.String(); strings.Contains(out, "heartbeat not delivered") {
			t.Fatalf("heartbeat ticked while reconnecting:\n%s", out)
		}

		for len(s.received) > 0 {
			<-s.received
		}
		nextEvent[ConnectEvent](t, events)
		s.nextOfType(EventPing)
	})

	t.Run("status sync after connect", func(t *testing.T) {
		s := newWSServer(t)
		cm, _ := newTestConn(t, s, func(c *RealtimeConfig) { c.SyncStatusDelay = 150 * time.Millisecond })
		start := time.Now()
		if _, err := cm.Initialize(ctx, "tok", me); err != nil {
			t.Fatal(err)
		}
		s.nextOfType(EventSyncStatus)
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Fatalf("sync requested after %v", elapsed)
		}
	})
}

func TestConnectionManager_Reconnect(t *testing.T) {
	s := newWSServer(t)
	interval := 200 * time.Millisecond
	cm, bus := newTestConn(t, s, func(c *RealtimeConfig) { c.ReconnectInterval = interval })
	events := recordEvents(bus, EventConnect, EventReconnecting)

	if _, err := cm.Initialize(context.Background(), "tok", me); err != nil {
		t.Fatal(err)
	}
	nextEvent[ConnectEvent](t, events)
	recv(t, s.accepted)

	s.drop(websocket.StatusGoingAway)

	r := nextEvent[ReconnectingEvent](t, events)
	if r.Attempt != 1 || r.Delay != interval {
		t.Fatalf("reconnecting = %+v", r)
	}
	if c := nextEvent[ConnectEvent](t, events); !c.Reconnect {
		t.Fatalf("connect = %+v", c)
	}

	s.mu.Lock()
	gap := s.dials[1].Sub(s.dials[0])
	q := s.queries[1]
	s.mu.Unlock()
	if gap < interval {
		t.Fatalf("reconnected after %v, want at least %v", gap, interval)
	}
	if q.Get("token") != "tok" || q.Get("userId") != me {
		t.Fatalf("reconnect query = %v", q)
	}
	if cm.State() != StateConnected {
		t.Fatalf("state = %s", cm.State())
	}
}

func TestConnectionManager_PolicyViolation(t *testing.T) {
	s := newWSServer(t)
	cm, bus := newTestConn(t, s, nil)
	events := recordEvents(bus, EventDisconnect, EventReconnecting)

	if _, err := cm.Initialize(context.Background(), "tok", me); err != nil {
		t.Fatal(err)
	}
	recv(t, s.accepted)

	s.drop(websocket.StatusPolicyViolation)

	d := nextEvent[DisconnectEvent](t, events)
	if !errors.Is(d.Err, ErrAuth) {
		t.Fatalf("disconnect = %+v, want auth error", d)
	}
	time.Sleep(300 * time.Millisecond)
	if s.dialCount() != 1 {
		t.Fatalf("reconnected after policy violation: %d dials", s.dialCount())
	}
	if cm.State() != StateDisconnected {
		t.Fatalf("state = %s", cm.State())
	}
}

func TestConnectionManager_Disconnect(t *testing.T) {
	s := newWSServer(t)
	cm, bus := newTestConn(t, s, func(c *RealtimeConfig) {
		c.HeartbeatInterval = 30 * time.Millisecond
		c.SyncStatusDelay = 50 * time.Millisecond
	})
	events := recordEvents(bus, EventDisconnect)

	if _, err := cm.Initialize(context.Background(), "tok", me); err != nil {
		t.Fatal(err)
	}
	recv(t, s.accepted)

	cm.Disconnect()

	if code := recv(t, s.closes); code != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v, want normal closure", code)
	}
	if d := nextEvent[DisconnectEvent](t, events); d.Err != nil {
		t.Fatalf("disconnect = %+v", d)
	}
	if cm.State() != StateDisconnected || cm.Info().Token != "" {
		t.Fatalf("info = %+v", cm.Info())
	}
	if n := bus.HandlerCount(EventDisconnect); n != 0 {
		t.Fatalf("%d handlers survived disconnect", n)
	}

	// Drain what was in flight, then nothing more may arrive.
	time.Sleep(50 * time.Millisecond)
	for len(s.received) > 0 {
		<-s.received
	}
	time.Sleep(200 * time.Millisecond)
	if len(s.received) != 0 {
		t.Fatalf("%d frames sent after disconnect", len(s.received))
	}
	if s.dialCount() != 1 {
		t.Fatalf("reconnected after disconnect: %d dials", s.dialCount())
	}
	if cm.Send(context.Background(), PingEvent{}) {
		t.Fatal("Send succeeded after disconnect")
	}
}

func TestConnectionManager_DisconnectWhileReconnecting(t *testing.T) {
	s := newWSServer(t)
	s.setReject(http.StatusServiceUnavailable)
	cm, bus := newTestConn(t, s, nil)
	events := recordEvents(bus, EventDisconnect)

	if _, err := cm.Initialize(context.Background(), "tok", me); !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if cm.State() != StateReconnecting {
		t.Fatalf("state = %s", cm.State())
	}

	cm.Disconnect()
	if d := nextEvent[DisconnectEvent](t, events); d.Err != nil {
		t.Fatalf("disconnect = %+v", d)
	}

	s.setReject(0)
	time.Sleep(300 * time.Millisecond)
	if n := s.dialCount(); n != 1 {
		t.Fatalf("retry fired after disconnect: %d dials", n)
	}
	if cm.State() != StateDisconnected {
		t.Fatalf("state = %s", cm.State())
	}
}
