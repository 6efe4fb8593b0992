package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// memTokens is an in-memory TokenStore.
type memTokens struct {
	mu    sync.Mutex
	token string
}

func (m *memTokens) SaveToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *memTokens) LoadToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memTokens) ClearToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

// mockServer is a minimal analysis-server peer: it acknowledges every
// connection with a session id and records everything the client sends.
type mockServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	dials   int32
	mu      sync.Mutex
	conns   []*websocket.Conn
	inbound []Envelope
	tokens  []string
}

func newMockServer(t *testing.T) *mockServer {
	m := &mockServer{t: t}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&m.dials, 1)
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.tokens = append(m.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		m.mu.Unlock()

		ack, _ := json.Marshal(connectedAck{SessionID: "sess-1"})
		conn.WriteJSON(Envelope{Type: EventConnected, Data: ack})

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			m.mu.Lock()
			m.inbound = append(m.inbound, env)
			m.mu.Unlock()
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockServer) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

func (m *mockServer) dialCount() int {
	return int(atomic.LoadInt32(&m.dials))
}

// latestConn returns the most recently accepted connection.
func (m *mockServer) latestConn() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

func (m *mockServer) send(t *testing.T, event string, payload any) {
	t.Helper()
	conn := m.latestConn()
	if conn == nil {
		t.Fatal("no client connection to send on")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(Envelope{Type: event, Data: data}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// dropConn severs the latest connection without a close handshake,
// simulating a network loss.
func (m *mockServer) dropConn(t *testing.T) {
	t.Helper()
	conn := m.latestConn()
	if conn == nil {
		t.Fatal("no client connection to drop")
	}
	conn.Close()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestSession(m *mockServer, tokens TokenStore) *Session {
	return NewSession(Options{
		URL:    m.url(),
		Tokens: tokens,
		Backoff: Backoff{
			ShortDelay:   100 * time.Millisecond,
			LongDelay:    time.Second,
			QuickRetries: 10,
		},
	})
}

func TestSession(t *testing.T) {
	t.Run("Connect Acknowledged By Server", func(t *testing.T) {
		m := newMockServer(t)
		s := newTestSession(m, &memTokens{})

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)

		state, sessionID := s.Status()
		if state != StateConnected {
			t.Errorf("expected state connected, got %s", state)
		}
		if sessionID != "sess-1" {
			t.Errorf("expected session id sess-1, got %q", sessionID)
		}

		m.mu.Lock()
		token := m.tokens[0]
		m.mu.Unlock()
		if token != "abc" {
			t.Errorf("expected handshake token abc, got %q", token)
		}
	})

	t.Run("Connect Is Idempotent For Same Token", func(t *testing.T) {
		m := newMockServer(t)
		s := newTestSession(m, &memTokens{})

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("second connect: %v", err)
		}
		// Give a duplicate dial time to show up if one were coming.
		time.Sleep(200 * time.Millisecond)

		if got := m.dialCount(); got != 1 {
			t.Errorf("expected exactly one underlying connection, got %d", got)
		}
	})

	t.Run("Connect With Different Token Replaces Connection", func(t *testing.T) {
		m := newMockServer(t)
		tokens := &memTokens{}
		s := newTestSession(m, tokens)

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)

		if err := s.Connect("xyz"); err != nil {
			t.Fatalf("connect with new token: %v", err)
		}
		waitFor(t, 2*time.Second, func() bool { return m.dialCount() == 2 })
		waitFor(t, 2*time.Second, s.IsConnected)

		if stored, _ := tokens.LoadToken(); stored != "xyz" {
			t.Errorf("expected persisted token xyz, got %q", stored)
		}
	})

	t.Run("Emit While Disconnected Fails", func(t *testing.T) {
		m := newMockServer(t)
		s := newTestSession(m, &memTokens{})

		err := s.Emit(EventAnalyzeRequest, map[string]string{"assetId": "a1"})
		if err != ErrNotConnected {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		if got := m.dialCount(); got != 0 {
			t.Errorf("expected no dials, got %d", got)
		}
	})

	t.Run("Emit Delivers Typed Message", func(t *testing.T) {
		m := newMockServer(t)
		s := newTestSession(m, &memTokens{})

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)

		if err := s.Emit(EventAnalyzeRequest, map[string]string{"assetId": "a1"}); err != nil {
			t.Fatalf("emit: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.inbound) == 1
		})
		m.mu.Lock()
		env := m.inbound[0]
		m.mu.Unlock()
		if env.Type != EventAnalyzeRequest {
			t.Errorf("expected analyze-request, got %s", env.Type)
		}
	})

	t.Run("Handlers Survive Reconnect", func(t *testing.T) {
		m := newMockServer(t)
		s := newTestSession(m, &memTokens{})

		var starts int32
		s.On(EventAnalysisStart, func(json.RawMessage) {
			atomic.AddInt32(&starts, 1)
		})

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)

		m.send(t, EventAnalysisStart, struct{}{})
		waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&starts) == 1 })

		// Sever the connection and wait for the automatic reconnect.
		m.dropConn(t)
		waitFor(t, 3*time.Second, func() bool { return m.dialCount() == 2 })
		waitFor(t, 2*time.Second, s.IsConnected)

		m.send(t, EventAnalysisStart, struct{}{})
		waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&starts) == 2 })

		// Exactly once per server event: no orphaned or duplicated handlers.
		time.Sleep(200 * time.Millisecond)
		if got := atomic.LoadInt32(&starts); got != 2 {
			t.Errorf("expected 2 start events, got %d", got)
		}
	})

	t.Run("Disconnect Cancels Scheduled Reconnect", func(t *testing.T) {
		m := newMockServer(t)
		s := NewSession(Options{
			URL:    m.url(),
			Tokens: &memTokens{},
			Backoff: Backoff{
				ShortDelay:   400 * time.Millisecond,
				LongDelay:    time.Second,
				QuickRetries: 10,
			},
		})

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)

		// Network loss schedules a reconnect; an explicit disconnect before
		// the timer fires must cancel it.
		m.dropConn(t)
		waitFor(t, 2*time.Second, func() bool { return !s.IsConnected() })
		s.Disconnect()

		time.Sleep(1500 * time.Millisecond)
		if got := m.dialCount(); got != 1 {
			t.Errorf("expected no reconnect after explicit disconnect, got %d dials", got)
		}
	})

	t.Run("Disconnect Clears Persisted Token", func(t *testing.T) {
		m := newMockServer(t)
		tokens := &memTokens{}
		s := newTestSession(m, tokens)

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)
		s.Disconnect()

		if stored, _ := tokens.LoadToken(); stored != "" {
			t.Errorf("expected token cleared, got %q", stored)
		}
		if s.IsConnected() {
			t.Error("expected session disconnected")
		}
	})

	t.Run("Reconnect Reuses Persisted Token", func(t *testing.T) {
		m := newMockServer(t)
		tokens := &memTokens{}
		s := newTestSession(m, tokens)

		if err := s.Connect("abc"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		waitFor(t, 2*time.Second, s.IsConnected)

		m.dropConn(t)
		waitFor(t, 3*time.Second, func() bool { return m.dialCount() == 2 })
		waitFor(t, 2*time.Second, s.IsConnected)

		m.mu.Lock()
		token := m.tokens[1]
		m.mu.Unlock()
		if token != "abc" {
			t.Errorf("expected reconnect to reuse token abc, got %q", token)
		}
	})
}

func TestBackoff(t *testing.T) {
	b := Backoff{ShortDelay: 3 * time.Second, LongDelay: 10 * time.Second, QuickRetries: 3}

	for i := 0; i < 3; i++ {
		if got := b.Delay(i); got != 3*time.Second {
			t.Errorf("failure %d: expected short delay, got %v", i, got)
		}
	}
	if got := b.Delay(3); got != 10*time.Second {
		t.Errorf("expected long delay after budget exhausted, got %v", got)
	}
	if got := b.Delay(50); got != 10*time.Second {
		t.Errorf("expected long delay to persist, got %v", got)
	}
}

func TestDisconnectReasons(t *testing.T) {
	reconnecting := []DisconnectReason{
		ReasonServerDisconnect, ReasonPingTimeout, ReasonTransportClose, ReasonTransportError,
	}
	for _, reason := range reconnecting {
		if !shouldReconnect(reason) {
			t.Errorf("expected reconnect for %s", reason)
		}
	}
	if shouldReconnect(ReasonClientDisconnect) {
		t.Error("explicit client disconnect must not reconnect")
	}
}
