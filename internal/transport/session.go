// Package transport owns the persistent bidirectional connection to the
// analysis server: connecting with an auth token, typed inbound dispatch,
// keepalive, and automatic reconnection with a pluggable backoff policy.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/olliefit/nutriscan/internal/notify"
)

// ErrNotConnected is returned by Emit when no live connection exists.
var ErrNotConnected = errors.New("not connected to server")

const writeWait = 10 * time.Second

// TokenStore persists the opaque auth token between sessions so automatic
// reconnection can pick it up after a network loss or process restart.
type TokenStore interface {
	SaveToken(token string) error
	// LoadToken returns the stored token, or "" when none exists.
	LoadToken() (string, error)
	ClearToken() error
}

// Dialer opens the underlying websocket connection. It exists so tests can
// substitute their own endpoint or failure behavior.
type Dialer interface {
	Dial(url string, header http.Header) (*websocket.Conn, error)
}

type wsDialer struct {
	d *websocket.Dialer
}

func (w wsDialer) Dial(url string, header http.Header) (*websocket.Conn, error) {
	conn, _, err := w.d.Dial(url, header)
	return conn, err
}

// State is the connection lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Session. URL is required; everything else has a
// usable default.
type Options struct {
	URL          string
	Tokens       TokenStore
	Notifier     notify.Notifier
	Backoff      Backoff
	Dialer       Dialer
	Logger       *log.Logger
	PingInterval time.Duration
	PongWait     time.Duration
}

// Session holds zero or one live connection to the analysis server. It is
// constructed explicitly and shared by reference; the application owns the
// "exactly one session" decision.
//
// Inbound dispatch is keyed by event name and owned by the Session itself,
// not by any particular connection, so handlers registered with On stay
// attached across reconnects.
type Session struct {
	url          string
	tokens       TokenStore
	notifier     notify.Notifier
	backoff      Backoff
	dialer       Dialer
	logger       *log.Logger
	pingInterval time.Duration
	pongWait     time.Duration

	mu             sync.Mutex
	writeMu        sync.Mutex
	state          State
	token          string
	sessionID      string
	conn           *websocket.Conn
	done           chan struct{}
	gen            uint64
	handlers       map[string]func(json.RawMessage)
	reconnectTimer *time.Timer
	failures       int
}

// NewSession builds a disconnected Session from opts.
func NewSession(opts Options) *Session {
	s := &Session{
		url:          opts.URL,
		tokens:       opts.Tokens,
		notifier:     opts.Notifier,
		backoff:      opts.Backoff,
		dialer:       opts.Dialer,
		logger:       opts.Logger,
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
		handlers:     make(map[string]func(json.RawMessage)),
	}
	if s.notifier == nil {
		s.notifier = notify.Discard{}
	}
	if s.backoff == (Backoff{}) {
		s.backoff = DefaultBackoff()
	}
	if s.dialer == nil {
		s.dialer = wsDialer{d: websocket.DefaultDialer}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 25 * time.Second
	}
	if s.pongWait <= 0 {
		s.pongWait = 60 * time.Second
	}
	return s
}

// Connect establishes a connection authenticated by token. The token is
// persisted before dialing so a later automatic reconnect can reuse it.
//
// Connect is idempotent: while Connecting or Connected with the same token it
// is a no-op. A different token tears the current connection down first.
// The session transitions to Connected only once the server acknowledges the
// handshake with its session id.
func (s *Session) Connect(token string) error {
	if token == "" {
		return fmt.Errorf("connect: empty token")
	}

	s.mu.Lock()
	if s.tokens != nil {
		if err := s.tokens.SaveToken(token); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("persist token: %w", err)
		}
	}

	if (s.state == StateConnected || s.state == StateConnecting) && s.token == token {
		s.logger.Debug("connect: connection already active", "state", s.state.String())
		s.mu.Unlock()
		return nil
	}

	s.cancelReconnectLocked()
	s.teardownLocked()
	s.state = StateConnecting
	s.token = token
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.logger.Info("dialing analysis server", "url", s.url)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, err := s.dialer.Dial(s.url, header)

	s.mu.Lock()
	if gen != s.gen || s.state != StateConnecting {
		// Superseded by Disconnect or a newer Connect while dialing.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		s.state = StateDisconnected
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.notifier.Error("Connection error: %v", err)
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.conn = conn
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	go s.readPump(conn, gen)
	go s.pinger(conn, done)
	return nil
}

// Disconnect closes the connection, clears the persisted token and cancels
// any scheduled reconnect. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.tokens != nil {
		if err := s.tokens.ClearToken(); err != nil {
			s.logger.Warn("clearing stored token failed", "err", err)
		}
	}
	s.cancelReconnectLocked()
	s.token = ""
	s.failures = 0
	conn := s.conn
	s.teardownLocked()
	s.mu.Unlock()

	if conn != nil {
		s.logger.Info("disconnected by client")
	}
}

// Emit sends a typed message over the live connection. When disconnected the
// caller gets ErrNotConnected and the user sees a notification; nothing is
// queued.
func (s *Session) Emit(event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected && conn != nil
	s.mu.Unlock()

	if !connected {
		s.notifier.Error("Not connected to server")
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Envelope{Type: event, Data: data})
}

// On registers fn for inbound messages named event, replacing any previous
// registration for that name. The registration survives reconnects.
func (s *Session) On(event string, fn func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

// Off removes the handler for event.
func (s *Session) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// IsConnected reports whether the server has acknowledged a live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// Status returns the current state and the server-assigned session id
// ("" while disconnected).
func (s *Session) Status() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.sessionID
}

// readPump reads frames off conn and dispatches them in arrival order. One
// pump exists per live connection; gen guards against a stale pump touching
// the session after a teardown.
func (s *Session) readPump(conn *websocket.Conn, gen uint64) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.connLost(gen, classifyReadError(err))
			return
		}
		s.dispatch(gen, env)
	}
}

func (s *Session) dispatch(gen uint64, env Envelope) {
	switch env.Type {
	case EventConnected:
		var ack connectedAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			s.logger.Warn("malformed connect ack", "err", err)
			return
		}
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.sessionID = ack.SessionID
		s.failures = 0
		s.mu.Unlock()
		s.logger.Info("connection acknowledged", "session_id", ack.SessionID)
		s.notifier.Success("Connected to server")
		return

	case EventDisconnect:
		var n disconnectNotice
		_ = json.Unmarshal(env.Data, &n)
		reason := n.Reason
		if reason == "" {
			reason = ReasonServerDisconnect
		}
		s.connLost(gen, reason)
		return

	case EventError:
		var ef errorFrame
		_ = json.Unmarshal(env.Data, &ef)
		if ef.Message == "" {
			ef.Message = "unknown error"
		}
		s.logger.Error("server error frame", "message", ef.Message)
		s.notifier.Error("Server error: %s", ef.Message)
		return
	}

	s.mu.Lock()
	fn := s.handlers[env.Type]
	s.mu.Unlock()
	if fn == nil {
		s.logger.Debug("no handler for event", "event", env.Type)
		return
	}
	fn(env.Data)
}

// connLost records the loss of the connection identified by gen and, for
// reconnectable reasons, schedules a retry per the backoff policy.
func (s *Session) connLost(gen uint64, reason DisconnectReason) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	if shouldReconnect(reason) {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	s.logger.Warn("connection lost", "reason", reason)
	s.notifier.Warn("Disconnected: %s", formatDisconnectReason(reason))
}

// teardownLocked closes the live connection, if any, and bumps the
// generation so in-flight pumps and dial results become no-ops.
func (s *Session) teardownLocked() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
		s.conn = nil
	}
	s.sessionID = ""
	s.state = StateDisconnected
	s.gen++
}

// scheduleReconnectLocked arms the reconnect timer, cancelling any pending
// one first so at most a single timer is ever outstanding.
func (s *Session) scheduleReconnectLocked() {
	s.cancelReconnectLocked()
	delay := s.backoff.Delay(s.failures)
	s.failures++
	s.logger.Debug("scheduling reconnect", "delay", delay, "failures", s.failures)
	s.reconnectTimer = time.AfterFunc(delay, s.tryReconnect)
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// tryReconnect runs when the reconnect timer fires. It reads the persisted
// token; without one the attempt is abandoned and the user is told to log in
// again.
func (s *Session) tryReconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	s.mu.Unlock()

	var token string
	if s.tokens != nil {
		token, _ = s.tokens.LoadToken()
	}
	if token == "" {
		s.logger.Error("no token available for reconnection")
		s.notifier.Error("Cannot reconnect - please log in again")
		return
	}

	s.logger.Info("attempting scheduled reconnect")
	if err := s.Connect(token); err != nil {
		s.logger.Warn("reconnect attempt failed", "err", err)
	}
}

func (s *Session) pinger(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func classifyReadError(err error) DisconnectReason {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonPingTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}
