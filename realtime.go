package braum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectDelay    = 2500 * time.Millisecond
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	defaultReadLimit         = 1 << 20
)

// Conn is one open push socket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// DialFunc opens a push socket to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// RealtimeConfig configures a ConnectionManager.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	// NewBackOff returns the reconnect policy of one connection. The
	// default waits a constant 2.5s between attempts, forever.
	NewBackOff func() backoff.BackOff

	// HTTPClient is used for the websocket handshake. It must not have
	// a Timeout set.
	HTTPClient *http.Client

	// Dial replaces the websocket dialer, mainly for tests.
	Dial DialFunc

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(DefaultReconnectDelay) }
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Dial == nil {
		hc := c.HTTPClient
		c.Dial = func(ctx context.Context, u string) (Conn, error) { return dialWebsocket(ctx, u, hc) }
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
}

// ============================================================================
// Connection state
// ============================================================================

// Phase is the lifecycle phase of a push connection.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseBackoff:
		return "backoff"
	default:
		return "closed"
	}
}

// ConnectionState is the observable state of a push connection.
// Attempt counts consecutive failed attempts; NextRetryAt is set in
// PhaseBackoff only.
type ConnectionState struct {
	Phase       Phase
	Attempt     int
	NextRetryAt time.Time
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseBackoff {
		return fmt.Sprintf("backoff(attempt=%d, retry=%s)", s.Attempt, s.NextRetryAt.Format(time.RFC3339))
	}
	return s.Phase.String()
}

// Handlers receives connection events. Any field may be nil.
type Handlers struct {
	OnFrame       func(Envelope)
	OnStateChange func(ConnectionState)
	// OnAuthError reports a handshake rejected with 401/403 or a close
	// with policy violation, the server's answer to a bad token. The
	// connection still backs off and retries.
	OnAuthError func(error)
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns at most one live Connection per endpoint.
type ConnectionManager struct {
	baseURL string
	config  RealtimeConfig

	mu   sync.Mutex
	live map[Endpoint]*Connection
}

// NewConnectionManager creates a manager for the push endpoints of the
// REST API at baseURL.
func NewConnectionManager(baseURL string, config RealtimeConfig) *ConnectionManager {
	config.defaults()
	return &ConnectionManager{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		live:    make(map[Endpoint]*Connection),
	}
}

// Open starts a connection to endpoint. A live connection to the same
// endpoint is closed first.
func (m *ConnectionManager) Open(endpoint Endpoint, token string, handlers Handlers) *Connection {
	c := &Connection{
		manager:  m,
		endpoint: endpoint,
		url:      wsURL(m.baseURL, endpoint, token),
		config:   &m.config,
		logger:   m.config.Logger.With("endpoint", endpoint.Key()),
		handlers: handlers,
		recon:    reconnector{policy: m.config.NewBackOff()},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	m.mu.Lock()
	old := m.live[endpoint]
	m.live[endpoint] = c
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.start()
	return c
}

// Connection returns the live connection to endpoint, if any.
func (m *ConnectionManager) Connection(endpoint Endpoint) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.live[endpoint]
	return c, ok
}

// CloseAll closes every live connection.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.live))
	for _, c := range m.live {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *ConnectionManager) forget(c *Connection) {
	m.mu.Lock()
	if m.live[c.endpoint] == c {
		delete(m.live, c.endpoint)
	}
	m.mu.Unlock()
}

// wsURL switches the REST base to ws or wss and appends the endpoint
// path and the token query parameter.
func wsURL(baseURL string, endpoint Endpoint, token string) string {
	base := strings.Replace(baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + endpoint.Path()
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	policy  backoff.BackOff
	attempt int
}

// next returns the delay before the next attempt, or false when the
// policy gives up.
func (r *reconnector) next() (time.Duration, bool) {
	r.attempt++
	d := r.policy.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.policy.Reset()
}

// ============================================================================
// Timers and state delivery
// ============================================================================

// timerSlot owns at most one pending timer.
type timerSlot struct{ t *clock.Timer }

func (s *timerSlot) arm(t *clock.Timer) {
	s.stop()
	s.t = t
}

func (s *timerSlot) stop() {
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}

// stateQueue delivers state changes in transition order without holding
// the connection lock, so handlers may call back into the connection.
type stateQueue struct {
	mu       sync.Mutex
	pending  []ConnectionState
	draining bool
}

func (q *stateQueue) push(s ConnectionState) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.mu.Unlock()
}

func (q *stateQueue) drain(deliver func(ConnectionState)) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		s := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		deliver(s)
	}
}

// ============================================================================
// Connection
// ============================================================================

// Connection is a self-healing push connection to one endpoint. It
// reconnects after every close or error until Close is called.
type Connection struct {
	manager  *ConnectionManager
	endpoint Endpoint
	url      string
	config   *RealtimeConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	states  stateQueue

	mu        sync.Mutex
	handlers  Handlers
	state     ConnectionState
	conn      Conn
	gen       int
	closed    bool
	recon     reconnector
	heartbeat timerSlot
	retry     timerSlot
}

// Endpoint returns the endpoint the connection serves.
func (c *Connection) Endpoint() Endpoint { return c.endpoint }

// State returns the current state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHandlers replaces the event handlers. Events already being
// delivered may still reach the previous handlers.
func (c *Connection) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// Send writes v as a JSON frame. It reports whether the frame was
// written; false means the socket is not open and the caller should use
// a fallback.
func (c *Connection) Send(v any) bool {
	c.mu.Lock()
	if c.closed || c.state.Phase != PhaseOpen || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal outgoing frame", "error", err)
		return false
	}
	if err := c.write(conn, data); err != nil {
		c.fail(gen, fmt.Errorf("write: %w", err))
		return false
	}
	return true
}

// Close tears the connection down and cancels every pending timer.
// Closing twice is a no-op.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.heartbeat.stop()
	c.retry.stop()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(ConnectionState{Phase: PhaseClosed})
	c.mu.Unlock()

	c.cancel()
	c.manager.forget(c)
	if conn != nil {
		go conn.Close("client closed")
	}
	c.logger.Debug("connection closed")
	c.deliverStates()
}

func (c *Connection) start() {
	c.mu.Lock()
	c.connectLocked()
	c.mu.Unlock()
	c.deliverStates()
}

// connectLocked starts a new attempt. c.mu must be held.
func (c *Connection) connectLocked() {
	if c.closed {
		return
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(ConnectionState{Phase: PhaseConnecting, Attempt: c.recon.attempt})
	go c.dial(gen)
}

func (c *Connection) dial(gen int) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.DialTimeout)
	conn, err := c.config.Dial(ctx, c.url)
	cancel()

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close("superseded")
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.fail(gen, err)
		return
	}
	c.conn = conn
	c.recon.reset()
	c.setStateLocked(ConnectionState{Phase: PhaseOpen})
	c.armHeartbeatLocked(gen)
	c.mu.Unlock()

	c.config.Metrics.connectionOpened(c.endpoint)
	c.logger.Info("connection open")
	c.deliverStates()
	c.readLoop(gen, conn)
}

func (c *Connection) readLoop(gen int, conn Conn) {
	for {
		data, err := conn.Read(c.ctx)
		if err != nil {
			c.fail(gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.config.Metrics.frameMalformed(c.endpoint)
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		c.config.Metrics.frameReceived(c.endpoint, env.Type)

		c.mu.Lock()
		onFrame := c.handlers.OnFrame
		current := gen == c.gen && !c.closed
		c.mu.Unlock()
		if !current {
			return
		}
		if onFrame != nil {
			onFrame(env)
		}
	}
}

// fail moves the attempt gen into backoff and schedules the next one.
func (c *Connection) fail(gen int, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state.Phase == PhaseBackoff {
		c.mu.Unlock()
		return
	}
	c.heartbeat.stop()
	conn := c.conn
	c.conn = nil

	delay, ok := c.recon.next()
	if !ok {
		c.setStateLocked(ConnectionState{Phase: PhaseClosed, Attempt: c.recon.attempt})
	} else {
		next := c.config.Clock.Now().Add(delay)
		c.setStateLocked(ConnectionState{Phase: PhaseBackoff, Attempt: c.recon.attempt, NextRetryAt: next})
		c.retry.arm(c.config.Clock.AfterFunc(delay, func() { c.reconnect(gen) }))
	}
	onAuth := c.handlers.OnAuthError
	attempt := c.recon.attempt
	c.mu.Unlock()

	if conn != nil {
		go conn.Close("reconnecting")
	}
	c.config.Metrics.connectionFailed(c.endpoint)
	if ok {
		c.logger.Warn("connection lost, retrying", "attempt", attempt, "delay", delay, "error", cause)
	} else {
		c.logger.Error("connection lost, giving up", "attempt", attempt, "error", cause)
	}
	c.deliverStates()

	if onAuth != nil && isAuthRejection(cause) {
		onAuth(cause)
	}
}

func (c *Connection) reconnect(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state.Phase != PhaseBackoff {
		c.mu.Unlock()
		return
	}
	c.connectLocked()
	c.mu.Unlock()
	c.deliverStates()
}

func (c *Connection) armHeartbeatLocked(gen int) {
	c.heartbeat.arm(c.config.Clock.AfterFunc(c.config.HeartbeatInterval, func() { c.ping(gen) }))
}

func (c *Connection) ping(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state.Phase != PhaseOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.armHeartbeatLocked(gen)
	c.mu.Unlock()

	data, _ := json.Marshal(pingFrame)
	if err := c.write(conn, data); err != nil {
		c.fail(gen, fmt.Errorf("heartbeat: %w", err))
	}
}

func (c *Connection) write(conn Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}

func (c *Connection) setStateLocked(s ConnectionState) {
	c.state = s
	c.states.push(s)
}

func (c *Connection) deliverStates() {
	c.states.drain(func(s ConnectionState) {
		c.mu.Lock()
		h := c.handlers.OnStateChange
		c.mu.Unlock()
		c.config.Metrics.setConnectionState(c.endpoint, s.Phase)
		if h != nil {
			h(s)
		}
	})
}

// ============================================================================
// websocket transport
// ============================================================================

type wsConn struct{ c *websocket.Conn }

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

func dialWebsocket(ctx context.Context, u string, hc *http.Client) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: hc})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("websocket dial: %w", &APIError{Status: resp.StatusCode, Message: "handshake rejected"})
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)
	return wsConn{c: conn}, nil
}

// isAuthRejection reports whether err is how the server refuses a token:
// an HTTP 401/403 handshake or a policy-violation close.
func isAuthRejection(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	return websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}
