package braum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

// DefaultTokenCheckInterval is how often a session re-validates its
// access token.
const DefaultTokenCheckInterval = 30 * time.Second

// SessionAPI is the REST surface a Session needs. *Client implements it.
type SessionAPI interface {
	MessageAPI
	Me(ctx context.Context) (*User, error)
	BaseURL() string
}

var _ SessionAPI = (*Client)(nil)

// SessionHandlers receives session events. Any field may be nil.
type SessionHandlers struct {
	// OnLogout runs once when the session can no longer authenticate.
	// Every connection is already closed.
	OnLogout func(cause error)

	// OnStateChange reports push connection states of the active
	// conversation and of the notifications feed.
	OnStateChange func(Endpoint, ConnectionState)

	// OnRead reports a read receipt in the active thread.
	OnRead func(Endpoint, ReadPayload)

	// OnError reports failures that need the user's attention: an
	// unavailable conversation or a message lost after it was pushed.
	OnError func(error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Realtime RealtimeConfig

	PollInterval       time.Duration
	EchoTimeout        time.Duration
	TokenCheckInterval time.Duration

	// DisableNotifications skips the notifications feed.
	DisableNotifications bool

	// Scroll, when set, is reset by Activate and Deactivate. Call them
	// from the goroutine that drives it.
	Scroll *ScrollAnchor

	Handlers SessionHandlers

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *SessionConfig) defaults() {
	if c.TokenCheckInterval == 0 {
		c.TokenCheckInterval = DefaultTokenCheckInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	if c.Realtime.Clock == nil {
		c.Realtime.Clock = c.Clock
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
}

// conversation is the state of one activated endpoint.
type conversation struct {
	endpoint Endpoint
	ctx      context.Context
	cancel   context.CancelFunc
	store    *MessageStore
	poller   *Poller

	mu   sync.Mutex
	conn *Connection
}

func (c *conversation) connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *conversation) setConnection(conn *Connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Session ties the sync engine together for one signed-in user: one
// active conversation with its push connection, polling fallback, store
// and typing state, plus the notifications feed.
type Session struct {
	api      SessionAPI
	supplier TokenSupplier
	config   SessionConfig
	logger   *slog.Logger

	conns    *ConnectionManager
	stores   *StoreRegistry
	sender   *SendCoordinator
	typing   *TypingTracker
	signaler *TypingSignaler
	notes    *NotificationCenter

	// switchMu serializes changes to the set of open connections.
	switchMu sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	closed     bool
	user       User
	token      string
	active     *conversation
	notify     *Connection
	tokenCheck timerSlot
}

// NewSession creates a session that authenticates through supplier.
func NewSession(api SessionAPI, supplier TokenSupplier, config SessionConfig) *Session {
	config.defaults()
	s := &Session{
		api:      api,
		supplier: supplier,
		config:   config,
		logger:   config.Logger,
		conns:    NewConnectionManager(api.BaseURL(), config.Realtime),
		stores:   NewStoreRegistry(config.Logger),
		typing:   NewTypingTracker(config.Clock, config.Logger),
		signaler: NewTypingSignaler(config.Clock),
		notes:    NewNotificationCenter(config.Logger),
	}
	s.sender = NewSendCoordinator(api, SendConfig{
		EchoTimeout: config.EchoTimeout,
		Clock:       config.Clock,
		Logger:      config.Logger,
		Metrics:     config.Metrics,
		OnFailure: func(e Endpoint, clientID string, err error) {
			s.reportError(fmt.Errorf("%s: message %s: %w", e, clientID, err))
		},
	})
	s.stores.OnInvalidate(s.refetch)
	return s
}

// Start authenticates, loads the current user and opens the
// notifications feed. ctx bounds the whole session.
func (s *Session) Start(ctx context.Context) error {
	token, err := s.supplier.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrUnauthorized
	}
	user, err := s.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.user = *user
	s.token = token
	s.mu.Unlock()

	s.typing.SetLocalUser(user.ID)
	s.logger.Info("session started", "user", user.ID)

	if !s.config.DisableNotifications {
		s.switchMu.Lock()
		s.openNotifications(token)
		s.switchMu.Unlock()
	}
	s.armTokenCheck()
	return nil
}

// User returns the signed-in user.
func (s *Session) User() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Typing returns the typing and presence state of the active
// conversation.
func (s *Session) Typing() *TypingTracker { return s.typing }

// Notifications returns the notifications feed state.
func (s *Session) Notifications() *NotificationCenter { return s.notes }

// Stores returns the per-endpoint message stores.
func (s *Session) Stores() *StoreRegistry { return s.stores }

// Active returns the active endpoint and its store.
func (s *Session) Active() (Endpoint, *MessageStore, bool) {
	conv := s.activeConversation()
	if conv == nil {
		return Endpoint{}, nil, false
	}
	return conv.endpoint, conv.store, true
}

// State returns the push connection state of the active conversation.
func (s *Session) State() ConnectionState {
	conv := s.activeConversation()
	if conv == nil {
		return ConnectionState{}
	}
	if conn := conv.connection(); conn != nil {
		return conn.State()
	}
	return ConnectionState{}
}

// ============================================================================
// Conversations
// ============================================================================

// Activate makes endpoint the active conversation. The previous one is
// torn down first: its context is canceled, its connection closed, its
// poller stopped, and typing and scroll state reset. Results still in
// flight for it land only in its own store.
func (s *Session) Activate(endpoint Endpoint) (*MessageStore, error) {
	if !endpoint.HasMessages() {
		return nil, fmt.Errorf("activate %s: not a conversation", endpoint)
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.active != nil && s.active.endpoint == endpoint {
		store := s.active.store
		s.mu.Unlock()
		return store, nil
	}
	old := s.active
	conv := &conversation{endpoint: endpoint, store: s.stores.Store(endpoint)}
	conv.ctx, conv.cancel = context.WithCancel(s.ctx)
	s.active = conv
	token := s.token
	s.mu.Unlock()

	s.deactivate(old)
	s.resetScroll()
	// Sends canceled by an earlier close of this conversation left their
	// placeholders behind.
	stale := conv.store.PendingClientIDs()

	conv.poller = NewPoller(s.api, conv.store, PollerConfig{
		Interval: s.config.PollInterval,
		Clock:    s.config.Clock,
		Logger:   s.logger,
		Metrics:  s.config.Metrics,
		OnError:  func(err error) { s.conversationError(conv, err) },
	})
	if endpoint.Kind == KindThread {
		s.notes.Clear(endpoint.ThreadID)
	}

	conn := s.conns.Open(endpoint, token, s.conversationHandlers(conv))
	conv.setConnection(conn)
	s.signaler.SetTarget(conn)

	go s.initialFetch(conv, stale)
	s.logger.Info("conversation active", "endpoint", endpoint.Key())
	return conv.store, nil
}

// Deactivate closes the active conversation, if any.
func (s *Session) Deactivate() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.mu.Lock()
	old := s.active
	s.active = nil
	s.mu.Unlock()
	s.deactivate(old)
	s.resetScroll()
}

// resetScroll forgets the scroll anchor. It runs only on the caller's
// goroutine, never from session callbacks.
func (s *Session) resetScroll() {
	if s.config.Scroll != nil {
		s.config.Scroll.Reset()
	}
}

func (s *Session) deactivate(conv *conversation) {
	s.typing.Reset()
	s.signaler.SetTarget(nil)
	if conv == nil {
		return
	}
	conv.cancel()
	if conn := conv.connection(); conn != nil {
		conn.Close()
	}
	if conv.poller != nil {
		conv.poller.Stop()
	}
	s.logger.Debug("conversation closed", "endpoint", conv.endpoint.Key())
}

func (s *Session) activeConversation() *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) conversationHandlers(conv *conversation) Handlers {
	return Handlers{
		OnFrame: func(env Envelope) {
			if conv.ctx.Err() != nil {
				return
			}
			s.routeFrame(conv, env)
		},
		OnStateChange: func(state ConnectionState) {
			if conv.ctx.Err() != nil {
				return
			}
			// Poll exactly while push is not delivering.
			if state.Phase == PhaseOpen {
				conv.poller.Stop()
			} else {
				conv.poller.Start(conv.ctx)
			}
			if h := s.config.Handlers.OnStateChange; h != nil {
				h(conv.endpoint, state)
			}
		},
		OnAuthError: s.authRejected,
	}
}

func (s *Session) routeFrame(conv *conversation, env Envelope) {
	switch env.Type {
	case FrameMessage:
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.logger.Warn("dropping malformed message frame", "endpoint", conv.endpoint.Key(), "error", err)
			return
		}
		conv.store.UpsertFromPush(msg)
	case FrameTyping, FramePresence:
		s.typing.HandleFrame(env)
	case FrameRead:
		var p ReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.logger.Warn("dropping malformed read frame", "endpoint", conv.endpoint.Key(), "error", err)
			return
		}
		if h := s.config.Handlers.OnRead; h != nil {
			h(conv.endpoint, p)
		}
	default:
		s.logger.Debug("ignoring frame", "endpoint", conv.endpoint.Key(), "type", env.Type)
	}
}

func (s *Session) initialFetch(conv *conversation, stale []string) {
	err := conv.poller.PollNow(conv.ctx)
	if conv.ctx.Err() != nil {
		return
	}
	s.sender.Settle(conv.ctx, conv.store, stale)
	if err == nil {
		return
	}
	if fatalPollError(err) {
		s.conversationError(conv, err)
		return
	}
	s.logger.Warn("initial fetch failed", "endpoint", conv.endpoint.Key(), "error", err)
}

// refetch reloads endpoint's history if it is the active conversation.
func (s *Session) refetch(endpoint Endpoint) {
	conv := s.activeConversation()
	if conv == nil || conv.endpoint != endpoint {
		return
	}
	go s.initialFetch(conv, nil)
}

func (s *Session) conversationError(conv *conversation, err error) {
	if conv.ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrUnauthorized) {
		s.logout(err)
		return
	}
	s.reportError(fmt.Errorf("%s: %w", conv.endpoint, err))
}

func (s *Session) reportError(err error) {
	s.logger.Warn("session error", "error", err)
	if h := s.config.Handlers.OnError; h != nil {
		h(err)
	}
}

// ============================================================================
// Composer
// ============================================================================

// Submit sends content to the active conversation. ctx bounds the send
// and the wait for its push echo; deactivating the conversation cancels
// both.
func (s *Session) Submit(ctx context.Context, content string) error {
	s.mu.Lock()
	conv := s.active
	author := s.user.Author()
	s.mu.Unlock()
	if conv == nil {
		return ErrNotConnected
	}

	sendCtx, cancel := context.WithCancel(conv.ctx)
	stop := context.AfterFunc(ctx, cancel)

	err := s.sender.Submit(sendCtx, SendTarget{
		Store:  conv.store,
		Author: author,
		Conn:   conv.connection(),
		Typing: s.signaler,
		Done: func() {
			stop()
			cancel()
		},
	}, content)
	if errors.Is(err, ErrUnauthorized) {
		s.logout(err)
	}
	return err
}

// Keystroke reports composer activity in the active conversation.
func (s *Session) Keystroke() { s.signaler.Keystroke() }

// Blur reports that the composer lost focus.
func (s *Session) Blur() { s.signaler.Stop() }

// ============================================================================
// Authentication
// ============================================================================

// Refresh re-validates the access token now, as on window focus. A
// renewed token reopens the push connections; a missing one logs out.
func (s *Session) Refresh(ctx context.Context) error {
	token, err := s.supplier.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		s.logout(ErrUnauthorized)
		return ErrUnauthorized
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed || token == s.token {
		s.mu.Unlock()
		return nil
	}
	s.token = token
	conv := s.active
	notify := s.notify
	s.mu.Unlock()

	s.logger.Info("access token renewed, reconnecting")
	if conv != nil && conv.ctx.Err() == nil {
		conn := s.conns.Open(conv.endpoint, token, s.conversationHandlers(conv))
		conv.setConnection(conn)
		s.signaler.SetTarget(conn)
	}
	if notify != nil {
		s.openNotifications(token)
	}
	return nil
}

// ForceLogout clears the credentials and tears the session down.
func (s *Session) ForceLogout() {
	if c, ok := s.supplier.(interface{ Clear() }); ok {
		c.Clear()
	}
	s.logout(ErrUnauthorized)
}

func (s *Session) authRejected(err error) {
	s.logger.Warn("push connection rejected, checking token", "error", err)
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	go func() {
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrUnauthorized) && ctx.Err() == nil {
			s.logger.Warn("token check failed", "error", err)
		}
	}()
}

func (s *Session) armTokenCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ctx := s.ctx
	s.tokenCheck.arm(s.config.Clock.AfterFunc(s.config.TokenCheckInterval, func() {
		if ctx.Err() != nil {
			return
		}
		go func() {
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrUnauthorized) && ctx.Err() == nil {
				s.logger.Warn("token check failed", "error", err)
			}
			s.armTokenCheck()
		}()
	}))
}

func (s *Session) logout(cause error) {
	if !s.shutdown() {
		return
	}
	s.logger.Info("session logged out", "cause", cause)
	if h := s.config.Handlers.OnLogout; h != nil {
		h(cause)
	}
}

// Close tears the session down without logging out.
func (s *Session) Close() {
	s.shutdown()
}

// shutdown closes everything once and reports whether it did.
func (s *Session) shutdown() bool {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.tokenCheck.stop()
	conv := s.active
	s.active = nil
	s.notify = nil
	cancel := s.cancel
	s.mu.Unlock()

	s.deactivate(conv)
	s.sender.Close()
	s.conns.CloseAll()
	s.stores.Reset()
	s.notes.Reset()
	if cancel != nil {
		cancel()
	}
	return true
}

// ============================================================================
// Notifications feed
// ============================================================================

// openNotifications (re)opens the notifications feed. switchMu must be
// held.
func (s *Session) openNotifications(token string) {
	endpoint := NotificationsEndpoint()
	conn := s.conns.Open(endpoint, token, Handlers{
		OnFrame: s.notes.HandleFrame,
		OnStateChange: func(state ConnectionState) {
			if h := s.config.Handlers.OnStateChange; h != nil {
				h(endpoint, state)
			}
		},
		OnAuthError: s.authRejected,
	})
	s.mu.Lock()
	s.notify = conn
	s.mu.Unlock()
}
