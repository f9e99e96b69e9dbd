package braum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

// DefaultEchoTimeout is how long a message sent over the push
// connection may stay unconfirmed before recovery runs.
const DefaultEchoTimeout = 10 * time.Second

var (
	// ErrEmptyMessage is returned by Submit for blank content.
	ErrEmptyMessage = errors.New("empty message")

	errNoEcho    = errors.New("no echo received")
	errAbandoned = errors.New("send abandoned")
)

// SendConfig configures a SendCoordinator.
type SendConfig struct {
	EchoTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *Metrics

	// NewClientID generates client ids. Defaults to random UUIDs.
	NewClientID func() string

	// OnFailure receives failures detected after Submit returned,
	// when a pushed message was never echoed and is not on the server.
	OnFailure func(endpoint Endpoint, clientID string, err error)
}

func (c *SendConfig) defaults() {
	if c.EchoTimeout == 0 {
		c.EchoTimeout = DefaultEchoTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	if c.NewClientID == nil {
		c.NewClientID = uuid.NewString
	}
}

// SendTarget is the conversation a message is submitted to.
type SendTarget struct {
	Store  *MessageStore
	Author Author

	// Conn is the conversation's push connection. Nil sends over REST.
	Conn FrameSender

	// Typing, when set, is stopped once the message is handed off.
	Typing *TypingSignaler

	// Done, when set, runs once the send is settled: when Submit returns,
	// or for pushed messages when the echo wait ends.
	Done func()
}

// SendCoordinator submits messages optimistically: a placeholder appears
// in the store at once and is reconciled with the server copy or
// retracted once the message is confirmed absent.
type SendCoordinator struct {
	api    MessageAPI
	config SendConfig
	logger *slog.Logger

	mu     sync.Mutex
	echoes map[string]echoWait
}

type echoWait struct {
	timer *clock.Timer
	done  func()
}

// NewSendCoordinator creates a coordinator posting through api.
func NewSendCoordinator(api MessageAPI, config SendConfig) *SendCoordinator {
	config.defaults()
	return &SendCoordinator{
		api:    api,
		config: config,
		logger: config.Logger,
		echoes: make(map[string]echoWait),
	}
}

// Submit inserts a placeholder and delivers content over the push
// connection if it is open, otherwise over REST.
//
// A REST failure triggers one history refetch; the placeholder is
// retracted and an error wrapping ErrSendFailed returned only if the
// message is still missing. Unauthorized errors are returned at once.
// If ctx ends first its error is returned and the placeholder is left
// pending for Settle.
//
// A pushed message is unconfirmed until its echo arrives. ctx bounds
// that wait too: after EchoTimeout the same recovery runs and failures
// go to SendConfig.OnFailure.
func (s *SendCoordinator) Submit(ctx context.Context, target SendTarget, content string) error {
	done := target.Done
	if done == nil {
		done = func() {}
	}
	waiting := false
	defer func() {
		if !waiting {
			done()
		}
	}()

	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	store := target.Store
	clientID := s.config.NewClientID()
	logger := s.logger.With("endpoint", store.Endpoint().Key(), "client_id", clientID)

	store.InsertOptimistic(PendingSend{
		ClientID:    clientID,
		Content:     content,
		SubmittedAt: s.config.Clock.Now(),
	}, target.Author)

	if target.Conn != nil && target.Conn.Send(OutgoingMessage{Type: FrameMessage, Content: content, ClientID: clientID}) {
		s.config.Metrics.sendDone("push", nil)
		logger.Debug("message pushed")
		waiting = true
		s.awaitEcho(ctx, store, clientID, done)
		if target.Typing != nil {
			target.Typing.Stop()
		}
		return nil
	}

	msg, err := s.api.PostMessage(ctx, store.Endpoint(), content, clientID)
	s.config.Metrics.sendDone("rest", err)
	if err == nil {
		store.Reconcile(clientID, *msg)
		logger.Debug("message posted", "id", msg.ID)
		if target.Typing != nil {
			target.Typing.Stop()
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrUnauthorized) {
		if store.Retract(clientID) {
			s.config.Metrics.placeholderRetracted()
		}
		return err
	}
	logger.Warn("post failed, checking history", "error", err)
	return s.recover(ctx, store, clientID, err)
}

// Close cancels every pending echo wait and runs its Done hook.
func (s *SendCoordinator) Close() {
	s.mu.Lock()
	waits := s.echoes
	s.echoes = make(map[string]echoWait)
	s.mu.Unlock()
	for _, w := range waits {
		if w.timer.Stop() {
			w.done()
		}
	}
}

func (s *SendCoordinator) awaitEcho(ctx context.Context, store *MessageStore, clientID string, done func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.config.Clock.AfterFunc(s.config.EchoTimeout, func() {
		defer done()
		s.mu.Lock()
		delete(s.echoes, clientID)
		s.mu.Unlock()

		if ctx.Err() != nil || !store.Pending(clientID) {
			return
		}
		s.logger.Warn("no echo for pushed message", "endpoint", store.Endpoint().Key(), "client_id", clientID)
		if err := s.recover(ctx, store, clientID, errNoEcho); err != nil && ctx.Err() == nil && s.config.OnFailure != nil {
			s.config.OnFailure(store.Endpoint(), clientID, err)
		}
	})
	s.echoes[clientID] = echoWait{timer: t, done: done}
}

// Settle resolves placeholders whose sends were abandoned, such as sends
// canceled when their conversation closed. History is fetched once;
// placeholders still missing are retracted and reported to OnFailure.
func (s *SendCoordinator) Settle(ctx context.Context, store *MessageStore, clientIDs []string) {
	if len(clientIDs) == 0 {
		return
	}
	failed, err := s.settle(ctx, store, clientIDs)
	if err != nil {
		return
	}
	for _, clientID := range failed {
		s.logger.Warn("abandoned message not found", "endpoint", store.Endpoint().Key(), "client_id", clientID)
		if s.config.OnFailure != nil {
			s.config.OnFailure(store.Endpoint(), clientID, fmt.Errorf("%w: %w", ErrSendFailed, errAbandoned))
		}
	}
}

// recover refetches history once and retracts the placeholder if the
// message is still not there.
func (s *SendCoordinator) recover(ctx context.Context, store *MessageStore, clientID string, cause error) error {
	failed, err := s.settle(ctx, store, []string{clientID})
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		s.logger.Info("send confirmed by history", "endpoint", store.Endpoint().Key(), "client_id", clientID)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, cause)
}

// settle refetches history, confirms what it can and retracts the rest.
// It returns the retracted client ids, or ctx's error if ctx ended.
func (s *SendCoordinator) settle(ctx context.Context, store *MessageStore, clientIDs []string) ([]string, error) {
	msgs, err := s.api.FetchMessages(ctx, store.Endpoint())
	s.config.Metrics.pollDone(err)
	if err == nil {
		for _, clientID := range clientIDs {
			store.ConfirmFromHistory(clientID, msgs)
		}
		store.UpsertFromPoll(msgs)
	} else if ctx.Err() == nil {
		s.logger.Warn("recovery fetch failed", "endpoint", store.Endpoint().Key(), "error", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var failed []string
	for _, clientID := range clientIDs {
		if !store.Pending(clientID) {
			continue
		}
		if store.Retract(clientID) {
			s.config.Metrics.placeholderRetracted()
		}
		failed = append(failed, clientID)
	}
	return failed, nil
}
