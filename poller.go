package braum

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

// DefaultPollInterval is the fallback refetch period while the push
// connection is down.
const DefaultPollInterval = 2500 * time.Millisecond

// PollerConfig configures a Poller.
type PollerConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *Metrics

	// OnError receives errors that stop polling: the conversation is
	// gone or the session is no longer authorized.
	OnError func(error)
}

func (c *PollerConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
}

// Poller refetches a conversation's history on a fixed interval and
// merges it into the store. It is started while the push connection is
// not open and stopped when it opens.
type Poller struct {
	api    MessageAPI
	store  *MessageStore
	config PollerConfig
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	running bool
	gen     int
	timer   timerSlot
}

// NewPoller creates a stopped poller for store's endpoint.
func NewPoller(api MessageAPI, store *MessageStore, config PollerConfig) *Poller {
	config.defaults()
	return &Poller{
		api:    api,
		store:  store,
		config: config,
		logger: config.Logger.With("endpoint", store.Endpoint().Key()),
	}
}

// Start fetches immediately and then every interval until Stop or until
// ctx ends. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx = ctx
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	p.logger.Debug("polling started")
	go p.tick(gen)
}

// Stop cancels the next scheduled fetch. A fetch in flight still merges
// its result.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	p.timer.stop()
	p.logger.Debug("polling stopped")
}

// Running reports whether the poller is scheduled.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PollNow performs one fetch and merges the result.
func (p *Poller) PollNow(ctx context.Context) error {
	msgs, err := p.api.FetchMessages(ctx, p.store.Endpoint())
	p.config.Metrics.pollDone(err)
	if err != nil {
		return err
	}
	p.store.UpsertFromPoll(msgs)
	return nil
}

func (p *Poller) tick(gen int) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	if ctx.Err() != nil {
		p.Stop()
		return
	}

	err := p.PollNow(ctx)
	if err != nil && fatalPollError(err) {
		p.logger.Warn("polling stopped", "error", err)
		p.Stop()
		if p.config.OnError != nil {
			p.config.OnError(err)
		}
		return
	}
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("poll failed", "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || gen != p.gen {
		return
	}
	p.timer.arm(p.config.Clock.AfterFunc(p.config.Interval, func() { p.tick(gen) }))
}

func fatalPollError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrConversationUnavailable)
}
