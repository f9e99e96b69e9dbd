package braum

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

const (
	// TypingExpiry is how long a remote user stays typing without a
	// repeated typing frame.
	TypingExpiry = 2500 * time.Millisecond

	// TypingStartInterval is the minimum spacing of outgoing
	// "typing started" frames while keystrokes continue.
	TypingStartInterval = 1200 * time.Millisecond

	// TypingIdle is how long after the last keystroke "typing stopped"
	// is sent.
	TypingIdle = 1500 * time.Millisecond
)

// ============================================================================
// TypingTracker
// ============================================================================

type typingEntry struct {
	token int
	timer *clock.Timer
}

// TypingTracker aggregates inbound typing and presence frames of one
// conversation. Typing entries expire after TypingExpiry; presence holds
// the last reported value until Reset.
type TypingTracker struct {
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	localUser ID
	typing    map[ID]*typingEntry
	order     []ID
	online    map[ID]bool
	token     int
	onChange  func()
}

// NewTypingTracker creates an empty tracker. A nil clock uses real time.
func NewTypingTracker(c clock.Clock, logger *slog.Logger) *TypingTracker {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = discardLogger
	}
	return &TypingTracker{
		clock:  c,
		logger: logger,
		typing: make(map[ID]*typingEntry),
		online: make(map[ID]bool),
	}
}

// SetLocalUser sets the user whose own typing frames are ignored.
func (t *TypingTracker) SetLocalUser(id ID) {
	t.mu.Lock()
	t.localUser = id
	t.mu.Unlock()
}

// OnChange replaces the change callback. It runs outside the lock.
func (t *TypingTracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// HandleFrame applies a typing or presence envelope and reports whether
// it was one.
func (t *TypingTracker) HandleFrame(env Envelope) bool {
	switch env.Type {
	case FrameTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.logger.Warn("dropping malformed typing frame", "error", err)
			return true
		}
		t.HandleTyping(p.UserID, p.IsTyping)
		return true
	case FramePresence:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.logger.Warn("dropping malformed presence frame", "error", err)
			return true
		}
		t.HandlePresence(p.UserID, p.Online)
		return true
	}
	return false
}

// HandleTyping applies one typing event. Each typing=true restarts the
// user's expiry timer.
func (t *TypingTracker) HandleTyping(userID ID, isTyping bool) {
	t.mu.Lock()
	if userID == "" || userID == t.localUser {
		t.mu.Unlock()
		return
	}

	changed := false
	if isTyping {
		entry, ok := t.typing[userID]
		if !ok {
			entry = &typingEntry{}
			t.typing[userID] = entry
			t.order = append(t.order, userID)
			changed = true
		}
		entry.timer.Stop()
		t.token++
		token := t.token
		entry.token = token
		entry.timer = t.clock.AfterFunc(TypingExpiry, func() { t.expire(userID, token) })
	} else {
		changed = t.removeLocked(userID)
	}
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
}

// HandlePresence records a user's online flag.
func (t *TypingTracker) HandlePresence(userID ID, online bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	prev, known := t.online[userID]
	t.online[userID] = online
	fn := t.onChange
	t.mu.Unlock()

	if (!known || prev != online) && fn != nil {
		fn()
	}
}

// Typing returns the typing users in the order they started.
func (t *TypingTracker) Typing() []ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ID(nil), t.order...)
}

// IsTyping reports whether userID is currently typing.
func (t *TypingTracker) IsTyping(userID ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

// Online returns the last reported presence of userID.
func (t *TypingTracker) Online(userID ID) (online, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	online, known = t.online[userID]
	return online, known
}

// Reset clears typing and presence and cancels every expiry timer.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	changed := len(t.typing) > 0 || len(t.online) > 0
	for _, entry := range t.typing {
		entry.timer.Stop()
	}
	t.typing = make(map[ID]*typingEntry)
	t.order = nil
	t.online = make(map[ID]bool)
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
}

func (t *TypingTracker) expire(userID ID, token int) {
	t.mu.Lock()
	entry, ok := t.typing[userID]
	if !ok || entry.token != token {
		t.mu.Unlock()
		return
	}
	t.removeLocked(userID)
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (t *TypingTracker) removeLocked(userID ID) bool {
	entry, ok := t.typing[userID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.typing, userID)
	for i, id := range t.order {
		if id == userID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// ============================================================================
// TypingSignaler
// ============================================================================

// FrameSender writes a frame and reports whether it went out. *Connection
// implements it.
type FrameSender interface {
	Send(v any) bool
}

// TypingSignaler throttles the local user's outgoing typing frames:
// "started" at most once per TypingStartInterval while keystrokes
// continue, "stopped" TypingIdle after the last keystroke or on Stop.
type TypingSignaler struct {
	clock clock.Clock

	mu      sync.Mutex
	target  FrameSender
	limiter *rate.Limiter
	typing  bool
	gen     int
	idle    timerSlot
}

// NewTypingSignaler creates a signaler with no target. A nil clock uses
// real time.
func NewTypingSignaler(c clock.Clock) *TypingSignaler {
	if c == nil {
		c = clock.Real()
	}
	return &TypingSignaler{clock: c, limiter: newTypingLimiter()}
}

func newTypingLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(TypingStartInterval), 1)
}

// SetTarget points the signaler at a new connection, dropping local
// typing state without sending anything.
func (s *TypingSignaler) SetTarget(target FrameSender) {
	s.mu.Lock()
	s.target = target
	s.resetLocked()
	s.mu.Unlock()
}

// Keystroke records composer activity.
func (s *TypingSignaler) Keystroke() {
	s.mu.Lock()
	if s.target == nil {
		s.mu.Unlock()
		return
	}
	allowed := s.limiter.AllowN(s.clock.Now(), 1)
	send := !s.typing || allowed
	target := s.target
	s.gen++
	gen := s.gen
	s.idle.arm(s.clock.AfterFunc(TypingIdle, func() { s.stop(gen) }))
	s.mu.Unlock()

	if send {
		sent := target.Send(OutgoingTyping{Type: FrameTyping, IsTyping: true})
		s.mu.Lock()
		if gen == s.gen {
			s.typing = sent
		}
		s.mu.Unlock()
	}
}

// Stop sends "typing stopped" immediately if a start was sent. Call it
// on submit and on blur.
func (s *TypingSignaler) Stop() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.stop(gen)
}

// Typing reports whether a "started" frame is outstanding.
func (s *TypingSignaler) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *TypingSignaler) stop(gen int) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	wasTyping := s.typing
	target := s.target
	s.resetLocked()
	s.mu.Unlock()

	if wasTyping && target != nil {
		target.Send(OutgoingTyping{Type: FrameTyping, IsTyping: false})
	}
}

func (s *TypingSignaler) resetLocked() {
	s.typing = false
	s.gen++
	s.idle.stop()
	s.limiter = newTypingLimiter()
}
