package braum

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// echoSkew is how much earlier than its placeholder a message without
	// client id may be stamped and still be taken for its echo.
	echoSkew = time.Minute

	// maxRetired bounds the confirmed client ids remembered per store.
	maxRetired = 256
)

// ============================================================================
// Change listeners
// ============================================================================

// SequenceListener receives the current sequence after every mutation.
// It runs outside the store lock but must not mutate the store.
type SequenceListener func(seq []Message)

type sequenceEmitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]SequenceListener
}

func (e *sequenceEmitter) add(fn SequenceListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]SequenceListener)
	}
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *sequenceEmitter) snapshot() []SequenceListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]SequenceListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.listeners[id])
	}
	return out
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the single writer of one conversation's message
// sequence. It merges push deliveries, poll results and optimistic
// placeholders into a list sorted by (created_at, id) with unique ids.
// Only placeholders carry a ClientID; canonical entries never do.
type MessageStore struct {
	endpoint Endpoint
	logger   *slog.Logger

	mu       sync.Mutex
	messages []Message
	// pending maps a client id to its placeholder id while unconfirmed.
	pending map[string]ID
	order   []string
	// retired holds recently confirmed client ids, oldest first in
	// retiredOrder.
	retired      map[string]struct{}
	retiredOrder []string
	// claimed holds ids of messages known to answer a client id.
	claimed map[ID]struct{}

	// notifyMu keeps listener calls in mutation order.
	notifyMu  sync.Mutex
	listeners sequenceEmitter
}

// NewMessageStore creates an empty store for endpoint.
func NewMessageStore(endpoint Endpoint, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = discardLogger
	}
	return &MessageStore{
		endpoint: endpoint,
		logger:   logger.With("endpoint", endpoint.Key()),
		pending:  make(map[string]ID),
		retired:  make(map[string]struct{}),
		claimed:  make(map[ID]struct{}),
	}
}

// Endpoint returns the conversation the store belongs to.
func (s *MessageStore) Endpoint() Endpoint { return s.endpoint }

// Subscribe registers fn for change notifications and returns a
// function that removes it.
func (s *MessageStore) Subscribe(fn SequenceListener) (unsubscribe func()) {
	return s.listeners.add(fn)
}

// Sequence returns a copy of the current ordered sequence.
func (s *MessageStore) Sequence() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Len returns the number of entries, placeholders included.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Pending reports whether clientID still has an unconfirmed placeholder.
func (s *MessageStore) Pending(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[clientID]
	return ok
}

// PendingCount returns the number of unconfirmed placeholders.
func (s *MessageStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// UpsertFromPush merges one pushed message. A push without client id
// from the local user may be the echo of a pending placeholder.
func (s *MessageStore) UpsertFromPush(msg Message) {
	s.mutate(func() bool { return s.mergeLocked(msg, msg.ClientID == "") })
}

// UpsertFromPoll merges a fetched page. Entries missing from the page
// are kept: a poll never shrinks the sequence.
func (s *MessageStore) UpsertFromPoll(msgs []Message) {
	s.mutate(func() bool {
		changed := false
		for _, msg := range msgs {
			if s.mergeLocked(msg, false) {
				changed = true
			}
		}
		return changed
	})
}

// InsertOptimistic adds a placeholder for p authored by author and
// returns it. Inserting the same client id twice returns the existing
// placeholder; a retired client id is not reinserted.
func (s *MessageStore) InsertOptimistic(p PendingSend, author Author) Message {
	placeholder := Message{
		ID:        placeholderID(p.ClientID),
		ClientID:  p.ClientID,
		Content:   p.Content,
		CreatedAt: Timestamp{p.SubmittedAt.UTC()},
		UserID:    author.ID,
		Author:    author,
	}
	switch s.endpoint.Kind {
	case KindChannel:
		placeholder.WorkspaceID = s.endpoint.WorkspaceID
		placeholder.ChannelID = s.endpoint.ChannelID
	case KindThread:
		placeholder.ThreadID = s.endpoint.ThreadID
	}

	var result Message
	s.mutate(func() bool {
		if _, ok := s.retired[p.ClientID]; ok {
			result = Message{}
			return false
		}
		if id, ok := s.pending[p.ClientID]; ok {
			if i := s.indexLocked(id); i >= 0 {
				result = s.messages[i]
			}
			return false
		}
		s.pending[p.ClientID] = placeholder.ID
		s.order = append(s.order, p.ClientID)
		s.messages = append(s.messages, placeholder)
		result = placeholder
		return true
	})
	return result
}

// Reconcile replaces the placeholder for clientID with the confirmed
// message and retires the client id. If the placeholder is already gone
// the message is merged like any other delivery.
func (s *MessageStore) Reconcile(clientID string, confirmed Message) {
	confirmed.ClientID = clientID
	s.mutate(func() bool { return s.mergeLocked(confirmed, false) })
}

// PendingClientIDs returns the client ids of unconfirmed placeholders,
// oldest first.
func (s *MessageStore) PendingClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.order))
	for _, clientID := range s.order {
		if _, ok := s.pending[clientID]; ok {
			out = append(out, clientID)
		}
	}
	return out
}

// ConfirmFromHistory looks for clientID's message in a fetched page and
// reconciles the placeholder with it. History carries no client ids, so
// a candidate must not already answer another client id, must come from
// the placeholder's author with the same content and be stamped no
// earlier than the placeholder allows. It reports whether the
// placeholder was confirmed.
func (s *MessageStore) ConfirmFromHistory(clientID string, history []Message) bool {
	confirmed := false
	s.mutate(func() bool {
		id, ok := s.pending[clientID]
		if !ok {
			return false
		}
		i := s.indexLocked(id)
		if i < 0 {
			return false
		}
		p := s.messages[i]
		for _, msg := range history {
			if msg.ID == "" {
				continue
			}
			if _, ok := s.claimed[msg.ID]; ok {
				continue
			}
			if msg.ClientID != "" && msg.ClientID != clientID {
				continue
			}
			if !echoes(msg, p) {
				continue
			}
			msg.ClientID = clientID
			confirmed = s.mergeLocked(msg, false)
			return confirmed
		}
		return false
	})
	return confirmed
}

// Retract removes the placeholder for clientID. It reports whether a
// placeholder was removed.
func (s *MessageStore) Retract(clientID string) bool {
	removed := false
	s.mutate(func() bool {
		_, removed = s.takePlaceholderLocked(clientID)
		return removed
	})
	if removed {
		s.logger.Debug("placeholder retracted", "client_id", clientID)
	}
	return removed
}

// mutate runs fn under the lock, re-sorts when fn reports a change and
// notifies listeners in mutation order.
func (s *MessageStore) mutate(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	sort.SliceStable(s.messages, func(i, j int) bool { return Less(s.messages[i], s.messages[j]) })
	seq := s.copyLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range s.listeners.snapshot() {
		s.notify(fn, seq)
	}
}

func (s *MessageStore) notify(fn SequenceListener, seq []Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sequence listener panicked", "panic", r)
		}
	}()
	fn(seq)
}

// mergeLocked applies one canonical message: match by id, then by a
// pending client id, then by the echo heuristic, else append.
func (s *MessageStore) mergeLocked(msg Message, echo bool) bool {
	if msg.ID == "" {
		s.logger.Warn("dropping message without id", "client_id", msg.ClientID)
		return false
	}

	idx := s.indexLocked(msg.ID)
	if msg.ClientID != "" {
		s.claimed[msg.ID] = struct{}{}
	}
	clientID := ""
	if _, ok := s.pending[msg.ClientID]; ok && msg.ClientID != "" {
		clientID = msg.ClientID
	} else if echo && idx < 0 {
		clientID = s.matchEchoLocked(msg)
	}

	if clientID != "" {
		s.claimed[msg.ID] = struct{}{}
		placeholder, _ := s.takePlaceholderLocked(clientID)
		s.retireLocked(clientID)
		if msg.Content == "" {
			msg.Content = placeholder.Content
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = placeholder.CreatedAt
		}
		if msg.Author.ID == "" && msg.Author.DisplayName == "" {
			msg.Author = placeholder.Author
		}
		if msg.UserID == "" {
			msg.UserID = placeholder.UserID
		}
		idx = s.indexLocked(msg.ID)
	}
	msg.ClientID = ""

	if idx >= 0 {
		s.messages[idx] = msg
		return true
	}
	s.messages = append(s.messages, msg)
	return true
}

// matchEchoLocked finds the oldest pending placeholder that msg echoes
// when the echo lacks a client id.
func (s *MessageStore) matchEchoLocked(msg Message) string {
	for _, clientID := range s.order {
		id, ok := s.pending[clientID]
		if !ok {
			continue
		}
		i := s.indexLocked(id)
		if i < 0 {
			continue
		}
		if echoes(msg, s.messages[i]) {
			return clientID
		}
	}
	return ""
}

// echoes reports whether msg can be the server copy of placeholder p.
func echoes(msg, p Message) bool {
	if msg.UserID == "" || msg.UserID != p.UserID || msg.Content != p.Content {
		return false
	}
	return msg.CreatedAt.IsZero() || !msg.CreatedAt.Before(p.CreatedAt.Add(-echoSkew))
}

func (s *MessageStore) retireLocked(clientID string) {
	if _, ok := s.retired[clientID]; ok {
		return
	}
	s.retired[clientID] = struct{}{}
	s.retiredOrder = append(s.retiredOrder, clientID)
	if len(s.retiredOrder) > maxRetired {
		delete(s.retired, s.retiredOrder[0])
		s.retiredOrder = s.retiredOrder[1:]
	}
}

// takePlaceholderLocked removes the placeholder of clientID from the
// sequence and the pending set.
func (s *MessageStore) takePlaceholderLocked(clientID string) (Message, bool) {
	id, ok := s.pending[clientID]
	if !ok {
		return Message{}, false
	}
	delete(s.pending, clientID)
	for i, cid := range s.order {
		if cid == clientID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	i := s.indexLocked(id)
	if i < 0 {
		return Message{}, false
	}
	placeholder := s.messages[i]
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return placeholder, true
}

func (s *MessageStore) indexLocked(id ID) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) copyLocked() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ============================================================================
// StoreRegistry
// ============================================================================

// StoreRegistry holds one MessageStore per endpoint for the lifetime of
// a session. Invalidate asks registered callbacks to refresh a store.
type StoreRegistry struct {
	logger *slog.Logger

	mu           sync.Mutex
	stores       map[Endpoint]*MessageStore
	onInvalidate []func(Endpoint)
}

// NewStoreRegistry creates an empty registry.
func NewStoreRegistry(logger *slog.Logger) *StoreRegistry {
	if logger == nil {
		logger = discardLogger
	}
	return &StoreRegistry{logger: logger, stores: make(map[Endpoint]*MessageStore)}
}

// Store returns the store of endpoint, creating it on first use.
func (r *StoreRegistry) Store(endpoint Endpoint) *MessageStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[endpoint]
	if !ok {
		s = NewMessageStore(endpoint, r.logger)
		r.stores[endpoint] = s
	}
	return s
}

// Lookup returns the store of endpoint if one exists.
func (r *StoreRegistry) Lookup(endpoint Endpoint) (*MessageStore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[endpoint]
	return s, ok
}

// Drop forgets the store of endpoint. Holders of the old store keep a
// detached instance.
func (r *StoreRegistry) Drop(endpoint Endpoint) {
	r.mu.Lock()
	delete(r.stores, endpoint)
	r.mu.Unlock()
}

// Reset forgets every store.
func (r *StoreRegistry) Reset() {
	r.mu.Lock()
	r.stores = make(map[Endpoint]*MessageStore)
	r.mu.Unlock()
}

// OnInvalidate registers fn to run when an endpoint is invalidated.
func (r *StoreRegistry) OnInvalidate(fn func(Endpoint)) {
	r.mu.Lock()
	r.onInvalidate = append(r.onInvalidate, fn)
	r.mu.Unlock()
}

// Invalidate signals that endpoint's data is stale.
func (r *StoreRegistry) Invalidate(endpoint Endpoint) {
	r.mu.Lock()
	handlers := append([]func(Endpoint){}, r.onInvalidate...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(endpoint)
	}
}
