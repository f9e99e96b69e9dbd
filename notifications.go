package braum

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Notification frame types.
const (
	NotifyUnread         = "dm.unread"
	NotifyFriendPrefix   = "friend."
	NotifyInvitePrefix   = "invite."
	NotifyFriendAccepted = "friend.accepted"
	NotifyFriendDeclined = "friend.declined"
	NotifyInviteAccepted = "invite.accepted"
	NotifyInviteDeclined = "invite.declined"
)

// Notification is one frame of the notifications feed.
type Notification struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (n Notification) Decode(v any) error {
	if len(n.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", n.Type)
	}
	if err := json.Unmarshal(n.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", n.Type, err)
	}
	return nil
}

// UnreadPayload is the payload of a "dm.unread" frame. A missing delta
// counts as one.
type UnreadPayload struct {
	ThreadID ID   `json:"thread_id"`
	Delta    *int `json:"delta,omitempty"`
}

// FriendPayload is the payload of "friend.*" frames.
type FriendPayload struct {
	By *Author `json:"by,omitempty"`
}

// InvitePayload is the payload of "invite.*" frames.
type InvitePayload struct {
	Invitee       *Author `json:"invitee,omitempty"`
	WorkspaceName string  `json:"workspace_name,omitempty"`
}

// NotificationHandler receives notifications matching its prefix.
type NotificationHandler func(Notification)

type notificationListener struct {
	prefix string
	fn     NotificationHandler
}

// NotificationCenter consumes the notifications feed: it keeps per-thread
// unread counters and dispatches every frame to handlers registered by
// type prefix.
type NotificationCenter struct {
	logger *slog.Logger

	mu        sync.RWMutex
	unread    map[ID]int
	listeners []notificationListener
}

// NewNotificationCenter creates an empty center.
func NewNotificationCenter(logger *slog.Logger) *NotificationCenter {
	if logger == nil {
		logger = discardLogger
	}
	return &NotificationCenter{logger: logger, unread: make(map[ID]int)}
}

// On registers fn for every notification whose type starts with prefix.
// An empty prefix matches everything.
func (n *NotificationCenter) On(prefix string, fn NotificationHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, notificationListener{prefix: prefix, fn: fn})
}

// HandleFrame applies one notifications-feed frame.
func (n *NotificationCenter) HandleFrame(env Envelope) {
	note := Notification{Type: env.Type, Payload: env.Payload}
	if env.Type == NotifyUnread {
		var p UnreadPayload
		if err := note.Decode(&p); err != nil {
			n.logger.Warn("dropping malformed unread notification", "error", err)
		} else {
			delta := 1
			if p.Delta != nil {
				delta = *p.Delta
			}
			n.applyUnread(p.ThreadID, delta)
		}
	}
	n.emit(note)
}

func (n *NotificationCenter) applyUnread(thread ID, delta int) {
	if thread == "" || delta == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	count := n.unread[thread] + delta
	if count <= 0 {
		delete(n.unread, thread)
		return
	}
	n.unread[thread] = count
}

// Unread returns the unread count of thread.
func (n *NotificationCenter) Unread(thread ID) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.unread[thread]
}

// UnreadThreads returns the threads with unread messages, sorted by id.
func (n *NotificationCenter) UnreadThreads() []ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ID, 0, len(n.unread))
	for id := range n.unread {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear zeroes the unread count of thread. Activating a thread clears it.
func (n *NotificationCenter) Clear(thread ID) {
	n.mu.Lock()
	delete(n.unread, thread)
	n.mu.Unlock()
}

// Reset drops every counter. Handlers stay registered.
func (n *NotificationCenter) Reset() {
	n.mu.Lock()
	n.unread = make(map[ID]int)
	n.mu.Unlock()
}

func (n *NotificationCenter) emit(note Notification) {
	n.mu.RLock()
	var matched []NotificationHandler
	for _, l := range n.listeners {
		if strings.HasPrefix(note.Type, l.prefix) {
			matched = append(matched, l.fn)
		}
	}
	n.mu.RUnlock()

	for _, fn := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("notification handler panicked", "type", note.Type, "panic", r)
				}
			}()
			fn(note)
		}()
	}
}
