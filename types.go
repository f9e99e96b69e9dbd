package braum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// ID is a server identifier. The API emits numeric ids while clients
// generate string ids, so ID accepts both on the wire and always
// compares as a string.
type ID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// ============================================================================
// Timestamps
// ============================================================================

// Timestamp is a creation time as sent by the API. Zone-less values are
// interpreted as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses the timestamp formats the API is known to emit.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t.UTC()}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON parses a timestamp string. Unparseable values decode to
// the zero time instead of failing the whole message.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s == "" {
		*ts = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		*ts = Timestamp{}
		return nil
	}
	*ts = parsed
	return nil
}

// MarshalJSON emits RFC 3339 with nanoseconds, or null for the zero time.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

// ============================================================================
// Messages
// ============================================================================

// Author is the denormalized sender attached to every message.
type Author struct {
	ID          ID     `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Name returns the display name without its "#1234" discriminator.
func (a Author) Name() string {
	if idx := strings.LastIndex(a.DisplayName, "#"); idx > 0 && idx < len(a.DisplayName)-1 {
		return a.DisplayName[:idx]
	}
	return a.DisplayName
}

// Message is one entry of a channel or thread conversation.
type Message struct {
	ID          ID        `json:"id"`
	ClientID    string    `json:"client_id,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   Timestamp `json:"created_at"`
	UserID      ID        `json:"user_id"`
	Author      Author    `json:"author"`
	WorkspaceID ID        `json:"workspace_id,omitempty"`
	ChannelID   ID        `json:"channel_id,omitempty"`
	ThreadID    ID        `json:"thread_id,omitempty"`
	IsEdited    bool      `json:"is_edited,omitempty"`
	IsDeleted   bool      `json:"is_deleted,omitempty"`
}

// Less reports whether a sorts before b: creation time first, then id
// compared as a string.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt.Time) {
		return a.CreatedAt.Before(b.CreatedAt.Time)
	}
	return a.ID < b.ID
}

// PendingSend is a locally submitted message awaiting confirmation.
type PendingSend struct {
	ClientID    string
	Content     string
	SubmittedAt time.Time
}

// placeholderID is the id carried by an optimistic entry until the
// server id is known.
func placeholderID(clientID string) ID {
	return ID("client:" + clientID)
}

// Optimistic reports whether m is a local placeholder that the server
// has not confirmed yet.
func (m Message) Optimistic() bool {
	return m.ClientID != "" && m.ID == placeholderID(m.ClientID)
}

// ============================================================================
// Wire frames
// ============================================================================

// Envelope is the wire format of every inbound push frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TypingPayload is the payload of a "typing" frame.
type TypingPayload struct {
	UserID   ID   `json:"user_id"`
	IsTyping bool `json:"is_typing"`
}

// PresencePayload is the payload of a "presence" frame.
type PresencePayload struct {
	UserID ID   `json:"user_id"`
	Online bool `json:"online"`
}

// ReadPayload is the payload of a DM "read" receipt.
type ReadPayload struct {
	UserID            ID `json:"user_id"`
	LastReadMessageID ID `json:"last_read_message_id"`
}

// OutgoingMessage is the client-to-server message frame.
type OutgoingMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

// OutgoingTyping is the client-to-server typing frame.
type OutgoingTyping struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// Frame types.
const (
	FrameMessage  = "message"
	FrameTyping   = "typing"
	FramePresence = "presence"
	FrameRead     = "read"
	FramePing     = "ping"
)

var pingFrame = map[string]string{"type": FramePing}

// ============================================================================
// Account
// ============================================================================

// User is the authenticated account as returned by /auth/me.
type User struct {
	ID          ID     `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Author returns the user as a message author.
func (u User) Author() Author {
	return Author{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// Tokens is the response of the login and refresh endpoints.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}
