package braum

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the session can no longer authenticate.
	// It is fatal for the session and never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConversationUnavailable means the conversation does not exist
	// or the user may not access it.
	ErrConversationUnavailable = errors.New("conversation unavailable")

	// ErrSendFailed means a message could not be delivered and was
	// confirmed absent after recovery.
	ErrSendFailed = errors.New("send failed")

	// ErrNotConnected means the session is not started, already shut
	// down, or has no active conversation.
	ErrNotConnected = errors.New("not connected")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the package sentinels so callers can use
// errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden, http.StatusNotFound:
		return ErrConversationUnavailable
	default:
		return nil
	}
}
