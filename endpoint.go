package braum

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointKind discriminates the three push feeds.
type EndpointKind int

const (
	KindNone EndpointKind = iota
	KindChannel
	KindThread
	KindNotifications
)

func (k EndpointKind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindThread:
		return "thread"
	case KindNotifications:
		return "notifications"
	default:
		return "none"
	}
}

// Endpoint identifies one push connection and one message or
// notification stream. It is a comparable value and can be used as a
// map key.
type Endpoint struct {
	Kind        EndpointKind
	WorkspaceID ID
	ChannelID   ID
	ThreadID    ID
}

// ChannelEndpoint returns the endpoint of a workspace channel.
func ChannelEndpoint(workspaceID, channelID ID) Endpoint {
	return Endpoint{Kind: KindChannel, WorkspaceID: workspaceID, ChannelID: channelID}
}

// ThreadEndpoint returns the endpoint of a direct-message thread.
func ThreadEndpoint(threadID ID) Endpoint {
	return Endpoint{Kind: KindThread, ThreadID: threadID}
}

// NotificationsEndpoint returns the user's notification feed.
func NotificationsEndpoint() Endpoint {
	return Endpoint{Kind: KindNotifications}
}

// IsZero reports whether e names no endpoint.
func (e Endpoint) IsZero() bool { return e.Kind == KindNone }

// HasMessages reports whether the endpoint carries a message list.
func (e Endpoint) HasMessages() bool {
	return e.Kind == KindChannel || e.Kind == KindThread
}

// Key returns a stable string key for the endpoint.
func (e Endpoint) Key() string {
	switch e.Kind {
	case KindChannel:
		return "c:" + string(e.WorkspaceID) + ":" + string(e.ChannelID)
	case KindThread:
		return "t:" + string(e.ThreadID)
	case KindNotifications:
		return "n"
	default:
		return ""
	}
}

func (e Endpoint) String() string {
	switch e.Kind {
	case KindChannel:
		return fmt.Sprintf("channel %s/%s", e.WorkspaceID, e.ChannelID)
	case KindThread:
		return fmt.Sprintf("thread %s", e.ThreadID)
	case KindNotifications:
		return "notifications"
	default:
		return "none"
	}
}

// Path returns the push path of the endpoint.
func (e Endpoint) Path() string {
	switch e.Kind {
	case KindChannel:
		return "/ws/chat/" + url.PathEscape(string(e.WorkspaceID)) + "/" + url.PathEscape(string(e.ChannelID))
	case KindThread:
		return "/ws/dm/" + url.PathEscape(string(e.ThreadID))
	case KindNotifications:
		return "/ws/notifications"
	default:
		return ""
	}
}

// messagesPath returns the REST path of the endpoint's message history.
func (e Endpoint) messagesPath() (string, error) {
	switch e.Kind {
	case KindChannel:
		return "/channels/" + url.PathEscape(string(e.ChannelID)) + "/messages", nil
	case KindThread:
		return "/dm/threads/" + url.PathEscape(string(e.ThreadID)) + "/messages", nil
	default:
		return "", fmt.Errorf("%s has no message history", e)
	}
}

// ParseEndpoint parses the CLI notation of an endpoint:
// "channel:<workspace>/<channel>", "thread:<id>", "dm:<id>" or
// "notifications".
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "notifications" {
		return NotificationsEndpoint(), nil
	}
	kind, rest, _ := strings.Cut(s, ":")
	switch kind {
	case "channel":
		workspace, channel, ok := strings.Cut(rest, "/")
		if ok && workspace != "" && channel != "" {
			return ChannelEndpoint(ID(workspace), ID(channel)), nil
		}
	case "thread", "dm":
		if rest != "" {
			return ThreadEndpoint(ID(rest)), nil
		}
	}
	return Endpoint{}, fmt.Errorf("invalid endpoint %q (want channel:<workspace>/<channel>, thread:<id> or notifications)", s)
}
