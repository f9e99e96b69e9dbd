package braum

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

// recordedRequest is what the test server saw.
type recordedRequest struct {
	Method      string
	Path        string
	Query       string
	ContentType string
	Auth        string
	Body        string
}

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		*rec = recordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Query:       r.URL.RawQuery,
			ContentType: r.Header.Get("Content-Type"),
			Auth:        r.Header.Get("Authorization"),
			Body:        string(data),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

// ============================================================================
// Messages
// ============================================================================

func TestFetchMessages(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `[
		{"id": 11, "content": "hi", "created_at": "2026-03-01T12:00:00", "user_id": 9,
		 "author": {"id": 9, "display_name": "bob#0001"}, "channel_id": 2}
	]`)
	c := NewClient(WithBaseURL(srv.URL+"/"), WithToken("tok"), WithHistoryLimit(20))

	msgs, err := c.FetchMessages(context.Background(), ChannelEndpoint("1", "2"))
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if rec.Method != http.MethodGet || rec.Path != "/channels/2/messages" || rec.Query != "limit=20" {
		t.Errorf("request = %s %s?%s", rec.Method, rec.Path, rec.Query)
	}
	if rec.Auth != "Bearer tok" {
		t.Errorf("Authorization = %q", rec.Auth)
	}
	if len(msgs) != 1 || msgs[0].ID != "11" || msgs[0].UserID != "9" || msgs[0].Author.Name() != "bob" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if !msgs[0].CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", msgs[0].CreatedAt, t0)
	}
}

func TestFetchMessagesThreadPath(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `[]`)
	c := NewClient(WithBaseURL(srv.URL), WithToken("tok"))

	if _, err := c.FetchMessages(context.Background(), ThreadEndpoint("3")); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if rec.Path != "/dm/threads/3/messages" {
		t.Errorf("path = %s", rec.Path)
	}
	if _, err := c.FetchMessages(context.Background(), NotificationsEndpoint()); err == nil {
		t.Error("notifications endpoint has no history but fetch succeeded")
	}
}

func TestPostMessage(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusCreated, `{"id": 12, "content": "yo",
		"created_at": "2026-03-01T12:00:00Z", "user_id": 7, "author": {"id": 7, "display_name": "alice"}}`)
	c := NewClient(WithBaseURL(srv.URL), WithToken("tok"))

	msg, err := c.PostMessage(context.Background(), ThreadEndpoint("3"), "yo", "c1")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if rec.Method != http.MethodPost || rec.Path != "/dm/threads/3/messages" || rec.ContentType != "application/json" {
		t.Errorf("request = %s %s (%s)", rec.Method, rec.Path, rec.ContentType)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(rec.Body), &body); err != nil {
		t.Fatalf("body %q: %v", rec.Body, err)
	}
	if body["content"] != "yo" || body["client_id"] != "c1" {
		t.Errorf("body = %v", body)
	}
	// The server did not echo client_id; the client fills it in.
	if msg.ID != "12" || msg.ClientID != "c1" {
		t.Errorf("msg = %+v", msg)
	}
}

// ============================================================================
// Errors
// ============================================================================

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		status  int
		body    string
		want    error
		message string
	}{
		{http.StatusUnauthorized, `{"detail": "Could not validate credentials"}`, ErrUnauthorized, "Could not validate credentials"},
		{http.StatusForbidden, `{"detail": "Not a member"}`, ErrConversationUnavailable, "Not a member"},
		{http.StatusNotFound, `{"detail": "Channel not found"}`, ErrConversationUnavailable, "Channel not found"},
		{http.StatusUnprocessableEntity, `{"detail": [{"loc": ["body", "content"]}]}`, nil, `[{"loc": ["body", "content"]}]`},
		{http.StatusBadGateway, `upstream down`, nil, "upstream down"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, tt.body)
			c := NewClient(WithBaseURL(srv.URL), WithToken("tok"))

			_, err := c.FetchMessages(context.Background(), ThreadEndpoint("3"))
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status || apiErr.Message != tt.message {
				t.Errorf("APIError = %d %q", apiErr.Status, apiErr.Message)
			}
			for _, sentinel := range []error{ErrUnauthorized, ErrConversationUnavailable} {
				if got := errors.Is(err, sentinel); got != (sentinel == tt.want) {
					t.Errorf("errors.Is(%v) = %v", sentinel, got)
				}
			}
		})
	}
}

func TestRequestWithoutTokenIsUnauthorized(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `[]`)
	c := NewClient(WithBaseURL(srv.URL), WithTokenSupplier(NewJWTTokenSupplier(nil, nil)))

	_, err := c.FetchMessages(context.Background(), ThreadEndpoint("3"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if rec.Method != "" {
		t.Error("request reached the server without a token")
	}
}

// ============================================================================
// Auth
// ============================================================================

func TestLogin(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `{"access_token": "a1", "refresh_token": "r1", "token_type": "bearer"}`)
	c := NewClient(WithBaseURL(srv.URL))

	tokens, err := c.Login(context.Background(), "ana@example.com", "p&ss")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if rec.Path != "/auth/login" || rec.ContentType != "application/x-www-form-urlencoded" {
		t.Errorf("request = %s (%s)", rec.Path, rec.ContentType)
	}
	if rec.Body != "password=p%26ss&username=ana%40example.com" {
		t.Errorf("form = %q", rec.Body)
	}
	if rec.Auth != "" {
		t.Errorf("login sent Authorization %q", rec.Auth)
	}
	if tokens.AccessToken != "a1" || tokens.RefreshToken != "r1" {
		t.Errorf("tokens = %+v", tokens)
	}
}

func TestRefresh(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `{"access_token": "a2", "refresh_token": "r2"}`)
	c := NewClient(WithBaseURL(srv.URL))

	tokens, err := c.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rec.Path != "/auth/refresh" || !strings.Contains(rec.Body, `"refresh_token":"r1"`) {
		t.Errorf("request = %s %s", rec.Path, rec.Body)
	}
	if tokens.AccessToken != "a2" || tokens.RefreshToken != "r2" {
		t.Errorf("tokens = %+v", tokens)
	}
}

func TestRefreshWithoutAccessToken(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"refresh_token": "r2"}`)
	c := NewClient(WithBaseURL(srv.URL))

	if _, err := c.Refresh(context.Background(), "r1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestMe(t *testing.T) {
	srv, rec := newTestServer(t, http.StatusOK, `{"id": 7, "email": "ana@example.com", "display_name": "ana#0042"}`)
	c := NewClient(WithBaseURL(srv.URL), WithTokenSupplier(StaticToken("tok")))

	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if rec.Path != "/auth/me" || rec.Auth != "Bearer tok" {
		t.Errorf("request = %s auth=%q", rec.Path, rec.Auth)
	}
	if me.ID != "7" || me.Author().Name() != "ana" {
		t.Errorf("me = %+v", me)
	}
}

func TestWSURL(t *testing.T) {
	c := NewClient(WithBaseURL("https://chat.example.com/api/"))
	got := c.WSURL(ChannelEndpoint("1", "2"), "a b")
	want := "wss://chat.example.com/api/ws/chat/1/2?token=a+b"
	if got != want {
		t.Errorf("WSURL = %q, want %q", got, want)
	}
}
