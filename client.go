// Package braum provides the Go client SDK for braumchat.
//
// It covers the REST collaborator API (message history, posting, auth)
// and the realtime synchronization engine: per-conversation websocket
// connections with heartbeat and reconnect, a polling fallback, an
// ordered message store reconciling push, poll and optimistic sources,
// typing and presence aggregation, and scroll anchoring for list views.
//
// Example:
//
//	client := braum.NewClient(braum.WithBaseURL("https://chat.example.com"))
//	tokens, _ := client.Login(ctx, "ana@example.com", "secret")
//
//	session := braum.NewSession(client, braum.NewJWTTokenSupplier(client, tokens), braum.SessionConfig{})
//	session.Start(ctx)
//	session.Activate(braum.ChannelEndpoint("1", "7"))
//	session.Submit(ctx, "hello")
package braum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL      = "http://localhost:8000"
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 50
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ============================================================================
// Client
// ============================================================================

// Client talks to the braumchat REST API. It is safe for concurrent use.
type Client struct {
	baseURL      string
	userAgent    string
	historyLimit int
	httpClient   *http.Client
	logger       *slog.Logger

	mu       sync.RWMutex
	token    string
	supplier TokenSupplier
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// WithToken sets a fixed bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTokenSupplier makes every authenticated request ask supplier for
// the current access token.
func WithTokenSupplier(supplier TokenSupplier) ClientOption {
	return func(c *Client) { c.supplier = supplier }
}

// WithHistoryLimit sets the number of messages requested per history fetch.
func WithHistoryLimit(n int) ClientOption {
	return func(c *Client) { c.historyLimit = n }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new braumchat client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		userAgent:    "braum-go",
		historyLimit: DefaultHistoryLimit,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: discardLogger,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken sets or updates the fixed bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetTokenSupplier replaces the token supplier. A nil supplier falls back
// to the fixed token.
func (c *Client) SetTokenSupplier(supplier TokenSupplier) {
	c.mu.Lock()
	c.supplier = supplier
	c.mu.Unlock()
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	supplier, token := c.supplier, c.token
	c.mu.RUnlock()
	if supplier == nil {
		return token, nil
	}
	return supplier.Token(ctx)
}

// WSURL returns the push URL of endpoint: the REST base with its scheme
// switched to ws or wss, the endpoint path, and the token query parameter.
func (c *Client) WSURL(endpoint Endpoint, token string) string {
	return wsURL(c.baseURL, endpoint, token)
}

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	method string
	path   string
	query  url.Values
	body   interface{}
	form   url.Values
	auth   bool
}

func (c *Client) doRequest(ctx context.Context, r request) ([]byte, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	contentType := ""
	switch {
	case r.form != nil:
		bodyReader = strings.NewReader(r.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.body != nil:
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if r.auth {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		if token == "" {
			return nil, ErrUnauthorized
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorDetail(data)}
		c.logger.Debug("api request failed", "method", r.method, "path", r.path, "status", resp.StatusCode)
		return nil, apiErr
	}
	return data, nil
}

// errorDetail extracts {"detail": ...} from an error body. Validation
// errors carry a list instead of a string and are returned raw.
func errorDetail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &body) != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(data))
	}
	var s string
	if json.Unmarshal(body.Detail, &s) == nil {
		return s
	}
	return string(body.Detail)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessageAPI is the REST surface used by the synchronization engine.
type MessageAPI interface {
	FetchMessages(ctx context.Context, endpoint Endpoint) ([]Message, error)
	PostMessage(ctx context.Context, endpoint Endpoint, content, clientID string) (*Message, error)
}

var _ MessageAPI = (*Client)(nil)

// FetchMessages returns the recent history of a channel or thread.
func (c *Client) FetchMessages(ctx context.Context, endpoint Endpoint) ([]Message, error) {
	path, err := endpoint.messagesPath()
	if err != nil {
		return nil, err
	}
	var query url.Values
	if c.historyLimit > 0 {
		query = url.Values{"limit": {strconv.Itoa(c.historyLimit)}}
	}
	data, err := c.doRequest(ctx, request{method: http.MethodGet, path: path, query: query, auth: true})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// PostMessage creates a message. clientID is echoed back by the server
// and on the push feed so the sender can match its placeholder.
func (c *Client) PostMessage(ctx context.Context, endpoint Endpoint, content, clientID string) (*Message, error) {
	path, err := endpoint.messagesPath()
	if err != nil {
		return nil, err
	}
	payload := map[string]string{"content": content}
	if clientID != "" {
		payload["client_id"] = clientID
	}
	data, err := c.doRequest(ctx, request{method: http.MethodPost, path: path, body: payload, auth: true})
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	return msg, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (*Tokens, error) {
	form := url.Values{"username": {username}, "password": {password}}
	data, err := c.doRequest(ctx, request{method: http.MethodPost, path: "/auth/login", form: form})
	if err != nil {
		return nil, err
	}
	return decodeTokens(data)
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	body := map[string]string{"refresh_token": refreshToken}
	data, err := c.doRequest(ctx, request{method: http.MethodPost, path: "/auth/refresh", body: body})
	if err != nil {
		return nil, err
	}
	return decodeTokens(data)
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, request{method: http.MethodGet, path: "/auth/me", auth: true})
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

func decodeTokens(data []byte) (*Tokens, error) {
	tokens, err := decodeJSON[Tokens](data)
	if err != nil {
		return nil, err
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response without access_token: %w", ErrUnauthorized)
	}
	return tokens, nil
}
