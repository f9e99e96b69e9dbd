package braum

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

// DefaultMinTokenTTL is the remaining lifetime under which a token is
// renewed before use.
const DefaultMinTokenTTL = 60 * time.Second

// TokenSupplier returns a currently valid access token. An empty token
// with a nil error means the session is logged out. An error is only
// returned when ctx ends before the answer is known.
type TokenSupplier interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSupplier that never expires.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenRefresher exchanges a refresh token for a new token pair.
// *Client implements it.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

// JWTTokenSupplier keeps a token pair and renews the access token when
// its exp claim is close. Signatures are not verified; the expiry is
// only used to decide when to refresh.
type JWTTokenSupplier struct {
	refresher TokenRefresher
	clock     clock.Clock
	minTTL    time.Duration
	logger    *slog.Logger
	onRefresh func(Tokens)

	mu     sync.Mutex
	tokens Tokens
}

type SupplierOption func(*JWTTokenSupplier)

// WithMinTTL sets the renewal window. Tokens with less remaining
// lifetime are refreshed before being handed out.
func WithMinTTL(d time.Duration) SupplierOption {
	return func(s *JWTTokenSupplier) { s.minTTL = d }
}

func WithSupplierClock(c clock.Clock) SupplierOption {
	return func(s *JWTTokenSupplier) { s.clock = c }
}

func WithSupplierLogger(logger *slog.Logger) SupplierOption {
	return func(s *JWTTokenSupplier) { s.logger = logger }
}

// OnTokensRefreshed registers fn to receive every renewed token pair,
// e.g. to persist it.
func OnTokensRefreshed(fn func(Tokens)) SupplierOption {
	return func(s *JWTTokenSupplier) { s.onRefresh = fn }
}

// NewJWTTokenSupplier creates a supplier seeded with tokens. A nil
// tokens value starts logged out.
func NewJWTTokenSupplier(refresher TokenRefresher, tokens *Tokens, opts ...SupplierOption) *JWTTokenSupplier {
	s := &JWTTokenSupplier{
		refresher: refresher,
		clock:     clock.Real(),
		minTTL:    DefaultMinTokenTTL,
		logger:    discardLogger,
	}
	if tokens != nil {
		s.tokens = *tokens
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns the access token, refreshing it first when it expires
// within the renewal window. Failed renewals log the session out.
func (s *JWTTokenSupplier) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access := s.tokens.AccessToken
	if access == "" {
		return "", nil
	}
	exp, ok := TokenExpiry(access)
	if !ok || exp.Sub(s.clock.Now()) > s.minTTL {
		return access, nil
	}

	if s.tokens.RefreshToken == "" || s.refresher == nil {
		s.logger.Info("access token expiring and no refresh token, logging out")
		s.tokens = Tokens{}
		return "", nil
	}

	fresh, err := s.refresher.Refresh(ctx, s.tokens.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("token refresh failed, logging out", "error", err)
		s.tokens = Tokens{}
		return "", nil
	}
	if fresh.AccessToken == "" || fresh.RefreshToken == "" {
		s.logger.Warn("token refresh returned an incomplete pair, logging out")
		s.tokens = Tokens{}
		return "", nil
	}
	s.tokens = *fresh
	if s.onRefresh != nil {
		s.onRefresh(*fresh)
	}
	s.logger.Debug("access token refreshed")
	return fresh.AccessToken, nil
}

// Tokens returns the current token pair.
func (s *JWTTokenSupplier) Tokens() Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// SetTokens replaces the token pair, e.g. after a new login.
func (s *JWTTokenSupplier) SetTokens(tokens Tokens) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
}

// Clear logs the supplier out.
func (s *JWTTokenSupplier) Clear() {
	s.SetTokens(Tokens{})
}

// TokenExpiry decodes the exp claim without verifying the signature.
// Tokens that cannot be decoded or have no exp report ok=false.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
