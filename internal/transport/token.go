package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const refreshSkew = 30 * time.Second

var (
	// ErrNoToken indicates the token source holds no session token and no
	// refresh func was provided.
	ErrNoToken = errors.New("transport: no session token available")
)

// RefreshFunc obtains a fresh backend session token. Supplied by the
// authentication system, which is outside this subsystem.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenSource holds the backend-issued bearer token and refreshes it before
// expiry. The token is parsed unverified because signature verification is
// the backend's job; the agent only needs the exp claim to refresh ahead of
// a rejected send.
type TokenSource struct {
	mu      sync.Mutex
	token   string
	expiry  time.Time
	refresh RefreshFunc
	clock   func() time.Time
}

// TokenSourceConfig carries the dependencies for a TokenSource.
type TokenSourceConfig struct {
	InitialToken string
	Refresh      RefreshFunc
	Clock        func() time.Time
}

// NewTokenSource returns a token source seeded with the initial token.
func NewTokenSource(cfg TokenSourceConfig) *TokenSource {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	source := &TokenSource{
		refresh: cfg.Refresh,
		clock:   clock,
	}
	if trimmed := strings.TrimSpace(cfg.InitialToken); trimmed != "" {
		source.token = trimmed
		source.expiry = tokenExpiry(trimmed)
	}
	return source
}

// Token returns a bearer token valid for at least the refresh skew,
// refreshing through the configured func when the held token is missing or
// about to lapse.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiry.IsZero() || s.clock().Add(refreshSkew).Before(s.expiry)) {
		return s.token, nil
	}

	if s.refresh == nil {
		if s.token != "" {
			return s.token, nil
		}
		return "", ErrNoToken
	}

	fresh, err := s.refresh(ctx)
	if err != nil {
		if s.token != "" {
			// A stale token beats no token; the send may still succeed.
			return s.token, nil
		}
		return "", fmt.Errorf("transport: token refresh failed: %w", err)
	}

	s.token = strings.TrimSpace(fresh)
	s.expiry = tokenExpiry(s.token)
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// tokenExpiry extracts the exp claim without verifying the signature. A
// token that does not parse or carries no expiry is treated as non-expiring
// and left to the backend to reject.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}
	}
	return expiresAt.Time
}
