package voice

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// TokenSource supplies the bearer token sent with the voice handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SessionClaims are the claims of a voice connect token.
type SessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SignedTokenSource mints HS256 tokens from a shared API key and caches
// each one until it is within refreshBuffer of expiring.
type SignedTokenSource struct {
	apiKey        []byte
	ttl           time.Duration
	refreshBuffer time.Duration
	now           func() time.Time

	mu        sync.Mutex
	sessionID string
	token     string
	expiresAt time.Time
}

// NewSignedTokenSource creates a token source for apiKey. Tokens live for
// ttl and are refreshed once less than a tenth of ttl remains.
func NewSignedTokenSource(apiKey string, ttl time.Duration) (*SignedTokenSource, error) {
	if apiKey == "" {
		return nil, NewAuthError("API key is empty", nil)
	}
	if ttl <= 0 {
		return nil, NewConfigError("token TTL must be positive")
	}
	return &SignedTokenSource{
		apiKey:        []byte(apiKey),
		ttl:           ttl,
		refreshBuffer: ttl / 10,
		now:           time.Now,
	}, nil
}

// SetSession binds subsequent tokens to a session ID and drops the cached
// token.
func (s *SignedTokenSource) SetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.token = ""
}

func (s *SignedTokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expiresAt.Add(-s.refreshBuffer)) {
		return s.token, nil
	}

	sid := s.sessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	expiresAt := now.Add(s.ttl)
	claims := SessionClaims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.apiKey)
	if err != nil {
		return "", NewAuthError("sign voice token", err)
	}
	s.token = signed
	s.expiresAt = expiresAt
	return signed, nil
}

// ExpiresAt reports when the cached token expires. Zero if none is cached.
func (s *SignedTokenSource) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return time.Time{}
	}
	return s.expiresAt
}

// ParseSessionToken verifies a token signed with apiKey and returns its
// claims.
func ParseSessionToken(token, apiKey string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, NewAuthError("unexpected signing method "+t.Method.Alg(), nil)
		}
		return []byte(apiKey), nil
	})
	if err != nil {
		return nil, NewAuthError("invalid voice token", err)
	}
	if !parsed.Valid {
		return nil, NewAuthError("invalid voice token", nil)
	}
	return claims, nil
}

// authHeader builds handshake headers, adding a bearer token when src is
// set.
func authHeader(ctx context.Context, src TokenSource) (http.Header, error) {
	header := make(http.Header)
	if src == nil {
		return header, nil
	}
	token, err := src.Token(ctx)
	if err != nil {
		return nil, err
	}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}
