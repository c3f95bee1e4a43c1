package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSource supplies bearer tokens for outbound requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty static token")
	}
	return string(s), nil
}

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 30 * time.Second

// JWTSource mints HS256 tokens for test principals and reuses each one
// until it is about to expire.
type JWTSource struct {
	secret   []byte
	subject  string
	issuer   string
	audience []string
	ttl      time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	current string
	expiry  time.Time
}

// NewJWTSource creates a source signing with secret. A zero ttl means
// 15 minutes.
func NewJWTSource(secret []byte, subject string, ttl time.Duration) (*JWTSource, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt source: empty secret")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if ttl <= refreshMargin {
		return nil, fmt.Errorf("jwt source: ttl %s must exceed %s", ttl, refreshMargin)
	}
	return &JWTSource{
		secret:  secret,
		subject: subject,
		issuer:  "specjet",
		ttl:     ttl,
		clock:   time.Now,
	}, nil
}

// WithAudience sets the aud claim.
func (s *JWTSource) WithAudience(aud ...string) *JWTSource {
	s.audience = aud
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *JWTSource) WithClock(clock func() time.Time) *JWTSource {
	s.clock = clock
	return s
}

// Token returns the cached token or mints a new one.
func (s *JWTSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if s.current != "" && now.Before(s.expiry.Add(-refreshMargin)) {
		return s.current, nil
	}

	expiry := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   s.subject,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	if len(s.audience) > 0 {
		claims.Audience = jwt.ClaimStrings(s.audience)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.current = signed
	s.expiry = expiry
	return signed, nil
}
