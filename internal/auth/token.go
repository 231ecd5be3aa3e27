// ABOUTME: Issues, validates, revokes, and sweeps per-agent JWT tokens
// ABOUTME: One live token per agent; re-issuing invalidates the previous one

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is how long an issued agent token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked or superseded")
	ErrMissingClaim = errors.New("missing required claim")
)

// Token is the stored record for an agent's current credential.
type Token struct {
	Agent     string    `json:"agent"`
	Value     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at t.
func (t Token) Expired(at time.Time) bool {
	return !at.Before(t.ExpiresAt)
}

// TokenVerifier validates a bearer token and returns the agent it names.
type TokenVerifier interface {
	Validate(tokenString string) (agent string, err error)
}

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	Key    []byte
	TTL    time.Duration
	Logger *slog.Logger
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// TokenManager owns the agent-name → current-token table.
type TokenManager struct {
	key    []byte
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	tokens map[string]Token
}

// NewTokenManager creates a token manager.
func NewTokenManager(cfg TokenConfig) *TokenManager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		key:    cfg.Key,
		ttl:    ttl,
		now:    now,
		logger: logger.With("component", "auth.tokens"),
		tokens: make(map[string]Token),
	}
}

// Issue creates a fresh token for agent and stores it as the agent's only
// valid token.
func (m *TokenManager) Issue(agent string) (Token, error) {
	if agent == "" {
		return Token{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	issued := m.now()
	expires := issued.Add(m.ttl)
	claims := jwt.MapClaims{
		"sub": agent,
		"iat": issued.Unix(),
		"exp": expires.Unix(),
		"jti": uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return Token{}, fmt.Errorf("signing token for %s: %w", agent, err)
	}

	tok := Token{Agent: agent, Value: signed, IssuedAt: issued, ExpiresAt: expires}

	m.mu.Lock()
	_, replaced := m.tokens[agent]
	m.tokens[agent] = tok
	m.mu.Unlock()

	m.logger.Info("issued agent token", "agent", agent, "expires_at", expires, "replaced", replaced)
	return tok, nil
}

// Validate checks signature, expiry, and that tokenString is the agent's
// current token.
func (m *TokenManager) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	agent, ok := claims["sub"].(string)
	if !ok || agent == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	m.mu.RLock()
	current, ok := m.tokens[agent]
	m.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(current.Value), []byte(tokenString)) != 1 {
		return "", ErrRevokedToken
	}
	if current.Expired(m.now()) {
		return "", ErrExpiredToken
	}
	return agent, nil
}

// Revoke forgets the agent's token; any token for the agent stops validating.
func (m *TokenManager) Revoke(agent string) bool {
	m.mu.Lock()
	_, ok := m.tokens[agent]
	delete(m.tokens, agent)
	m.mu.Unlock()

	if ok {
		m.logger.Info("revoked agent token", "agent", agent)
	}
	return ok
}

// Current returns the stored token for agent.
func (m *TokenManager) Current(agent string) (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[agent]
	return tok, ok
}

// Count returns the number of stored tokens.
func (m *TokenManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// SweepExpired removes every stored token whose expiry has passed.
func (m *TokenManager) SweepExpired() int {
	now := m.now()

	m.mu.Lock()
	var swept []string
	for agent, tok := range m.tokens {
		if tok.Expired(now) {
			delete(m.tokens, agent)
			swept = append(swept, agent)
		}
	}
	m.mu.Unlock()

	if len(swept) > 0 {
		m.logger.Info("swept expired agent tokens", "count", len(swept), "agents", swept)
	}
	return len(swept)
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (m *TokenManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}
