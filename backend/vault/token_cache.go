package vault

import (
	"fmt"
	"sync"
	"time"
)

// DefaultSafetyMargin keeps a token from being handed out so close to its
// expiry that it could lapse mid-request.
const DefaultSafetyMargin = 5 * time.Minute

// Token is a short-lived store credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Policies  []string
}

// String omits the token value.
func (t Token) String() string {
	return fmt.Sprintf("token(expires_at=%s, policies=%v)", t.ExpiresAt.Format(time.RFC3339), t.Policies)
}

// TokenCache holds at most one token. It never returns a token whose expiry
// is within the safety margin.
type TokenCache struct {
	mu     sync.RWMutex
	token  *Token
	margin time.Duration
	now    func() time.Time
}

// NewTokenCache creates a cache. A nil clock defaults to time.Now and a
// negative margin to DefaultSafetyMargin.
func NewTokenCache(margin time.Duration, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	if margin < 0 {
		margin = DefaultSafetyMargin
	}
	return &TokenCache{margin: margin, now: now}
}

// Get returns the cached token if now < expiry - margin.
func (c *TokenCache) Get() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == nil {
		return Token{}, false
	}
	if !c.now().Before(c.token.ExpiresAt.Add(-c.margin)) {
		return Token{}, false
	}
	return *c.token, true
}

// Set replaces the cached token.
func (c *TokenCache) Set(token Token) {
	t := token
	c.mu.Lock()
	c.token = &t
	c.mu.Unlock()
}

// Clear drops the cached token.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// Margin returns the configured safety margin.
func (c *TokenCache) Margin() time.Duration {
	return c.margin
}

// Now returns the cache clock's current time.
func (c *TokenCache) Now() time.Time {
	return c.now()
}
