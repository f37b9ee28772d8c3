package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when no usable token can be obtained.
var ErrNoCredential = errors.New("no usable credential")

// expirySkew treats tokens as expired slightly early so they are not
// rejected in flight.
const expirySkew = 30 * time.Second

// CredentialCache owns the bearer token used for calls to the server. It
// checks expiry before every use and asks the interactive session for a new
// token through the bridge when the cached one is missing or stale.
type CredentialCache struct {
	bridge  *Bridge
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
	refresh *refresh
}

// refresh is one credential request to the session. Callers arriving while it
// is outstanding wait on done instead of asking again.
type refresh struct {
	done  chan struct{}
	token string
	err   error
}

// NewCredentialCache creates a cache. bridge may be nil for headless runs that
// only use a static token.
func NewCredentialCache(bridge *Bridge, timeout time.Duration) *CredentialCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CredentialCache{bridge: bridge, timeout: timeout, now: time.Now}
}

// Set stores token. JWTs have their exp claim read without verifying the
// signature; the server does the verification. Opaque tokens never expire
// locally and are only dropped on Invalidate.
func (c *CredentialCache) Set(token string) error {
	if token == "" {
		return errors.New("empty token")
	}
	expires, err := tokenExpiry(token)
	if err != nil {
		return err
	}
	if !expires.IsZero() && !c.now().Add(expirySkew).Before(expires) {
		return fmt.Errorf("token expired at %s", expires.Format(time.RFC3339))
	}

	c.mu.Lock()
	c.token = token
	c.expires = expires
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached token, for example after the server answered 401.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expires = time.Time{}
	c.mu.Unlock()
}

// Expiry returns the expiry of the cached token and whether one is cached.
func (c *CredentialCache) Expiry() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expires, c.token != ""
}

// Token returns a token that is valid now, asking the session if needed.
// The cache is not locked while the session is asked, so Set, Invalidate and
// Expiry never wait on the bridge.
func (c *CredentialCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.validLocked() {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.token = ""

	if c.bridge == nil {
		c.mu.Unlock()
		return "", ErrNoCredential
	}

	r := c.refresh
	if r == nil {
		r = &refresh{done: make(chan struct{})}
		c.refresh = r
		c.mu.Unlock()
		c.fetch(ctx, r)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-r.done:
		return r.token, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrNoCredential, ctx.Err())
	}
}

// fetch asks the session for a token and publishes the outcome on r.
func (c *CredentialCache) fetch(ctx context.Context, r *refresh) {
	defer close(r.done)

	m, err := c.bridge.RequestCredential(ctx, c.timeout)
	var expires time.Time
	if err == nil {
		expires, err = tokenExpiry(m.Token)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = nil

	switch {
	case err != nil:
		r.err = fmt.Errorf("%w: %w", ErrNoCredential, err)
	case !c.validAt(expires):
		r.err = fmt.Errorf("%w: session returned an expired token", ErrNoCredential)
	default:
		c.token = m.Token
		c.expires = expires
		r.token = m.Token
		slog.Debug("credential refreshed from session", "expires", expires)
	}
}

func (c *CredentialCache) validLocked() bool {
	return c.token != "" && c.validAt(c.expires)
}

func (c *CredentialCache) validAt(expires time.Time) bool {
	if expires.IsZero() {
		return true
	}
	return c.now().Add(expirySkew).Before(expires)
}

// tokenExpiry reads the exp claim of a JWT. Tokens that are not JWTs, or
// carry no exp, return the zero time.
func tokenExpiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, errors.New("empty token")
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		// Not a JWT.
		return time.Time{}, nil
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
