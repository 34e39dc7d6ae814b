package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when no access token has been stored yet.
var ErrNoToken = fmt.Errorf("no access token")

// ErrTokenExpired is returned when the stored access token is past its
// expiry claim.
var ErrTokenExpired = fmt.Errorf("access token expired")

// expiryLeeway refreshes tokens slightly before their actual deadline so a
// request never leaves with a token that dies in flight.
const expiryLeeway = 30 * time.Second

// Provider holds the bearer token pair issued at login. The client never
// verifies signatures, that is the server's job; it only inspects the expiry
// claim to know when the access token is stale.
type Provider struct {
	mu      sync.RWMutex
	access  string
	refresh string
	expiry  time.Time
}

// NewProvider returns an empty provider; call Set after login.
func NewProvider() *Provider {
	return &Provider{}
}

// Set stores a fresh token pair, extracting the access token's expiry.
func (p *Provider) Set(access, refresh string) error {
	expiry, err := tokenExpiry(access)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.access = access
	p.refresh = refresh
	p.expiry = expiry
	p.mu.Unlock()
	return nil
}

// Access returns the current access token, or an error when there is none or
// it is within the leeway of expiring.
func (p *Provider) Access() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.access == "" {
		return "", ErrNoToken
	}
	if !p.expiry.IsZero() && time.Now().After(p.expiry.Add(-expiryLeeway)) {
		return "", ErrTokenExpired
	}
	return p.access, nil
}

// Refresh returns the stored refresh token, empty if none.
func (p *Provider) Refresh() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refresh
}

// Clear forgets both tokens, e.g. on logout.
func (p *Provider) Clear() {
	p.mu.Lock()
	p.access = ""
	p.refresh = ""
	p.expiry = time.Time{}
	p.mu.Unlock()
}

// tokenExpiry pulls the exp claim without verifying the signature. A token
// with no exp claim never expires locally.
func tokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("malformed access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("bad exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
