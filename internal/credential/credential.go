// Package credential supplies bearer tokens for the platform API and
// the session websocket.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken indicates that no usable credential is available. Opening
// a connection without a credential is a hard precondition failure.
var ErrNoToken = errors.New("credential: no token available")

// Source yields the current bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, useful for tests and one-shot CLI runs.
type Static string

// Token implements Source.
func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, err error)

// Refreshing holds an access/refresh token pair and rotates it through
// a RefreshFunc when the access token nears expiry.
type Refreshing struct {
	mu        sync.Mutex
	access    string
	refresh   string
	refreshFn RefreshFunc
	leeway    time.Duration
	logger    *slog.Logger
}

// NewRefreshing creates a rotating credential source. leeway controls
// how long before expiry a refresh is attempted.
func NewRefreshing(access, refresh string, fn RefreshFunc, leeway time.Duration, logger *slog.Logger) *Refreshing {
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refreshing{
		access:    access,
		refresh:   refresh,
		refreshFn: fn,
		leeway:    leeway,
		logger:    logger,
	}
}

// Token returns the current access token, refreshing it first when it
// is expired or about to expire.
func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.access == "" {
		return "", ErrNoToken
	}
	if !expiresWithin(r.access, r.leeway) {
		return r.access, nil
	}
	if r.refreshFn == nil || r.refresh == "" {
		// Nothing to rotate with; hand back the stale token and let
		// the server reject it.
		return r.access, nil
	}

	access, refresh, err := r.refreshFn(ctx, r.refresh)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	r.access = access
	r.refresh = refresh
	r.logger.Debug("access token rotated")
	return r.access, nil
}

// Update replaces the stored token pair, e.g. after a fresh login.
func (r *Refreshing) Update(access, refresh string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access = access
	r.refresh = refresh
}

// expiresWithin reports whether the JWT's exp claim falls within d of
// now. Tokens that do not parse as JWTs or carry no exp claim are
// treated as non-expiring.
func expiresWithin(token string, d time.Duration) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < d
}
