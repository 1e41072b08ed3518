// Package tokenclient keeps a client's token pair fresh. Concurrent callers
// that see the same expired access token share one refresh.
package tokenclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNoRefreshToken is returned when the holder has nothing to refresh with.
var ErrNoRefreshToken = errors.New("no refresh token")

// Tokens is the pair a client holds.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	SessionID    string    `json:"session_id,omitempty"`
	ObtainedAt   time.Time `json:"-"`
}

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// Holder stores the current pair and serializes refreshes.
type Holder struct {
	refresher Refresher
	log       zerolog.Logger

	mu     sync.RWMutex
	tokens Tokens

	flight singleflight.Group
}

// NewHolder creates a holder seeded with initial.
func NewHolder(refresher Refresher, initial Tokens, log zerolog.Logger) *Holder {
	return &Holder{refresher: refresher, tokens: initial, log: log}
}

// Tokens returns the current pair.
func (h *Holder) Tokens() Tokens {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tokens
}

// AccessToken returns the current access token.
func (h *Holder) AccessToken() string {
	return h.Tokens().AccessToken
}

// Set replaces the pair, e.g. after a fresh login.
func (h *Holder) Set(t Tokens) {
	h.mu.Lock()
	h.tokens = t
	h.mu.Unlock()
}

// Refresh obtains a new pair after staleAccess was rejected. If the pair has
// already moved past staleAccess the current pair is returned without a
// network call; otherwise all concurrent callers wait on one refresh and
// receive its result. A failed refresh clears nothing: the caller decides
// whether to sign in again.
func (h *Holder) Refresh(ctx context.Context, staleAccess string) (Tokens, error) {
	current := h.Tokens()
	if current.AccessToken != staleAccess && current.AccessToken != "" {
		return current, nil
	}
	if current.RefreshToken == "" {
		return Tokens{}, ErrNoRefreshToken
	}

	ch := h.flight.DoChan(current.RefreshToken, func() (any, error) {
		// A flight for this token may have finished since we read it.
		if latest := h.Tokens(); latest.RefreshToken != current.RefreshToken {
			return latest, nil
		}
		// Detached from the first caller's context so that its cancellation
		// does not fail the callers waiting on the same refresh.
		next, err := h.refresher.Refresh(context.WithoutCancel(ctx), current.RefreshToken)
		if err != nil {
			h.log.Warn().Err(err).Msg("token refresh failed")
			return Tokens{}, err
		}
		if next.ObtainedAt.IsZero() {
			next.ObtainedAt = time.Now()
		}
		h.Set(next)
		return next, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Tokens{}, res.Err
		}
		return res.Val.(Tokens), nil
	case <-ctx.Done():
		return Tokens{}, ctx.Err()
	}
}
