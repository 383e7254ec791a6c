// Package identity holds the short-lived downstream credential the
// worker runner injects into each task's subprocess, refreshing it
// proactively and deduplicating concurrent refreshes with singleflight.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cuemby/dispatchd/pkg/log"
)

// Token is a credential with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Source fetches a fresh token from the downstream credential provider.
// Implementations are expected to block for the duration of the network
// call; Provider handles caching, proactive refresh, and dedup.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}

// Provider holds one credential and serves it to concurrent callers,
// refreshing ahead of expiry so a worker spawn never blocks on a network
// round trip in the common case.
type Provider struct {
	source       Source
	safetyMargin time.Duration

	mu      sync.RWMutex
	current Token

	group singleflight.Group
}

// NewProvider builds a Provider around source. safetyMargin is how far
// ahead of expiry a refresh is triggered proactively.
func NewProvider(source Source, safetyMargin time.Duration) *Provider {
	return &Provider{
		source:       source,
		safetyMargin: safetyMargin,
	}
}

// Current returns the cached token if it has more than safetyMargin left
// before expiry; otherwise it triggers a refresh (deduplicated across
// concurrent callers) and returns the result. It never returns a stale
// token after a failed refresh — the caller must decide whether to retry.
func (p *Provider) Current(ctx context.Context) (Token, error) {
	p.mu.RLock()
	tok := p.current
	p.mu.RUnlock()

	if tok.Value != "" && time.Until(tok.ExpiresAt) > p.safetyMargin {
		return tok, nil
	}

	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		return Token{}, fmt.Errorf("refresh_failed: %w", err)
	}
	return v.(Token), nil
}

// refresh fetches a new token and atomically replaces the cached one. It
// is idempotent: concurrent calls collapsed by singleflight all observe
// the same result.
func (p *Provider) refresh(ctx context.Context) (Token, error) {
	tok, err := p.source.Fetch(ctx)
	if err != nil {
		log.Logger.Error().Err(err).Msg("identity: token refresh failed")
		return Token{}, err
	}

	p.mu.Lock()
	p.current = tok
	p.mu.Unlock()

	log.Logger.Info().Time("expiresAt", tok.ExpiresAt).Msg("identity: token refreshed")
	return tok, nil
}

// ExpiresAt reports the cached token's expiry, or the zero time if no
// token has ever been fetched. Used by the health endpoint.
func (p *Provider) ExpiresAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.ExpiresAt
}

// ForceRefresh triggers an immediate refresh regardless of the current
// token's remaining lifetime, used by POST /admin/refresh-token.
func (p *Provider) ForceRefresh(ctx context.Context) (Token, error) {
	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		return Token{}, fmt.Errorf("refresh_failed: %w", err)
	}
	return v.(Token), nil
}
