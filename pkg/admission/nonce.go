package admission

import (
	"sync"
	"time"

	"github.com/cuemby/dispatchd/pkg/metrics"
)

// reclaimThreshold is the soft size cap at which the nonce cache sweeps
// entries older than the validity window.
const reclaimThreshold = 10_000

// NonceCache is a size-bounded, process-local map from nonce value to
// first-seen time. It is the single-use replay guard for admission
// signatures; it is never persisted, so nonces observed before a restart
// are forgotten.
type NonceCache struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	validity time.Duration
}

// NewNonceCache builds a cache that reclaims entries older than validity
// once its size exceeds the reclamation threshold.
func NewNonceCache(validity time.Duration) *NonceCache {
	return &NonceCache{
		entries:  make(map[string]time.Time),
		validity: validity,
	}
}

// CheckAndInsert reports whether nonce is new (not previously observed
// within the validity window) and, if so, records it at seenAt. The check
// and insert happen under the same lock so two concurrent requests with
// the same nonce can never both succeed.
func (c *NonceCache) CheckAndInsert(nonce string, seenAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[nonce]; exists {
		return false
	}

	c.entries[nonce] = seenAt
	if len(c.entries) > reclaimThreshold {
		c.reclaimLocked(seenAt)
	}
	metrics.NonceCacheSize.Set(float64(len(c.entries)))
	return true
}

// reclaimLocked deletes entries older than the validity window. Callers
// must hold mu.
func (c *NonceCache) reclaimLocked(now time.Time) {
	for nonce, seenAt := range c.entries {
		if now.Sub(seenAt) > c.validity {
			delete(c.entries, nonce)
		}
	}
}

// Len reports the current cache size, for tests.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reclaim forces an unconditional sweep regardless of size, used by the
// periodic janitor so long-idle deployments don't retain stale nonces
// indefinitely just because they never crossed the threshold.
func (c *NonceCache) Reclaim(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.entries)
	c.reclaimLocked(now)
	metrics.NonceCacheSize.Set(float64(len(c.entries)))
	return before - len(c.entries)
}
