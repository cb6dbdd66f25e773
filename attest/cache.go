package attest

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CachedGate wraps a Gate and caches verdicts per device for a TTL.
// Definitive verdicts (success or rejection) are cached; ErrUnavailable
// never is, so a recovered upstream is retried on the next enrollment.
type CachedGate struct {
	gate Gate
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	verdict   error
	expiresAt time.Time
}

// NewCachedGate wraps gate with a per-device verdict cache.
func NewCachedGate(gate Gate, ttl time.Duration) *CachedGate {
	return &CachedGate{
		gate:    gate,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedGate) Verify(ctx context.Context, ev Evidence) error {
	c.mu.Lock()
	if e, ok := c.entries[ev.DeviceID]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.verdict
	}
	c.mu.Unlock()

	err := c.gate.Verify(ctx, ev)
	if err == nil || errors.Is(err, ErrRejected) {
		c.mu.Lock()
		c.entries[ev.DeviceID] = cacheEntry{verdict: err, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return err
}
