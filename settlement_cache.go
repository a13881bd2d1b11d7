package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultSettlementCacheTTL keeps completed settlement results long enough
// for client retries to hit the cache instead of re-settling.
const DefaultSettlementCacheTTL = 10 * time.Minute

// SettlementCache deduplicates settle attempts for the same payload. A
// retry that arrives while the first attempt is in flight blocks for its
// result; a retry after completion gets the cached result.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache builds a cache; ttl <= 0 uses the default.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	if ttl <= 0 {
		ttl = DefaultSettlementCacheTTL
	}
	return &SettlementCache{
		results:  make(map[string]*SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// SettlementKey derives the cache key from the raw payload and requirements
// bytes.
func SettlementKey(paymentPayload, paymentRequirements []byte) string {
	h := sha256.New()
	h.Write(paymentPayload)
	h.Write([]byte{0})
	h.Write(paymentRequirements)
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndMark returns a cached result if one exists. Otherwise it reports
// whether this caller owns the settlement; non-owners get a channel that
// closes when the owner completes.
func (c *SettlementCache) CheckAndMark(key string) (result *SettleResponse, owner bool, wait <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.results[key]; ok {
		if time.Now().Before(c.expiry[key]) {
			return cached, false, nil
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}
	if ch, ok := c.inFlight[key]; ok {
		return nil, false, ch
	}
	ch := make(chan struct{})
	c.inFlight[key] = ch
	return nil, true, nil
}

// Complete records the owner's result and releases waiters.
func (c *SettlementCache) Complete(key string, result *SettleResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = result
	c.expiry[key] = time.Now().Add(c.ttl)
	if ch, ok := c.inFlight[key]; ok {
		close(ch)
		delete(c.inFlight, key)
	}
}

// Fail releases waiters without caching, so a later retry re-settles.
func (c *SettlementCache) Fail(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.inFlight[key]; ok {
		close(ch)
		delete(c.inFlight, key)
	}
}

// WaitForResult blocks until the owner completes or ctx expires, then
// returns the cached result if the owner cached one.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, wait <-chan struct{}) (*SettleResponse, error) {
	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.results[key]; ok && time.Now().Before(c.expiry[key]) {
		return cached, nil
	}
	return nil, nil
}
