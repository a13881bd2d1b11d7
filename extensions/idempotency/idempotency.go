// Package idempotency wraps a facilitator with settlement deduplication.
// Retried settle calls for the same payment return the first attempt's
// result instead of broadcasting a second transaction.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	x402 "github.com/x402labs/go-x402"
	"github.com/x402labs/go-x402/extensions/paymentid"
)

// KeyGenerator derives the deduplication key from the raw payload bytes.
type KeyGenerator func(payloadBytes, requirementsBytes []byte) string

// DefaultKeyGenerator prefers the payment-identifier extension when the
// payload carries one, falling back to a content hash. Identifier keys let
// a client retry with a re-signed payload and still deduplicate.
func DefaultKeyGenerator(payloadBytes, requirementsBytes []byte) string {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err == nil {
		if id, err := paymentid.ExtractPaymentID(payload); err == nil && id != "" {
			return "pid:" + id
		}
	}
	return x402.SettlementKey(payloadBytes, requirementsBytes)
}

type config struct {
	ttl          time.Duration
	cache        *x402.SettlementCache
	keyGenerator KeyGenerator
}

// Option configures an IdempotentFacilitator.
type Option func(*config)

// WithTTL sets how long completed settlements stay cached. Ignored when
// WithCache supplies a cache.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithCache supplies a shared settlement cache.
func WithCache(cache *x402.SettlementCache) Option {
	return func(c *config) { c.cache = cache }
}

// WithKeyGenerator overrides the deduplication key derivation.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *config) { c.keyGenerator = gen }
}

// IdempotentFacilitator wraps a facilitator so concurrent or repeated
// settles of one payment produce one on-chain transaction. Verify and
// GetSupported delegate untouched; verification is read-only.
type IdempotentFacilitator struct {
	inner        *x402.Facilitator
	cache        *x402.SettlementCache
	keyGenerator KeyGenerator
}

// Wrap builds the idempotent wrapper. Defaults: in-process cache with the
// package TTL, identifier-aware key generator.
func Wrap(facilitator *x402.Facilitator, opts ...Option) *IdempotentFacilitator {
	cfg := &config{
		ttl:          x402.DefaultSettlementCacheTTL,
		keyGenerator: DefaultKeyGenerator,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cache := cfg.cache
	if cache == nil {
		cache = x402.NewSettlementCache(cfg.ttl)
	}
	return &IdempotentFacilitator{
		inner:        facilitator,
		cache:        cache,
		keyGenerator: cfg.keyGenerator,
	}
}

// Inner exposes the wrapped facilitator for scheme and extension
// registration.
func (f *IdempotentFacilitator) Inner() *x402.Facilitator { return f.inner }

// Verify delegates to the wrapped facilitator.
func (f *IdempotentFacilitator) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
	return f.inner.Verify(ctx, payloadBytes, requirementsBytes)
}

// GetSupported delegates to the wrapped facilitator.
func (f *IdempotentFacilitator) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	return f.inner.GetSupported(ctx)
}

// Settle deduplicates before delegating. A cached result returns
// immediately; an in-flight attempt is awaited; only the owning call
// reaches the chain. Failed settlements are not cached so a later retry
// can settle for real.
func (f *IdempotentFacilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
	key := f.keyGenerator(payloadBytes, requirementsBytes)

	cached, owner, wait := f.cache.CheckAndMark(key)
	if cached != nil {
		return cached, nil
	}
	if !owner {
		result, err := f.cache.WaitForResult(ctx, key, wait)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// The owner failed without caching; take a fresh slot.
		return f.Settle(ctx, payloadBytes, requirementsBytes)
	}

	result, err := f.inner.Settle(ctx, payloadBytes, requirementsBytes)
	if err != nil {
		f.cache.Fail(key)
		return nil, err
	}
	if result != nil && !result.Success {
		// Unsuccessful verdicts stay uncached; the client may retry with
		// the same identifier after fixing the payment.
		f.cache.Fail(key)
		return result, nil
	}
	f.cache.Complete(key, result)
	return result, nil
}
