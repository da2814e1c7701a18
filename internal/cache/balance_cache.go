package cache

import (
	"context"
	"errors"
	"time"

	"investment-ledger/internal/ledger"

	"github.com/rs/zerolog"
)

const DefaultBalanceTTL = 5 * time.Minute

// BalanceCache keeps the last committed balance per user for the read path.
// It is written only after a commit, so a hit is never ahead of the store.
// A nil *BalanceCache always misses.
type BalanceCache struct {
	cs     *CacheService
	ttl    time.Duration
	logger zerolog.Logger
}

// NewBalanceCache creates a balance cache on top of cs.
func NewBalanceCache(cs *CacheService, ttl time.Duration, logger zerolog.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &BalanceCache{
		cs:     cs,
		ttl:    ttl,
		logger: logger.With().Str("component", "balance_cache").Logger(),
	}
}

// Get returns the cached balance and whether it was a hit.
func (c *BalanceCache) Get(ctx context.Context, userID string) (*ledger.Balance, bool) {
	if c == nil || c.cs == nil {
		return nil, false
	}
	var b ledger.Balance
	if err := c.cs.GetJSON(ctx, BalanceKey(userID), &b); err != nil {
		if !errors.Is(err, ErrCacheMiss) && !errors.Is(err, ErrCacheUnavailable) {
			c.logger.Debug().Err(err).Str("user_id", userID).Msg("balance cache read failed")
		}
		return nil, false
	}
	return &b, true
}

// Put stores a committed balance. An older version never replaces a newer one
// already in the cache.
func (c *BalanceCache) Put(ctx context.Context, b *ledger.Balance) {
	if c == nil || c.cs == nil || b == nil {
		return
	}
	if cached, ok := c.Get(ctx, b.UserID); ok && cached.Version > b.Version {
		return
	}
	if err := c.cs.Set(ctx, BalanceKey(b.UserID), b, c.ttl); err != nil && !errors.Is(err, ErrCacheUnavailable) {
		c.logger.Debug().Err(err).Str("user_id", b.UserID).Msg("balance cache write failed")
	}
}

// Invalidate drops a user's cached balance.
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) {
	if c == nil || c.cs == nil {
		return
	}
	if err := c.cs.Delete(ctx, BalanceKey(userID)); err != nil && !errors.Is(err, ErrCacheUnavailable) {
		c.logger.Debug().Err(err).Str("user_id", userID).Msg("balance cache invalidate failed")
	}
}
