package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const DefaultIdempotencyTTL = 72 * time.Hour

// IdempotencyGuard drops gateway callbacks that were already processed.
//
// It is a fast path only. When Redis is unavailable every event is let
// through and the ledger's own idempotent transitions decide.
type IdempotencyGuard struct {
	cs     *CacheService
	ttl    time.Duration
	logger zerolog.Logger
}

// NewIdempotencyGuard creates a guard on top of cs.
func NewIdempotencyGuard(cs *CacheService, ttl time.Duration, logger zerolog.Logger) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyGuard{
		cs:     cs,
		ttl:    ttl,
		logger: logger.With().Str("component", "idempotency").Logger(),
	}
}

// Claim reports whether eventID is seen for the first time.
func (g *IdempotencyGuard) Claim(ctx context.Context, eventID string) bool {
	if g == nil || g.cs == nil || eventID == "" {
		return true
	}
	first, err := g.cs.SetNX(ctx, GatewayEventKey(eventID), time.Now().UTC().Format(time.RFC3339), g.ttl)
	if err != nil {
		if !errors.Is(err, ErrCacheUnavailable) {
			g.logger.Warn().Err(err).Str("event_id", eventID).Msg("idempotency check failed, letting event through")
		}
		return true
	}
	return first
}

// Release forgets eventID so that a redelivery is processed again. Callers
// release when processing failed.
func (g *IdempotencyGuard) Release(ctx context.Context, eventID string) {
	if g == nil || g.cs == nil || eventID == "" {
		return
	}
	if err := g.cs.Delete(ctx, GatewayEventKey(eventID)); err != nil && !errors.Is(err, ErrCacheUnavailable) {
		g.logger.Warn().Err(err).Str("event_id", eventID).Msg("failed to release gateway event")
	}
}
