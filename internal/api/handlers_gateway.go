package api

import (
	"net/http"

	"investment-ledger/internal/logging"
	"investment-ledger/internal/payments"

	"github.com/gin-gonic/gin"
)

// handleGatewayEvent applies a payment gateway callback. Redelivered events
// are acknowledged with 200 so the gateway stops retrying.
func (s *Server) handleGatewayEvent(c *gin.Context) {
	var ev payments.GatewayEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid gateway event: "+err.Error())
		return
	}
	if err := ev.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	l := logging.FromContext(ctx).With().
		Str("event_id", ev.EventID).
		Str("target", string(ev.Target)).
		Str("resource_id", ev.ResourceID).
		Str("outcome", string(ev.Outcome)).
		Logger()

	if !s.deps.Idempotency.Claim(ctx, ev.EventID) {
		l.Debug().Msg("gateway event already processed")
		successResponse(c, gin.H{"duplicate": true})
		return
	}

	if err := s.deps.Tracker.ApplyGatewayEvent(ctx, ev); err != nil {
		if payments.IsNoop(err) {
			successResponse(c, gin.H{"duplicate": true})
			return
		}
		// Let a redelivery try again.
		s.deps.Idempotency.Release(ctx, ev.EventID)
		l.Warn().Err(err).Msg("gateway event rejected")
		s.respondError(c, err)
		return
	}

	l.Info().Msg("gateway event applied")
	successResponse(c, gin.H{"duplicate": false})
}
