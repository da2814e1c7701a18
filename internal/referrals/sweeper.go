package referrals

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/payments"
	"investment-ledger/internal/scheduler"

	"github.com/rs/zerolog"
)

// SweeperConfig controls the pending bonus sweep.
type SweeperConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	Grace         time.Duration
	BatchSize     int
	MaxConcurrent int
}

// Sweeper retries bonuses left pending after their first distribution
// attempt and re-runs cascades that failed for a referee's confirmed
// deposit. Each one is logged as a flagged inconsistency before the retry.
type Sweeper struct {
	service *Service
	config  SweeperConfig
	loop    *scheduler.Loop
	logger  zerolog.Logger
}

// NewSweeper creates a sweeper for service.
func NewSweeper(service *Service, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	s := &Sweeper{
		service: service,
		config:  cfg,
		logger:  logger.With().Str("component", "bonus-sweeper").Logger(),
	}
	s.loop = scheduler.NewLoop("bonus-sweeper", func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("bonus sweep failed")
		}
	}, scheduler.LoopConfig{Interval: cfg.Interval, Timeout: cfg.Timeout}, logger)
	return s
}

func (s *Sweeper) Start() error {
	return s.loop.Start()
}

func (s *Sweeper) Stop() error {
	return s.loop.Stop()
}

func (s *Sweeper) IsRunning() bool {
	return s.loop.IsRunning()
}

// RunOnce recovers failed cascades, retries every pending bonus older than
// the grace period and returns how many were distributed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.service.now().Add(-s.config.Grace)
	recovered, err := s.recoverCascades(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	pending, err := s.service.store.ListBonuses(ctx, database.BonusFilter{
		Status: database.BonusPending,
		Limit:  s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	var stale []database.ReferralBonus
	for _, b := range pending {
		if b.CreatedAt.Before(cutoff) {
			stale = append(stale, b)
		}
	}
	if len(stale) == 0 {
		return recovered, nil
	}

	var paid int64
	scheduler.ForEach(ctx, stale, s.config.MaxConcurrent, s.logger, func(ctx context.Context, b database.ReferralBonus) {
		s.logger.Warn().
			Str("bonus_id", b.ID).
			Str("recipient_id", b.RecipientID).
			Str("bonus_type", string(b.BonusType)).
			Int("attempts", b.Attempts).
			Str("last_error", b.LastError).
			Msg("bonus still pending, retrying distribution")

		_, err := s.service.Distribute(ctx, b.ID)
		switch {
		case err == nil:
			atomic.AddInt64(&paid, 1)
		case errors.Is(err, ledger.ErrAlreadyProcessed):
		default:
			s.logger.Error().Err(err).Str("bonus_id", b.ID).Msg("bonus retry failed")
		}
	})

	s.logger.Info().Int("pending", len(stale)).Int64("distributed", paid).Msg("bonus sweep complete")
	return recovered + int(paid), nil
}

// recoverCascades finds referrals still waiting on a first deposit whose
// referee already has a qualifying confirmed deposit older than cutoff, and
// runs the cascade for the earliest such deposit.
func (s *Sweeper) recoverCascades(ctx context.Context, cutoff time.Time) (int, error) {
	if !s.service.program.Enabled {
		return 0, nil
	}
	waiting, err := s.service.store.ListReferrals(ctx, database.ReferralFilter{
		Status:               database.ReferralPending,
		AwaitingFirstDeposit: true,
		Limit:                s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	paid := 0
	for _, ref := range waiting {
		dep, err := s.firstQualifying(ctx, ref, cutoff)
		if err != nil {
			s.logger.Error().Err(err).Str("referral_id", ref.ID).Msg("failed to scan referee deposits")
			continue
		}
		if dep == nil {
			continue
		}
		s.logger.Warn().
			Str("referral_id", ref.ID).
			Str("referee_id", ref.RefereeID).
			Str("deposit_id", dep.ID).
			Msg("confirmed deposit without referral cascade, retrying")

		if _, err := s.service.Cascade(ctx, payments.ConfirmedEvent(dep)); err != nil {
			s.logger.Error().Err(err).Str("referral_id", ref.ID).Msg("cascade retry failed")
			continue
		}
		paid += s.service.distributePending(ctx, dep.ID)
	}
	return paid, nil
}

func (s *Sweeper) firstQualifying(ctx context.Context, ref database.Referral, cutoff time.Time) (*database.Deposit, error) {
	deposits, err := s.service.store.ListDeposits(ctx, database.DepositFilter{
		UserID: ref.RefereeID,
		Status: database.DepositConfirmed,
	})
	if err != nil {
		return nil, err
	}
	var first *database.Deposit
	for i := range deposits {
		d := &deposits[i]
		if d.ConfirmedAt == nil || d.ConfirmedAt.Before(ref.CreatedAt) || !d.ConfirmedAt.Before(cutoff) {
			continue
		}
		if !s.service.program.Qualifies(d.Amount) {
			continue
		}
		if first == nil || d.ConfirmedAt.Before(*first.ConfirmedAt) {
			first = d
		}
	}
	return first, nil
}
