package balance

import (
	"context"
	"sync"
	"time"

	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/metrics"
	"investment-ledger/internal/scheduler"

	"github.com/rs/zerolog"
)

// ReconcilerConfig controls the drift scan.
type ReconcilerConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	MaxConcurrent int
}

// Reconciler periodically folds every user's entries and compares the result
// with the stored balance. Drift is logged, counted and published; it is never
// patched here. Corrections go through the audited admin path.
type Reconciler struct {
	store   database.Store
	bus     *events.EventBus
	metrics *metrics.LedgerMetrics
	config  ReconcilerConfig
	loop    *scheduler.Loop
	logger  zerolog.Logger

	mu       sync.RWMutex
	lastRun  time.Time
	drifting map[string]*Report
}

// NewReconciler creates a reconciler. bus and m may be nil.
func NewReconciler(store database.Store, bus *events.EventBus, m *metrics.LedgerMetrics, cfg ReconcilerConfig, logger zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	r := &Reconciler{
		store:    store,
		bus:      bus,
		metrics:  m,
		config:   cfg,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		drifting: make(map[string]*Report),
	}
	r.loop = scheduler.NewLoop("balance-reconciler", func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("reconciliation pass failed")
		}
	}, scheduler.LoopConfig{Interval: cfg.Interval, Timeout: cfg.Timeout}, logger)
	return r
}

// Start begins periodic reconciliation.
func (r *Reconciler) Start() error {
	return r.loop.Start()
}

// Stop stops the reconciliation loop.
func (r *Reconciler) Stop() error {
	return r.loop.Stop()
}

// IsRunning reports whether the loop is active.
func (r *Reconciler) IsRunning() bool {
	return r.loop.IsRunning()
}

// RunOnce checks every user with a balance row and returns the drifting ones.
func (r *Reconciler) RunOnce(ctx context.Context) ([]*Report, error) {
	start := time.Now()
	userIDs, err := r.store.ListBalanceUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		drifted []*Report
	)
	scheduler.ForEach(ctx, userIDs, r.config.MaxConcurrent, r.logger, func(ctx context.Context, userID string) {
		report, err := r.CheckUser(ctx, userID)
		if err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to reconcile user")
			return
		}
		if !report.Consistent {
			mu.Lock()
			drifted = append(drifted, report)
			mu.Unlock()
		}
	})

	elapsed := time.Since(start)
	r.metrics.ObserveReconcile(elapsed)
	r.metrics.SetDriftedUsers(len(drifted))

	r.mu.Lock()
	r.lastRun = time.Now().UTC()
	r.drifting = make(map[string]*Report, len(drifted))
	for _, rep := range drifted {
		r.drifting[rep.UserID] = rep
	}
	r.mu.Unlock()

	r.logger.Info().
		Int("users", len(userIDs)).
		Int("drifted", len(drifted)).
		Dur("elapsed", elapsed).
		Msg("reconciliation pass completed")

	return drifted, ctx.Err()
}

// CheckUser compares one user's stored balance with its fold under the user
// lock and raises the drift alarms.
func (r *Reconciler) CheckUser(ctx context.Context, userID string) (*Report, error) {
	var report *Report
	err := r.store.WithUserLock(ctx, userID, func(tx database.Tx) error {
		var err error
		report, err = Check(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if report.Consistent {
		r.metrics.ClearDrift(userID)
		return report, nil
	}

	drift := report.Drift
	r.logger.Error().
		Str("user_id", userID).
		Str("stored_balance", report.Stored.CurrentBalance.StringFixed(2)).
		Str("expected_balance", report.Expected.CurrentBalance.StringFixed(2)).
		Str("drift_deposited", drift.Deposited.StringFixed(2)).
		Str("drift_withdrawn", drift.Withdrawn.StringFixed(2)).
		Str("drift_profit", drift.Profit.StringFixed(2)).
		Str("drift_fees", drift.Fees.StringFixed(2)).
		Str("drift_reserved", drift.Reserved.StringFixed(2)).
		Msg("ledger drift detected, reconciliation required")

	f, _ := drift.Net().Float64()
	r.metrics.SetDrift(userID, f)
	r.bus.PublishLedgerDrift(userID, report.Stored.CurrentBalance, report.Expected.CurrentBalance)
	return report, nil
}

// Drifting returns the users found drifting on the last pass.
func (r *Reconciler) Drifting() (time.Time, []*Report) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Report, 0, len(r.drifting))
	for _, rep := range r.drifting {
		out = append(out, rep)
	}
	return r.lastRun, out
}
