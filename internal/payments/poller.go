package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"investment-ledger/internal/database"
	"investment-ledger/internal/scheduler"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StatusChecker asks the payment gateway where a pending deposit stands. It
// returns an error for anything that is not a definitive answer.
type StatusChecker interface {
	CheckDeposit(ctx context.Context, dep *database.Deposit) (Outcome, decimal.Decimal, error)
}

// PollerConfig controls the pending deposit poll.
type PollerConfig struct {
	Interval      time.Duration
	CallTimeout   time.Duration
	PendingGrace  time.Duration
	BatchSize     int
	MaxConcurrent int
}

// Poller closes stale pending deposits using the gateway's status endpoint.
// Transport errors leave the deposit pending for the next pass; only a
// definitive outcome is applied.
type Poller struct {
	tracker    *Tracker
	checker    StatusChecker
	config     PollerConfig
	classifier *scheduler.ErrorClassifier
	loop       *scheduler.Loop
	logger     zerolog.Logger
}

// NewPoller creates a poller for tracker.
func NewPoller(tracker *Tracker, checker StatusChecker, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	p := &Poller{
		tracker:    tracker,
		checker:    checker,
		config:     cfg,
		classifier: &scheduler.ErrorClassifier{},
		logger:     logger.With().Str("component", "deposit-poller").Logger(),
	}
	p.loop = scheduler.NewLoop("deposit-poller", func(ctx context.Context) {
		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error().Err(err).Msg("deposit poll failed")
		}
	}, scheduler.LoopConfig{Interval: cfg.Interval}, logger)
	return p
}

// Start begins polling.
func (p *Poller) Start() error {
	return p.loop.Start()
}

// Stop stops polling.
func (p *Poller) Stop() error {
	return p.loop.Stop()
}

// IsRunning reports whether the poller is active.
func (p *Poller) IsRunning() bool {
	return p.loop.IsRunning()
}

// RunOnce checks every pending deposit older than the grace period and
// returns how many reached a terminal state.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	cutoff := p.tracker.now().Add(-p.config.PendingGrace)
	pending, err := p.tracker.store.ListDeposits(ctx, database.DepositFilter{
		Status:        database.DepositPending,
		CreatedBefore: &cutoff,
		Limit:         p.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	results := make(chan bool, len(pending))
	scheduler.ForEach(ctx, pending, p.config.MaxConcurrent, p.logger, func(ctx context.Context, dep database.Deposit) {
		results <- p.checkOne(ctx, &dep)
	})
	close(results)

	closed := 0
	for ok := range results {
		if ok {
			closed++
		}
	}
	p.logger.Info().Int("pending", len(pending)).Int("closed", closed).Msg("deposit poll completed")
	return closed, nil
}

func (p *Poller) checkOne(ctx context.Context, dep *database.Deposit) bool {
	callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
	outcome, amount, err := p.checker.CheckDeposit(callCtx, dep)
	cancel()

	log := p.logger.With().Str("deposit_id", dep.ID).Str("user_id", dep.UserID).Logger()
	if err != nil {
		if p.classifier.IsRetryable(err) {
			log.Debug().Err(err).Msg("gateway status unavailable, will retry")
		} else {
			log.Warn().Err(err).Msg("gateway status check failed, deposit left pending")
		}
		return false
	}
	if outcome == OutcomePending {
		return false
	}

	err = p.tracker.ApplyGatewayEvent(ctx, GatewayEvent{
		Target:      TargetDeposit,
		ResourceID:  dep.ID,
		Outcome:     outcome,
		ExternalRef: dep.ExternalRef,
		Amount:      amount,
		Reason:      "gateway status check reported failure",
	})
	if err != nil && !IsNoop(err) {
		log.Error().Err(err).Str("outcome", string(outcome)).Msg("failed to apply gateway status")
		return false
	}
	return true
}

// HTTPStatusChecker queries a gateway status endpoint of the form
// GET {base}/deposits/{id}, answering {"status": "...", "amount": "..."}.
type HTTPStatusChecker struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPStatusChecker creates a checker against baseURL.
func NewHTTPStatusChecker(baseURL string, timeout time.Duration) *HTTPStatusChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStatusChecker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type statusResponse struct {
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"`
}

// CheckDeposit implements StatusChecker.
func (c *HTTPStatusChecker) CheckDeposit(ctx context.Context, dep *database.Deposit) (Outcome, decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/deposits/%s", c.baseURL, url.PathEscape(dep.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", decimal.Zero, err
	}
	if dep.ExternalRef != "" {
		q := req.URL.Query()
		q.Set("external_ref", dep.ExternalRef)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("status check: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("status check: error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", decimal.Zero, &scheduler.StatusError{Op: "status check", StatusCode: resp.StatusCode}
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", decimal.Zero, fmt.Errorf("status check: error parsing response: %w", err)
	}

	switch Outcome(strings.ToLower(sr.Status)) {
	case OutcomeConfirmed:
		return OutcomeConfirmed, sr.Amount, nil
	case OutcomeFailed:
		return OutcomeFailed, sr.Amount, nil
	case OutcomePending:
		return OutcomePending, sr.Amount, nil
	}
	return "", decimal.Zero, fmt.Errorf("status check: unknown status %q", sr.Status)
}
