package referrals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"investment-ledger/internal/balance"
	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/metrics"
	"investment-ledger/internal/payments"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxDepth bounds the ancestor walk; only two levels above the direct
// referrer ever earn a bonus.
const maxDepth = 2

// Service owns referral registration and bonus distribution.
type Service struct {
	store     database.Store
	projector *balance.Projector
	program   Program
	bus       *events.EventBus
	metrics   *metrics.LedgerMetrics
	logger    zerolog.Logger

	now func() time.Time
}

// NewService creates a referral service. bus and m may be nil.
func NewService(projector *balance.Projector, program Program, bus *events.EventBus, m *metrics.LedgerMetrics, logger zerolog.Logger) *Service {
	return &Service{
		store:     projector.Store(),
		projector: projector,
		program:   program,
		bus:       bus,
		metrics:   m,
		logger:    logger.With().Str("component", "referrals").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Program returns the program in force.
func (s *Service) Program() Program {
	return s.program
}

// Attach subscribes the cascade to tracker's deposit confirmations.
func (s *Service) Attach(tracker *payments.Tracker) {
	tracker.OnDepositConfirmed(s.OnDepositConfirmed)
}

// Register links refereeID to referrerID. The new referral points at the
// referrer's own referral, if any, so deeper tiers can be walked later.
func (s *Service) Register(ctx context.Context, referrerID, refereeID string) (*database.Referral, error) {
	if !s.program.Enabled {
		return nil, fmt.Errorf("referrals: %w", ledger.ErrFeatureDisabled)
	}
	referrerID = strings.TrimSpace(referrerID)
	refereeID = strings.TrimSpace(refereeID)
	if referrerID == "" || refereeID == "" {
		return nil, fmt.Errorf("referrer and referee are required")
	}
	if referrerID == refereeID {
		return nil, fmt.Errorf("%w: users cannot refer themselves", ledger.ErrInvalidState)
	}

	ancestors, parent, err := s.ancestry(ctx, referrerID, maxDepth+1)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestors {
		if a == refereeID {
			return nil, fmt.Errorf("%w: %s already sits above %s in the referral chain",
				ledger.ErrInvalidState, refereeID, referrerID)
		}
	}

	now := s.now()
	ref := &database.Referral{
		ID:         uuid.New().String(),
		ReferrerID: referrerID,
		RefereeID:  refereeID,
		TierLevel:  1,
		Status:     database.ReferralPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if parent != nil {
		ref.ParentReferralID = &parent.ID
	}

	err = s.store.WithUserLock(ctx, refereeID, func(tx database.Tx) error {
		existing, err := tx.GetReferralByReferee(ctx, refereeID)
		if err == nil {
			return fmt.Errorf("%w: %s was already referred by %s", ledger.ErrInvalidState, refereeID, existing.ReferrerID)
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if s.program.MaxReferralsPerUser > 0 {
			n, err := tx.CountReferralsByReferrer(ctx, referrerID)
			if err != nil {
				return err
			}
			if n >= s.program.MaxReferralsPerUser {
				return fmt.Errorf("%w: %s reached the limit of %d referrals",
					ledger.ErrAboveMaximum, referrerID, s.program.MaxReferralsPerUser)
			}
		}
		return tx.InsertReferral(ctx, ref)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("referral_id", ref.ID).
		Str("referrer_id", referrerID).
		Str("referee_id", refereeID).
		Msg("referral registered")
	return ref, nil
}

// ancestry returns up to depth referrers above userID, nearest first, and
// userID's own referral when one exists.
func (s *Service) ancestry(ctx context.Context, userID string, depth int) ([]string, *database.Referral, error) {
	var (
		out   []string
		own   *database.Referral
		seen  = map[string]bool{userID: true}
		refID string
	)
	r, err := s.store.GetReferralByReferee(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	own = r
	for r != nil && len(out) < depth {
		if seen[r.ReferrerID] {
			break
		}
		seen[r.ReferrerID] = true
		out = append(out, r.ReferrerID)
		if r.ParentReferralID == nil {
			break
		}
		refID = *r.ParentReferralID
		r, err = s.store.GetReferral(ctx, refID)
		if err != nil {
			return nil, nil, fmt.Errorf("referral chain broken at %s: %w", refID, err)
		}
	}
	return out, own, nil
}

// OnDepositConfirmed runs the cascade for a referee's first qualifying
// deposit and then distributes the deposit's pending bonuses. It has the
// payments.DepositListener signature. A failed cascade leaves the referral
// awaiting its first deposit; a redelivered confirmation or the sweeper picks
// it up again.
func (s *Service) OnDepositConfirmed(ctx context.Context, ev payments.DepositConfirmed) {
	if !s.program.Enabled {
		return
	}
	if _, err := s.Cascade(ctx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("deposit_id", ev.DepositID).
			Str("user_id", ev.UserID).
			Bool("redelivered", ev.Redelivered).
			Msg("referral cascade failed, flagged for retry")
		s.bus.PublishError("referrals", "referral cascade failed", err)
		return
	}
	s.distributePending(ctx, ev.DepositID)
}

// distributePending pays every pending bonus of depositID and returns how
// many were distributed. Failures stay pending for the sweeper.
func (s *Service) distributePending(ctx context.Context, depositID string) int {
	pending, err := s.store.ListBonuses(ctx, database.BonusFilter{
		DepositID: depositID,
		Status:    database.BonusPending,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("deposit_id", depositID).Msg("failed to list pending bonuses")
		return 0
	}
	paid := 0
	for _, b := range pending {
		_, err := s.Distribute(ctx, b.ID)
		switch {
		case err == nil:
			paid++
		case errors.Is(err, ledger.ErrAlreadyProcessed):
		default:
			s.logger.Warn().Err(err).Str("bonus_id", b.ID).Msg("bonus distribution deferred")
		}
	}
	return paid
}

// Cascade activates the referee's referral on a qualifying first deposit and
// records the pending bonus lines. Redelivering the same confirmation
// creates nothing new.
func (s *Service) Cascade(ctx context.Context, ev payments.DepositConfirmed) ([]database.ReferralBonus, error) {
	if !s.program.Enabled || !s.program.Qualifies(ev.Amount) {
		return nil, nil
	}
	ref, err := s.store.GetReferralByReferee(ctx, ev.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ancestors []string
	if s.program.EnableMultiTier && ref.ParentReferralID != nil {
		above, _, err := s.ancestry(ctx, ref.ReferrerID, maxDepth)
		if err != nil {
			return nil, err
		}
		ancestors = above
	}

	var created []database.ReferralBonus
	err = s.store.WithUserLock(ctx, ev.UserID, func(tx database.Tx) error {
		created = created[:0]
		r, err := tx.GetReferral(ctx, ref.ID)
		if err != nil {
			return err
		}
		if r.FirstDepositMade && r.FirstDepositID != ev.DepositID {
			return nil
		}
		if r.Status == database.ReferralCancelled || r.Status == database.ReferralExpired {
			return nil
		}

		now := s.now()
		if !r.FirstDepositMade {
			at := ev.ConfirmedAt
			r.FirstDepositMade = true
			r.FirstDepositID = ev.DepositID
			r.FirstDepositAmount = ev.Amount
			r.FirstDepositAt = &at
			r.Status = database.ReferralActive
			r.UpdatedAt = now
			if err := tx.UpdateReferral(ctx, r); err != nil {
				return err
			}
		}

		var expires *time.Time
		if s.program.BonusExpiryDays > 0 {
			t := now.AddDate(0, 0, s.program.BonusExpiryDays)
			expires = &t
		}
		for _, l := range s.program.lines(r, ev.Amount, ancestors) {
			b := database.ReferralBonus{
				ID:          uuid.New().String(),
				ReferralID:  r.ID,
				DepositID:   ev.DepositID,
				RecipientID: l.recipient,
				BonusType:   l.bonusType,
				TierLevel:   l.tier,
				Amount:      l.amount,
				Status:      database.BonusPending,
				ExpiresAt:   expires,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			inserted, err := tx.InsertBonus(ctx, &b)
			if err != nil {
				return err
			}
			if inserted {
				created = append(created, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(created) > 0 {
		s.logger.Info().
			Str("referral_id", ref.ID).
			Str("deposit_id", ev.DepositID).
			Str("deposit_amount", ev.Amount.StringFixed(2)).
			Int("bonuses", len(created)).
			Msg("referral activated")
	}
	return created, nil
}

// Distribute pays a pending bonus into its recipient's balance: a completed
// bonus entry, the balance change and the bonus status commit together.
func (s *Service) Distribute(ctx context.Context, bonusID string) (*database.ReferralBonus, error) {
	current, err := s.store.GetBonus(ctx, bonusID)
	if err != nil {
		return nil, err
	}

	var (
		bonus   *database.ReferralBonus
		entry   *ledger.Entry
		bal     *ledger.Balance
		noop    bool
		expired bool
	)
	err = s.store.WithUserLock(ctx, current.RecipientID, func(tx database.Tx) error {
		noop, expired = false, false
		b, err := tx.GetBonus(ctx, bonusID)
		if err != nil {
			return err
		}
		bonus = b
		switch b.Status {
		case database.BonusDistributed:
			noop = true
			return nil
		case database.BonusPending, database.BonusApproved:
		default:
			return fmt.Errorf("%w: bonus %s is %s", ledger.ErrInvalidState, b.ID, b.Status)
		}

		now := s.now()
		if b.ExpiresAt != nil && now.After(*b.ExpiresAt) {
			b.Status = database.BonusExpired
			b.UpdatedAt = now
			expired = true
			return tx.UpdateBonus(ctx, b)
		}

		acct, err := tx.EnsureBalance(ctx, b.RecipientID)
		if err != nil {
			return err
		}
		e, err := ledger.NewEntry(b.RecipientID, ledger.KindBonus, b.Amount, b.ID)
		if err != nil {
			return err
		}
		e.Description = fmt.Sprintf("Referral %s bonus", b.BonusType)
		if err := balance.Record(ctx, tx, acct, e); err != nil {
			return err
		}
		if err := balance.Move(ctx, tx, acct, e, ledger.StateCompleted, now); err != nil {
			return err
		}

		b.Status = database.BonusDistributed
		b.LedgerEntryID = &e.ID
		b.DistributedAt = &now
		b.Attempts++
		b.LastError = ""
		b.UpdatedAt = now
		if err := tx.UpdateBonus(ctx, b); err != nil {
			return err
		}
		entry, bal = e, acct
		return nil
	})
	if err != nil {
		s.metrics.IncBonus(string(current.BonusType), "failed")
		s.recordFailure(ctx, current, err)
		return nil, err
	}
	if noop {
		return bonus, fmt.Errorf("bonus %s: %w", bonusID, ledger.ErrAlreadyProcessed)
	}
	if expired {
		s.metrics.IncBonus(string(bonus.BonusType), "expired")
		s.logger.Info().Str("bonus_id", bonus.ID).Msg("bonus expired before distribution")
		return bonus, fmt.Errorf("%w: bonus %s expired", ledger.ErrInvalidState, bonus.ID)
	}

	s.projector.Committed(ctx, bal)
	s.projector.Observe(entry)
	s.metrics.IncBonus(string(bonus.BonusType), "distributed")
	s.bus.PublishBonusDistributed(bonus.RecipientID, bonus.ID, string(bonus.BonusType), bonus.Amount)
	s.logger.Info().
		Str("bonus_id", bonus.ID).
		Str("recipient_id", bonus.RecipientID).
		Str("bonus_type", string(bonus.BonusType)).
		Str("amount", bonus.Amount.StringFixed(2)).
		Str("entry_id", entry.ID).
		Msg("bonus distributed")
	return bonus, nil
}

// recordFailure notes a failed attempt on the bonus row in a transaction of
// its own, since the failed one left nothing behind.
func (s *Service) recordFailure(ctx context.Context, b *database.ReferralBonus, cause error) {
	err := s.store.WithUserLock(ctx, b.RecipientID, func(tx database.Tx) error {
		cur, err := tx.GetBonus(ctx, b.ID)
		if err != nil {
			return err
		}
		if cur.Status != database.BonusPending && cur.Status != database.BonusApproved {
			return nil
		}
		cur.Attempts++
		cur.LastError = cause.Error()
		cur.UpdatedAt = s.now()
		return tx.UpdateBonus(ctx, cur)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("bonus_id", b.ID).Msg("failed to record bonus attempt")
	}
}

// Stats summarizes what a user has earned from referrals.
type Stats struct {
	UserID           string          `json:"user_id"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	TotalPending     decimal.Decimal `json:"total_pending"`
	ByType           map[string]int  `json:"by_type"`
}

// Stats returns userID's referral earnings.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	bonuses, err := s.store.ListBonuses(ctx, database.BonusFilter{RecipientID: userID})
	if err != nil {
		return nil, err
	}
	st := &Stats{UserID: userID, ByType: make(map[string]int)}
	for _, b := range bonuses {
		switch b.Status {
		case database.BonusDistributed:
			st.TotalDistributed = st.TotalDistributed.Add(b.Amount)
			st.ByType[string(b.BonusType)]++
		case database.BonusPending, database.BonusApproved:
			st.TotalPending = st.TotalPending.Add(b.Amount)
		}
	}
	return st, nil
}
