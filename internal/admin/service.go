package admin

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

// Audit action types.
const (
	ActionAdjustBalance      = "adjust_balance"
	ActionReverseTransaction = "reverse_transaction"
	ActionApproveWithdrawal  = "approve_withdrawal"
	ActionRejectWithdrawal   = "reject_withdrawal"
	ActionCompleteWithdrawal = "complete_withdrawal"
	ActionReconcileBalance   = "reconcile_balance"
)

// Direction of a manual adjustment.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Origin is where an admin request came from, kept on the audit record.
type Origin struct {
	IPAddress string
	UserAgent string
}

// Service performs audited admin actions. Every balance change it makes is
// committed together with its audit record.
type Service struct {
	store     database.Store
	projector *balance.Projector
	tracker   *payments.Tracker
	bus       *events.EventBus
	metrics   *metrics.LedgerMetrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates the admin service. bus and m may be nil.
func NewService(projector *balance.Projector, tracker *payments.Tracker, bus *events.EventBus, m *metrics.LedgerMetrics, logger zerolog.Logger) *Service {
	return &Service{
		store:     projector.Store(),
		projector: projector,
		tracker:   tracker,
		bus:       bus,
		metrics:   m,
		logger:    logger.With().Str("component", "admin").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Authorize loads adminID and checks it holds c.
func (s *Service) Authorize(ctx context.Context, adminID string, c Capability) (*database.AdminUser, error) {
	a, err := s.store.GetAdminUser(ctx, adminID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: admin %s", ledger.ErrNotFound, adminID)
		}
		return nil, err
	}
	if err := requireCap(a, c); err != nil {
		s.logger.Warn().
			Str("admin_id", adminID).
			Str("capability", string(c)).
			Msg("admin action denied")
		return nil, err
	}
	return a, nil
}

// AdjustmentRequest is a manual credit or debit.
type AdjustmentRequest struct {
	AdminID   string
	UserID    string
	Amount    decimal.Decimal
	Direction Direction
	Reason    string
	Origin    Origin
}

// Adjustment is the committed result of AdjustBalance.
type Adjustment struct {
	Entry  *ledger.Entry         `json:"entry"`
	Audit  *database.AuditRecord `json:"audit"`
	Before BalanceSnapshot       `json:"before"`
	After  BalanceSnapshot       `json:"after"`
}

// AdjustBalance credits or debits a user's balance. The completed
// admin_credit/admin_debit entry, the balance change and the audit record are
// written in one transaction.
func (s *Service) AdjustBalance(ctx context.Context, req AdjustmentRequest) (*Adjustment, error) {
	admin, err := s.Authorize(ctx, req.AdminID, CapAdjustTransactions)
	if err != nil {
		return nil, err
	}
	if err := ledger.ValidatePositive(req.Amount); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("adjustment reason is required")
	}

	var kind ledger.Kind
	switch req.Direction {
	case Credit:
		kind = ledger.KindAdminCredit
	case Debit:
		kind = ledger.KindAdminDebit
	default:
		return nil, fmt.Errorf("unknown adjustment direction %q", req.Direction)
	}

	out := &Adjustment{}
	var bal *ledger.Balance
	err = s.store.WithUserLock(ctx, req.UserID, func(tx database.Tx) error {
		// The store may re-run this closure, so every attempt starts from a
		// fresh pending entry.
		entry, err := ledger.NewEntry(req.UserID, kind, req.Amount, "")
		if err != nil {
			return err
		}
		entry.Description = fmt.Sprintf("Admin %s: %s", req.Direction, reason)
		out.Entry = entry

		b, err := tx.LockBalance(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("balance for user %s: %w", req.UserID, err)
		}
		// Funds reserved for pending withdrawals are not available to debit.
		if kind == ledger.KindAdminDebit && req.Amount.GreaterThan(b.Available()) {
			return fmt.Errorf("%w: debit %s exceeds available balance %s",
				ledger.ErrInsufficientFunds, req.Amount.StringFixed(2), b.Available().StringFixed(2))
		}
		out.Before = SnapshotBalance(b)

		now := s.now()
		if err := balance.Record(ctx, tx, b, entry); err != nil {
			return err
		}
		if err := balance.Move(ctx, tx, b, entry, ledger.StateCompleted, now); err != nil {
			return err
		}
		out.After = SnapshotBalance(b)

		rec, err := s.audit(ctx, tx, admin, ActionAdjustBalance, req.UserID, "ledger_entry", entry.ID,
			out.Before, out.After, reason, req.Origin)
		if err != nil {
			return err
		}
		out.Audit = rec
		bal = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, bal, out.Entry, admin.ID, ActionAdjustBalance, req.UserID, out.Entry.ID)
	s.logger.Info().
		Str("admin_id", admin.ID).
		Str("user_id", req.UserID).
		Str("direction", string(req.Direction)).
		Str("amount", req.Amount.StringFixed(2)).
		Str("old_balance", out.Before.CurrentBalance).
		Str("new_balance", out.After.CurrentBalance).
		Str("reason", reason).
		Msg("balance adjusted")
	return out, nil
}

// Reversal is the committed result of ReverseTransaction.
type Reversal struct {
	Original *ledger.Entry         `json:"original"`
	Marker   *ledger.Entry         `json:"marker"`
	Audit    *database.AuditRecord `json:"audit"`
	Before   BalanceSnapshot       `json:"before"`
	After    BalanceSnapshot       `json:"after"`
}

// ReverseTransaction undoes a completed entry by applying the exact inverse of
// its effect. The original is kept and flipped to reversed, and a reversal
// marker pointing at it is written. Anything but a completed entry fails
// with ErrInvalidState, so a second reversal of the same entry is refused.
func (s *Service) ReverseTransaction(ctx context.Context, adminID, entryID, reason string, origin Origin) (*Reversal, error) {
	admin, err := s.Authorize(ctx, adminID, CapAdjustTransactions)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reversal reason is required")
	}

	current, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	out := &Reversal{}
	var bal *ledger.Balance
	err = s.store.WithUserLock(ctx, current.UserID, func(tx database.Tx) error {
		e, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if e.State != ledger.StateCompleted {
			return fmt.Errorf("%w: entry %s is %s, only completed entries can be reversed",
				ledger.ErrInvalidState, e.ID, e.State)
		}
		if e.Kind == ledger.KindReversal {
			return fmt.Errorf("%w: entry %s is itself a reversal", ledger.ErrInvalidState, e.ID)
		}

		b, err := tx.LockBalance(ctx, e.UserID)
		if err != nil {
			return fmt.Errorf("balance for user %s: %w", e.UserID, err)
		}
		out.Before = SnapshotBalance(b)

		marker, err := ledger.NewEntry(e.UserID, ledger.KindReversal, e.Amount, e.ID)
		if err != nil {
			return err
		}
		originalID := e.ID
		marker.ReversesID = &originalID
		marker.Description = fmt.Sprintf("Reversal of %s: %s", e.ReceiptID, reason)

		now := s.now()
		if err := balance.Record(ctx, tx, b, marker); err != nil {
			return err
		}
		if err := balance.Move(ctx, tx, b, marker, ledger.StateCompleted, now); err != nil {
			return err
		}
		if err := balance.Move(ctx, tx, b, e, ledger.StateReversed, now); err != nil {
			return err
		}
		out.After = SnapshotBalance(b)

		rec, err := s.audit(ctx, tx, admin, ActionReverseTransaction, e.UserID, "ledger_entry", e.ID,
			out.Before, out.After, reason, origin)
		if err != nil {
			return err
		}
		out.Original, out.Marker, out.Audit = e, marker, rec
		bal = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if bal.CurrentBalance.IsNegative() {
		s.logger.Warn().
			Str("user_id", bal.UserID).
			Str("entry_id", entryID).
			Str("new_balance", bal.CurrentBalance.StringFixed(2)).
			Msg("reversal left a negative balance")
	}
	s.committed(ctx, bal, out.Original, admin.ID, ActionReverseTransaction, bal.UserID, entryID)
	s.projector.Observe(out.Marker)
	s.logger.Info().
		Str("admin_id", admin.ID).
		Str("user_id", bal.UserID).
		Str("entry_id", entryID).
		Str("kind", string(out.Original.Kind)).
		Str("amount", out.Original.Amount.StringFixed(2)).
		Str("reason", reason).
		Msg("transaction reversed")
	return out, nil
}

// ReconcileResult reports an operator drift correction.
type ReconcileResult struct {
	Report    *balance.Report       `json:"report"`
	Corrected bool                  `json:"corrected"`
	Audit     *database.AuditRecord `json:"audit,omitempty"`
}

// Reconcile rewrites a drifted stored balance to the value folded from its
// entries and records the correction. A consistent balance is left alone.
func (s *Service) Reconcile(ctx context.Context, adminID, userID, reason string, origin Origin) (*ReconcileResult, error) {
	admin, err := s.Authorize(ctx, adminID, CapAdjustTransactions)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "ledger drift correction"
	}

	out := &ReconcileResult{}
	var bal *ledger.Balance
	err = s.store.WithUserLock(ctx, userID, func(tx database.Tx) error {
		if _, err := tx.EnsureBalance(ctx, userID); err != nil {
			return err
		}
		report, err := balance.Check(ctx, tx, userID)
		if err != nil {
			return err
		}
		out.Report = report
		if report.Consistent {
			return nil
		}

		corrected := *report.Expected
		corrected.Version = report.Stored.Version + 1
		corrected.UpdatedAt = s.now()
		if err := tx.SaveBalance(ctx, &corrected); err != nil {
			return err
		}

		rec, err := s.audit(ctx, tx, admin, ActionReconcileBalance, userID, "balance", userID,
			SnapshotBalance(report.Stored), SnapshotBalance(&corrected), reason, origin)
		if err != nil {
			return err
		}
		out.Corrected, out.Audit = true, rec
		bal = &corrected
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Corrected {
		return out, nil
	}

	s.metrics.ClearDrift(userID)
	s.committed(ctx, bal, nil, admin.ID, ActionReconcileBalance, userID, userID)
	s.logger.Warn().
		Str("admin_id", admin.ID).
		Str("user_id", userID).
		Str("old_balance", out.Report.Stored.CurrentBalance.StringFixed(2)).
		Str("new_balance", bal.CurrentBalance.StringFixed(2)).
		Msg("stored balance corrected from ledger")
	return out, nil
}

// AuditQuery filters the audit trail.
type AuditQuery struct {
	UserID     string
	AdminID    string
	ActionType string
	Limit      int
	Offset     int
}

// AuditPage is one page of the audit trail, newest first.
type AuditPage struct {
	Records []database.AuditRecord `json:"records"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
	HasMore bool                   `json:"has_more"`
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditTrail reads the audit log. It has no side effects.
func (s *Service) AuditTrail(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	records, err := s.store.ListAuditRecords(ctx, database.AuditFilter{
		AffectedUserID: q.UserID,
		AdminID:        q.AdminID,
		ActionType:     q.ActionType,
		Limit:          limit + 1,
		Offset:         offset,
	})
	if err != nil {
		return nil, err
	}

	page := &AuditPage{Limit: limit, Offset: offset}
	if len(records) > limit {
		page.HasMore = true
		records = records[:limit]
	}
	if records == nil {
		records = []database.AuditRecord{}
	}
	page.Records = records
	return page, nil
}

func (s *Service) audit(ctx context.Context, tx database.Tx, admin *database.AdminUser, action, userID, resourceType, resourceID string, before, after Snapshot, reason string, origin Origin) (*database.AuditRecord, error) {
	oldValue, err := EncodeSnapshot(before)
	if err != nil {
		return nil, err
	}
	newValue, err := EncodeSnapshot(after)
	if err != nil {
		return nil, err
	}
	rec := &database.AuditRecord{
		ID:             uuid.New().String(),
		AdminID:        admin.ID,
		ActionType:     action,
		AffectedUserID: userID,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		OldValue:       oldValue,
		NewValue:       newValue,
		Reason:         reason,
		IPAddress:      origin.IPAddress,
		UserAgent:      origin.UserAgent,
		CreatedAt:      s.now(),
	}
	if err := tx.InsertAuditRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to write audit record: %w", err)
	}
	return rec, nil
}

func (s *Service) committed(ctx context.Context, bal *ledger.Balance, e *ledger.Entry, adminID, action, userID, resourceID string) {
	if bal != nil {
		s.projector.Committed(ctx, bal)
	}
	if e != nil {
		s.projector.Observe(e)
	}
	s.metrics.IncAdminAction(action)
	s.bus.PublishAdminAction(adminID, action, userID, resourceID)
}
