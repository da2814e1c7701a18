package admin

import (
	"context"
	"fmt"
	"strings"

	"investment-ledger/internal/database"
	"investment-ledger/internal/payments"
)

// ApproveWithdrawal approves a pending withdrawal on behalf of adminID.
func (s *Service) ApproveWithdrawal(ctx context.Context, adminID, withdrawalID string, origin Origin) (*database.Withdrawal, error) {
	admin, err := s.Authorize(ctx, adminID, CapAdjustTransactions)
	if err != nil {
		return nil, err
	}
	w, err := s.tracker.ApproveWithdrawal(ctx, withdrawalID, admin.ID,
		s.withdrawalAudit(admin, ActionApproveWithdrawal, "withdrawal approved", origin))
	if err != nil {
		return w, err
	}
	s.reviewed(admin.ID, ActionApproveWithdrawal, w)
	return w, nil
}

// RejectWithdrawal rejects a pending or approved withdrawal and releases its
// reservation.
func (s *Service) RejectWithdrawal(ctx context.Context, adminID, withdrawalID, reason string, origin Origin) (*database.Withdrawal, error) {
	admin, err := s.Authorize(ctx, adminID, CapAdjustTransactions)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("rejection reason is required")
	}
	w, err := s.tracker.RejectWithdrawal(ctx, withdrawalID, admin.ID, reason,
		s.withdrawalAudit(admin, ActionRejectWithdrawal, reason, origin))
	if err != nil {
		return w, err
	}
	s.reviewed(admin.ID, ActionRejectWithdrawal, w)
	return w, nil
}

// CompleteWithdrawal marks an approved withdrawal as paid out.
func (s *Service) CompleteWithdrawal(ctx context.Context, adminID, withdrawalID, externalRef string, origin Origin) (*database.Withdrawal, error) {
	admin, err := s.Authorize(ctx, adminID, CapAdjustTransactions)
	if err != nil {
		return nil, err
	}
	w, err := s.tracker.CompleteWithdrawal(ctx, withdrawalID, externalRef,
		s.withdrawalAudit(admin, ActionCompleteWithdrawal, "withdrawal paid out", origin))
	if err != nil {
		return w, err
	}
	s.reviewed(admin.ID, ActionCompleteWithdrawal, w)
	return w, nil
}

// withdrawalAudit writes the review record inside the tracker's transaction.
func (s *Service) withdrawalAudit(admin *database.AdminUser, action, reason string, origin Origin) payments.WithdrawalHook {
	return func(ctx context.Context, tx database.Tx, before, after database.Withdrawal) error {
		_, err := s.audit(ctx, tx, admin, action, after.UserID, "withdrawal", after.ID,
			SnapshotWithdrawal(&before), SnapshotWithdrawal(&after), reason, origin)
		return err
	}
}

func (s *Service) reviewed(adminID, action string, w *database.Withdrawal) {
	s.metrics.IncAdminAction(action)
	s.bus.PublishAdminAction(adminID, action, w.UserID, w.ID)
	s.logger.Info().
		Str("admin_id", adminID).
		Str("action", action).
		Str("withdrawal_id", w.ID).
		Str("status", string(w.Status)).
		Msg("withdrawal reviewed")
}
