package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ============================================================================
// ADMIN USERS
// ============================================================================

const adminColumns = `id, user_id, role, is_active, can_suspend_users, can_adjust_transactions,
	can_verify_kyc, can_manage_admins, created_at, updated_at`

// GetAdminUser returns an admin profile by id
func (r *Repository) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	var a AdminUser
	var role string
	err := r.db.Pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM admin_users WHERE id = $1`, id).Scan(
		&a.ID, &a.UserID, &role, &a.IsActive, &a.CanSuspendUsers, &a.CanAdjustTransactions,
		&a.CanVerifyKYC, &a.CanManageAdmins, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, wrapNotFound(err, "admin", id)
	}
	a.Role = AdminRole(role)
	return &a, nil
}

// SaveAdminUser upserts an admin profile
func (r *Repository) SaveAdminUser(ctx context.Context, a *AdminUser) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO admin_users (`+adminColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			is_active = EXCLUDED.is_active,
			can_suspend_users = EXCLUDED.can_suspend_users,
			can_adjust_transactions = EXCLUDED.can_adjust_transactions,
			can_verify_kyc = EXCLUDED.can_verify_kyc,
			can_manage_admins = EXCLUDED.can_manage_admins,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.UserID, string(a.Role), a.IsActive, a.CanSuspendUsers, a.CanAdjustTransactions,
		a.CanVerifyKYC, a.CanManageAdmins, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save admin %s: %w", a.ID, err)
	}
	return nil
}

// ============================================================================
// AUDIT LOG
// ============================================================================

const auditColumns = `id, admin_id, action_type, affected_user_id, resource_type, resource_id,
	old_value, new_value, reason, ip_address, user_agent, created_at`

func scanAuditRecord(row pgx.Row) (*AuditRecord, error) {
	var rec AuditRecord
	var oldValue, newValue *string
	err := row.Scan(
		&rec.ID, &rec.AdminID, &rec.ActionType, &rec.AffectedUserID, &rec.ResourceType, &rec.ResourceID,
		&oldValue, &newValue, &rec.Reason, &rec.IPAddress, &rec.UserAgent, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if oldValue != nil {
		rec.OldValue = json.RawMessage(*oldValue)
	}
	if newValue != nil {
		rec.NewValue = json.RawMessage(*newValue)
	}
	return &rec, nil
}

// ListAuditRecords returns admin log rows matching filter, newest first
func (r *Repository) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.AffectedUserID != "" {
		args = append(args, filter.AffectedUserID)
		conds = append(conds, fmt.Sprintf("affected_user_id = $%d", len(args)))
	}
	if filter.AdminID != "" {
		args = append(args, filter.AdminID)
		conds = append(conds, fmt.Sprintf("admin_id = $%d", len(args)))
	}
	if filter.ActionType != "" {
		args = append(args, filter.ActionType)
		conds = append(conds, fmt.Sprintf("action_type = $%d", len(args)))
	}

	query := `SELECT ` + auditColumns + ` FROM admin_audit_log`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY seq DESC` + limitOffset(&args, filter.Limit, filter.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (t *pgTx) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO admin_audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12)`,
		rec.ID, rec.AdminID, rec.ActionType, rec.AffectedUserID, rec.ResourceType, rec.ResourceID,
		jsonText(rec.OldValue), jsonText(rec.NewValue), rec.Reason, rec.IPAddress, rec.UserAgent, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func jsonText(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
