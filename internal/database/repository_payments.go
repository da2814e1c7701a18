package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ============================================================================
// DEPOSITS
// ============================================================================

const depositColumns = `id, user_id, entry_id, amount, method, status, external_ref, failure_reason,
	created_at, updated_at, confirmed_at`

func scanDeposit(row pgx.Row) (*Deposit, error) {
	var d Deposit
	var status string
	err := row.Scan(
		&d.ID, &d.UserID, &d.EntryID, &d.Amount, &d.Method, &status, &d.ExternalRef,
		&d.FailureReason, &d.CreatedAt, &d.UpdatedAt, &d.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DepositStatus(status)
	return &d, nil
}

// GetDeposit returns a deposit by id
func (r *Repository) GetDeposit(ctx context.Context, id string) (*Deposit, error) {
	d, err := scanDeposit(r.db.Pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound(err, "deposit", id)
	}
	return d, nil
}

// ListDeposits returns deposits matching filter, newest first
func (r *Repository) ListDeposits(ctx context.Context, filter DepositFilter) ([]Deposit, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := `SELECT ` + depositColumns + ` FROM deposits`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC` + limitOffset(&args, filter.Limit, filter.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	defer rows.Close()

	var deposits []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

func (t *pgTx) InsertDeposit(ctx context.Context, d *Deposit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO deposits (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.UserID, d.EntryID, d.Amount, d.Method, string(d.Status), d.ExternalRef,
		d.FailureReason, d.CreatedAt, d.UpdatedAt, d.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert deposit: %w", err)
	}
	return nil
}

func (t *pgTx) GetDeposit(ctx context.Context, id string) (*Deposit, error) {
	d, err := scanDeposit(t.tx.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(err, "deposit", id)
	}
	return d, nil
}

func (t *pgTx) UpdateDeposit(ctx context.Context, d *Deposit) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE deposits SET status = $2, external_ref = $3, failure_reason = $4,
			updated_at = $5, confirmed_at = $6
		WHERE id = $1`,
		d.ID, string(d.Status), d.ExternalRef, d.FailureReason, d.UpdatedAt, d.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update deposit %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("deposit", d.ID)
	}
	return nil
}

// ============================================================================
// WITHDRAWALS
// ============================================================================

const withdrawalColumns = `id, user_id, entry_id, amount, method, destination, status, external_ref,
	rejection_reason, reviewed_by, created_at, updated_at, processed_at`

func scanWithdrawal(row pgx.Row) (*Withdrawal, error) {
	var w Withdrawal
	var status string
	err := row.Scan(
		&w.ID, &w.UserID, &w.EntryID, &w.Amount, &w.Method, &w.Destination, &status,
		&w.ExternalRef, &w.RejectionReason, &w.ReviewedBy, &w.CreatedAt, &w.UpdatedAt, &w.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	return &w, nil
}

// GetWithdrawal returns a withdrawal by id
func (r *Repository) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(r.db.Pool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound(err, "withdrawal", id)
	}
	return w, nil
}

// ListWithdrawals returns withdrawals matching filter, newest first
func (r *Repository) ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC` + limitOffset(&args, filter.Limit, filter.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, *w)
	}
	return withdrawals, rows.Err()
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.UserID, w.EntryID, w.Amount, w.Method, w.Destination, string(w.Status),
		w.ExternalRef, w.RejectionReason, w.ReviewedBy, w.CreatedAt, w.UpdatedAt, w.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (t *pgTx) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(t.tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(err, "withdrawal", id)
	}
	return w, nil
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE withdrawals SET status = $2, external_ref = $3, rejection_reason = $4,
			reviewed_by = $5, updated_at = $6, processed_at = $7
		WHERE id = $1`,
		w.ID, string(w.Status), w.ExternalRef, w.RejectionReason, w.ReviewedBy, w.UpdatedAt, w.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("withdrawal", w.ID)
	}
	return nil
}

// limitOffset appends LIMIT/OFFSET placeholders for positive values.
func limitOffset(args *[]any, limit, offset int) string {
	clause := ""
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
