package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ============================================================================
// REFERRALS
// ============================================================================

const referralColumns = `id, referrer_id, referee_id, tier_level, parent_referral_id, status,
	first_deposit_made, first_deposit_id, first_deposit_amount, first_deposit_at, created_at, updated_at`

func scanReferral(row pgx.Row) (*Referral, error) {
	var ref Referral
	var status string
	err := row.Scan(
		&ref.ID, &ref.ReferrerID, &ref.RefereeID, &ref.TierLevel, &ref.ParentReferralID, &status,
		&ref.FirstDepositMade, &ref.FirstDepositID, &ref.FirstDepositAmount, &ref.FirstDepositAt,
		&ref.CreatedAt, &ref.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ref.Status = ReferralStatus(status)
	return &ref, nil
}

func getReferral(ctx context.Context, q querier, id string, forUpdate bool) (*Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	ref, err := scanReferral(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapNotFound(err, "referral", id)
	}
	return ref, nil
}

// getReferralByReferee returns the direct (tier 1) referral for a referee.
func getReferralByReferee(ctx context.Context, q querier, refereeID string) (*Referral, error) {
	ref, err := scanReferral(q.QueryRow(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referee_id = $1 AND tier_level = 1`, refereeID))
	if err != nil {
		return nil, wrapNotFound(err, "referral for referee", refereeID)
	}
	return ref, nil
}

// GetReferral returns a referral by id
func (r *Repository) GetReferral(ctx context.Context, id string) (*Referral, error) {
	return getReferral(ctx, r.db.Pool, id, false)
}

// GetReferralByReferee returns the direct referral of a referee
func (r *Repository) GetReferralByReferee(ctx context.Context, refereeID string) (*Referral, error) {
	return getReferralByReferee(ctx, r.db.Pool, refereeID)
}

// ListReferrals returns referrals matching filter, oldest first
func (r *Repository) ListReferrals(ctx context.Context, filter ReferralFilter) ([]Referral, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AwaitingFirstDeposit {
		conds = append(conds, "first_deposit_made = FALSE")
	}

	query := `SELECT ` + referralColumns + ` FROM referrals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at` + limitOffset(&args, filter.Limit, filter.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	var referrals []Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		referrals = append(referrals, *ref)
	}
	return referrals, rows.Err()
}

func (t *pgTx) InsertReferral(ctx context.Context, ref *Referral) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ref.ID, ref.ReferrerID, ref.RefereeID, ref.TierLevel, ref.ParentReferralID, string(ref.Status),
		ref.FirstDepositMade, ref.FirstDepositID, ref.FirstDepositAmount, ref.FirstDepositAt,
		ref.CreatedAt, ref.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

func (t *pgTx) GetReferral(ctx context.Context, id string) (*Referral, error) {
	return getReferral(ctx, t.tx, id, true)
}

func (t *pgTx) GetReferralByReferee(ctx context.Context, refereeID string) (*Referral, error) {
	return getReferralByReferee(ctx, t.tx, refereeID)
}

func (t *pgTx) UpdateReferral(ctx context.Context, ref *Referral) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE referrals SET status = $2, first_deposit_made = $3, first_deposit_id = $4,
			first_deposit_amount = $5, first_deposit_at = $6, updated_at = $7
		WHERE id = $1`,
		ref.ID, string(ref.Status), ref.FirstDepositMade, ref.FirstDepositID,
		ref.FirstDepositAmount, ref.FirstDepositAt, ref.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update referral %s: %w", ref.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("referral", ref.ID)
	}
	return nil
}

func (t *pgTx) CountReferralsByReferrer(ctx context.Context, referrerID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1 AND tier_level = 1`, referrerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return n, nil
}

// ============================================================================
// REFERRAL BONUSES
// ============================================================================

const bonusColumns = `id, referral_id, deposit_id, recipient_id, bonus_type, tier_level, amount, status,
	ledger_entry_id, attempts, last_error, expires_at, distributed_at, created_at, updated_at`

func scanBonus(row pgx.Row) (*ReferralBonus, error) {
	var b ReferralBonus
	var bonusType, status string
	err := row.Scan(
		&b.ID, &b.ReferralID, &b.DepositID, &b.RecipientID, &bonusType, &b.TierLevel, &b.Amount, &status,
		&b.LedgerEntryID, &b.Attempts, &b.LastError, &b.ExpiresAt, &b.DistributedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.BonusType = BonusType(bonusType)
	b.Status = BonusStatus(status)
	return &b, nil
}

// GetBonus returns a referral bonus by id
func (r *Repository) GetBonus(ctx context.Context, id string) (*ReferralBonus, error) {
	b, err := scanBonus(r.db.Pool.QueryRow(ctx,
		`SELECT `+bonusColumns+` FROM referral_bonuses WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNotFound(err, "bonus", id)
	}
	return b, nil
}

// ListBonuses returns bonuses matching filter, oldest first
func (r *Repository) ListBonuses(ctx context.Context, filter BonusFilter) ([]ReferralBonus, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RecipientID != "" {
		args = append(args, filter.RecipientID)
		conds = append(conds, fmt.Sprintf("recipient_id = $%d", len(args)))
	}
	if filter.DepositID != "" {
		args = append(args, filter.DepositID)
		conds = append(conds, fmt.Sprintf("deposit_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + bonusColumns + ` FROM referral_bonuses`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, tier_level` + limitOffset(&args, filter.Limit, filter.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bonuses: %w", err)
	}
	defer rows.Close()

	var bonuses []ReferralBonus
	for rows.Next() {
		b, err := scanBonus(rows)
		if err != nil {
			return nil, err
		}
		bonuses = append(bonuses, *b)
	}
	return bonuses, rows.Err()
}

func (t *pgTx) InsertBonus(ctx context.Context, b *ReferralBonus) (bool, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO referral_bonuses (`+bonusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (referral_id, deposit_id, bonus_type) DO NOTHING
		RETURNING id`,
		b.ID, b.ReferralID, b.DepositID, b.RecipientID, string(b.BonusType), b.TierLevel, b.Amount,
		string(b.Status), b.LedgerEntryID, b.Attempts, b.LastError, b.ExpiresAt, b.DistributedAt,
		b.CreatedAt, b.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert bonus: %w", err)
	}
	return true, nil
}

func (t *pgTx) GetBonus(ctx context.Context, id string) (*ReferralBonus, error) {
	b, err := scanBonus(t.tx.QueryRow(ctx,
		`SELECT `+bonusColumns+` FROM referral_bonuses WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(err, "bonus", id)
	}
	return b, nil
}

func (t *pgTx) UpdateBonus(ctx context.Context, b *ReferralBonus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE referral_bonuses SET amount = $2, status = $3, ledger_entry_id = $4, attempts = $5,
			last_error = $6, distributed_at = $7, updated_at = $8
		WHERE id = $1`,
		b.ID, b.Amount, string(b.Status), b.LedgerEntryID, b.Attempts, b.LastError, b.DistributedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update bonus %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("bonus", b.ID)
	}
	return nil
}
