package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const buyerColumns = `id, merchant_id, buyer_user_no, nickname, real_name, notes,
	is_active, orders_auto_released, total_amount_released, created_at, updated_at`

func scanBuyer(row pgx.Row) (*models.TrustedBuyer, error) {
	var b models.TrustedBuyer
	err := row.Scan(&b.ID, &b.MerchantID, &b.BuyerUserNo, &b.NickName, &b.RealName,
		&b.Notes, &b.IsActive, &b.OrdersAutoReleased, &b.TotalAmountReleased,
		&b.CreatedAt, &b.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetTrustedBuyer returns the active allowlist entry for a counterparty
// user number, or ErrNotFound. Deactivated entries do not match.
func (s *PostgresStore) GetTrustedBuyer(ctx context.Context, mc MerchantContext, buyerUserNo string) (*models.TrustedBuyer, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `
		SELECT ` + buyerColumns + ` FROM trusted_buyers
		WHERE buyer_user_no = $1 AND merchant_id = $2 AND is_active = TRUE;
	`
	return scanBuyer(s.pool.QueryRow(ctx, sql, buyerUserNo, mc.MerchantID))
}

// AddTrustedBuyer creates an allowlist entry, or reactivates a previously
// deactivated one with the same user number (stats survive reactivation).
func (s *PostgresStore) AddTrustedBuyer(ctx context.Context, mc MerchantContext,
	buyerUserNo, nickName, realName, notes string) (*models.TrustedBuyer, error) {

	if err := mc.check(); err != nil {
		return nil, err
	}
	if buyerUserNo == "" {
		return nil, fmt.Errorf("buyerUserNo is required: nicknames are mutable on the venue")
	}
	sql := `
		INSERT INTO trusted_buyers (merchant_id, buyer_user_no, nickname, real_name, notes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (buyer_user_no, merchant_id) DO UPDATE SET
			is_active  = TRUE,
			nickname   = EXCLUDED.nickname,
			real_name  = CASE WHEN EXCLUDED.real_name <> '' THEN EXCLUDED.real_name ELSE trusted_buyers.real_name END,
			notes      = CASE WHEN EXCLUDED.notes <> '' THEN EXCLUDED.notes ELSE trusted_buyers.notes END,
			updated_at = NOW()
		RETURNING ` + buyerColumns + `;
	`
	return scanBuyer(s.pool.QueryRow(ctx, sql, mc.MerchantID, buyerUserNo, nickName, realName, notes))
}

// UpdateTrustedBuyer updates the display fields of an entry.
func (s *PostgresStore) UpdateTrustedBuyer(ctx context.Context, mc MerchantContext,
	buyerUserNo, realName, notes string) (*models.TrustedBuyer, error) {

	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `
		UPDATE trusted_buyers SET
			real_name  = CASE WHEN $3 <> '' THEN $3 ELSE real_name END,
			notes      = CASE WHEN $4 <> '' THEN $4 ELSE notes END,
			updated_at = NOW()
		WHERE buyer_user_no = $1 AND merchant_id = $2
		RETURNING ` + buyerColumns + `;
	`
	return scanBuyer(s.pool.QueryRow(ctx, sql, buyerUserNo, mc.MerchantID, realName, notes))
}

// DeactivateTrustedBuyer soft-deletes an entry.
func (s *PostgresStore) DeactivateTrustedBuyer(ctx context.Context, mc MerchantContext, buyerUserNo string) error {
	if err := mc.check(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE trusted_buyers SET is_active = FALSE, updated_at = NOW()
		WHERE buyer_user_no = $1 AND merchant_id = $2;
	`, buyerUserNo, mc.MerchantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTrustedBuyers lists the allowlist; inactive entries are included
// only on request.
func (s *PostgresStore) ListTrustedBuyers(ctx context.Context, mc MerchantContext, includeInactive bool) ([]models.TrustedBuyer, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `
		SELECT ` + buyerColumns + ` FROM trusted_buyers
		WHERE merchant_id = $1 AND (is_active = TRUE OR $2)
		ORDER BY updated_at DESC;
	`
	rows, err := s.pool.Query(ctx, sql, mc.MerchantID, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buyers := make([]models.TrustedBuyer, 0)
	for rows.Next() {
		var b models.TrustedBuyer
		if err := rows.Scan(&b.ID, &b.MerchantID, &b.BuyerUserNo, &b.NickName, &b.RealName,
			&b.Notes, &b.IsActive, &b.OrdersAutoReleased, &b.TotalAmountReleased,
			&b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		buyers = append(buyers, b)
	}
	return buyers, rows.Err()
}

// RecordTrustedAutoRelease increments the shortcut statistics after a
// trusted-buyer match reaches READY_TO_RELEASE.
func (s *PostgresStore) RecordTrustedAutoRelease(ctx context.Context, mc MerchantContext,
	buyerUserNo string, amount decimal.Decimal) error {

	if err := mc.check(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE trusted_buyers SET
			orders_auto_released  = orders_auto_released + 1,
			total_amount_released = total_amount_released + $3,
			updated_at = NOW()
		WHERE buyer_user_no = $1 AND merchant_id = $2;
	`, buyerUserNo, mc.MerchantID, amount)
	return err
}
