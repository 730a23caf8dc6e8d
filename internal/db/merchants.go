package db

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const merchantColumns = `id, name, email, exchange_uid, clabe_account, is_admin, is_active, created_at, updated_at`

func scanMerchant(row pgx.Row) (*models.Merchant, error) {
	var m models.Merchant
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.ExchangeUID, &m.ClabeAccount,
		&m.IsAdmin, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMerchant returns one merchant by id.
func (s *PostgresStore) GetMerchant(ctx context.Context, id int64) (*models.Merchant, error) {
	sql := `SELECT ` + merchantColumns + ` FROM merchants WHERE id = $1`
	return scanMerchant(s.pool.QueryRow(ctx, sql, id))
}

// GetMerchantByReceiverAccount resolves the tenant for an inbound deposit
// by the receiving CLABE account, which is unique across merchants.
func (s *PostgresStore) GetMerchantByReceiverAccount(ctx context.Context, clabe string) (*models.Merchant, error) {
	sql := `SELECT ` + merchantColumns + ` FROM merchants WHERE clabe_account = $1 AND is_active = TRUE`
	return scanMerchant(s.pool.QueryRow(ctx, sql, clabe))
}

// ListActiveMerchants returns every active tenant; the engine spins one
// positioning loop and one order poller per entry.
func (s *PostgresStore) ListActiveMerchants(ctx context.Context) ([]models.Merchant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	merchants := make([]models.Merchant, 0)
	for rows.Next() {
		var m models.Merchant
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.ExchangeUID, &m.ClabeAccount,
			&m.IsAdmin, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		merchants = append(merchants, m)
	}
	return merchants, rows.Err()
}

// AppendAudit writes one append-only operator action record.
func (s *PostgresStore) AppendAudit(ctx context.Context, mc MerchantContext,
	action, actor string, detail map[string]interface{}) error {

	if err := mc.check(); err != nil {
		return err
	}
	var detailJSON []byte
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		detailJSON = b
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (merchant_id, action, actor, detail) VALUES ($1, $2, $3, $4)`,
		mc.MerchantID, action, actor, detailJSON)
	return err
}
