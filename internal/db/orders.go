package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const orderColumns = `id, merchant_id, order_number, side, asset, fiat, unit_price, total_price,
	buyer_nickname, buyer_real_name, buyer_user_no, status, verification_status,
	created_at, paid_at, released_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.MerchantID, &o.OrderNumber, &o.Side, &o.Asset, &o.Fiat,
		&o.UnitPrice, &o.TotalPrice, &o.BuyerNickName, &o.BuyerRealName, &o.BuyerUserNo,
		&o.Status, &o.VerificationStatus, &o.CreatedAt, &o.PaidAt, &o.ReleasedAt, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// SaveOrder upserts an order snapshot on (order_number, merchant_id).
// Only status, counterparty fields and the paid timestamp may change over
// an order's lifetime; verification state is never touched here.
// The second return value is true when the row was newly inserted.
func (s *PostgresStore) SaveOrder(ctx context.Context, mc MerchantContext, o *models.Order) (*models.Order, bool, error) {
	if err := mc.check(); err != nil {
		return nil, false, err
	}
	o.MerchantID = mc.MerchantID

	sql := `
		INSERT INTO orders (merchant_id, order_number, side, asset, fiat, unit_price, total_price,
			buyer_nickname, buyer_real_name, buyer_user_no, status, verification_status, created_at, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'AWAITING_PAYMENT', $12, $13)
		ON CONFLICT (order_number, merchant_id) DO UPDATE SET
			status          = EXCLUDED.status,
			buyer_nickname  = EXCLUDED.buyer_nickname,
			buyer_real_name = CASE WHEN EXCLUDED.buyer_real_name <> '' THEN EXCLUDED.buyer_real_name ELSE orders.buyer_real_name END,
			buyer_user_no   = CASE WHEN EXCLUDED.buyer_user_no <> '' THEN EXCLUDED.buyer_user_no ELSE orders.buyer_user_no END,
			paid_at         = COALESCE(orders.paid_at, EXCLUDED.paid_at),
			updated_at      = NOW()
		RETURNING ` + orderColumns + `, (xmax = 0) AS inserted;
	`
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	row := s.pool.QueryRow(ctx, sql, mc.MerchantID, o.OrderNumber, o.Side, o.Asset, o.Fiat,
		o.UnitPrice, o.TotalPrice, o.BuyerNickName, o.BuyerRealName, o.BuyerUserNo,
		o.Status, createdAt, o.PaidAt)

	var saved models.Order
	var inserted bool
	err := row.Scan(&saved.ID, &saved.MerchantID, &saved.OrderNumber, &saved.Side, &saved.Asset,
		&saved.Fiat, &saved.UnitPrice, &saved.TotalPrice, &saved.BuyerNickName, &saved.BuyerRealName,
		&saved.BuyerUserNo, &saved.Status, &saved.VerificationStatus, &saved.CreatedAt,
		&saved.PaidAt, &saved.ReleasedAt, &saved.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("save order %s: %w", o.OrderNumber, err)
	}
	return &saved, inserted, nil
}

// GetOrderByNumber returns one order by its exchange order number.
func (s *PostgresStore) GetOrderByNumber(ctx context.Context, mc MerchantContext, orderNumber string) (*models.Order, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1 AND merchant_id = $2`
	return scanOrder(s.pool.QueryRow(ctx, sql, orderNumber, mc.MerchantID))
}

// GetOrderByID returns one order by local row id, merchant-scoped.
func (s *PostgresStore) GetOrderByID(ctx context.Context, mc MerchantContext, id int64) (*models.Order, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND merchant_id = $2`
	return scanOrder(s.pool.QueryRow(ctx, sql, id, mc.MerchantID))
}

// ListCandidateOrders returns orders whose total price is within
// tolerancePercent of amount, in one of the given statuses, with the
// paid (or created) timestamp inside [since, until]. Most recent first.
func (s *PostgresStore) ListCandidateOrders(ctx context.Context, mc MerchantContext,
	amount decimal.Decimal, tolerancePercent float64, since, until time.Time,
	statuses []models.OrderStatus) ([]models.Order, error) {

	if err := mc.check(); err != nil {
		return nil, err
	}

	tol := decimal.NewFromFloat(tolerancePercent / 100.0)
	lo := amount.Mul(decimal.NewFromInt(1).Sub(tol))
	hi := amount.Mul(decimal.NewFromInt(1).Add(tol))

	statusList := make([]string, len(statuses))
	for i, st := range statuses {
		statusList[i] = string(st)
	}

	sql := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE merchant_id = $1
		  AND status = ANY($2)
		  AND total_price BETWEEN $3 AND $4
		  AND COALESCE(paid_at, created_at) BETWEEN $5 AND $6
		ORDER BY COALESCE(paid_at, created_at) DESC
		LIMIT 50;
	`
	rows, err := s.pool.Query(ctx, sql, mc.MerchantID, statusList, lo, hi, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.MerchantID, &o.OrderNumber, &o.Side, &o.Asset, &o.Fiat,
			&o.UnitPrice, &o.TotalPrice, &o.BuyerNickName, &o.BuyerRealName, &o.BuyerUserNo,
			&o.Status, &o.VerificationStatus, &o.CreatedAt, &o.PaidAt, &o.ReleasedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrderCounterparty backfills the KYC real name and user number
// captured from the order-detail call.
func (s *PostgresStore) UpdateOrderCounterparty(ctx context.Context, mc MerchantContext, orderID int64, realName, userNo string) error {
	if err := mc.check(); err != nil {
		return err
	}
	sql := `
		UPDATE orders SET
			buyer_real_name = CASE WHEN $3 <> '' THEN $3 ELSE buyer_real_name END,
			buyer_user_no   = CASE WHEN $4 <> '' THEN $4 ELSE buyer_user_no END,
			updated_at = NOW()
		WHERE id = $1 AND merchant_id = $2;
	`
	_, err := s.pool.Exec(ctx, sql, orderID, mc.MerchantID, realName, userNo)
	return err
}

// AdvanceVerification performs the compare-and-set transition guard for
// the verification state machine: the order's verification_status must
// currently be one of `from` for the update to apply. An empty `from`
// allows the transition from any non-terminal state (used by the
// catch-all manual-review path). Returns false when another worker won
// the race (or the order already moved on).
func (s *PostgresStore) AdvanceVerification(ctx context.Context, orderID int64,
	from []models.VerificationStatus, to models.VerificationStatus) (bool, error) {

	var sql string
	args := []interface{}{to, orderID}
	if len(from) == 0 {
		sql = `
			UPDATE orders SET verification_status = $1, updated_at = NOW()
			WHERE id = $2 AND verification_status NOT IN ('RELEASED', 'MANUAL_REVIEW');
		`
	} else {
		fromList := make([]string, len(from))
		for i, st := range from {
			fromList[i] = string(st)
		}
		sql = `
			UPDATE orders SET verification_status = $1, updated_at = NOW()
			WHERE id = $2 AND verification_status = ANY($3);
		`
		args = append(args, fromList)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendVerificationStep appends one timeline entry. Entries are never
// mutated; ordering is the monotonic insert order.
func (s *PostgresStore) AppendVerificationStep(ctx context.Context, orderID int64,
	status models.VerificationStatus, message string, details map[string]interface{}) error {

	var detailsJSON []byte
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal step details: %w", err)
		}
		detailsJSON = b
	}
	sql := `INSERT INTO verification_steps (order_id, status, message, details) VALUES ($1, $2, $3, $4);`
	_, err := s.pool.Exec(ctx, sql, orderID, status, message, detailsJSON)
	return err
}

// ListVerificationSteps returns the timeline for one order in insert order.
func (s *PostgresStore) ListVerificationSteps(ctx context.Context, orderID int64) ([]models.VerificationStep, error) {
	sql := `
		SELECT id, order_id, status, message, details, created_at
		FROM verification_steps WHERE order_id = $1 ORDER BY id ASC;
	`
	rows, err := s.pool.Query(ctx, sql, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]models.VerificationStep, 0)
	for rows.Next() {
		var st models.VerificationStep
		var detailsJSON []byte
		if err := rows.Scan(&st.ID, &st.OrderID, &st.Status, &st.Message, &detailsJSON, &st.CreatedAt); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &st.Details)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// CountVerificationSteps reports the timeline length, used to detect a
// newly-observed order with no prior verification activity.
func (s *PostgresStore) CountVerificationSteps(ctx context.Context, orderID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM verification_steps WHERE order_id = $1`, orderID).Scan(&n)
	return n, err
}

// MarkOrderReleased records the terminal release: the order freezes and
// its linked payments flip to RELEASED in the same transaction.
func (s *PostgresStore) MarkOrderReleased(ctx context.Context, mc MerchantContext, orderID int64) error {
	if err := mc.check(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE orders SET verification_status = 'RELEASED', released_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND merchant_id = $2 AND verification_status = 'READY_TO_RELEASE';
	`, orderID, mc.MerchantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d is not ready to release: %w", orderID, ErrNotFound)
	}

	_, err = tx.Exec(ctx, `
		UPDATE payments SET status = 'RELEASED'
		WHERE matched_order_id = $1 AND merchant_id = $2 AND status = 'MATCHED';
	`, orderID, mc.MerchantID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
