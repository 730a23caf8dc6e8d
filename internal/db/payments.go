package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/p2p-merchant-engine/pkg/models"
)

const paymentColumns = `id, merchant_id, transaction_id, amount, currency, sender_name,
	sender_account, receiver_account, concept, bank_timestamp, bank_reference,
	status, matched_order_id, matched_at, method, created_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.MerchantID, &p.TransactionID, &p.Amount, &p.Currency,
		&p.SenderName, &p.SenderAccount, &p.ReceiverAccount, &p.Concept,
		&p.BankTimestamp, &p.BankReference, &p.Status, &p.MatchedOrderID,
		&p.MatchedAt, &p.Method, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayments(rows pgx.Rows) ([]models.Payment, error) {
	defer rows.Close()
	payments := make([]models.Payment, 0)
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.MerchantID, &p.TransactionID, &p.Amount, &p.Currency,
			&p.SenderName, &p.SenderAccount, &p.ReceiverAccount, &p.Concept,
			&p.BankTimestamp, &p.BankReference, &p.Status, &p.MatchedOrderID,
			&p.MatchedAt, &p.Method, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// SavePayment persists a deposit notification, idempotent on
// (transaction_id, merchant_id). A re-insert returns the existing row
// with duplicate=true and leaves its status untouched.
func (s *PostgresStore) SavePayment(ctx context.Context, mc MerchantContext, p *models.Payment) (*models.Payment, bool, error) {
	if err := mc.check(); err != nil {
		return nil, false, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	if p.Method == "" {
		p.Method = models.MethodBankWebhook
	}

	sql := `
		INSERT INTO payments (id, merchant_id, transaction_id, amount, currency, sender_name,
			sender_account, receiver_account, concept, bank_timestamp, bank_reference, status, method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (transaction_id, merchant_id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, sql, p.ID, mc.MerchantID, p.TransactionID, p.Amount, p.Currency,
		p.SenderName, p.SenderAccount, p.ReceiverAccount, p.Concept, p.BankTimestamp,
		p.BankReference, p.Status, p.Method)
	if err != nil {
		return nil, false, fmt.Errorf("save payment %s: %w", p.TransactionID, err)
	}

	saved, err := s.GetPaymentByTransactionID(ctx, mc, p.TransactionID)
	if err != nil {
		return nil, false, err
	}
	duplicate := tag.RowsAffected() == 0
	return saved, duplicate, nil
}

// GetPaymentByTransactionID returns one payment, merchant-scoped.
func (s *PostgresStore) GetPaymentByTransactionID(ctx context.Context, mc MerchantContext, transactionID string) (*models.Payment, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1 AND merchant_id = $2`
	return scanPayment(s.pool.QueryRow(ctx, sql, transactionID, mc.MerchantID))
}

// ListPendingPayments returns unmatched payments for the operator queue,
// newest first.
func (s *PostgresStore) ListPendingPayments(ctx context.Context, mc MerchantContext, limit int) ([]models.Payment, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE merchant_id = $1 AND status = 'PENDING'
		ORDER BY bank_timestamp DESC LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, mc.MerchantID, limit)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// ListUnmatchedPayments returns PENDING payments whose amount falls inside
// [lo, hi] with a bank timestamp in [since, until]. Used by Trigger B of
// the matcher (order observed paid, looking for the deposit).
func (s *PostgresStore) ListUnmatchedPayments(ctx context.Context, mc MerchantContext,
	lo, hi decimal.Decimal, since, until time.Time) ([]models.Payment, error) {

	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE merchant_id = $1 AND status = 'PENDING'
		  AND amount BETWEEN $2 AND $3
		  AND bank_timestamp BETWEEN $4 AND $5
		ORDER BY bank_timestamp DESC;
	`
	rows, err := s.pool.Query(ctx, sql, mc.MerchantID, lo, hi, since, until)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// MatchPaymentToOrder links a payment to an order with a compare-and-set
// on the payment status, making the match at-most-once: only a PENDING
// payment can transition to MATCHED. Returns false when another worker
// already matched (or discarded) the payment.
func (s *PostgresStore) MatchPaymentToOrder(ctx context.Context, mc MerchantContext,
	transactionID string, orderID int64, method models.VerificationMethod) (bool, error) {

	if err := mc.check(); err != nil {
		return false, err
	}
	sql := `
		UPDATE payments SET status = 'MATCHED', matched_order_id = $3, matched_at = NOW(), method = $4
		WHERE transaction_id = $1 AND merchant_id = $2 AND status = 'PENDING';
	`
	tag, err := s.pool.Exec(ctx, sql, transactionID, mc.MerchantID, orderID, method)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DiscardPayment marks a PENDING payment as FAILED (operator judged it a
// third-party deposit unrelated to any order). CAS on PENDING.
func (s *PostgresStore) DiscardPayment(ctx context.Context, mc MerchantContext, transactionID string) (bool, error) {
	if err := mc.check(); err != nil {
		return false, err
	}
	sql := `
		UPDATE payments SET status = 'FAILED'
		WHERE transaction_id = $1 AND merchant_id = $2 AND status = 'PENDING';
	`
	tag, err := s.pool.Exec(ctx, sql, transactionID, mc.MerchantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListPaymentsForOrder returns every payment linked to an order.
func (s *PostgresStore) ListPaymentsForOrder(ctx context.Context, mc MerchantContext, orderID int64) ([]models.Payment, error) {
	if err := mc.check(); err != nil {
		return nil, err
	}
	sql := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE merchant_id = $1 AND matched_order_id = $2
		ORDER BY bank_timestamp ASC;
	`
	rows, err := s.pool.Query(ctx, sql, mc.MerchantID, orderID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}
