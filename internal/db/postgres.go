package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is compiled into the binary at build time so schema init
// works inside the Docker runtime image, which does not copy
// internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("db: not found")
	// ErrMerchantRequired is returned when a tenant-scoped operation is
	// invoked without a merchant context. This is a programming error in
	// the caller, not an input error.
	ErrMerchantRequired = errors.New("db: merchant context required")
)

// MerchantContext scopes every store call to one tenant. The store is
// the only layer that sees raw SQL; it injects the merchant_id predicate
// on every query unless an admin explicitly asks for all merchants.
type MerchantContext struct {
	MerchantID   int64
	IsAdmin      bool
	AllMerchants bool // admin-only: skip the merchant_id predicate
}

func (mc MerchantContext) scoped() bool {
	return !(mc.IsAdmin && mc.AllMerchants)
}

func (mc MerchantContext) check() error {
	if mc.scoped() && mc.MerchantID == 0 {
		return ErrMerchantRequired
	}
	return nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity, used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}

	log.Println("Merchant engine schema initialized")
	return nil
}
