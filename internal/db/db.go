package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kitadi/exchange/internal/models"
)

// Store wraps a PostgreSQL connection pool. It implements models.Store:
// all engine mutations go through InTx so that wallet, reservation, order
// and trade writes for one request commit or roll back together.
type Store struct {
	Pool *pgxpool.Pool
}

// New initializes a new database connection pool
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.Pool.Close()
}

// InTx runs fn inside one transaction, rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(tx models.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx implements models.Tx over one pgx transaction.
type Tx struct {
	tx pgx.Tx
}
