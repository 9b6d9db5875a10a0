package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kitadi/exchange/internal/models"
)

// amountScale matches the NUMERIC(30,8) wallet columns. Amounts finer than
// this would be rounded on insert and drift from the engine's arithmetic.
const amountScale = 8

// Wallet returns a user's balances in one currency. Missing wallets read as
// zero balances; rows are created lazily by the first credit.
func (t *Tx) Wallet(ctx context.Context, userID int64, currency string) (*models.Wallet, error) {
	return scanWallet(t.tx.QueryRow(ctx,
		"SELECT available, reserved, updated_at FROM wallets WHERE user_id = $1 AND currency = $2",
		userID, currency), userID, currency)
}

// DebitAvailable decrements the available balance, failing with
// ErrInsufficientFunds when the balance is short. The guard lives in the
// UPDATE predicate so concurrent debits cannot overdraw.
func (t *Tx) DebitAvailable(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE wallets SET available = available - $3, updated_at = NOW() WHERE user_id = $1 AND currency = $2 AND available >= $3",
		userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to debit available balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s available for user %d", models.ErrInsufficientFunds, amount, currency, userID)
	}
	return nil
}

// CreditAvailable increments the available balance, creating the wallet row
// on first use.
func (t *Tx) CreditAvailable(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, available, reserved)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET available = wallets.available + EXCLUDED.available, updated_at = NOW()
	`, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to credit available balance: %w", err)
	}
	return nil
}

// CreditReserved increments the reserved balance.
func (t *Tx) CreditReserved(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, available, reserved)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET reserved = wallets.reserved + EXCLUDED.reserved, updated_at = NOW()
	`, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to credit reserved balance: %w", err)
	}
	return nil
}

// DebitReserved decrements the reserved balance. A short reserved balance
// means a reservation was double-spent, which is an invariant violation.
func (t *Tx) DebitReserved(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE wallets SET reserved = reserved - $3, updated_at = NOW() WHERE user_id = $1 AND currency = $2 AND reserved >= $3",
		userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to debit reserved balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reserved balance below %s %s for user %d", models.ErrInternalInconsistency, amount, currency, userID)
	}
	return nil
}

// Balances returns all wallets for a user.
func (s *Store) Balances(ctx context.Context, userID int64) ([]*models.Wallet, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT currency, available, reserved, updated_at FROM wallets WHERE user_id = $1 ORDER BY currency",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	var wallets []*models.Wallet
	for rows.Next() {
		w := &models.Wallet{UserID: userID}
		if err := rows.Scan(&w.Currency, &w.Available, &w.Reserved, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// Deposit credits a user's available balance. This is the external funding
// path; trading operations never create or destroy funds on their own.
func (s *Store) Deposit(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive", models.ErrValidation)
	}
	if !amount.Equal(amount.Truncate(amountScale)) {
		return fmt.Errorf("%w: deposit amount supports at most %d decimal places", models.ErrValidation, amountScale)
	}
	return s.InTx(ctx, func(tx models.Tx) error {
		return tx.CreditAvailable(ctx, userID, currency, amount)
	})
}

func scanWallet(row pgx.Row, userID int64, currency string) (*models.Wallet, error) {
	w := &models.Wallet{UserID: userID, Currency: currency}
	err := row.Scan(&w.Available, &w.Reserved, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		w.Available = decimal.Zero
		w.Reserved = decimal.Zero
		w.UpdatedAt = time.Time{}
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}
