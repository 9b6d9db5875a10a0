package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kitadi/exchange/internal/models"
)

// InsertReservation records a new fund reservation.
func (t *Tx) InsertReservation(ctx context.Context, r *models.FundReservation) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO fund_reservations (user_id, order_id, currency, amount, remaining, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, r.UserID, r.OrderID, r.Currency, r.Amount, r.Remaining, r.State).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

// ReservationForUpdate locks and returns a reservation; nil if unknown.
func (t *Tx) ReservationForUpdate(ctx context.Context, id int64) (*models.FundReservation, error) {
	r := &models.FundReservation{ID: id}
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, order_id, currency, amount, remaining, state, created_at
		FROM fund_reservations WHERE id = $1 FOR UPDATE
	`, id).Scan(&r.UserID, &r.OrderID, &r.Currency, &r.Amount, &r.Remaining, &r.State, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// UpdateReservation writes a reservation's remaining amount and state.
func (t *Tx) UpdateReservation(ctx context.Context, r *models.FundReservation) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE fund_reservations SET remaining = $2, state = $3 WHERE id = $1",
		r.ID, r.Remaining, r.State)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reservation %d vanished mid-update", models.ErrInternalInconsistency, r.ID)
	}
	return nil
}
