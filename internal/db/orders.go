package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kitadi/exchange/internal/models"
)

const orderColumns = "id, user_id, side, kind, base_currency, quote_currency, price, quantity, filled_quantity, max_slippage_percent, status, reservation_id, created_at"

// InsertOrder persists a new order and fills in its id and creation time.
func (t *Tx) InsertOrder(ctx context.Context, o *models.Order) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, side, kind, base_currency, quote_currency, price, quantity, filled_quantity, max_slippage_percent, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, o.UserID, o.Side, o.Kind, o.Base, o.Quote, o.Price, o.Quantity, o.FilledQuantity, o.MaxSlippagePercent, o.Status).
		Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// OrderForUpdate locks and returns an order; nil if unknown.
func (t *Tx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	row := t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	return scanOrder(row)
}

// UpdateOrder writes an order's fill progress, status and reservation link.
func (t *Tx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET filled_quantity = $2, status = $3, reservation_id = $4 WHERE id = $1",
		o.ID, o.FilledQuantity, o.Status, nullableID(o.ReservationID))
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %d vanished mid-update", models.ErrInternalInconsistency, o.ID)
	}
	return nil
}

// OrderByID fetches an order outside a transaction; nil if unknown.
func (s *Store) OrderByID(ctx context.Context, id int64) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// OpenOrders returns resting limit orders for a pair in creation order,
// the shape the engine rebuilds its book from on startup.
func (s *Store) OpenOrders(ctx context.Context, pair models.Pair) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE base_currency = $1 AND quote_currency = $2
		  AND kind = 'limit' AND status IN ('pending', 'partially_filled')
		ORDER BY created_at ASC, id ASC
	`, pair.Base, pair.Quote)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// UserOrders retrieves all orders for a user, newest first.
func (s *Store) UserOrders(ctx context.Context, userID int64) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	var reservationID *int64
	err := row.Scan(&o.ID, &o.UserID, &o.Side, &o.Kind, &o.Base, &o.Quote, &o.Price,
		&o.Quantity, &o.FilledQuantity, &o.MaxSlippagePercent, &o.Status, &reservationID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	if reservationID != nil {
		o.ReservationID = *reservationID
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		o := &models.Order{}
		var reservationID *int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.Side, &o.Kind, &o.Base, &o.Quote, &o.Price,
			&o.Quantity, &o.FilledQuantity, &o.MaxSlippagePercent, &o.Status, &reservationID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if reservationID != nil {
			o.ReservationID = *reservationID
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
