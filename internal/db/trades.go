package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kitadi/exchange/internal/models"
)

const tradeColumns = "id, buy_order_id, sell_order_id, base_currency, quote_currency, price, quantity, executed_at"

// InsertTrade appends to the trade ledger. Trades are immutable: there is
// no update or delete path.
func (t *Tx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, base_currency, quote_currency, price, quantity, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, trade.BuyOrderID, trade.SellOrderID, trade.Base, trade.Quote, trade.Price, trade.Quantity, trade.ExecutedAt).
		Scan(&trade.ID)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// TradesBetween returns a pair's trades with executedAt in [from, to),
// ordered by execution time.
func (s *Store) TradesBetween(ctx context.Context, pair models.Pair, from, to time.Time) ([]*models.Trade, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE base_currency = $1 AND quote_currency = $2
		  AND executed_at >= $3 AND executed_at < $4
		ORDER BY executed_at ASC, id ASC
	`, pair.Base, pair.Quote, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// LastTradeBefore returns the most recent trade strictly before t, or nil.
func (s *Store) LastTradeBefore(ctx context.Context, pair models.Pair, t time.Time) (*models.Trade, error) {
	trade := &models.Trade{}
	err := s.Pool.QueryRow(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE base_currency = $1 AND quote_currency = $2 AND executed_at < $3
		ORDER BY executed_at DESC, id DESC
		LIMIT 1
	`, pair.Base, pair.Quote, t).Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID,
		&trade.Base, &trade.Quote, &trade.Price, &trade.Quantity, &trade.ExecutedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last trade: %w", err)
	}
	return trade, nil
}

// UserTrades retrieves all trades touching a user's orders, newest first.
func (s *Store) UserTrades(ctx context.Context, userID int64) ([]*models.Trade, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT t.id, t.buy_order_id, t.sell_order_id, t.base_currency, t.quote_currency, t.price, t.quantity, t.executed_at
		FROM trades t
		JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id
		WHERE o.user_id = $1
		ORDER BY t.executed_at DESC, t.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]*models.Trade, error) {
	var trades []*models.Trade
	for rows.Next() {
		t := &models.Trade{}
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Base, &t.Quote,
			&t.Price, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
