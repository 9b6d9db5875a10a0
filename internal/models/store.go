package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence boundary the engine writes through. All mutation
// sequences for one incoming order run inside a single InTx unit.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// OrderByID fetches an order outside a transaction; nil if unknown.
	OrderByID(ctx context.Context, id int64) (*Order, error)
	// OpenOrders returns resting limit orders for a pair in creation order,
	// used to rebuild the in-memory book on startup.
	OpenOrders(ctx context.Context, pair Pair) ([]*Order, error)
}

// Tx exposes the mutations available inside one atomic unit. Implementations
// must make balance updates and the accompanying reservation/trade writes
// visible together or not at all.
type Tx interface {
	// Wallet ledger. Reads return a zero-balance wallet for missing rows.
	Wallet(ctx context.Context, userID int64, currency string) (*Wallet, error)
	DebitAvailable(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error
	CreditAvailable(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error
	CreditReserved(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error
	DebitReserved(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error

	// Fund reservations
	InsertReservation(ctx context.Context, r *FundReservation) error
	ReservationForUpdate(ctx context.Context, id int64) (*FundReservation, error)
	UpdateReservation(ctx context.Context, r *FundReservation) error

	// Orders
	InsertOrder(ctx context.Context, o *Order) error
	OrderForUpdate(ctx context.Context, id int64) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error

	// Trade ledger (append-only)
	InsertTrade(ctx context.Context, t *Trade) error
}

// TradeSource is the read path over the trade ledger used by analytics.
type TradeSource interface {
	// TradesBetween returns trades with executedAt in [from, to), ordered by
	// executedAt ascending.
	TradesBetween(ctx context.Context, pair Pair, from, to time.Time) ([]*Trade, error)
	// LastTradeBefore returns the most recent trade strictly before t,
	// or nil if none exists.
	LastTradeBefore(ctx context.Context, pair Pair, t time.Time) (*Trade, error)
}
