package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a side string
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	}
	return "", fmt.Errorf("%w: side must be 'buy' or 'sell'", ErrValidation)
}

// OrderKind distinguishes limit and market orders
type OrderKind string

const (
	KindLimit  OrderKind = "limit"
	KindMarket OrderKind = "market"
)

// OrderStatus values; transitions are monotonic
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Pair identifies a currency pair, e.g. EUR/AOA
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// ParsePair parses "EUR/AOA" style pair strings
func ParsePair(s string) (Pair, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: invalid pair %q", ErrValidation, s)
	}
	return Pair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

// Wallet holds one user's balances in one currency.
// Available and Reserved never go negative; they move only through
// reservation and settlement operations.
type Wallet struct {
	UserID    int64
	Currency  string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// ReservationState of a fund reservation
type ReservationState string

const (
	ReservationActive   ReservationState = "active"
	ReservationReleased ReservationState = "released"
	ReservationConsumed ReservationState = "consumed"
)

// FundReservation earmarks wallet funds against an open order.
// Remaining tracks the unconsumed portion while the reservation is active.
type FundReservation struct {
	ID        int64
	UserID    int64
	OrderID   int64
	Currency  string
	Amount    decimal.Decimal
	Remaining decimal.Decimal
	State     ReservationState
	CreatedAt time.Time
}

// Order is a limit or market order. Price is zero for market orders;
// MaxSlippagePercent is zero for limit orders.
type Order struct {
	ID                 int64
	UserID             int64
	Side               Side
	Kind               OrderKind
	Base               string
	Quote              string
	Price              decimal.Decimal
	Quantity           decimal.Decimal
	FilledQuantity     decimal.Decimal
	MaxSlippagePercent decimal.Decimal
	Status             OrderStatus
	ReservationID      int64
	CreatedAt          time.Time
}

// Pair returns the order's currency pair
func (o *Order) Pair() Pair {
	return Pair{Base: o.Base, Quote: o.Quote}
}

// Remaining is the unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsOpen reports whether the order can still trade or be cancelled
func (o *Order) IsOpen() bool {
	return o.Status == StatusPending || o.Status == StatusPartiallyFilled
}

// Trade is an immutable record of an execution. Price is always the
// resting (maker) order's price.
type Trade struct {
	ID          int64
	BuyOrderID  int64
	SellOrderID int64
	Base        string
	Quote       string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedAt  time.Time
}

// PriceLevel is one aggregated order book level
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}
