package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kitadi/exchange/internal/models"
)

// Fund reservation lifecycle. Every mutation here runs inside the caller's
// transaction together with the order/trade writes it accompanies.

// reserve moves amount from available to reserved and records an active
// reservation tied to the order. Fails with ErrInsufficientFunds when the
// available balance is short.
func reserve(ctx context.Context, tx models.Tx, userID, orderID int64, currency string, amount decimal.Decimal) (*models.FundReservation, error) {
	if err := tx.DebitAvailable(ctx, userID, currency, amount); err != nil {
		return nil, err
	}
	if err := tx.CreditReserved(ctx, userID, currency, amount); err != nil {
		return nil, err
	}
	r := &models.FundReservation{
		UserID:    userID,
		OrderID:   orderID,
		Currency:  currency,
		Amount:    amount,
		Remaining: amount,
		State:     models.ReservationActive,
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// consume permanently removes amount from the reserved balance (the funds
// leave the ledger into a trade settlement). Partial consumption leaves the
// reservation active with a reduced remainder.
func consume(ctx context.Context, tx models.Tx, r *models.FundReservation, amount decimal.Decimal) error {
	if r.State != models.ReservationActive {
		return fmt.Errorf("%w: consuming %s reservation %d", models.ErrInternalInconsistency, r.State, r.ID)
	}
	if amount.GreaterThan(r.Remaining) {
		return fmt.Errorf("%w: reservation %d holds %s, consume of %s requested",
			models.ErrInternalInconsistency, r.ID, r.Remaining, amount)
	}
	if err := tx.DebitReserved(ctx, r.UserID, r.Currency, amount); err != nil {
		return err
	}
	r.Remaining = r.Remaining.Sub(amount)
	return tx.UpdateReservation(ctx, r)
}

// release returns the unconsumed remainder to the available balance and
// retires the reservation as Released. Releasing a non-active reservation
// is a no-op, not an error.
func release(ctx context.Context, tx models.Tx, r *models.FundReservation) error {
	return settleRemainder(ctx, tx, r, models.ReservationReleased)
}

// closeConsumed retires a fully-filled order's reservation as Consumed,
// returning any price-improvement remainder to the available balance.
func closeConsumed(ctx context.Context, tx models.Tx, r *models.FundReservation) error {
	return settleRemainder(ctx, tx, r, models.ReservationConsumed)
}

func settleRemainder(ctx context.Context, tx models.Tx, r *models.FundReservation, state models.ReservationState) error {
	if r.State != models.ReservationActive {
		return nil
	}
	if r.Remaining.IsPositive() {
		if err := tx.DebitReserved(ctx, r.UserID, r.Currency, r.Remaining); err != nil {
			return err
		}
		if err := tx.CreditAvailable(ctx, r.UserID, r.Currency, r.Remaining); err != nil {
			return err
		}
	}
	r.Remaining = decimal.Zero
	r.State = state
	return tx.UpdateReservation(ctx, r)
}
