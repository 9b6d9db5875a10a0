package engine

import (
	"github.com/shopspring/decimal"

	"github.com/kitadi/exchange/internal/models"
)

// quantityPlaces is the ledger scale. Quantities and derived costs are kept
// to 8 decimal places, matching the store's NUMERIC(30,8) columns; anything
// finer would be rounded on insert and drift from the amounts settled here.
const quantityPlaces = 8

var oneHundred = decimal.NewFromInt(100)

// ledgerScaled reports whether d fits the ledger scale without rounding.
func ledgerScaled(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(quantityPlaces))
}

// plannedFill is one maker execution the matching loop intends to commit.
// cost is the fill's quote-currency notional at the ledger scale; settlement
// uses it verbatim so the consumed amounts always match what was reserved.
type plannedFill struct {
	maker *bookOrder
	price decimal.Decimal
	qty   decimal.Decimal
	cost  decimal.Decimal
}

// fillPlan is the outcome of walking the opposite side of the book without
// mutating it. The plan is persisted first; the book is only touched after
// the transaction commits.
type fillPlan struct {
	fills       []plannedFill
	filled      decimal.Decimal
	cost        decimal.Decimal // filled quantity priced in the quote currency
	slippageHit bool
}

func (p fillPlan) avgPrice() decimal.Decimal {
	if !p.filled.IsPositive() {
		return decimal.Zero
	}
	return p.cost.Div(p.filled).Round(quantityPlaces)
}

// planFills walks resting liquidity in price-time order and computes the
// trades a taker order would produce. Limit takers stop at the first
// non-crossing level; market takers stop when the running average execution
// price would deviate from the first fill's price by more than maxSlippage
// percent, taking the exact partial quantity that stays on the bound.
func (b *Book) planFills(side models.Side, kind models.OrderKind, limitPrice, quantity, maxSlippage decimal.Decimal) fillPlan {
	plan := fillPlan{filled: decimal.Zero, cost: decimal.Zero}
	remaining := quantity

	opposite := b.asks
	if side == models.SideSell {
		opposite = b.bids
	}

	var firstPrice decimal.Decimal
	for _, level := range opposite {
		if kind == models.KindLimit && !crosses(side, limitPrice, level.price) {
			return plan
		}
		for el := level.orders.Front(); el != nil; el = el.Next() {
			maker := el.Value.(*bookOrder)
			want := decimal.Min(remaining, maker.Remaining)
			take := want
			if kind == models.KindMarket {
				take = capAtSlippage(side, firstPrice, plan.cost, plan.filled, level.price, want, maxSlippage)
				if !take.IsPositive() {
					plan.slippageHit = true
					return plan
				}
			}
			if !firstPrice.IsPositive() {
				firstPrice = level.price
			}
			cost := level.price.Mul(take).RoundDown(quantityPlaces)
			plan.fills = append(plan.fills, plannedFill{maker: maker, price: level.price, qty: take, cost: cost})
			plan.filled = plan.filled.Add(take)
			plan.cost = plan.cost.Add(cost)
			remaining = remaining.Sub(take)
			if take.LessThan(want) {
				// capped below the maker's size: the bound is reached
				plan.slippageHit = true
				return plan
			}
			if !remaining.IsPositive() {
				return plan
			}
		}
	}
	return plan
}

// crosses reports whether a limit taker's price meets a resting price.
func crosses(side models.Side, takerPrice, restingPrice decimal.Decimal) bool {
	if side == models.SideBuy {
		return takerPrice.GreaterThanOrEqual(restingPrice)
	}
	return takerPrice.LessThanOrEqual(restingPrice)
}

// capAtSlippage limits a prospective fill so the running volume-weighted
// average price stays within maxSlippage percent of the first fill's price.
// The first fill is always within bound by definition.
func capAtSlippage(side models.Side, firstPrice, cost, filled, price, want, maxSlippage decimal.Decimal) decimal.Decimal {
	if !filled.IsPositive() {
		return want
	}
	frac := maxSlippage.Div(oneHundred)
	if side == models.SideBuy {
		bound := firstPrice.Mul(decimal.NewFromInt(1).Add(frac))
		if price.LessThanOrEqual(bound) {
			return want
		}
		// largest q with (cost + price*q) / (filled + q) <= bound
		room := bound.Mul(filled).Sub(cost)
		q := room.Div(price.Sub(bound)).RoundDown(quantityPlaces)
		return clampQuantity(q, want)
	}
	bound := firstPrice.Mul(decimal.NewFromInt(1).Sub(frac))
	if price.GreaterThanOrEqual(bound) {
		return want
	}
	// largest q with (cost + price*q) / (filled + q) >= bound
	room := cost.Sub(bound.Mul(filled))
	q := room.Div(bound.Sub(price)).RoundDown(quantityPlaces)
	return clampQuantity(q, want)
}

func clampQuantity(q, want decimal.Decimal) decimal.Decimal {
	if q.GreaterThan(want) {
		return want
	}
	if !q.IsPositive() {
		return decimal.Zero
	}
	return q
}
