package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kitadi/exchange/internal/models"
)

// Engine is the two-currency order book trading core. Each pair owns one
// book guarded by one lock: every submission, cancellation and settlement
// for that pair runs under it (single writer per pair), so matching loops
// never interleave and reservations cannot be double-spent. Pairs share
// nothing and schedule independently.
type Engine struct {
	store models.Store
	log   *zap.Logger
	pairs map[string]*pairBook
}

type pairBook struct {
	mu   sync.Mutex
	book *Book
}

// New creates an engine serving the given pairs.
func New(store models.Store, log *zap.Logger, pairs []models.Pair) *Engine {
	e := &Engine{
		store: store,
		log:   log,
		pairs: make(map[string]*pairBook, len(pairs)),
	}
	for _, p := range pairs {
		e.pairs[p.String()] = &pairBook{book: NewBook(p)}
	}
	return e
}

// Rebuild reloads every book from persisted resting orders. OpenOrders
// returns rows in creation order, so re-inserting preserves time priority.
func (e *Engine) Rebuild(ctx context.Context) error {
	for key, pb := range e.pairs {
		pair, err := models.ParsePair(key)
		if err != nil {
			return err
		}
		orders, err := e.store.OpenOrders(ctx, pair)
		if err != nil {
			return fmt.Errorf("rebuild %s book: %w", key, err)
		}
		pb.mu.Lock()
		pb.book = NewBook(pair)
		for _, o := range orders {
			pb.book.Insert(o)
		}
		pb.mu.Unlock()
		e.updateBookGauges(pair, pb.book)
		e.log.Info("order book rebuilt", zap.String("pair", key), zap.Int("resting_orders", len(orders)))
	}
	return nil
}

func (e *Engine) pairBook(p models.Pair) (*pairBook, error) {
	pb, ok := e.pairs[p.String()]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported pair %s", models.ErrValidation, p)
	}
	return pb, nil
}

// SupportsPair reports whether the engine trades the pair.
func (e *Engine) SupportsPair(p models.Pair) bool {
	_, ok := e.pairs[p.String()]
	return ok
}

// PlaceLimitRequest carries a validated limit order submission.
type PlaceLimitRequest struct {
	UserID   int64
	Side     models.Side
	Pair     models.Pair
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// OrderResult reports an order's state back to the caller.
type OrderResult struct {
	OrderID        int64              `json:"order_id"`
	Status         models.OrderStatus `json:"status"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	AvgPrice       decimal.Decimal    `json:"avg_price"`
}

// MarketOrderRequest carries a validated market order submission.
type MarketOrderRequest struct {
	UserID             int64
	Side               models.Side
	Pair               models.Pair
	Quantity           decimal.Decimal
	MaxSlippagePercent decimal.Decimal
}

// ExecutionResult reports a market order's outcome. Partial executions are
// committed and reported even when the remainder is rejected.
type ExecutionResult struct {
	OrderID          int64              `json:"order_id"`
	Status           models.OrderStatus `json:"status"`
	ExecutedQuantity decimal.Decimal    `json:"executed_quantity"`
	ExecutedPrice    decimal.Decimal    `json:"executed_price"`
}

// PlaceLimitOrder admits, matches and (if quantity remains) rests a limit
// order. The whole sequence commits as one atomic unit; the in-memory book
// is only touched after the commit succeeds.
func (e *Engine) PlaceLimitOrder(ctx context.Context, req PlaceLimitRequest) (*OrderResult, error) {
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: quantity and price must be positive", models.ErrValidation)
	}
	if !ledgerScaled(req.Quantity) || !ledgerScaled(req.Price) {
		return nil, fmt.Errorf("%w: price and quantity support at most %d decimal places", models.ErrValidation, quantityPlaces)
	}
	pb, err := e.pairBook(req.Pair)
	if err != nil {
		return nil, err
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	start := time.Now()

	plan := pb.book.planFills(req.Side, models.KindLimit, req.Price, req.Quantity, decimal.Zero)

	order := &models.Order{
		UserID:   req.UserID,
		Side:     req.Side,
		Kind:     models.KindLimit,
		Base:     req.Pair.Base,
		Quote:    req.Pair.Quote,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   models.StatusPending,
	}

	err = e.store.InTx(ctx, func(tx models.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		currency, amount := limitReservation(req)
		res, err := reserve(ctx, tx, req.UserID, order.ID, currency, amount)
		if err != nil {
			return err
		}
		order.ReservationID = res.ID
		if err := e.settleFills(ctx, tx, order, res, plan.fills); err != nil {
			return err
		}
		if !order.Remaining().IsPositive() {
			order.Status = models.StatusFilled
			if err := closeConsumed(ctx, tx, res); err != nil {
				return err
			}
		} else if order.FilledQuantity.IsPositive() {
			order.Status = models.StatusPartiallyFilled
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			ordersPlaced.WithLabelValues(string(models.KindLimit), string(req.Side), "rejected").Inc()
			return nil, err
		}
		e.log.Error("limit order failed",
			zap.Int64("user_id", req.UserID),
			zap.String("pair", req.Pair.String()),
			zap.Error(err))
		return nil, err
	}

	pb.book.applyPlan(plan)
	if order.Remaining().IsPositive() {
		pb.book.Insert(order)
	}
	e.finishOrder(req.Pair, pb.book, models.KindLimit, req.Side, order.Status, len(plan.fills), start)

	return &OrderResult{
		OrderID:        order.ID,
		Status:         order.Status,
		FilledQuantity: order.FilledQuantity,
		AvgPrice:       plan.avgPrice(),
	}, nil
}

// ExecuteMarketOrder matches a market order against resting liquidity within
// its slippage bound. Market orders never rest: the outcome is Filled, or
// Rejected with any partial fills committed and the unused reservation
// portion returned to the available balance.
func (e *Engine) ExecuteMarketOrder(ctx context.Context, req MarketOrderRequest) (*ExecutionResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}
	if !ledgerScaled(req.Quantity) {
		return nil, fmt.Errorf("%w: quantity supports at most %d decimal places", models.ErrValidation, quantityPlaces)
	}
	if req.MaxSlippagePercent.IsNegative() {
		return nil, fmt.Errorf("%w: max slippage percent cannot be negative", models.ErrValidation)
	}
	pb, err := e.pairBook(req.Pair)
	if err != nil {
		return nil, err
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	start := time.Now()

	plan := pb.book.planFills(req.Side, models.KindMarket, decimal.Zero, req.Quantity, req.MaxSlippagePercent)
	if len(plan.fills) == 0 {
		// nothing executable: no state change
		ordersPlaced.WithLabelValues(string(models.KindMarket), string(req.Side), "rejected").Inc()
		return nil, models.ErrInsufficientLiquidity
	}

	order := &models.Order{
		UserID:             req.UserID,
		Side:               req.Side,
		Kind:               models.KindMarket,
		Base:               req.Pair.Base,
		Quote:              req.Pair.Quote,
		Quantity:           req.Quantity,
		MaxSlippagePercent: req.MaxSlippagePercent,
		Status:             models.StatusPending,
	}

	err = e.store.InTx(ctx, func(tx models.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		currency, amount := marketReservation(req, plan)
		res, err := reserve(ctx, tx, req.UserID, order.ID, currency, amount)
		if err != nil {
			return err
		}
		order.ReservationID = res.ID
		if err := e.settleFills(ctx, tx, order, res, plan.fills); err != nil {
			return err
		}
		if !order.Remaining().IsPositive() {
			order.Status = models.StatusFilled
		} else {
			// book exhausted or slippage bound hit: executed trades stand,
			// the remainder is rejected and its reservation portion released
			order.Status = models.StatusRejected
		}
		if order.FilledQuantity.IsPositive() {
			if err := closeConsumed(ctx, tx, res); err != nil {
				return err
			}
		} else if err := release(ctx, tx, res); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			ordersPlaced.WithLabelValues(string(models.KindMarket), string(req.Side), "rejected").Inc()
			return nil, err
		}
		e.log.Error("market order failed",
			zap.Int64("user_id", req.UserID),
			zap.String("pair", req.Pair.String()),
			zap.Error(err))
		return nil, err
	}

	pb.book.applyPlan(plan)
	e.finishOrder(req.Pair, pb.book, models.KindMarket, req.Side, order.Status, len(plan.fills), start)

	result := &ExecutionResult{
		OrderID:          order.ID,
		Status:           order.Status,
		ExecutedQuantity: plan.filled,
		ExecutedPrice:    plan.avgPrice(),
	}
	if order.Status == models.StatusRejected {
		if plan.slippageHit {
			return result, models.ErrSlippageExceeded
		}
		return result, models.ErrInsufficientLiquidity
	}
	return result, nil
}

// CancelOrder removes a resting order and releases its reservation in full
// for the unfilled remainder. Racing a concurrent fill is resolved by the
// pair lock: whichever acquires the turn first wins.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (*OrderResult, error) {
	existing, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.UserID != userID {
		return nil, models.ErrOrderNotFound
	}
	pb, err := e.pairBook(existing.Pair())
	if err != nil {
		return nil, err
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	var result *OrderResult
	err = e.store.InTx(ctx, func(tx models.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return models.ErrOrderNotFound
		}
		if !order.IsOpen() {
			return fmt.Errorf("%w: order %d is %s", models.ErrOrderNotCancellable, orderID, order.Status)
		}
		res, err := tx.ReservationForUpdate(ctx, order.ReservationID)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("%w: order %d has no reservation", models.ErrInternalInconsistency, orderID)
		}
		if err := release(ctx, tx, res); err != nil {
			return err
		}
		order.Status = models.StatusCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		result = &OrderResult{
			OrderID:        order.ID,
			Status:         order.Status,
			FilledQuantity: order.FilledQuantity,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pb.book.Remove(orderID)
	e.updateBookGauges(existing.Pair(), pb.book)
	return result, nil
}

// settleFills persists the planned trades: maker order and reservation
// updates, wallet settlement on both sides, and the trade ledger append.
// The maker receives proceeds immediately on each partial fill.
func (e *Engine) settleFills(ctx context.Context, tx models.Tx, taker *models.Order, takerRes *models.FundReservation, fills []plannedFill) error {
	now := time.Now().UTC()
	for _, f := range fills {
		maker, err := tx.OrderForUpdate(ctx, f.maker.ID)
		if err != nil {
			return err
		}
		if maker == nil || !maker.IsOpen() || maker.Remaining().LessThan(f.qty) {
			return fmt.Errorf("%w: book and store disagree on order %d", models.ErrInternalInconsistency, f.maker.ID)
		}
		makerRes, err := tx.ReservationForUpdate(ctx, maker.ReservationID)
		if err != nil {
			return err
		}
		if makerRes == nil {
			return fmt.Errorf("%w: order %d has no reservation", models.ErrInternalInconsistency, maker.ID)
		}

		cost := f.cost
		trade := &models.Trade{
			Base:       taker.Base,
			Quote:      taker.Quote,
			Price:      f.price,
			Quantity:   f.qty,
			ExecutedAt: now,
		}
		if taker.Side == models.SideBuy {
			trade.BuyOrderID, trade.SellOrderID = taker.ID, maker.ID
			// buyer pays quote from reservation, receives base
			if err := consume(ctx, tx, takerRes, cost); err != nil {
				return err
			}
			if err := tx.CreditAvailable(ctx, taker.UserID, taker.Base, f.qty); err != nil {
				return err
			}
			// seller's reserved base leaves the ledger, quote proceeds arrive
			if err := consume(ctx, tx, makerRes, f.qty); err != nil {
				return err
			}
			if err := tx.CreditAvailable(ctx, maker.UserID, taker.Quote, cost); err != nil {
				return err
			}
		} else {
			trade.BuyOrderID, trade.SellOrderID = maker.ID, taker.ID
			if err := consume(ctx, tx, takerRes, f.qty); err != nil {
				return err
			}
			if err := tx.CreditAvailable(ctx, taker.UserID, taker.Quote, cost); err != nil {
				return err
			}
			if err := consume(ctx, tx, makerRes, cost); err != nil {
				return err
			}
			if err := tx.CreditAvailable(ctx, maker.UserID, taker.Base, f.qty); err != nil {
				return err
			}
		}

		maker.FilledQuantity = maker.FilledQuantity.Add(f.qty)
		if !maker.Remaining().IsPositive() {
			maker.Status = models.StatusFilled
			if err := closeConsumed(ctx, tx, makerRes); err != nil {
				return err
			}
		} else {
			maker.Status = models.StatusPartiallyFilled
		}
		if err := tx.UpdateOrder(ctx, maker); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		taker.FilledQuantity = taker.FilledQuantity.Add(f.qty)
		tradesExecuted.WithLabelValues(taker.Pair().String()).Inc()
	}
	return nil
}

// limitReservation returns the currency and amount a limit order must
// reserve: full notional at the limit price for buys, base quantity for
// sells. The notional rounds down to the ledger scale; every fill cost is
// rounded the same way against a price no higher than the limit, so the
// reservation always covers the consumed total.
func limitReservation(req PlaceLimitRequest) (string, decimal.Decimal) {
	if req.Side == models.SideBuy {
		return req.Pair.Quote, req.Price.Mul(req.Quantity).RoundDown(quantityPlaces)
	}
	return req.Pair.Base, req.Quantity
}

// marketReservation sizes a market order's reservation. Buys reserve the
// planned execution cost (known exactly under the pair lock); sells reserve
// the full requested base quantity, with any unfilled remainder released.
func marketReservation(req MarketOrderRequest, plan fillPlan) (string, decimal.Decimal) {
	if req.Side == models.SideBuy {
		return req.Pair.Quote, plan.cost
	}
	return req.Pair.Base, req.Quantity
}

// applyPlan mutates the book to reflect committed fills.
func (b *Book) applyPlan(plan fillPlan) {
	for _, f := range plan.fills {
		b.reduce(f.maker.ID, f.qty)
	}
}

func (e *Engine) finishOrder(pair models.Pair, book *Book, kind models.OrderKind, side models.Side, status models.OrderStatus, fills int, start time.Time) {
	ordersPlaced.WithLabelValues(string(kind), string(side), string(status)).Inc()
	matchLatency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	e.updateBookGauges(pair, book)
	e.log.Info("order processed",
		zap.String("pair", pair.String()),
		zap.String("kind", string(kind)),
		zap.String("side", string(side)),
		zap.String("status", string(status)),
		zap.Int("fills", fills))
}

func (e *Engine) updateBookGauges(pair models.Pair, book *Book) {
	bids, asks := book.Size()
	restingOrders.WithLabelValues(pair.String(), string(models.SideBuy)).Set(float64(bids))
	restingOrders.WithLabelValues(pair.String(), string(models.SideSell)).Set(float64(asks))
}

// BestBid returns the top-of-book bid for a pair.
func (e *Engine) BestBid(pair models.Pair) (models.PriceLevel, bool) {
	pb, err := e.pairBook(pair)
	if err != nil {
		return models.PriceLevel{}, false
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.book.BestBid()
}

// BestAsk returns the top-of-book ask for a pair.
func (e *Engine) BestAsk(pair models.Pair) (models.PriceLevel, bool) {
	pb, err := e.pairBook(pair)
	if err != nil {
		return models.PriceLevel{}, false
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.book.BestAsk()
}

// Depth returns up to n aggregated levels per side as a consistent snapshot.
func (e *Engine) Depth(pair models.Pair, n int) (bids, asks []models.PriceLevel) {
	pb, err := e.pairBook(pair)
	if err != nil {
		return nil, nil
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.book.Depth(n)
}
