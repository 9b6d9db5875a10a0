package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kitadi/exchange/internal/db"
	"github.com/kitadi/exchange/internal/models"
)

func newTestEngine(t *testing.T) (*Engine, *db.MemStore) {
	t.Helper()
	store := db.NewMemStore()
	return New(store, zap.NewNop(), []models.Pair{testPair}), store
}

func fund(t *testing.T, store *db.MemStore, userID int64, currency, amount string) {
	t.Helper()
	require.NoError(t, store.Deposit(context.Background(), userID, currency, d(amount)))
}

func wallet(t *testing.T, store *db.MemStore, userID int64, currency string) *models.Wallet {
	t.Helper()
	wallets, err := store.Balances(context.Background(), userID)
	require.NoError(t, err)
	for _, w := range wallets {
		if w.Currency == currency {
			return w
		}
	}
	return &models.Wallet{UserID: userID, Currency: currency, Available: decimal.Zero, Reserved: decimal.Zero}
}

func requireBalance(t *testing.T, store *db.MemStore, userID int64, currency, available, reserved string) {
	t.Helper()
	w := wallet(t, store, userID, currency)
	require.True(t, w.Available.Equal(d(available)),
		"user %d %s available: want %s, got %s", userID, currency, available, w.Available)
	require.True(t, w.Reserved.Equal(d(reserved)),
		"user %d %s reserved: want %s, got %s", userID, currency, reserved, w.Reserved)
}

func placeLimit(t *testing.T, eng *Engine, userID int64, side models.Side, price, qty string) *OrderResult {
	t.Helper()
	result, err := eng.PlaceLimitOrder(context.Background(), PlaceLimitRequest{
		UserID:   userID,
		Side:     side,
		Pair:     testPair,
		Price:    d(price),
		Quantity: d(qty),
	})
	require.NoError(t, err)
	return result
}

func TestPlaceLimitOrder_RestsAndReserves(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "AOA", "100000")

	result := placeLimit(t, eng, 1, models.SideBuy, "1020", "10")
	require.Equal(t, models.StatusPending, result.Status)
	require.True(t, result.FilledQuantity.IsZero())

	best, ok := eng.BestBid(testPair)
	require.True(t, ok)
	require.True(t, best.Price.Equal(d("1020")))
	require.True(t, best.Quantity.Equal(d("10")))

	requireBalance(t, store, 1, "AOA", "89800", "10200")
}

func TestPlaceLimitOrder_InsufficientFundsLeavesNoTrace(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "AOA", "100")

	_, err := eng.PlaceLimitOrder(context.Background(), PlaceLimitRequest{
		UserID:   1,
		Side:     models.SideBuy,
		Pair:     testPair,
		Price:    d("1020"),
		Quantity: d("10"),
	})
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	_, ok := eng.BestBid(testPair)
	require.False(t, ok)
	requireBalance(t, store, 1, "AOA", "100", "0")
	orders, err := store.UserOrders(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestPlaceLimitOrder_Validation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.PlaceLimitOrder(ctx, PlaceLimitRequest{
		UserID: 1, Side: models.SideBuy, Pair: testPair,
		Price: d("0"), Quantity: d("10"),
	})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = eng.PlaceLimitOrder(ctx, PlaceLimitRequest{
		UserID: 1, Side: models.SideBuy, Pair: models.Pair{Base: "USD", Quote: "AOA"},
		Price: d("1000"), Quantity: d("10"),
	})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestLimitOrders_ExactCross(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "EUR", "50")
	fund(t, store, 2, "AOA", "20000")

	placeLimit(t, eng, 1, models.SideSell, "1050", "10")
	result := placeLimit(t, eng, 2, models.SideBuy, "1050", "10")

	require.Equal(t, models.StatusFilled, result.Status)
	require.True(t, result.FilledQuantity.Equal(d("10")))
	require.True(t, result.AvgPrice.Equal(d("1050")))

	trades, err := store.TradesBetween(context.Background(), testPair, time.Time{}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, trades[0].Price.Equal(d("1050")))
	require.True(t, trades[0].Quantity.Equal(d("10")))

	// Seller: 10 EUR left reserved-side, proceeds in AOA. Buyer: base received.
	requireBalance(t, store, 1, "EUR", "40", "0")
	requireBalance(t, store, 1, "AOA", "10500", "0")
	requireBalance(t, store, 2, "AOA", "9500", "0")
	requireBalance(t, store, 2, "EUR", "10", "0")

	_, ok := eng.BestBid(testPair)
	require.False(t, ok)
	_, ok = eng.BestAsk(testPair)
	require.False(t, ok)
}

func TestLimitOrders_ConservationAcrossUsers(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "EUR", "100")
	fund(t, store, 2, "AOA", "50000")

	placeLimit(t, eng, 1, models.SideSell, "1050", "10")
	placeLimit(t, eng, 2, models.SideBuy, "1050", "6")
	placeLimit(t, eng, 2, models.SideBuy, "1040", "3")

	totalEUR := decimal.Zero
	totalAOA := decimal.Zero
	for _, userID := range []int64{1, 2} {
		eur := wallet(t, store, userID, "EUR")
		aoa := wallet(t, store, userID, "AOA")
		totalEUR = totalEUR.Add(eur.Available).Add(eur.Reserved)
		totalAOA = totalAOA.Add(aoa.Available).Add(aoa.Reserved)
	}
	// Matching moves funds between users but never mints or destroys them.
	require.True(t, totalEUR.Equal(d("100")), "total EUR drifted to %s", totalEUR)
	require.True(t, totalAOA.Equal(d("50000")), "total AOA drifted to %s", totalAOA)
}

func TestLimitOrder_PriceImprovementRefund(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "EUR", "10")
	fund(t, store, 2, "AOA", "11000")

	placeLimit(t, eng, 1, models.SideSell, "1050", "10")
	// Buyer bids 1100 but trades at the resting 1050; the 500 AOA difference
	// reserved up front comes back on fill.
	result := placeLimit(t, eng, 2, models.SideBuy, "1100", "10")

	require.Equal(t, models.StatusFilled, result.Status)
	require.True(t, result.AvgPrice.Equal(d("1050")))
	requireBalance(t, store, 2, "AOA", "500", "0")
	requireBalance(t, store, 2, "EUR", "10", "0")
}

func TestLimitOrder_PartialFillRests(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "EUR", "4")
	fund(t, store, 2, "AOA", "10500")

	placeLimit(t, eng, 1, models.SideSell, "1050", "4")
	result := placeLimit(t, eng, 2, models.SideBuy, "1050", "10")

	require.Equal(t, models.StatusPartiallyFilled, result.Status)
	require.True(t, result.FilledQuantity.Equal(d("4")))

	best, ok := eng.BestBid(testPair)
	require.True(t, ok)
	require.True(t, best.Quantity.Equal(d("6")))

	// 4*1050 consumed, the rest still backs the resting remainder.
	requireBalance(t, store, 2, "AOA", "0", "6300")
	requireBalance(t, store, 2, "EUR", "4", "0")
}

func TestMarketOrder_FillsWithinSlippage(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "EUR", "10")
	fund(t, store, 2, "AOA", "20000")

	placeLimit(t, eng, 1, models.SideSell, "1050", "10")
	result, err := eng.ExecuteMarketOrder(context.Background(), MarketOrderRequest{
		UserID:             2,
		Side:               models.SideBuy,
		Pair:               testPair,
		Quantity:           d("4"),
		MaxSlippagePercent: d("5"),
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusFilled, result.Status)
	require.True(t, result.ExecutedQuantity.Equal(d("4")))
	require.True(t, result.ExecutedPrice.Equal(d("1050")))

	requireBalance(t, store, 2, "AOA", "15800", "0")
	requireBalance(t, store, 2, "EUR", "4", "0")
}

func TestMarketOrder_EmptyBookNoStateChange(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "AOA", "10000")

	result, err := eng.ExecuteMarketOrder(context.Background(), MarketOrderRequest{
		UserID:             1,
		Side:               models.SideBuy,
		Pair:               testPair,
		Quantity:           d("5"),
		MaxSlippagePercent: d("5"),
	})
	require.ErrorIs(t, err, models.ErrInsufficientLiquidity)
	require.Nil(t, result)

	requireBalance(t, store, 1, "AOA", "10000", "0")
	orders, err := store.UserOrders(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestMarketOrder_SlippageCapCommitsPartial(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "EUR", "20")
	fund(t, store, 2, "AOA", "3000")

	placeLimit(t, eng, 2, models.SideBuy, "100", "10")
	placeLimit(t, eng, 2, models.SideBuy, "97", "20")

	// 10@100 then 5@97 keeps the average exactly on the 1% floor of 99;
	// the remaining 5 units would breach it and are rejected.
	result, err := eng.ExecuteMarketOrder(context.Background(), MarketOrderRequest{
		UserID:             1,
		Side:               models.SideSell,
		Pair:               testPair,
		Quantity:           d("20"),
		MaxSlippagePercent: d("1"),
	})
	require.ErrorIs(t, err, models.ErrSlippageExceeded)
	require.NotNil(t, result)
	require.Equal(t, models.StatusRejected, result.Status)
	require.True(t, result.ExecutedQuantity.Equal(d("15")))
	require.True(t, result.ExecutedPrice.Equal(d("99")))

	// 15 EUR sold, the unfilled 5 released back to available.
	requireBalance(t, store, 1, "EUR", "5", "0")
	requireBalance(t, store, 1, "AOA", "1485", "0")

	best, ok := eng.BestBid(testPair)
	require.True(t, ok)
	require.True(t, best.Price.Equal(d("97")))
	require.True(t, best.Quantity.Equal(d("15")))
}

func TestCancelOrder(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "AOA", "10200")

	placed := placeLimit(t, eng, 1, models.SideBuy, "1020", "10")

	result, err := eng.CancelOrder(context.Background(), 1, placed.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, result.Status)

	_, ok := eng.BestBid(testPair)
	require.False(t, ok)
	requireBalance(t, store, 1, "AOA", "10200", "0")

	// Cancelling a terminal order is rejected, not ignored.
	_, err = eng.CancelOrder(context.Background(), 1, placed.OrderID)
	require.ErrorIs(t, err, models.ErrOrderNotCancellable)
}

func TestCancelOrder_UnknownOrForeign(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "AOA", "10200")
	placed := placeLimit(t, eng, 1, models.SideBuy, "1020", "10")

	_, err := eng.CancelOrder(context.Background(), 1, 9999)
	require.ErrorIs(t, err, models.ErrOrderNotFound)

	// Another user's order reads as not found, not as forbidden.
	_, err = eng.CancelOrder(context.Background(), 2, placed.OrderID)
	require.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestRebuild_RestoresRestingOrders(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "AOA", "50000")
	fund(t, store, 1, "EUR", "50")

	placeLimit(t, eng, 1, models.SideBuy, "1020", "10")
	placeLimit(t, eng, 1, models.SideSell, "1060", "5")

	restarted := New(store, zap.NewNop(), []models.Pair{testPair})
	require.NoError(t, restarted.Rebuild(context.Background()))

	bid, ok := restarted.BestBid(testPair)
	require.True(t, ok)
	require.True(t, bid.Price.Equal(d("1020")))
	ask, ok := restarted.BestAsk(testPair)
	require.True(t, ok)
	require.True(t, ask.Price.Equal(d("1060")))
	require.True(t, ask.Quantity.Equal(d("5")))
}

func TestOrders_RejectFinerThanLedgerScale(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "AOA", "100000")
	ctx := context.Background()

	_, err := eng.PlaceLimitOrder(ctx, PlaceLimitRequest{
		UserID: 1, Side: models.SideBuy, Pair: testPair,
		Price: d("1020.000000001"), Quantity: d("1"),
	})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = eng.PlaceLimitOrder(ctx, PlaceLimitRequest{
		UserID: 1, Side: models.SideBuy, Pair: testPair,
		Price: d("1020"), Quantity: d("0.123456789"),
	})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = eng.ExecuteMarketOrder(ctx, MarketOrderRequest{
		UserID: 1, Side: models.SideBuy, Pair: testPair,
		Quantity: d("0.123456789"), MaxSlippagePercent: d("1"),
	})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestSettlement_CostAtLedgerScale(t *testing.T) {
	eng, store := newTestEngine(t)
	fund(t, store, 1, "EUR", "0.33333333")
	// exact notional is 350.0833298325; the ledger reserves and settles the
	// 8dp amount, so funding exactly 350.08332983 must suffice
	fund(t, store, 2, "AOA", "350.08332983")

	placeLimit(t, eng, 1, models.SideSell, "1050.25", "0.33333333")
	result := placeLimit(t, eng, 2, models.SideBuy, "1050.25", "0.33333333")

	require.Equal(t, models.StatusFilled, result.Status)
	requireBalance(t, store, 2, "AOA", "0", "0")
	requireBalance(t, store, 2, "EUR", "0.33333333", "0")
	requireBalance(t, store, 1, "AOA", "350.08332983", "0")
	requireBalance(t, store, 1, "EUR", "0", "0")
}

func TestRelease_Idempotent(t *testing.T) {
	store := db.NewMemStore()
	ctx := context.Background()
	fund(t, store, 1, "AOA", "100")

	var resID int64
	err := store.InTx(ctx, func(tx models.Tx) error {
		res, err := reserve(ctx, tx, 1, 1, "AOA", d("40"))
		if err != nil {
			return err
		}
		resID = res.ID
		return nil
	})
	require.NoError(t, err)
	requireBalance(t, store, 1, "AOA", "60", "40")

	// Releasing twice moves the balance exactly once.
	for i := 0; i < 2; i++ {
		err = store.InTx(ctx, func(tx models.Tx) error {
			res, err := tx.ReservationForUpdate(ctx, resID)
			if err != nil {
				return err
			}
			return release(ctx, tx, res)
		})
		require.NoError(t, err)
		requireBalance(t, store, 1, "AOA", "100", "0")
	}

	err = store.InTx(ctx, func(tx models.Tx) error {
		res, err := tx.ReservationForUpdate(ctx, resID)
		require.NoError(t, err)
		require.Equal(t, models.ReservationReleased, res.State)
		require.True(t, res.Remaining.IsZero())
		return nil
	})
	require.NoError(t, err)
}

// requireExpected accepts a nil error or one of the business rejections;
// anything else, in particular an internal inconsistency, fails the run.
func requireExpected(t *testing.T, err error, allowed ...error) {
	t.Helper()
	if err == nil {
		return
	}
	for _, a := range allowed {
		if errors.Is(err, a) {
			return
		}
	}
	t.Fatalf("unexpected error: %v", err)
}

func TestConservation_RandomOrderSequences(t *testing.T) {
	const (
		users     = 3
		sequences = 8
		opsPerSeq = 80
	)
	for seq := int64(0); seq < sequences; seq++ {
		t.Run(fmt.Sprintf("seed%d", seq), func(t *testing.T) {
			rng := rand.New(rand.NewSource(1000 + seq))
			eng, store := newTestEngine(t)
			ctx := context.Background()
			for u := int64(1); u <= users; u++ {
				fund(t, store, u, "EUR", "1000")
				fund(t, store, u, "AOA", "1000000")
			}

			var open []int64
			for i := 0; i < opsPerSeq; i++ {
				user := int64(1 + rng.Intn(users))
				side := models.SideBuy
				if rng.Intn(2) == 0 {
					side = models.SideSell
				}
				price := decimal.New(int64(95000+rng.Intn(10000)), -2) // 950.00 .. 1049.99
				qty := decimal.New(int64(1+rng.Intn(400000000)), -8)   // up to 4 units at 8dp

				switch rng.Intn(4) {
				case 0, 1:
					result, err := eng.PlaceLimitOrder(ctx, PlaceLimitRequest{
						UserID: user, Side: side, Pair: testPair, Price: price, Quantity: qty,
					})
					requireExpected(t, err, models.ErrInsufficientFunds)
					if err == nil && result.Status != models.StatusFilled {
						open = append(open, result.OrderID)
					}
				case 2:
					_, err := eng.ExecuteMarketOrder(ctx, MarketOrderRequest{
						UserID: user, Side: side, Pair: testPair, Quantity: qty,
						MaxSlippagePercent: decimal.NewFromInt(int64(rng.Intn(6))),
					})
					requireExpected(t, err,
						models.ErrInsufficientFunds,
						models.ErrInsufficientLiquidity,
						models.ErrSlippageExceeded)
				case 3:
					if len(open) == 0 {
						continue
					}
					_, err := eng.CancelOrder(ctx, user, open[rng.Intn(len(open))])
					requireExpected(t, err,
						models.ErrOrderNotFound,
						models.ErrOrderNotCancellable)
				}
			}

			// Whatever the sequence did, no currency was minted or destroyed.
			totalEUR, totalAOA := decimal.Zero, decimal.Zero
			for u := int64(1); u <= users; u++ {
				eur := wallet(t, store, u, "EUR")
				aoa := wallet(t, store, u, "AOA")
				totalEUR = totalEUR.Add(eur.Available).Add(eur.Reserved)
				totalAOA = totalAOA.Add(aoa.Available).Add(aoa.Reserved)
			}
			require.True(t, totalEUR.Equal(d("3000")), "total EUR drifted to %s", totalEUR)
			require.True(t, totalAOA.Equal(d("3000000")), "total AOA drifted to %s", totalAOA)
		})
	}
}
