package engine

import (
	"container/list"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kitadi/exchange/internal/models"
)

// bookOrder is the in-memory projection of a resting limit order.
type bookOrder struct {
	ID            int64
	UserID        int64
	Side          models.Side
	Price         decimal.Decimal
	Remaining     decimal.Decimal
	ReservationID int64
}

// priceLevel groups resting orders at one price, FIFO by arrival.
type priceLevel struct {
	price  decimal.Decimal
	orders *list.List // *bookOrder
}

func newPriceLevel(price decimal.Decimal) *priceLevel {
	return &priceLevel{price: price, orders: list.New()}
}

func (l *priceLevel) totalQuantity() decimal.Decimal {
	total := decimal.Zero
	for el := l.orders.Front(); el != nil; el = el.Next() {
		total = total.Add(el.Value.(*bookOrder).Remaining)
	}
	return total
}

type bookEntry struct {
	side  models.Side
	level *priceLevel
	el    *list.Element
}

// Book maintains the resting limit orders for one currency pair with
// price-time priority. It is a rebuildable projection of persisted order
// state; callers serialize access per pair.
type Book struct {
	pair models.Pair
	bids []*priceLevel // highest price first
	asks []*priceLevel // lowest price first
	byID map[int64]*bookEntry
}

// NewBook creates an empty order book for a pair
func NewBook(pair models.Pair) *Book {
	return &Book{pair: pair, byID: make(map[int64]*bookEntry)}
}

// findLevel locates the insertion index for price on a side. exact reports
// whether the level already exists at that index.
func (b *Book) findLevel(side models.Side, price decimal.Decimal) (int, bool) {
	if side == models.SideBuy {
		idx := sort.Search(len(b.bids), func(i int) bool {
			return b.bids[i].price.LessThanOrEqual(price)
		})
		return idx, idx < len(b.bids) && b.bids[idx].price.Equal(price)
	}
	idx := sort.Search(len(b.asks), func(i int) bool {
		return b.asks[i].price.GreaterThanOrEqual(price)
	})
	return idx, idx < len(b.asks) && b.asks[idx].price.Equal(price)
}

// Insert adds a resting order, creating its price level if needed.
// New orders join the back of the level queue (time priority).
func (b *Book) Insert(o *models.Order) {
	bo := &bookOrder{
		ID:            o.ID,
		UserID:        o.UserID,
		Side:          o.Side,
		Price:         o.Price,
		Remaining:     o.Remaining(),
		ReservationID: o.ReservationID,
	}
	idx, exact := b.findLevel(o.Side, o.Price)
	var level *priceLevel
	if exact {
		if o.Side == models.SideBuy {
			level = b.bids[idx]
		} else {
			level = b.asks[idx]
		}
	} else {
		level = newPriceLevel(o.Price)
		if o.Side == models.SideBuy {
			b.bids = append(b.bids, nil)
			copy(b.bids[idx+1:], b.bids[idx:])
			b.bids[idx] = level
		} else {
			b.asks = append(b.asks, nil)
			copy(b.asks[idx+1:], b.asks[idx:])
			b.asks[idx] = level
		}
	}
	el := level.orders.PushBack(bo)
	b.byID[o.ID] = &bookEntry{side: o.Side, level: level, el: el}
}

// Remove deletes a resting order, dropping its level if it empties.
func (b *Book) Remove(orderID int64) bool {
	entry, ok := b.byID[orderID]
	if !ok {
		return false
	}
	entry.level.orders.Remove(entry.el)
	delete(b.byID, orderID)
	if entry.level.orders.Len() == 0 {
		b.dropLevel(entry.side, entry.level.price)
	}
	return true
}

func (b *Book) dropLevel(side models.Side, price decimal.Decimal) {
	idx, exact := b.findLevel(side, price)
	if !exact {
		return
	}
	if side == models.SideBuy {
		b.bids = append(b.bids[:idx], b.bids[idx+1:]...)
	} else {
		b.asks = append(b.asks[:idx], b.asks[idx+1:]...)
	}
}

// reduce shrinks a resting order's remaining quantity after a committed
// fill, removing it once exhausted.
func (b *Book) reduce(orderID int64, qty decimal.Decimal) {
	entry, ok := b.byID[orderID]
	if !ok {
		return
	}
	bo := entry.el.Value.(*bookOrder)
	bo.Remaining = bo.Remaining.Sub(qty)
	if !bo.Remaining.IsPositive() {
		b.Remove(orderID)
	}
}

// BestBid returns the top bid level, aggregated across its orders.
func (b *Book) BestBid() (models.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	top := b.bids[0]
	return models.PriceLevel{Price: top.price, Quantity: top.totalQuantity()}, true
}

// BestAsk returns the top ask level, aggregated across its orders.
func (b *Book) BestAsk() (models.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	top := b.asks[0]
	return models.PriceLevel{Price: top.price, Quantity: top.totalQuantity()}, true
}

// Depth returns up to n aggregated levels per side, nearest-to-spread first.
func (b *Book) Depth(n int) (bids, asks []models.PriceLevel) {
	bids = collectLevels(b.bids, n)
	asks = collectLevels(b.asks, n)
	return bids, asks
}

func collectLevels(levels []*priceLevel, n int) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, n)
	for i := 0; i < len(levels) && i < n; i++ {
		out = append(out, models.PriceLevel{
			Price:    levels[i].price,
			Quantity: levels[i].totalQuantity(),
		})
	}
	return out
}

// Size returns the number of resting orders on each side.
func (b *Book) Size() (bidCount, askCount int) {
	for _, entry := range b.byID {
		if entry.side == models.SideBuy {
			bidCount++
		} else {
			askCount++
		}
	}
	return bidCount, askCount
}
