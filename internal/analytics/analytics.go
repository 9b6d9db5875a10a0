// Package analytics derives market views (ticker, depth, candles) from the
// order book and the append-only trade ledger. It is strictly read-side:
// nothing here mutates engine state, and transient read failures degrade to
// a stale cached snapshot instead of surfacing through the trading path.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kitadi/exchange/internal/models"
)

// bandLevels bounds how many book levels banded-depth aggregation scans.
const bandLevels = 500

// BookSource is the consistent-snapshot read path over the live order book.
type BookSource interface {
	SupportsPair(pair models.Pair) bool
	BestBid(pair models.Pair) (models.PriceLevel, bool)
	BestAsk(pair models.Pair) (models.PriceLevel, bool)
	Depth(pair models.Pair, n int) (bids, asks []models.PriceLevel)
}

// Service computes market analytics on demand, caching results for a short
// TTL. Cached responses disclose their age through Cached/AsOf.
type Service struct {
	trades models.TradeSource
	book   BookSource
	cache  *ttlCache
	log    *zap.Logger
	now    func() time.Time
}

// New creates an analytics service with the given snapshot TTL.
func New(trades models.TradeSource, book BookSource, ttl time.Duration, log *zap.Logger) *Service {
	now := func() time.Time { return time.Now().UTC() }
	return &Service{
		trades: trades,
		book:   book,
		cache:  newTTLCache(ttl, now),
		log:    log,
		now:    now,
	}
}

// Ticker is the 24h market summary combined with top-of-book state.
type Ticker struct {
	Pair          string          `json:"pair"`
	BestBid       decimal.Decimal `json:"best_bid"`
	BestAsk       decimal.Decimal `json:"best_ask"`
	Spread        decimal.Decimal `json:"spread"`
	LastPrice     decimal.Decimal `json:"last_price"`
	ChangePercent decimal.Decimal `json:"change_percent_24h"`
	High          decimal.Decimal `json:"high_24h"`
	Low           decimal.Decimal `json:"low_24h"`
	Volume        decimal.Decimal `json:"volume_24h"`
	TradeCount    int             `json:"trade_count_24h"`
	Cached        bool            `json:"cached"`
	AsOf          time.Time       `json:"as_of"`
}

// DepthSnapshot aggregates resting liquidity per price level.
type DepthSnapshot struct {
	Pair   string              `json:"pair"`
	Bids   []models.PriceLevel `json:"bids"`
	Asks   []models.PriceLevel `json:"asks"`
	Cached bool                `json:"cached"`
	AsOf   time.Time           `json:"as_of"`
}

// BandedDepth is the total quantity within a percentage band around the
// book midpoint, per side.
type BandedDepth struct {
	Pair        string          `json:"pair"`
	BandPercent decimal.Decimal `json:"band_percent"`
	Midpoint    decimal.Decimal `json:"midpoint"`
	BidQuantity decimal.Decimal `json:"bid_quantity"`
	AskQuantity decimal.Decimal `json:"ask_quantity"`
	Cached      bool            `json:"cached"`
	AsOf        time.Time       `json:"as_of"`
}

// Candle is one OHLCV bucket. Empty buckets carry the prior close forward
// with zero volume.
type Candle struct {
	OpenTime   time.Time       `json:"open_time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int             `json:"trade_count"`
}

// CandleSeries is a contiguous run of candles for one pair and interval.
type CandleSeries struct {
	Pair     string    `json:"pair"`
	Interval string    `json:"interval"`
	Candles  []Candle  `json:"candles"`
	Cached   bool      `json:"cached"`
	AsOf     time.Time `json:"as_of"`
}

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseInterval maps an interval name to its duration.
func ParseInterval(s string) (time.Duration, error) {
	d, ok := intervals[s]
	if !ok {
		return 0, fmt.Errorf("%w: unknown candle interval %q", models.ErrValidation, s)
	}
	return d, nil
}

func (s *Service) checkPair(pair models.Pair) error {
	if !s.book.SupportsPair(pair) {
		return fmt.Errorf("%w: unsupported pair %s", models.ErrValidation, pair)
	}
	return nil
}

// Ticker returns the 24h market summary for a pair.
func (s *Service) Ticker(ctx context.Context, pair models.Pair) (*Ticker, error) {
	if err := s.checkPair(pair); err != nil {
		return nil, err
	}
	key := "ticker:" + pair.String()
	if v, at, ok := s.cache.fresh(key); ok {
		t := v.(Ticker)
		t.Cached = true
		t.AsOf = at
		return &t, nil
	}
	t, err := s.buildTicker(ctx, pair)
	if err != nil {
		if v, at, ok := s.cache.stale(key); ok {
			s.log.Warn("serving stale ticker", zap.String("pair", pair.String()), zap.Error(err))
			stale := v.(Ticker)
			stale.Cached = true
			stale.AsOf = at
			return &stale, nil
		}
		return nil, err
	}
	s.cache.put(key, *t)
	return t, nil
}

func (s *Service) buildTicker(ctx context.Context, pair models.Pair) (*Ticker, error) {
	now := s.now()
	from := now.Add(-24 * time.Hour)

	trades, err := s.trades.TradesBetween(ctx, pair, from, now)
	if err != nil {
		return nil, err
	}

	t := &Ticker{Pair: pair.String(), AsOf: now, TradeCount: len(trades)}
	if bid, ok := s.book.BestBid(pair); ok {
		t.BestBid = bid.Price
	}
	if ask, ok := s.book.BestAsk(pair); ok {
		t.BestAsk = ask.Price
	}
	if t.BestBid.IsPositive() && t.BestAsk.IsPositive() {
		t.Spread = t.BestAsk.Sub(t.BestBid)
	}

	open := decimal.Zero
	if prior, err := s.trades.LastTradeBefore(ctx, pair, from); err != nil {
		return nil, err
	} else if prior != nil {
		open = prior.Price
		t.LastPrice = prior.Price
	}
	for i, trade := range trades {
		if i == 0 && open.IsZero() {
			open = trade.Price
		}
		if t.High.IsZero() || trade.Price.GreaterThan(t.High) {
			t.High = trade.Price
		}
		if t.Low.IsZero() || trade.Price.LessThan(t.Low) {
			t.Low = trade.Price
		}
		t.Volume = t.Volume.Add(trade.Quantity)
		t.LastPrice = trade.Price
	}
	if open.IsPositive() && t.LastPrice.IsPositive() {
		t.ChangePercent = t.LastPrice.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return t, nil
}

// Depth returns up to levels aggregated price levels per side.
func (s *Service) Depth(ctx context.Context, pair models.Pair, levels int) (*DepthSnapshot, error) {
	if err := s.checkPair(pair); err != nil {
		return nil, err
	}
	if levels <= 0 {
		return nil, fmt.Errorf("%w: depth levels must be positive", models.ErrValidation)
	}
	key := fmt.Sprintf("depth:%s:%d", pair, levels)
	if v, at, ok := s.cache.fresh(key); ok {
		d := v.(DepthSnapshot)
		d.Cached = true
		d.AsOf = at
		return &d, nil
	}
	bids, asks := s.book.Depth(pair, levels)
	d := &DepthSnapshot{Pair: pair.String(), Bids: bids, Asks: asks, AsOf: s.now()}
	s.cache.put(key, *d)
	return d, nil
}

// DepthWithinBand aggregates quantity within bandPercent of the midpoint.
func (s *Service) DepthWithinBand(ctx context.Context, pair models.Pair, bandPercent decimal.Decimal) (*BandedDepth, error) {
	if err := s.checkPair(pair); err != nil {
		return nil, err
	}
	if !bandPercent.IsPositive() {
		return nil, fmt.Errorf("%w: band percent must be positive", models.ErrValidation)
	}
	key := fmt.Sprintf("band:%s:%s", pair, bandPercent)
	if v, at, ok := s.cache.fresh(key); ok {
		b := v.(BandedDepth)
		b.Cached = true
		b.AsOf = at
		return &b, nil
	}

	b := &BandedDepth{Pair: pair.String(), BandPercent: bandPercent, AsOf: s.now()}
	bid, bidOK := s.book.BestBid(pair)
	ask, askOK := s.book.BestAsk(pair)
	if bidOK && askOK {
		b.Midpoint = bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
		frac := bandPercent.Div(decimal.NewFromInt(100))
		lower := b.Midpoint.Mul(decimal.NewFromInt(1).Sub(frac))
		upper := b.Midpoint.Mul(decimal.NewFromInt(1).Add(frac))
		bids, asks := s.book.Depth(pair, bandLevels)
		for _, level := range bids {
			if level.Price.GreaterThanOrEqual(lower) {
				b.BidQuantity = b.BidQuantity.Add(level.Quantity)
			}
		}
		for _, level := range asks {
			if level.Price.LessThanOrEqual(upper) {
				b.AskQuantity = b.AskQuantity.Add(level.Quantity)
			}
		}
	}
	s.cache.put(key, *b)
	return b, nil
}

// Candles buckets the trade ledger into limit fixed intervals ending at the
// current bucket. Identical ledger contents and parameters always produce
// identical series.
func (s *Service) Candles(ctx context.Context, pair models.Pair, interval string, limit int) (*CandleSeries, error) {
	if err := s.checkPair(pair); err != nil {
		return nil, err
	}
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: candle limit must be positive", models.ErrValidation)
	}
	key := fmt.Sprintf("candles:%s:%s:%d", pair, interval, limit)
	if v, at, ok := s.cache.fresh(key); ok {
		c := v.(CandleSeries)
		c.Cached = true
		c.AsOf = at
		return &c, nil
	}
	series, err := s.buildCandles(ctx, pair, interval, step, limit)
	if err != nil {
		if v, at, ok := s.cache.stale(key); ok {
			s.log.Warn("serving stale candles", zap.String("pair", pair.String()), zap.Error(err))
			stale := v.(CandleSeries)
			stale.Cached = true
			stale.AsOf = at
			return &stale, nil
		}
		return nil, err
	}
	s.cache.put(key, *series)
	return series, nil
}

func (s *Service) buildCandles(ctx context.Context, pair models.Pair, interval string, step time.Duration, limit int) (*CandleSeries, error) {
	now := s.now()
	end := now.Truncate(step).Add(step)
	start := end.Add(-time.Duration(limit) * step)

	trades, err := s.trades.TradesBetween(ctx, pair, start, end)
	if err != nil {
		return nil, err
	}
	prevClose := decimal.Zero
	if prior, err := s.trades.LastTradeBefore(ctx, pair, start); err != nil {
		return nil, err
	} else if prior != nil {
		prevClose = prior.Price
	}

	series := &CandleSeries{
		Pair:     pair.String(),
		Interval: interval,
		Candles:  make([]Candle, 0, limit),
		AsOf:     now,
	}
	idx := 0
	for bucketStart := start; bucketStart.Before(end); bucketStart = bucketStart.Add(step) {
		bucketEnd := bucketStart.Add(step)
		c := Candle{OpenTime: bucketStart}
		for idx < len(trades) && trades[idx].ExecutedAt.Before(bucketEnd) {
			trade := trades[idx]
			if c.TradeCount == 0 {
				c.Open = trade.Price
				c.High = trade.Price
				c.Low = trade.Price
			} else {
				if trade.Price.GreaterThan(c.High) {
					c.High = trade.Price
				}
				if trade.Price.LessThan(c.Low) {
					c.Low = trade.Price
				}
			}
			c.Close = trade.Price
			c.Volume = c.Volume.Add(trade.Quantity)
			c.TradeCount++
			idx++
		}
		if c.TradeCount == 0 {
			// no trades: carry the prior close forward with zero volume
			c.Open = prevClose
			c.High = prevClose
			c.Low = prevClose
			c.Close = prevClose
			c.Volume = decimal.Zero
		}
		prevClose = c.Close
		series.Candles = append(series.Candles, c)
	}
	return series, nil
}
