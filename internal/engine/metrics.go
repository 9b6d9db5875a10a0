package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the trading core.

var (
	ordersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "orders_total",
			Help:      "Orders submitted to the matching engine by kind, side and outcome",
		},
		[]string{"kind", "side", "outcome"},
	)

	tradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "trades_total",
			Help:      "Trades produced by the matching engine",
		},
		[]string{"pair"},
	)

	matchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "match_latency_ms",
			Help:      "Time to admit, match and settle one incoming order in milliseconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	restingOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "resting_orders",
			Help:      "Resting limit orders currently in the book",
		},
		[]string{"pair", "side"},
	)
)
