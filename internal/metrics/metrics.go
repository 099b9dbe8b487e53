// Package metrics holds the Prometheus instrumentation the core
// exports: scan cadence, opportunity detection, trade lifecycle, watcher
// health, and exchange connection/balance gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Scanner metrics ============

var ScanDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "trinity",
		Subsystem: "scanner",
		Name:      "scan_duration_ms",
		Help:      "Time to complete one scan tick across all symbols",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	},
)

var PairsEvaluated = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "scanner",
		Name:      "pairs_evaluated_total",
		Help:      "Total number of exchange-pair directions evaluated",
	},
)

var OpportunitiesDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "scanner",
		Name:      "opportunities_detected_total",
		Help:      "Opportunities found per symbol, by qualification mode",
	},
	[]string{"symbol", "mode"}, // mode: HOLD, CHERRY_PICK, unqualified
)

var SpreadObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trinity",
		Subsystem: "scanner",
		Name:      "net_edge_pct_observed",
		Help:      "Observed net_edge_pct values per symbol",
		Buckets:   []float64{-1, -0.5, 0, 0.1, 0.25, 0.5, 1, 2, 5},
	},
	[]string{"symbol"},
)

var StaleDataSkipped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "scanner",
		Name:      "stale_data_skipped_total",
		Help:      "Pair evaluations skipped this tick due to stale funding data",
	},
	[]string{"symbol"},
)

// ============ Execution Controller metrics ============

var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "controller",
		Name:      "trades_total",
		Help:      "Total number of trade lifecycle outcomes",
	},
	[]string{"symbol", "result"}, // result: opened, abort_long_leg, orphan_closed, closed, close_failed
)

var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trinity",
		Subsystem: "controller",
		Name:      "order_execution_latency_ms",
		Help:      "Time to place and confirm an order leg",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "side"},
)

var ActiveTrades = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "controller",
		Name:      "active_trades",
		Help:      "Current number of open or closing trades",
	},
)

var CumulativeFundingPnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "controller",
		Name:      "funding_pnl_total_pct",
		Help:      "Cumulative realized funding PnL percentage across closed trades",
	},
)

var OrphanClosesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "controller",
		Name:      "orphan_closes_total",
		Help:      "Number of single-leg orphan closes executed",
	},
	[]string{"exchange", "symbol"},
)

var UpgradesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "controller",
		Name:      "upgrades_total",
		Help:      "Number of times a held trade was closed in favor of a better opportunity",
	},
)

// ============ Risk Guard metrics ============

var DeltaBreachesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "risk",
		Name:      "delta_breaches_total",
		Help:      "Number of delta-threshold breaches detected by the fast loop",
	},
	[]string{"symbol"},
)

var PanicClosesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "risk",
		Name:      "panic_closes_total",
		Help:      "Number of panic closes executed",
	},
	[]string{"symbol"},
)

var MissingSnapshotsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "risk",
		Name:      "missing_snapshots_total",
		Help:      "Fast-loop ticks skipped because a position snapshot was unavailable",
	},
	[]string{"exchange"},
)

// ============ Exchange / adapter metrics ============

var ExchangeConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "exchange",
		Name:      "connection_status",
		Help:      "Exchange connection status (1=connected, 0=disconnected)",
	},
	[]string{"exchange"},
)

var ExchangeBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "exchange",
		Name:      "balance_usdt",
		Help:      "Exchange available balance in quote currency",
	},
	[]string{"exchange"},
)

var WatcherFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "exchange",
		Name:      "watcher_failures_total",
		Help:      "Consecutive funding-watcher failures per exchange",
	},
	[]string{"exchange"},
)

var WatcherBackoffSeconds = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "exchange",
		Name:      "watcher_backoff_seconds",
		Help:      "Current backoff delay applied to a venue's funding watcher",
	},
	[]string{"exchange"},
)

// ============ Resource / fanout metrics ============

var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (notifications dropped)",
	},
	[]string{"buffer"},
)

var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "runtime",
		Name:      "buffer_backlog",
		Help:      "Current occupancy of a buffered channel",
	},
	[]string{"buffer"},
)

// ============ Helper functions ============

// RecordOpportunity records a detected opportunity's qualification
// mode; mode is "unqualified" when the pair was evaluated but rejected.
func RecordOpportunity(symbol, mode string) {
	OpportunitiesDetected.WithLabelValues(symbol, mode).Inc()
}

// RecordTrade records a trade lifecycle outcome and, for closed trades,
// accumulates realized funding PnL.
func RecordTrade(symbol, result string, fundingPnlPct float64) {
	TradesTotal.WithLabelValues(symbol, result).Inc()
	if result == "closed" && fundingPnlPct != 0 {
		CumulativeFundingPnl.Add(fundingPnlPct)
	}
}

// RecordBufferOverflow counts a dropped notification when a buffered
// channel send would otherwise block.
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog reports the current length of a buffered channel
// so backlog trends are visible before they turn into overflows.
func RecordBufferBacklog(bufferName string, length int) {
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length))
}

// UpdateExchangeStatus reports connectivity and balance for one venue.
func UpdateExchangeStatus(exchange string, connected bool, balance float64) {
	if connected {
		ExchangeConnections.WithLabelValues(exchange).Set(1)
	} else {
		ExchangeConnections.WithLabelValues(exchange).Set(0)
	}
	ExchangeBalance.WithLabelValues(exchange).Set(balance)
}

// RecordWatcherFailure tracks a funding watcher's consecutive failure
// count and the backoff currently being applied because of it.
func RecordWatcherFailure(exchange string, consecutiveFailures int, backoffSeconds float64) {
	WatcherFailuresTotal.WithLabelValues(exchange).Inc()
	WatcherBackoffSeconds.WithLabelValues(exchange).Set(backoffSeconds)
}

// ResetWatcherBackoff clears the backoff gauge on watcher recovery.
func ResetWatcherBackoff(exchange string) {
	WatcherBackoffSeconds.WithLabelValues(exchange).Set(0)
}
