// Package observability holds the economy's Prometheus metrics and the
// helpers services use to record operation outcomes.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/epa-bot/epa/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Operation Metrics
// ═══════════════════════════════════════════════════════════════════════════

// Operations counts every service operation by outcome code ("ok" on success).
var Operations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "core",
	Name:      "operations_total",
	Help:      "Total economy operations by name and outcome.",
}, []string{"op", "outcome"})

// OperationLatency tracks operation latency including store retries.
var OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "epa",
	Subsystem: "core",
	Name:      "operation_latency_ms",
	Help:      "Economy operation latency in milliseconds.",
	Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
}, []string{"op"})

// ObserveOp records one finished operation.
func ObserveOp(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = domain.Code(err)
	}
	Operations.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000)
}

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// CoinsMoved tracks coin volume by transaction kind.
var CoinsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "ledger",
	Name:      "coins_moved_total",
	Help:      "Total coins moved by transaction kind.",
}, []string{"kind"})

// AccountsOpened tracks lazily created accounts.
var AccountsOpened = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "ledger",
	Name:      "accounts_opened_total",
	Help:      "Total accounts created.",
})

// IdempotentReplays tracks requests answered from a previous receipt.
var IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "ledger",
	Name:      "idempotent_replays_total",
	Help:      "Total mutations replayed from an idempotency key.",
})

// ─── Market Metrics ─────────────────────────────────────────────────────────

// TradesResolved tracks trades by terminal status.
var TradesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "trade",
	Name:      "resolved_total",
	Help:      "Total trades resolved by terminal status.",
}, []string{"status"})

// BidsPlaced tracks accepted bids.
var BidsPlaced = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "auction",
	Name:      "bids_total",
	Help:      "Total bids accepted.",
})

// AuctionsSettled tracks auction settlements by terminal status.
var AuctionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "auction",
	Name:      "settled_total",
	Help:      "Total auctions closed by terminal status.",
}, []string{"status"})

// BidsDisqualified tracks bidders skipped at settlement for lack of funds.
var BidsDisqualified = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "auction",
	Name:      "bids_disqualified_total",
	Help:      "Total bids disqualified at settlement.",
})

// ─── Achievement Metrics ────────────────────────────────────────────────────

// AchievementsGranted tracks grants by achievement id.
var AchievementsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "achievement",
	Name:      "granted_total",
	Help:      "Total achievements granted.",
}, []string{"id"})

// ─── Promotion Metrics ──────────────────────────────────────────────────────

// PromotionsStarted tracks promotions by kind.
var PromotionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "promotion",
	Name:      "started_total",
	Help:      "Total promotions started by kind.",
}, []string{"kind"})

// PromotionsClosed tracks promotions by terminal status.
var PromotionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "promotion",
	Name:      "closed_total",
	Help:      "Total promotions closed by terminal status.",
}, []string{"status"})

// RewardsBoosted tracks extra coins paid out because of promotions.
var RewardsBoosted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "promotion",
	Name:      "boosted_coins_total",
	Help:      "Extra coins paid by promotions, by reward target.",
}, []string{"target"})

// ─── Event & Scheduler Metrics ──────────────────────────────────────────────

// EventsPublished tracks events accepted by the bus.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Total events published by type.",
}, []string{"type"})

// EventsDropped tracks events discarded because the bus was full or closed.
var EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Total events dropped.",
})

// EventQueueDepth tracks events waiting for dispatch.
var EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "epa",
	Subsystem: "events",
	Name:      "queue_depth",
	Help:      "Events buffered for dispatch.",
})

// SweepRuns tracks expiry sweeps.
var SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epa",
	Subsystem: "scheduler",
	Name:      "sweeps_total",
	Help:      "Total expiry sweeps by outcome.",
}, []string{"outcome"})

// TrackedDeadlines tracks deadlines waiting in the scheduler's queue.
var TrackedDeadlines = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "epa",
	Subsystem: "scheduler",
	Name:      "tracked_deadlines",
	Help:      "Deadlines queued for wakeup.",
})
