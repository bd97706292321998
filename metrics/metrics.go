// Package metrics defines the Prometheus collectors for the rewards
// engine. Collectors are registered on the default registry; the API
// server mounts promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement outcomes used as label values.
const (
	OutcomeCompleted    = "completed"
	OutcomeInsufficient = "insufficient_balance"
	OutcomeValidation   = "validation_error"
	OutcomePartial      = "partial_failure"
	OutcomeFailed       = "failed"
	OutcomeReplayed     = "replayed"
)

var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_settlements_total",
		Help: "Settlement attempts by outcome.",
	}, []string{"outcome"})

	PointsDebitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewards_points_debited_total",
		Help: "Total points debited by completed settlements.",
	})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewards_settlement_duration_seconds",
		Help:    "Wall time of settlement attempts.",
		Buckets: prometheus.DefBuckets,
	})

	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewards_notification_failures_total",
		Help: "Purchase confirmations that could not be dispatched.",
	})

	ReconcileMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rewards_reconcile_mismatches",
		Help: "Purchases lacking a matching ledger debit, as of the last sweep.",
	})

	TokensPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewards_idempotency_tokens_pruned_total",
		Help: "Settlement idempotency records dropped by retention pruning.",
	})
)
