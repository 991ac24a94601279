package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpilot_cycles_total",
		Help: "The total number of rebalance cycles by result",
	}, []string{"result"})

	UserOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpilot_user_outcomes_total",
		Help: "Per-user pipeline outcomes",
	}, []string{"outcome"})

	RebalancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpilot_rebalances_total",
		Help: "Executed rebalances by adapter status",
	}, []string{"status"})

	SafetyAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpilot_safety_aborts_total",
		Help: "Cycles aborted by the price safety gate",
	}, []string{"reason"})

	DecisionRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultpilot_decision_rejects_total",
		Help: "Negative decisions by reason",
	}, []string{"reason"})

	BudgetDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultpilot_budget_denials_total",
		Help: "Users skipped because daily operation budget was low",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaultpilot_cycle_duration_seconds",
		Help:    "Wall time of a full cycle",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultpilot_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
