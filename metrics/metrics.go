package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_consumed_total",
			Help: "Total number of events consumed from sources",
		},
		[]string{"source"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_dropped_total",
			Help: "Total number of events dropped by the lossy intake queue",
		},
		[]string{"source"},
	)

	PlaybookMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_playbook_matches_total",
			Help: "Total number of playbook condition matches",
		},
		[]string{"playbook_id"},
	)

	ClaimsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_claims_denied_total",
			Help: "Total number of executions suppressed by the ledger",
		},
		[]string{"playbook_id", "reason"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_actions_executed_total",
			Help: "Total number of actions dispatched",
		},
		[]string{"type", "status"},
	)

	ActionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_action_retries_total",
			Help: "Total number of failed action attempts that were retried",
		},
		[]string{"type"},
	)

	ExecutionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_execution_outcomes_total",
			Help: "Total number of finalized execution records by outcome",
		},
		[]string{"outcome"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_event_queue_depth",
			Help: "Current depth of the bounded event queue",
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_dispatch_duration_seconds",
			Help:    "Time taken to dispatch a single action",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlaybookReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_playbook_reloads_total",
			Help: "Total number of playbook directory reloads",
		},
		[]string{"result"},
	)

	LedgerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_ledger_write_failures_total",
			Help: "Total number of ledger write failures",
		},
	)
)
