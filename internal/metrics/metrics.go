// Package metrics registers the Prometheus collectors shared by every
// pipeline service. Collectors are package-level so any component can record
// without plumbing a registry handle through constructors; each binary only
// exports the series it actually touches.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest gateway
var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_events_ingested_total",
		Help: "Events accepted at the ingest gateway",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutt_events_rejected_total",
		Help: "Events rejected at the ingest gateway",
	}, []string{"reason"}) // reason: auth, validation, oversize, shed, backpressure, enqueue

	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mutt_ingest_queue_depth",
		Help: "Current depth of the ingest queue",
	})
)

// Alerter
var (
	EventsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutt_events_classified_total",
		Help: "Events classified by the rule-matching engine",
	}, []string{"outcome"}) // outcome: matched, ignored, unhandled

	AlertsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_alerts_emitted_total",
		Help: "Alerts pushed to the alert queue",
	})

	MetaAlertsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_meta_alerts_emitted_total",
		Help: "Meta-alerts emitted for sealed unhandled buckets",
	})

	EventsShed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutt_events_shed_total",
		Help: "Events shed by the alerter under backpressure",
	}, []string{"mode"}) // mode: dlq, defer

	AlertQueueWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_alert_queue_warnings_total",
		Help: "Times the alert queue depth crossed the warn threshold",
	})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_audit_write_failures_total",
		Help: "Audit writes that exhausted their retry budget",
	})

	AlertQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mutt_alert_queue_depth",
		Help: "Current depth of the alert queue",
	})
)

// Rule cache
var (
	RuleCacheRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_rule_cache_refresh_failures_total",
		Help: "Rule snapshot refreshes that failed and kept the old snapshot",
	})

	RuleSnapshotSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mutt_rule_snapshot_rules",
		Help: "Active rules in the current snapshot",
	})

	RuleSnapshotAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mutt_rule_snapshot_age_seconds",
		Help: "Age of the current rule snapshot",
	})
)

// Forwarder
var (
	ForwardResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutt_forward_results_total",
		Help: "Sink delivery attempts by result class",
	}, []string{"result"}) // result: success, transient, permanent

	ForwardRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_forward_retries_total",
		Help: "Alerts requeued for retry after a transient sink failure",
	})

	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_rate_limit_hits_total",
		Help: "Sink deliveries delayed by the shared rate limit",
	})

	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mutt_sink_circuit_state",
		Help: "Sink circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	SinkRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutt_sink_request_duration_seconds",
		Help:    "Duration of sink HTTP requests",
		Buckets: prometheus.DefBuckets,
	})
)

// DLQ and remediation
var (
	DLQRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutt_dlq_routed_total",
		Help: "Items routed to a dead-letter queue",
	}, []string{"queue", "reason"})

	ItemsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_items_replayed_total",
		Help: "DLQ items replayed back into the pipeline",
	})

	PoisonQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_poison_quarantined_total",
		Help: "Items moved to the terminal dead list",
	})

	SinkHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mutt_sink_healthy",
		Help: "Whether the last sink health probe succeeded (1) or not (0)",
	})
)

// Janitor and dynamic config
var (
	OrphansReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mutt_orphans_reclaimed_total",
		Help: "In-flight items reclaimed from dead workers' processing lists",
	})

	ConfigChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mutt_config_changes_total",
		Help: "Dynamic configuration writes",
	}, []string{"key"})
)

// Handler returns the standard text-exposition endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
