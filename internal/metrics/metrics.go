// Package metrics registers the prometheus instrumentation for the
// calculation core. Collectors are package-level so every layer can count
// without plumbing a registry handle around; the API server exposes them on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsConsumed counts events handled per topic and outcome
	// (ok, retry, dead).
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "pipeline",
		Name:      "events_consumed_total",
		Help:      "Events consumed per topic and handler outcome.",
	}, []string{"topic", "outcome"})

	// EventsPublished counts derived events per outbound topic.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "pipeline",
		Name:      "events_published_total",
		Help:      "Events published per topic.",
	}, []string{"topic"})

	// DeadLetters counts dead-lettered events per topic and error kind.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "pipeline",
		Name:      "dead_letters_total",
		Help:      "Events routed to the dead-letter topic.",
	}, []string{"topic", "kind"})

	// DuplicatesSuppressed counts events dropped by the last-seen-id cache.
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "pipeline",
		Name:      "duplicates_suppressed_total",
		Help:      "Duplicate events suppressed per partition dedupe cache.",
	})

	// SettlementWindowViolations counts trades whose settlement date fell
	// outside [business_date, business_date+4].
	SettlementWindowViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "position",
		Name:      "settlement_window_violations_total",
		Help:      "Trades rejected for settling outside the 5-day ladder.",
	})

	// CASConflicts counts compare-and-swap version mismatches per map.
	CASConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "cache",
		Name:      "cas_conflicts_total",
		Help:      "Compare-and-swap version conflicts per map.",
	}, []string{"map"})

	// LeaseTimeouts counts lease acquisitions that timed out per map.
	LeaseTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "cache",
		Name:      "lease_timeouts_total",
		Help:      "Lease acquisitions abandoned at lease_timeout.",
	}, []string{"map"})

	// Evictions counts coordinated evictions per map.
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted per map (LRU or TTL).",
	}, []string{"map", "cause"})

	// Timeouts counts externally exposed operations aborted at their deadline.
	Timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ims",
		Subsystem: "engine",
		Name:      "operation_timeouts_total",
		Help:      "Operations aborted on deadline expiry.",
	}, []string{"operation"})

	// ShortSellLatency observes the end-to-end short-sell validation path.
	ShortSellLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ims",
		Subsystem: "limits",
		Name:      "short_sell_validation_seconds",
		Help:      "Latency of validate+record for short-sell orders.",
		Buckets:   []float64{.001, .005, .010, .025, .050, .075, .100, .120, .150, .250},
	})

	// RecalcDuration observes inventory recalculation latency per calc type.
	RecalcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ims",
		Subsystem: "inventory",
		Name:      "recalculation_seconds",
		Help:      "Latency of availability recalculation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"calc_type"})
)
