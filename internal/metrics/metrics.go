// Package metrics exposes prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "lines_total",
		Help:      "Raw lines read, by source.",
	}, []string{"source"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "events_total",
		Help:      "Parsed events ingested, by kind.",
	}, []string{"kind"})

	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "parse_errors_total",
		Help:      "Recognized lines dropped for malformed fields.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "astlog",
		Name:      "sessions_active",
		Help:      "Sessions currently retained in the window store.",
	})

	SessionsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "sessions_evicted_total",
		Help:      "Sessions evicted by the window store.",
	})

	WindowBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "astlog",
		Name:      "window_bytes",
		Help:      "Estimated bytes retained by the window store.",
	})

	StoreDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "astlog",
		Name:      "store_degraded",
		Help:      "1 when the memory budget forced per-insert eviction.",
	})

	DuplicateCDRTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "duplicate_cdr_total",
		Help:      "CDR records arriving for sessions that already had one.",
	})

	PendingCDRDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "pending_cdr_dropped_total",
		Help:      "Unmatched CDR records dropped from the pending table.",
	})

	RotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "rotations_total",
		Help:      "Log rotations detected while tailing.",
	})

	SubscriberDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "astlog",
		Name:      "subscriber_dropped_total",
		Help:      "Events dropped for slow live-update subscribers.",
	})
)
