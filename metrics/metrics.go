// Package metrics exposes the engine's Prometheus instrumentation. Record
// functions register lazily so importing the package costs nothing until a
// coordinator starts reporting.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	documentsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridflex",
			Subsystem: "protocol",
			Name:      "documents_received_total",
			Help:      "Documents received, by role, type, and verdict.",
		},
		[]string{"role", "type", "verdict"},
	)
	documentsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridflex",
			Subsystem: "protocol",
			Name:      "documents_sent_total",
			Help:      "Documents sent, by role and type.",
		},
		[]string{"role", "type"},
	)
	deadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridflex",
			Subsystem: "protocol",
			Name:      "dead_lettered_total",
			Help:      "Messages dead-lettered, by role.",
		},
		[]string{"role"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gridflex",
			Subsystem: "pbc",
			Name:      "step_duration_seconds",
			Help:      "Business step execution time, by step and implementation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step", "implementation"},
	)
	regimeChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridflex",
			Subsystem: "planboard",
			Name:      "regime_changes_total",
			Help:      "Connection group regime changes, by target regime.",
		},
		[]string{"regime"},
	)
	documentsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridflex",
			Subsystem: "planboard",
			Name:      "documents_expired_total",
			Help:      "Documents moved to expired by sweeps and lazy checks.",
		},
	)
)

// Register installs the engine's collectors into the default registry.
// Record functions call it themselves; call it directly only to expose the
// metric names before any traffic.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			documentsReceived,
			documentsSent,
			deadLettered,
			stepDuration,
			regimeChanges,
			documentsExpired,
		)
	})
}

// RecordReceived counts an inbound document and its verdict.
func RecordReceived(role, docType, verdict string) {
	Register()
	documentsReceived.WithLabelValues(role, docType, verdict).Inc()
}

// RecordSent counts an outbound document.
func RecordSent(role, docType string) {
	Register()
	documentsSent.WithLabelValues(role, docType).Inc()
}

// RecordDeadLetter counts a dead-lettered message.
func RecordDeadLetter(role string) {
	Register()
	deadLettered.WithLabelValues(role).Inc()
}

// RecordStep observes one business step execution.
func RecordStep(step, implementation string, duration time.Duration) {
	Register()
	stepDuration.WithLabelValues(step, implementation).Observe(duration.Seconds())
}

// RecordRegimeChange counts a connection group entering a regime.
func RecordRegimeChange(regime string) {
	Register()
	regimeChanges.WithLabelValues(regime).Inc()
}

// RecordExpired counts documents expired by a sweep.
func RecordExpired(n int) {
	if n <= 0 {
		return
	}
	Register()
	documentsExpired.Add(float64(n))
}
