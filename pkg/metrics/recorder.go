// Package metrics provides Prometheus metrics recording and querying for
// consultation operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus collectors register once per process
var (
	consultationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultations_total",
			Help: "Total consultations by terminal phase",
		},
		[]string{"phase"},
	)
	phaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultation_phase_transitions_total",
			Help: "Phase transitions by from/to phase",
		},
		[]string{"from", "to"},
	)
	specialistInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specialist_invocations_total",
			Help: "Specialist invocations by specialty and outcome",
		},
		[]string{"specialty", "outcome"},
	)
	specialistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "specialist_invocation_duration_seconds",
			Help:    "Duration of specialist invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"specialty"},
	)
	evidenceBundleSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidence_bundle_items",
			Help:    "Number of items in merged evidence bundles",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
		[]string{"collection"},
	)
)

// Specialist invocation outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
	OutcomeDegraded = "degraded"
)

// RecordTransition records one phase transition.
func RecordTransition(from, to string) {
	phaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordTerminal records a consultation reaching a terminal phase.
func RecordTerminal(phase string) {
	consultationsTotal.WithLabelValues(phase).Inc()
}

// RecordSpecialist records one specialist invocation outcome and duration.
func RecordSpecialist(specialty, outcome string, duration time.Duration) {
	specialistInvocations.WithLabelValues(specialty, outcome).Inc()
	specialistDuration.WithLabelValues(specialty).Observe(duration.Seconds())
}

// RecordEvidenceBundle records the size of a merged evidence bundle.
func RecordEvidenceBundle(collection string, items int) {
	evidenceBundleSize.WithLabelValues(collection).Observe(float64(items))
}
