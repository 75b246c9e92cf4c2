package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sentinel"

// Registry is the registry served on /metrics. It is separate from the
// prometheus default registry so tests can gather it without global noise.
var Registry = prometheus.NewRegistry()

var (
	framesAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_admitted_total",
			Help:      "Frames seen by the admission controller, by tier.",
		},
		[]string{"tier"},
	)
	capacityExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_exceeded_total",
			Help:      "Frames rejected because the registry was at its in-flight limit.",
		},
	)
	unknownIdentity = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_identity_total",
			Help:      "Registry writes against an evicted or unknown frame identity.",
		},
	)
	stageResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage results written back to the registry, by stage and result kind.",
		},
		[]string{"stage", "kind"},
	)
	unmatchedResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_results_total",
			Help:      "Out-of-cadence results the synchronizer could not place.",
		},
	)
	boundaryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_events_total",
			Help:      "Verdict boundary events, by kind (started, ended).",
		},
		[]string{"kind"},
	)
	staleObservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_observations_total",
			Help:      "Track observations discarded because a newer frame was already applied.",
		},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one orchestrated frame run.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)
	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_in_flight",
			Help:      "Frames admitted and not yet completed.",
		},
	)
)

var registerMetrics sync.Once

// RegisterMetrics registers every engine metric with Registry. Safe to call
// more than once.
func RegisterMetrics() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			framesAdmitted,
			capacityExceeded,
			unknownIdentity,
			stageResults,
			unmatchedResults,
			boundaryEvents,
			staleObservations,
			runDuration,
			inFlight,
		)
	})
}

// RecordAdmission counts one admission decision.
func RecordAdmission(tier string) { framesAdmitted.WithLabelValues(tier).Inc() }

// RecordCapacityExceeded counts one backpressure rejection.
func RecordCapacityExceeded() { capacityExceeded.Inc() }

// RecordUnknownIdentity counts one write against an unknown frame.
func RecordUnknownIdentity() { unknownIdentity.Inc() }

// RecordStageResult counts one stage result written back.
func RecordStageResult(stage, kind string) { stageResults.WithLabelValues(stage, kind).Inc() }

// RecordUnmatched counts one synchronizer submission that found no entry.
func RecordUnmatched() { unmatchedResults.Inc() }

// RecordBoundary counts one verdict boundary event.
func RecordBoundary(kind string) { boundaryEvents.WithLabelValues(kind).Inc() }

// RecordStaleObservation counts one discarded out-of-order observation.
func RecordStaleObservation() { staleObservations.Inc() }

// ObserveRunDuration records the wall time of one orchestrated run.
func ObserveRunDuration(d time.Duration) { runDuration.Observe(d.Seconds()) }

// SetInFlight publishes the current in-flight frame count.
func SetInFlight(n int) { inFlight.Set(float64(n)) }
