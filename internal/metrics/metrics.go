// Package metrics registers the daemon's Prometheus instrumentation.
//
// Adapted from the internal/escrow/metrics.go: the same
// promauto-registered-vector-of-gauges/histograms/counters shape, rebound
// from economic-barrier signals (entropy, transactions, tax) to fleet
// signals (slots, pressure, selection, build duration, stuck-build
// confidence).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the daemon exposes on /metrics.
type Metrics struct {
	SlotsUsed      *prometheus.GaugeVec
	SlotsTotal     *prometheus.GaugeVec
	PressureState  *prometheus.GaugeVec // 0=healthy,1=warning,2=critical,3=telemetry_gap
	CircuitState   *prometheus.GaugeVec // 0=closed,1=half_open,2=open

	SelectionTotal    *prometheus.CounterVec // outcome: admit, soft_fallback, local_fallback
	SelectionScore    *prometheus.HistogramVec
	AdmissionRejected *prometheus.CounterVec // reason label

	BuildDuration *prometheus.HistogramVec // phase label: upload, remote, download, total
	BuildTotal    *prometheus.CounterVec   // outcome: success, failed, cancelled

	DetectorConfidence *prometheus.HistogramVec
	DetectorRemediated *prometheus.CounterVec

	ReclaimBytesFreed *prometheus.CounterVec
	ReclaimActions    *prometheus.CounterVec

	EventBusLag *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		SlotsUsed: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "rcomp_worker_slots_used", Help: "Slots currently acquired on a worker."},
			[]string{"worker_id"},
		),
		SlotsTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "rcomp_worker_slots_total", Help: "Configured slot capacity of a worker."},
			[]string{"worker_id"},
		),
		PressureState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "rcomp_worker_pressure_state", Help: "Disk-pressure state of a worker (0=healthy..3=telemetry_gap)."},
			[]string{"worker_id"},
		),
		CircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "rcomp_worker_circuit_state", Help: "Circuit breaker state of a worker (0=closed,1=half_open,2=open)."},
			[]string{"worker_id"},
		),
		SelectionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "rcomp_selection_total", Help: "Total selector decisions by outcome."},
			[]string{"outcome"},
		),
		SelectionScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcomp_selection_score",
				Help:    "Winning candidate's score at selection time.",
				Buckets: []float64{-50, -10, 0, 10, 25, 50, 75, 100, 125, 150},
			},
			[]string{"worker_id"},
		),
		AdmissionRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "rcomp_admission_rejected_total", Help: "Admission gate rejections by reason."},
			[]string{"worker_id", "verdict", "reason"},
		),
		BuildDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcomp_build_phase_duration_seconds",
				Help:    "Duration of one build pipeline phase.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"phase"},
		),
		BuildTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "rcomp_build_total", Help: "Total builds by outcome."},
			[]string{"outcome"},
		),
		DetectorConfidence: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcomp_detector_confidence",
				Help:    "Stuck-build detector confidence score per pass.",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 1.0},
			},
			[]string{"build_id"},
		),
		DetectorRemediated: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "rcomp_detector_remediated_total", Help: "Builds remediated by the stuck-build detector."},
			[]string{"reason"},
		),
		ReclaimBytesFreed: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "rcomp_reclaim_bytes_freed_total", Help: "Bytes freed by the reclaim engine."},
			[]string{"worker_id"},
		),
		ReclaimActions: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "rcomp_reclaim_actions_total", Help: "Reclaim deletions performed."},
			[]string{"worker_id"},
		),
		EventBusLag: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "rcomp_eventbus_lag_total", Help: "Subscriber lag events (dropped due to a full buffer)."},
			[]string{"subscriber"},
		),
	}
}
