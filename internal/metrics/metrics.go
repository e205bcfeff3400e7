// Package metrics holds the Prometheus collectors for sandbox runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "convbox"

// OutcomeOK labels successful runs; failures are labelled with their
// error kind.
const OutcomeOK = "ok"

type Metrics struct {
	runs           *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	peakRSS        prometheus.Histogram
	active         prometheus.Gauge
	rejected       prometheus.Counter
	validationFail prometheus.Counter
	killFailures   prometheus.Counter
	droppedLogs    prometheus.Counter
}

// New registers the collectors on reg. A nil reg leaves them unregistered,
// which lets several orchestrators live in one process.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Converter runs by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of converter runs from admission to teardown.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		peakRSS: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_peak_rss_bytes",
			Help:      "Peak resident memory observed per run.",
			Buckets:   prometheus.ExponentialBuckets(8<<20, 2, 8),
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sandboxes",
			Help:      "Sandboxes currently registered.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Runs refused because no sandbox slot was free or the orchestrator was shutting down.",
		}),
		validationFail: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejected_total",
			Help:      "Converters rejected by static validation before any child was spawned.",
		}),
		killFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kill_failures_total",
			Help:      "Teardowns that could not confirm every child process was gone.",
		}),
		droppedLogs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_log_lines_total",
			Help:      "Converter log lines dropped by the relay rate limit.",
		}),
	}
}

func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) PeakRSS(bytes int64) {
	if bytes > 0 {
		m.peakRSS.Observe(float64(bytes))
	}
}

func (m *Metrics) SetActive(n int) { m.active.Set(float64(n)) }

func (m *Metrics) Rejected() { m.rejected.Inc() }

func (m *Metrics) ValidationRejected() { m.validationFail.Inc() }

func (m *Metrics) KillFailed() { m.killFailures.Inc() }

func (m *Metrics) DroppedLogs(n int64) {
	if n > 0 {
		m.droppedLogs.Add(float64(n))
	}
}
