package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every nolan metric.
const Namespace = "nolan"

// Metrics are the job manager's collectors.
type Metrics struct {
	RunsStarted     *prometheus.CounterVec
	RunsFinished    *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	TriggersRefused *prometheus.CounterVec
	Recovery        *prometheus.CounterVec

	Running prometheus.Gauge
	Queued  prometheus.Gauge
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_started_total",
				Help:      "Runs started, by agent and trigger",
			},
			[]string{"agent", "trigger"},
		),
		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_finished_total",
				Help:      "Runs finalized, by agent and status",
			},
			[]string{"agent", "status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "run_duration_seconds",
				Help:      "Run wall-clock duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
			},
			[]string{"agent"},
		),
		TriggersRefused: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "triggers_refused_total",
				Help:      "Triggers refused because the agent was already running",
			},
			[]string{"agent"},
		),
		Recovery: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "recovery_orphans_total",
				Help:      "Orphaned runs handled at startup, by outcome",
			},
			[]string{"outcome"},
		),
		Running: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "runs_running",
				Help:      "Runs currently in flight",
			},
		),
		Queued: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "triggers_queued",
				Help:      "Triggers waiting for a free slot",
			},
		),
	}
}
