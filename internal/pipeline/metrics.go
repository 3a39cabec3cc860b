package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/jobs"
)

// Metrics are the pipeline engine's collectors.
type Metrics struct {
	Created     *prometheus.CounterVec
	Transitions *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Created: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: jobs.Namespace,
				Subsystem: "pipeline",
				Name:      "created_total",
				Help:      "Pipelines created, by variant",
			},
			[]string{"variant"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: jobs.Namespace,
				Subsystem: "pipeline",
				Name:      "actions_total",
				Help:      "Actions applied by the pipeline engine, by variant and action",
			},
			[]string{"variant", "action"},
		),
	}
}
