// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inversion outcomes used as the status label
const (
	statusOK    = "ok"
	statusError = "error"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// Inversions by outcome
	Inversions *prometheus.CounterVec
	// Ascent iterations per successful inversion
	Iterations prometheus.Histogram
	// Wall time of one inversion
	Duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Inversions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peb",
			Name:      "inversions_total",
			Help:      "Total hierarchical inversions by status",
		}, []string{"status"}),
		Iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "peb",
			Name:      "estimator_iterations",
			Help:      "Free energy ascent iterations per inversion",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "peb",
			Name:      "inversion_seconds",
			Help:      "Hierarchical inversion latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// observe records one inversion. Safe on a nil receiver.
func (m *Metrics) observe(err error, iterations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.Inversions.WithLabelValues(statusError).Inc()
		return
	}
	m.Inversions.WithLabelValues(statusOK).Inc()
	m.Iterations.Observe(float64(iterations))
	m.Duration.Observe(elapsed.Seconds())
}
