// Package jobmetrics instruments asynq task processing.
package jobmetrics

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeDropped = "dropped"
)

// Metrics holds collectors keyed by task type.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewMetrics registers the collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_tasks_total",
			Help: "Processed background tasks by type and outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_task_duration_seconds",
			Help:    "Background task processing time.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15},
		}, []string{"task"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_tasks_in_flight",
			Help: "Tasks currently being processed.",
		}, []string{"task"}),
	}
	registerer.MustRegister(m.runs, m.duration, m.inFlight)
	return m
}

// Middleware wraps every handler on an asynq.ServeMux.
func (m *Metrics) Middleware(next asynq.Handler) asynq.Handler {
	if m == nil {
		return next
	}
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		task := t.Type()
		gauge := m.inFlight.WithLabelValues(task)
		gauge.Inc()
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		gauge.Dec()
		m.duration.WithLabelValues(task).Observe(time.Since(start).Seconds())
		m.runs.WithLabelValues(task, Outcome(err)).Inc()
		return err
	})
}

// Outcome classifies a handler result. Errors wrapping asynq.SkipRetry are
// dropped by the server; any other error is retried.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, asynq.SkipRetry):
		return OutcomeDropped
	default:
		return OutcomeRetry
	}
}
