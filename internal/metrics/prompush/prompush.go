// Package prompush implements a Prometheus Pushgateway backend for
// internal/metrics. Metrics live in a private registry and are pushed on
// Flush, which cmd calls once when the run ends.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"snapwh/internal/metrics"
)

// Backend buffers metrics in a prometheus.Registry and pushes them to a
// Pushgateway.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	steps     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	records   *prometheus.CounterVec
	rows      *prometheus.CounterVec
	runs      *prometheus.CounterVec
}

// NewBackend builds a backend pushing to gatewayURL under job.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	job = strings.TrimSpace(job)
	if job == "" {
		return nil, fmt.Errorf("prompush: empty job name")
	}
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: empty gateway url")
	}

	b := &Backend{
		reg: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline steps by outcome.",
		}, []string{"step", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Pipeline step duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"step", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Ingested input records by kind.",
		}, []string{"kind"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Dimension and fact rows by entity and merge action.",
		}, []string{"entity", "action"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RunsTotal,
			Help: "Load runs by final status.",
		}, []string{"status"}),
	}
	b.reg.MustRegister(b.steps, b.durations, b.records, b.rows, b.runs)
	b.pusher = push.New(gatewayURL, job).Gatherer(b.reg)
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case metrics.RecordsTotal:
		b.records.WithLabelValues(labels["kind"]).Add(delta)
	case metrics.RowsTotal:
		b.rows.WithLabelValues(labels["entity"], labels["action"]).Add(delta)
	case metrics.RunsTotal:
		b.runs.WithLabelValues(labels["status"]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	b.durations.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the whole registry, replacing the job's previous group.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
