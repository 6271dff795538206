package main

import (
	"context"
	"time"

	"snapwh/internal/config"
	"snapwh/internal/metrics"
	"snapwh/internal/metrics/datadog"
	"snapwh/internal/metrics/prompush"
)

// closingBackend is a metrics backend that owns a flush loop.
type closingBackend interface {
	metrics.Backend
	Close() error
}

// Package-level seams so tests can observe wiring without network access.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = metrics.SetBackend
	flushMetrics      = metrics.Flush
)

// initMetrics installs the configured backend and returns its cleanup, which
// is never nil. Unknown backends and init failures fall back to the no-op
// backend with a log line.
func initMetrics(ctx context.Context, job string, m config.Metrics, logf func(string, ...any)) (func(), error) {
	nop := func() {}

	switch m.Backend {
	case "pushgateway":
		b, err := newPushBackend(job, m.PushgatewayURL)
		if err != nil {
			logf("metrics: failed to init prom push backend: %v; using nop", err)
			return nop, nil
		}
		logf("metrics: backend=pushgateway url=%s job_name=%s", m.PushgatewayURL, job)
		setMetricsBackend(b)
		return func() {
			if err := flushMetrics(); err != nil {
				logf("metrics: flush error: %v", err)
			}
		}, nil

	case "datadog":
		tags := datadog.ParseTagsCSV(m.Tags)
		b, err := newDatadogBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			logf("metrics: failed to init datadog backend: %v; using nop", err)
			return nop, nil
		}
		logf("metrics: backend=datadog job_name=%s tags=%v", job, tags)
		setMetricsBackend(b)
		// Close stops the flush loop and submits what is still buffered.
		return func() {
			if err := b.Close(); err != nil {
				logf("metrics: datadog close error: %v", err)
			}
		}, nil

	case "", "none":
		return nop, nil

	default:
		logf("metrics: unknown backend %q; metrics disabled", m.Backend)
		return nop, nil
	}
}
