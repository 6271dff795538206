// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Metrics are buffered in memory and submitted on a ticker (once a minute by
// default) plus once more on Close, so a long backfill shows up as a time
// series rather than a single spike at exit. Nothing is submitted if the
// process dies before Close.
//
// Any goroutine may record at any time. Flush swaps the buffer under the
// mutex and submits outside it.
package datadog

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"snapwh/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "snapload".
	JobName string

	// Tags are extra tags such as "service:snapload".
	Tags []string

	// FlushEvery is the submit interval. Defaults to 60s.
	FlushEvery time.Duration

	// test seams
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend calls.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// label is one tag taken from metrics.Labels. An empty value falls back to
// fallback; with no fallback the event is dropped.
type label struct {
	name     string
	fallback string
}

type counterSpec struct {
	series string
	labels []label
}

// counters maps facade metric names to Datadog series and their tags.
var counters = map[string]counterSpec{
	metrics.StepTotal:    {"etl.step.total", []label{{"step", "unknown"}, {"status", "unknown"}}},
	metrics.RecordsTotal: {"etl.records.total", []label{{name: "kind"}}},
	metrics.RowsTotal:    {"etl.rows.total", []label{{name: "entity"}, {name: "action"}}},
	metrics.RunsTotal:    {"etl.runs.total", []label{{"status", "unknown"}}},
}

var durationLabels = []label{{"step", "unknown"}, {"status", "unknown"}}

const durationSeries = "etl.step.duration_seconds"

// bucket identifies one series: its name plus the NUL-joined extra tags.
type bucket struct {
	series string
	tags   string
}

// window holds everything recorded since the last flush.
type window struct {
	counts  map[bucket]float64
	samples map[bucket][]float64
}

func newWindow() window {
	return window{counts: map[bucket]float64{}, samples: map[bucket][]float64{}}
}

func (w window) empty() bool { return len(w.counts) == 0 && len(w.samples) == 0 }

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu  sync.Mutex
	buf window
}

var _ metrics.Backend = (*Backend)(nil)

// NewBackend builds a backend on the official client and starts its flush
// loop. API key and site come from DD_API_KEY and DD_SITE, read by the client.
// The env tag comes from ENV, then DD_ENV, else "env:unknown".
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}
	job := cmpOr(opts.JobName, "snapload")
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	b := &Backend{
		api:        opts.submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   append([]string{resolveEnvTag(), "job:" + job}, opts.Tags...),
		now:        opts.now,
		newTicker:  opts.newTicker,
		buf:        newWindow(),
	}
	if b.api == nil {
		b.api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.newTicker == nil {
		b.newTicker = time.NewTicker
	}

	go b.loop()
	return b, nil
}

func cmpOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func resolveEnvTag() string {
	for _, k := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

// tagsFor renders labels as "name:value" tags, or reports false when a
// required label is missing.
func tagsFor(spec []label, labels metrics.Labels) (string, bool) {
	tags := make([]string, 0, len(spec))
	for _, l := range spec {
		v := cmpOr(labels[l.name], l.fallback)
		if v == "" {
			return "", false
		}
		tags = append(tags, l.name+":"+v)
	}
	return strings.Join(tags, "\x00"), true
}

// IncCounter implements metrics.Backend. Unknown names and non-positive
// deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	spec, ok := counters[name]
	if !ok || delta <= 0 {
		return
	}
	tags, ok := tagsFor(spec.labels, labels)
	if !ok {
		return
	}

	b.mu.Lock()
	b.buf.counts[bucket{spec.series, tags}] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Only step durations are kept.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	tags, _ := tagsFor(durationLabels, labels)

	b.mu.Lock()
	k := bucket{durationSeries, tags}
	b.buf.samples[k] = append(b.buf.samples[k], value)
	b.mu.Unlock()
}

// swap detaches the current window and starts a new one.
func (b *Backend) swap() window {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.buf
	b.buf = newWindow()
	return w
}

// Flush submits the buffered window. The window is discarded even when the
// submit fails; a metrics outage never blocks a run. An empty window sends
// nothing.
func (b *Backend) Flush() error {
	w := b.swap()
	if w.empty() {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.series(w, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and flushes once more. Call it once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// series renders w at timestamp ts: one count per counter bucket, and a
// p50/p90/p95/p99/max/samples gauge set per duration bucket.
func (b *Backend) series(w window, ts int64) []datadogV2.MetricSeries {
	out := make([]datadogV2.MetricSeries, 0, len(w.counts)+6*len(w.samples))
	for k, v := range w.counts {
		out = append(out, point(k.series, datadogV2.METRICINTAKETYPE_COUNT, v, b.tags(k), ts))
	}
	for k, s := range w.samples {
		out = append(out, summary(k.series, s, b.tags(k), ts)...)
	}
	return out
}

func (b *Backend) tags(k bucket) []string {
	out := slices.Clone(b.baseTags)
	if k.tags != "" {
		out = append(out, strings.Split(k.tags, "\x00")...)
	}
	return out
}

// summary returns the percentile gauges of samples without reordering it.
func summary(prefix string, samples []float64, tags []string, ts int64) []datadogV2.MetricSeries {
	if len(samples) == 0 {
		return nil
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	gauge := func(suffix string, v float64) datadogV2.MetricSeries {
		return point(prefix+"."+suffix, datadogV2.METRICINTAKETYPE_GAUGE, v, tags, ts)
	}
	return []datadogV2.MetricSeries{
		gauge("p50", nearestRank(sorted, 0.50)),
		gauge("p90", nearestRank(sorted, 0.90)),
		gauge("p95", nearestRank(sorted, 0.95)),
		gauge("p99", nearestRank(sorted, 0.99)),
		gauge("max", sorted[len(sorted)-1]),
		gauge("samples", float64(len(sorted))),
	}
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, ts int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(value)}},
		Tags:   tags,
	}
}

// nearestRank returns the p-quantile of sorted, p clamped to [0, 1].
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	p = math.Min(math.Max(p, 0), 1)
	return sorted[int(math.Round(p*float64(n-1)))]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,service:snapload".
func ParseTagsCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
