package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"snapwh/internal/metrics"
)

// recorder captures submitted payloads.
type recorder struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (r *recorder) SubmitMetrics(_ context.Context, body datadogV2.MetricPayload, _ ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, r.err
}

func (r *recorder) submits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// value returns the single point of the series named metric carrying every
// tag in tags, from the latest payload.
func (r *recorder) value(metric string, tags ...string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return 0, false
	}
	for _, s := range r.payloads[len(r.payloads)-1].Series {
		if s.Metric != metric {
			continue
		}
		if slices.ContainsFunc(tags, func(tag string) bool { return !slices.Contains(s.Tags, tag) }) {
			continue
		}
		return *s.Points[0].Value, true
	}
	return 0, false
}

// newTestBackend returns a backend whose ticker never fires, closed at cleanup.
func newTestBackend(t *testing.T, unix int64) (*Backend, *recorder) {
	t.Helper()
	rec := &recorder{}
	b, err := NewBackend(context.Background(), Options{
		JobName:   "job1",
		submitter: rec,
		now:       func() time.Time { return time.Unix(unix, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() {
		rec.setErr(nil)
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b, rec
}

func TestNewBackend(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := NewBackend(nil, Options{}); err == nil || !strings.Contains(err.Error(), "datadog metrics init:") {
		t.Fatalf("NewBackend(nil) err=%v, want init error", err)
	}

	t.Setenv("ENV", "")
	t.Setenv("DD_ENV", "stage")
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:snapload"},
		submitter: &recorder{},
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer func() { _ = b.Close() }()

	want := []string{"env:stage", "job:snapload", "service:snapload"}
	if !reflect.DeepEqual(b.baseTags, want) {
		t.Fatalf("baseTags=%v want %v", b.baseTags, want)
	}
	if b.flushEvery != time.Minute {
		t.Fatalf("flushEvery=%s want 1m", b.flushEvery)
	}
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct{ env, dd, want string }{
		{"prod", "stage", "env:prod"},
		{"", "stage", "env:stage"},
		{"   ", "\n\t", "env:unknown"},
		{"", "", "env:unknown"},
	}
	for _, tc := range tests {
		t.Setenv("ENV", tc.env)
		t.Setenv("DD_ENV", tc.dd)
		if got := resolveEnvTag(); got != tc.want {
			t.Fatalf("ENV=%q DD_ENV=%q: got %q want %q", tc.env, tc.dd, got, tc.want)
		}
	}
}

func TestWrapInitErr(t *testing.T) {
	if wrapInitErr(nil) != nil {
		t.Fatalf("wrapInitErr(nil) != nil")
	}
	base := errors.New("boom")
	if err := wrapInitErr(base); !errors.Is(err, base) {
		t.Fatalf("wrapInitErr lost the cause: %v", err)
	}
}

func TestTagsFor(t *testing.T) {
	tests := []struct {
		name   string
		spec   []label
		labels metrics.Labels
		want   string
		wantOK bool
	}{
		{name: "all_present", spec: counters[metrics.RowsTotal].labels, labels: metrics.Labels{"entity": "actor", "action": "inserted"}, want: "entity:actor\x00action:inserted", wantOK: true},
		{name: "required_missing", spec: counters[metrics.RowsTotal].labels, labels: metrics.Labels{"entity": "actor"}},
		{name: "fallback_used", spec: counters[metrics.RunsTotal].labels, want: "status:unknown", wantOK: true},
		{name: "no_labels", labels: metrics.Labels{"x": "y"}, wantOK: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tagsFor(tc.spec, tc.labels)
			if ok != tc.wantOK || (ok && got != tc.want) {
				t.Fatalf("tagsFor()=(%q,%v) want (%q,%v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestBackendTags_CopiesBase(t *testing.T) {
	b := &Backend{baseTags: []string{"env:test", "job:snapload"}}
	got := b.tags(bucket{series: "etl.step.total", tags: "step:ingest\x00status:ok"})
	if want := []string{"env:test", "job:snapload", "step:ingest", "status:ok"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("tags()=%v want %v", got, want)
	}
	got[0] = "env:mutated"
	if b.baseTags[0] != "env:test" {
		t.Fatalf("tags() aliases baseTags")
	}
	if got := b.tags(bucket{series: "x"}); len(got) != 2 {
		t.Fatalf("tags() without extras=%v", got)
	}
}

func TestNearestRank(t *testing.T) {
	tests := []struct {
		s    []float64
		p    float64
		want float64
	}{
		{nil, 0.5, 0},
		{[]float64{7}, 0.95, 7},
		{[]float64{1, 2, 3}, -1, 1},
		{[]float64{1, 2, 3}, 2, 3},
		{[]float64{1, 2, 3, 4, 5}, 0.5, 3},
		{[]float64{1, 2, 3, 4, 5}, 0.9, 5},
	}
	for _, tc := range tests {
		if got := nearestRank(tc.s, tc.p); got != tc.want {
			t.Fatalf("nearestRank(%v, %v)=%v want %v", tc.s, tc.p, got, tc.want)
		}
	}
}

func TestSummary(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := slices.Clone(orig)

	series := summary(durationSeries, in, []string{"step:merge"}, 999)
	if len(series) != 6 {
		t.Fatalf("len=%d want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples reordered: %v", in)
	}
	want := map[string]float64{
		durationSeries + ".p50":     3,
		durationSeries + ".max":     5,
		durationSeries + ".samples": 5,
	}
	for _, s := range series {
		if *s.Type != datadogV2.METRICINTAKETYPE_GAUGE || *s.Points[0].Timestamp != 999 {
			t.Fatalf("%s: type=%v ts=%d", s.Metric, *s.Type, *s.Points[0].Timestamp)
		}
		if w, ok := want[s.Metric]; ok && *s.Points[0].Value != w {
			t.Fatalf("%s=%v want %v", s.Metric, *s.Points[0].Value, w)
		}
	}
	if got := summary("x", nil, nil, 1); got != nil {
		t.Fatalf("empty samples gave %d series", len(got))
	}
}

func TestFlush(t *testing.T) {
	b, rec := newTestBackend(t, 1000)

	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": "ingest", "status": "ok"})
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "staged"})
	b.IncCounter(metrics.RowsTotal, 4, metrics.Labels{"entity": "actor", "action": "inserted"})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"entity": "actor", "action": "inserted"})
	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "success"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "ingest", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if rec.submits() != 1 {
		t.Fatalf("submits=%d want 1", rec.submits())
	}
	if !b.swap().empty() {
		t.Fatalf("window not reset after Flush")
	}

	checks := []struct {
		metric string
		tags   []string
		want   float64
	}{
		{"etl.step.total", []string{"step:ingest", "status:ok", "job:job1"}, 2},
		{"etl.records.total", []string{"kind:staged"}, 3},
		{"etl.rows.total", []string{"entity:actor", "action:inserted"}, 5},
		{"etl.runs.total", []string{"status:success"}, 1},
		{"etl.step.duration_seconds.p50", []string{"step:ingest"}, 0.5},
		{"etl.step.duration_seconds.samples", []string{"step:ingest"}, 1},
	}
	for _, c := range checks {
		if got, ok := rec.value(c.metric, c.tags...); !ok || got != c.want {
			t.Fatalf("%s%v=%v ok=%v want %v", c.metric, c.tags, got, ok, c.want)
		}
	}

	// An empty window is not submitted.
	if err := b.Flush(); err != nil || rec.submits() != 1 {
		t.Fatalf("empty Flush err=%v submits=%d", err, rec.submits())
	}
}

func TestFlush_SubmitErrorDropsWindow(t *testing.T) {
	b, rec := newTestBackend(t, 1000)
	rec.setErr(errors.New("intake down"))

	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "failed"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush err=nil, want submit error")
	}
	if !b.swap().empty() {
		t.Fatalf("window kept after failed submit")
	}
}

func TestIgnoredEvents(t *testing.T) {
	b, rec := newTestBackend(t, 4000)

	b.IncCounter(metrics.RunsTotal, 0, metrics.Labels{"status": "success"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"entity": "actor"})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "ddl"})
	b.ObserveHistogram("unknown_seconds", 1, nil)
	if !b.swap().empty() {
		t.Fatalf("ignored events were buffered")
	}

	b.IncCounter(metrics.RunsTotal, 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := rec.value("etl.runs.total", "status:unknown"); !ok {
		t.Fatalf("missing etl.runs.total status:unknown")
	}
}

func TestLoopFlushesAndCloseFlushesRemainder(t *testing.T) {
	rec := &recorder{}
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: 5 * time.Millisecond,
		submitter:  rec,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "success"})
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline) && rec.submits() == 0; {
		time.Sleep(2 * time.Millisecond)
	}
	if rec.submits() == 0 {
		_ = b.Close()
		t.Fatalf("ticker never flushed")
	}

	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "success"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.submits() < 2 {
		t.Fatalf("submits=%d want >= 2 after Close", rec.submits())
	}
}

func TestConcurrentRecording(t *testing.T) {
	b, rec := newTestBackend(t, 3000)

	const workers, iters = 8, 1000
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iters {
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"entity": "item", "action": "updated"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "merge", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got, _ := rec.value("etl.rows.total", "entity:item", "action:updated"); got != workers*iters {
		t.Fatalf("rows=%v want %d", got, workers*iters)
	}
	if got, _ := rec.value("etl.step.duration_seconds.samples", "step:merge"); got != workers*iters {
		t.Fatalf("samples=%v want %d", got, workers*iters)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{" env:prod , ,service:snapload,  ,team:data ", []string{"env:prod", "service:snapload", "team:data"}},
		{"service:snapload", []string{"service:snapload"}},
	}
	for _, tc := range tests {
		if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseTagsCSV(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}
