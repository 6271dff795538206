// Package metrics is the backend-neutral instrumentation facade.
//
// Core code records through the helpers below; cmd wires a concrete Backend
// (Datadog, Pushgateway) with SetBackend. Without one, a no-op backend is used.
package metrics

import (
	"sync"
	"time"
)

// Metric names.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	RowsTotal           = "etl_rows_total"
	RunsTotal           = "etl_runs_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts one pipeline step and observes its duration.
// status is "ok" when err is nil, "error" otherwise.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts ingested input records by kind ("staged", "failed", "dropped").
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordRows counts warehouse rows per entity and action ("inserted", "updated", "skipped").
func RecordRows(entity, action string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"entity": entity, "action": action})
}

// RecordRun counts one finished run by terminal status.
func RecordRun(status string) {
	current().IncCounter(RunsTotal, 1, Labels{"status": status})
}
