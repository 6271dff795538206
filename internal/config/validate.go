package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap/zapcore"

	"snapwh/internal/normalize"
	"snapwh/internal/storage"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// maxBatchWarn is where raw_capture batches start to hit driver limits on
// the smaller backends.
const maxBatchWarn = 10000

// Validate checks c. Storage kinds are matched against the registered
// backends, so callers import the backends first.
func Validate(c Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case c.Storage.Kind == "":
		add(SeverityError, "storage.kind", "required")
	case !slices.Contains(storage.Kinds(), c.Storage.Kind):
		add(SeverityError, "storage.kind", "unknown backend %q (registered: %v)", c.Storage.Kind, storage.Kinds())
	}
	if c.Storage.DSN == "" {
		add(SeverityError, "storage.dsn", "required")
	}

	if _, err := filepath.Match(c.Input.Pattern, "x.json"); err != nil {
		add(SeverityError, "input.pattern", "invalid glob: %v", err)
	}

	var from, to time.Time
	var fromErr, toErr error
	if c.DateDim.GenerateFrom != "" {
		if from, fromErr = time.Parse(time.DateOnly, c.DateDim.GenerateFrom); fromErr != nil {
			add(SeverityError, "date_dim.generate_from", "want YYYY-MM-DD: %v", fromErr)
		}
	}
	if c.DateDim.GenerateTo != "" {
		if to, toErr = time.Parse(time.DateOnly, c.DateDim.GenerateTo); toErr != nil {
			add(SeverityError, "date_dim.generate_to", "want YYYY-MM-DD: %v", toErr)
		}
	}
	if (c.DateDim.GenerateFrom == "") != (c.DateDim.GenerateTo == "") {
		add(SeverityError, "date_dim", "generate_from and generate_to must be set together")
	}
	if fromErr == nil && toErr == nil && !from.IsZero() && !to.IsZero() && to.Before(from) {
		add(SeverityError, "date_dim.generate_to", "before generate_from")
	}
	if c.DateDim.Path == "" && c.DateDim.GenerateFrom == "" {
		add(SeverityWarning, "date_dim", "no calendar source; runs fail unless date_dim already has today's row")
	}

	if _, err := normalize.New(normalize.Options{Paths: c.Normalize.Paths, MaxTextRunes: c.Normalize.MaxTextRunes}); err != nil {
		add(SeverityError, "normalize.paths", "%v", err)
	}
	if c.Normalize.MaxTextRunes < 0 {
		add(SeverityError, "normalize.max_text_runes", "must be >= 0")
	}

	switch n := c.Ingest.MaxItemsPerBatch; {
	case n <= 0:
		add(SeverityError, "ingest.max_items_per_batch", "must be > 0, got %d", n)
	case n > maxBatchWarn:
		add(SeverityWarning, "ingest.max_items_per_batch", "%d is large; parameter limits split it into several statements", n)
	}

	switch p := c.Merge.PreloadParallelism; {
	case p < 0:
		add(SeverityError, "merge.preload_parallelism", "must be >= 0")
	case p > 3:
		add(SeverityWarning, "merge.preload_parallelism", "only three preload queries run; %d exceeds that", p)
	}
	if c.Storage.Kind == "sqlite" && c.Merge.PreloadParallelism > 1 {
		add(SeverityWarning, "merge.preload_parallelism", "sqlite serializes on one connection")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add(SeverityError, "log.level", "%v", err)
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway":
		if c.Metrics.PushgatewayURL == "" {
			add(SeverityError, "metrics.pushgateway_url", "required for pushgateway")
		}
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", c.Metrics.Backend)
	}

	return out
}
