// Package audit writes the run_audit lifecycle: one running row per merge run,
// moved exactly once to success or failed.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// MaxMessageRunes bounds the stored error message.
const MaxMessageRunes = 2000

// Starter inserts the running row.
type Starter interface {
	InsertRunAudit(ctx context.Context, a records.RunAudit) error
}

// Run is a started, not yet finished, audit row.
type Run struct {
	ID        string
	Name      string
	DateKey   int64
	StartedAt time.Time
}

// Outcome is the terminal state handed to Finish. A nil Err means success.
type Outcome struct {
	Counts records.Counts
	Err    error
	At     time.Time
}

// DefaultName is the run name used when none is configured.
func DefaultName(t time.Time) string {
	return "LOAD_" + t.UTC().Format("20060102_150405")
}

// Start inserts a running audit row for dateKey. An empty name falls back to
// DefaultName(now).
func Start(ctx context.Context, s Starter, name string, dateKey int64, now time.Time) (*Run, error) {
	if name == "" {
		name = DefaultName(now)
	}
	run := &Run{ID: uuid.NewString(), Name: name, DateKey: dateKey, StartedAt: now.UTC()}
	err := s.InsertRunAudit(ctx, records.RunAudit{
		RunID:     run.ID,
		RunName:   run.Name,
		DateKey:   run.DateKey,
		Status:    records.RunRunning,
		StartedAt: run.StartedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: start %s: %w", name, err)
	}
	return run, nil
}

// Finish moves run to its terminal state through w, which is the merge tx on
// success and the warehouse after a rollback. A second Finish for the same run
// returns an error wrapping storage.ErrNotRunning.
func Finish(ctx context.Context, w storage.Writer, run *Run, o Outcome) error {
	if run == nil {
		return errors.New("audit: finish: nil run")
	}
	a := Record(run, o)
	if err := w.FinishRunAudit(ctx, a); err != nil {
		return fmt.Errorf("audit: finish %s as %s: %w", run.ID, a.Status, err)
	}
	return nil
}

// Record renders the terminal audit row of run for o.
func Record(run *Run, o Outcome) records.RunAudit {
	a := records.RunAudit{
		RunID:     run.ID,
		RunName:   run.Name,
		DateKey:   run.DateKey,
		Status:    records.RunSuccess,
		StartedAt: run.StartedAt,
		EndedAt:   o.At.UTC(),
		Counts:    o.Counts,
	}
	if o.Err != nil {
		a.Status = records.RunFailed
		a.ErrorState = storage.ErrorState(o.Err)
		a.ErrorMessage = truncate(o.Err.Error(), MaxMessageRunes)
	}
	return a
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
