// Package ingest streams payload files into the raw capture archive and the
// run's staged snapshot.
//
// Per record: parse, normalize (unusable records are dropped without trace),
// validate (a rejected record is archived as failed and not staged), then
// archive as success and stage. Archive rows are flushed in batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"snapwh/internal/metrics"
	"snapwh/internal/normalize"
	jsonparser "snapwh/internal/parser/json"
	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// DefaultBatchSize is the raw capture flush size when Options.BatchSize is unset.
const DefaultBatchSize = 1000

// Logger is the minimal logging surface used by the ingestor.
type Logger interface {
	Printf(format string, v ...any)
}

// ValidateFunc rejects a normalized record. A non-nil error archives the
// record as failed with the error text.
type ValidateFunc func(records.StagedRecord) error

// Options configures an Ingestor.
type Options struct {
	BatchSize int
	Validate  ValidateFunc
	Logger    Logger

	now func() time.Time
}

// Ingestor archives and stages payload files. It is not safe for concurrent
// use on the same Snapshot.
type Ingestor struct {
	w    storage.Writer
	norm *normalize.Normalizer
	opt  Options
}

// FileStats summarizes one ingested file.
type FileStats struct {
	Filename string
	Seen     int // records returned by the parser
	Dropped  int // normalized away (no item id)
	Failed   int // archived as failed by validation
	Staged   int // archived as success and added to the snapshot
	Archived int64
	Duration time.Duration
}

// ParseError reports a malformed record. Records before it are archived and staged.
type ParseError struct {
	Filename string
	Line     int
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ingest: %s: record %d: %v", e.Filename, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// New returns an Ingestor writing raw captures through w.
func New(w storage.Writer, n *normalize.Normalizer, opt Options) (*Ingestor, error) {
	if w == nil {
		return nil, errors.New("ingest: writer is required")
	}
	if n == nil {
		return nil, errors.New("ingest: normalizer is required")
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.now == nil {
		opt.now = time.Now
	}
	return &Ingestor{w: w, norm: n, opt: opt}, nil
}

// IngestFile reads one payload file and stages its records into snap.
//
// Flushed rows stay archived when a later record fails to parse; the error is a
// *ParseError in that case. Re-ingesting the same file is a no-op for the
// archive because rows are keyed by (filename, sequence).
func (in *Ingestor) IngestFile(ctx context.Context, rc records.RunContext, filename string, r io.Reader, snap *records.Snapshot) (FileStats, error) {
	logf := in.logger()
	start := in.opt.now()
	st := FileStats{Filename: filename}

	pending := make([][]any, 0, in.opt.BatchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := in.w.InsertRows(ctx, storage.TableRawCapture, storage.RawCaptureColumns, pending, storage.RawCaptureDedupe)
		if err != nil {
			return fmt.Errorf("ingest: archive %s: %w", filename, err)
		}
		st.Archived += n
		pending = pending[:0]
		return nil
	}

	var parseLine int
	var parseErr, archiveErr error
	onParseErr := func(line int, err error) {
		parseLine, parseErr = line, err
	}

	emit := func(rec jsonparser.Record) error {
		st.Seen++
		staged, ok := in.norm.Normalize(rc, rec.Value)
		if !ok {
			st.Dropped++
			return nil
		}

		capture := records.RawCapture{
			Filename:   filename,
			Sequence:   rec.Line,
			Payload:    string(rec.Raw),
			Status:     records.CaptureSuccess,
			Line:       rec.Line,
			DateKey:    rc.TodayDateKey,
			CapturedAt: in.opt.now(),
		}
		if in.opt.Validate != nil {
			if err := in.opt.Validate(staged); err != nil {
				capture.Status = records.CaptureFailed
				capture.Error = err.Error()
			}
		}

		pending = append(pending, storage.RawCaptureRow(capture))
		if capture.Status == records.CaptureSuccess {
			snap.Add(filename, staged)
			st.Staged++
		} else {
			st.Failed++
		}

		if len(pending) >= in.opt.BatchSize {
			archiveErr = flush()
			return archiveErr
		}
		return nil
	}

	streamErr := jsonparser.StreamRecords(ctx, r, emit, onParseErr)
	if archiveErr != nil {
		return st, archiveErr
	}
	if err := flush(); err != nil {
		return st, err
	}
	st.Duration = in.opt.now().Sub(start).Truncate(time.Millisecond)

	metrics.RecordRecords("staged", st.Staged)
	metrics.RecordRecords("failed", st.Failed)
	metrics.RecordRecords("dropped", st.Dropped)

	if streamErr != nil {
		if parseErr != nil {
			return st, &ParseError{Filename: filename, Line: parseLine, Err: parseErr}
		}
		return st, fmt.Errorf("ingest: %s: %w", filename, streamErr)
	}

	logf("stage=ingest file=%s seen=%d staged=%d failed=%d dropped=%d archived=%d duration=%s",
		filename, st.Seen, st.Staged, st.Failed, st.Dropped, st.Archived, st.Duration)
	return st, nil
}

// RequireActor is a ValidateFunc rejecting records without an author.
func RequireActor(rec records.StagedRecord) error {
	if rec.Actor == nil || rec.Actor.ActorID == "" {
		return errors.New("missing author id")
	}
	return nil
}

func (in *Ingestor) logger() func(format string, v ...any) {
	if in.opt.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return in.opt.Logger.Printf
}
