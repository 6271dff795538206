// Package pipeline runs one daily load end to end: schema, calendar, ingest
// of every payload file, then the SCD2 merge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"snapwh/internal/config"
	"snapwh/internal/datekey"
	"snapwh/internal/ingest"
	"snapwh/internal/merge"
	"snapwh/internal/metrics"
	"snapwh/internal/normalize"
	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// Logger is the minimal logging surface used by the runner.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner wires the loader stages against one warehouse.
type Runner struct {
	Warehouse storage.Warehouse
	Config    config.Config
	Logger    Logger

	now func() time.Time
}

// Request selects the files and processing date of a run. A zero Date means today.
type Request struct {
	Files []string
	Date  time.Time
}

// Report summarizes a run.
type Report struct {
	Date        time.Time
	DateKey     int64
	Synthetic   bool // the ingest date key was synthesized
	DateRows    int64
	Files       []ingest.FileStats
	ParseErrors int
	Merge       merge.Result
}

// Run executes the stages in order and stops at the first failing one.
//
// Malformed payloads are reported in Report.ParseErrors and do not stop the
// run. A merge failure is returned after the merge engine has recorded it.
func (r *Runner) Run(ctx context.Context, req Request) (Report, error) {
	if r.Warehouse == nil {
		return Report{}, errors.New("pipeline: Warehouse is required")
	}
	logf := r.logger()
	now := r.now
	if now == nil {
		now = time.Now
	}

	date := req.Date
	if date.IsZero() {
		date = now()
	}
	rep := Report{Date: records.DateOnly(date)}

	if err := r.step("ddl", logf, func() error {
		return r.Warehouse.EnsureTables(ctx, storage.Tables())
	}); err != nil {
		return rep, err
	}

	if err := r.step("date_dim", logf, func() (err error) {
		rep.DateRows, err = r.ensureDateDim(ctx, rep.Date, logf)
		return err
	}); err != nil {
		return rep, err
	}

	res, err := datekey.NewResolver(r.Warehouse).Resolve(ctx, rep.Date)
	if err != nil {
		return rep, fmt.Errorf("pipeline: %w", err)
	}
	rc := records.NewRunContext(rep.Date, res.Key, res.Synthetic)
	rep.DateKey, rep.Synthetic = rc.TodayDateKey, rc.Synthetic
	if rc.Synthetic {
		logf("stage=date_key status=synthetic date=%s date_key=%d", datekey.FullDate(rep.Date), rc.TodayDateKey)
	}

	snap := records.NewSnapshot(rc.TodayDateKey)
	if err := r.step("ingest", logf, func() error {
		return r.ingestAll(ctx, rc, req.Files, snap, &rep, logf)
	}); err != nil {
		return rep, err
	}

	err = r.step("merge", logf, func() error {
		eng, err := merge.New(r.Warehouse, merge.Options{
			RunName:            r.Config.Merge.RunName,
			StrictInteractions: r.Config.Merge.StrictInteractions,
			PreloadParallelism: r.Config.Merge.PreloadParallelism,
			Logger:             r.Logger,
		})
		if err != nil {
			return err
		}
		rep.Merge, err = eng.Run(ctx, rc, snap)
		return err
	})
	return rep, err
}

func (r *Runner) ingestAll(ctx context.Context, rc records.RunContext, files []string, snap *records.Snapshot, rep *Report, logf func(string, ...any)) error {
	norm, err := normalize.New(normalize.Options{
		Paths:        r.Config.Normalize.Paths,
		MaxTextRunes: r.Config.Normalize.MaxTextRunes,
	})
	if err != nil {
		return err
	}
	opt := ingest.Options{BatchSize: r.Config.Ingest.MaxItemsPerBatch, Logger: r.Logger}
	if r.Config.Ingest.RequireActor {
		opt.Validate = ingest.RequireActor
	}
	in, err := ingest.New(r.Warehouse, norm, opt)
	if err != nil {
		return err
	}

	for _, path := range files {
		st, err := ingestFile(ctx, in, rc, path, snap)
		rep.Files = append(rep.Files, st)
		var pe *ingest.ParseError
		switch {
		case errors.As(err, &pe):
			rep.ParseErrors++
			logf("stage=ingest file=%s status=parse_error line=%d staged=%d err=%v", path, pe.Line, st.Staged, pe.Err)
		case err != nil:
			return err
		}
	}
	return nil
}

func ingestFile(ctx context.Context, in *ingest.Ingestor, rc records.RunContext, path string, snap *records.Snapshot) (ingest.FileStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.FileStats{Filename: filepath.Base(path)}, fmt.Errorf("pipeline: open %s: %w", path, err)
	}
	defer f.Close()
	return in.IngestFile(ctx, rc, filepath.Base(path), f, snap)
}

// ensureDateDim loads the calendar when date has no row yet and returns the
// number of rows inserted.
func (r *Runner) ensureDateDim(ctx context.Context, date time.Time, logf func(string, ...any)) (int64, error) {
	if _, ok, err := r.Warehouse.LookupDateKey(ctx, datekey.FullDate(date)); err != nil {
		return 0, err
	} else if ok {
		return 0, nil
	}

	dd := r.Config.DateDim
	var rows []datekey.Row
	switch {
	case dd.Path != "":
		f, err := os.Open(dd.Path)
		if err != nil {
			return 0, fmt.Errorf("pipeline: open date dim: %w", err)
		}
		defer f.Close()
		rows, err = datekey.LoadCSV(ctx, f, func(line int, err error) {
			logf("stage=date_dim line=%d status=skipped err=%v", line, err)
		})
		if err != nil {
			return 0, fmt.Errorf("pipeline: load date dim %s: %w", dd.Path, err)
		}
	case dd.GenerateFrom != "":
		from, err := time.Parse(time.DateOnly, dd.GenerateFrom)
		if err != nil {
			return 0, fmt.Errorf("pipeline: date_dim.generate_from: %w", err)
		}
		to, err := time.Parse(time.DateOnly, dd.GenerateTo)
		if err != nil {
			return 0, fmt.Errorf("pipeline: date_dim.generate_to: %w", err)
		}
		rows = datekey.Generate(from, to, nil)
	default:
		logf("stage=date_dim status=missing date=%s", datekey.FullDate(date))
		return 0, nil
	}

	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, row.Values())
	}
	return r.Warehouse.InsertRows(ctx, storage.TableDateDim, datekey.Columns, values, []string{"date_key"})
}

// step runs fn as a named stage, logging and recording its outcome.
func (r *Runner) step(name string, logf func(string, ...any), fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start).Truncate(time.Millisecond)
	metrics.RecordStep(name, err, d)
	if err != nil {
		logf("stage=%s status=error duration=%s err=%v", name, d, err)
		return err
	}
	logf("stage=%s ok duration=%s", name, d)
	return nil
}

// ResolveFiles returns the payload files matching in.Pattern under in.Dir, sorted.
func ResolveFiles(in config.Input) ([]string, error) {
	if in.Dir == "" {
		return nil, errors.New("pipeline: no input files and no input directory")
	}
	pattern := in.Pattern
	if pattern == "" {
		pattern = config.DefaultPattern
	}
	matches, err := filepath.Glob(filepath.Join(in.Dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("pipeline: glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (r *Runner) logger() func(format string, v ...any) {
	if r.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return r.Logger.Printf
}
