// Package merge applies a staged snapshot to the SCD2 warehouse tables.
//
// A run is:
//   - audit start (status=running, outside any tx)
//   - preconditions: today's date key exists, no entity snapshot is empty
//   - preload of existing current keys (read-only)
//   - one transaction: actor, item and interaction merges, the audit success
//     finish and the load_log rows
//
// Any failure or panic rolls the transaction back and records the run as
// failed through the warehouse, so every run leaves exactly one terminal audit row.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"snapwh/internal/audit"
	"snapwh/internal/datekey"
	"snapwh/internal/fetchcache"
	"snapwh/internal/metrics"
	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// Logger is the minimal logging surface used by the engine.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures an Engine.
type Options struct {
	// RunName is stored on the audit row. Empty means audit.DefaultName.
	RunName string

	// StrictInteractions fails the run when an interaction has no staged or
	// current item. Otherwise such facts are merged and only counted.
	StrictInteractions bool

	// PreloadParallelism bounds concurrent preload queries. <= 1 is sequential.
	PreloadParallelism int

	Logger Logger

	now    func() time.Time
	wrapTx func(storage.MergeTx) storage.MergeTx
}

// Engine runs SCD2 merges against one warehouse. Runs against the same
// warehouse must be serialized by the caller.
type Engine struct {
	wh    storage.Warehouse
	dates *datekey.Resolver
	opt   Options
}

// Result is the outcome of a successful run.
type Result struct {
	RunID    string
	RunName  string
	DateKey  int64
	Counts   records.Counts
	Orphans  int
	Duration time.Duration
}

// New returns an Engine using wh for reads, writes and date key lookups.
func New(wh storage.Warehouse, opt Options) (*Engine, error) {
	if wh == nil {
		return nil, errors.New("merge: warehouse is required")
	}
	if opt.now == nil {
		opt.now = time.Now
	}
	return &Engine{wh: wh, dates: datekey.NewResolver(wh), opt: opt}, nil
}

// Run merges snap as of rc.Today.
//
// The returned error is a *PreconditionError when the run was rejected before
// mutation. In every case except a failed audit start, a terminal run_audit
// row has been written when Run returns.
func (e *Engine) Run(ctx context.Context, rc records.RunContext, snap *records.Snapshot) (res Result, err error) {
	logf := e.logger()
	start := e.opt.now()

	if snap == nil {
		snap = records.NewSnapshot(rc.TodayDateKey)
	}

	run, err := audit.Start(ctx, e.wh, e.opt.RunName, rc.TodayDateKey, start)
	if err != nil {
		return Result{}, fmt.Errorf("merge: %w", err)
	}
	res = Result{RunID: run.ID, RunName: run.Name, DateKey: rc.TodayDateKey}
	logf("stage=audit_start run_id=%s run_name=%s date_key=%d", run.ID, run.Name, rc.TodayDateKey)

	var tx storage.MergeTx
	defer func() {
		p := recover()
		if p == nil && err == nil {
			return
		}
		if p != nil {
			err = fmt.Errorf("merge: panic: %v", p)
		}
		// The caller's ctx may be what failed; the failure must still be recorded.
		cleanup := context.WithoutCancel(ctx)
		if tx != nil {
			if rbErr := tx.Rollback(cleanup); rbErr != nil {
				logf("stage=rollback status=error err=%v", rbErr)
			}
		}
		if ferr := audit.Finish(cleanup, e.wh, run, audit.Outcome{Err: err, At: e.opt.now()}); ferr != nil {
			logf("stage=audit_finish status=error run_id=%s err=%v", run.ID, ferr)
			err = errors.Join(err, ferr)
		}
		metrics.RecordRun(records.RunFailed)
		logf("stage=merge status=failed run_id=%s error_state=%s err=%v", run.ID, storage.ErrorState(err), err)
		if p != nil {
			panic(p)
		}
	}()

	today, err := e.checkPreconditions(ctx, rc, snap)
	if err != nil {
		return res, err
	}
	res.DateKey = today

	existing, err := fetchcache.Preload(ctx, e.wh, snap, fetchcache.Options{Parallelism: e.opt.PreloadParallelism})
	if err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}

	orphans := orphanInteractions(snap, existing)
	res.Orphans = len(orphans)
	if len(orphans) > 0 {
		if e.opt.StrictInteractions {
			return res, &PreconditionError{
				Code:   CodeOrphanInteraction,
				Entity: records.EntityInteraction,
				Err:    fmt.Errorf("%w: %d keys, first %s", ErrOrphanInteraction, len(orphans), orphans[0]),
			}
		}
		logf("stage=orphans entity=interaction count=%d first=%s", len(orphans), orphans[0])
	}

	tx, err = e.wh.BeginMerge(ctx)
	if err != nil {
		return res, fmt.Errorf("merge: begin: %w", err)
	}
	if e.opt.wrapTx != nil {
		tx = e.opt.wrapTx(tx)
	}

	counts := make(records.Counts, len(records.Entities))
	for _, ent := range records.Entities {
		spec, err := storage.SpecFor(ent)
		if err != nil {
			return res, err
		}
		c, err := e.mergeEntity(ctx, tx, spec, stagedVersions(spec, snap), existing, today)
		if err != nil {
			return res, fmt.Errorf("merge: %s: %w", ent, err)
		}
		counts[ent] = c
		logf("stage=merge entity=%s records=%d inserted=%d updated=%d skipped=%d duration=%s",
			ent, c.Records, c.Inserted, c.Updated, c.Skipped, c.EndedAt.Sub(c.StartedAt).Truncate(time.Millisecond))
	}

	if err := audit.Finish(ctx, tx, run, audit.Outcome{Counts: counts, At: e.opt.now()}); err != nil {
		return res, err
	}
	if _, err := tx.InsertRows(ctx, storage.TableLoadLog, storage.LoadLogColumns, loadLogRows(run.ID, snap, counts), nil); err != nil {
		return res, fmt.Errorf("merge: load log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("merge: commit: %w", err)
	}

	for _, ent := range records.Entities {
		c := counts[ent]
		metrics.RecordRows(string(ent), "inserted", c.Inserted)
		metrics.RecordRows(string(ent), "updated", c.Updated)
		metrics.RecordRows(string(ent), "skipped", c.Skipped)
	}
	metrics.RecordRun(records.RunSuccess)

	res.Counts = counts
	res.Duration = e.opt.now().Sub(start).Truncate(time.Millisecond)
	logf("stage=merge status=success run_id=%s duration=%s", run.ID, res.Duration)
	return res, nil
}

// checkPreconditions returns the canonical date key of rc.Today.
func (e *Engine) checkPreconditions(ctx context.Context, rc records.RunContext, snap *records.Snapshot) (int64, error) {
	today, err := e.dates.Require(ctx, rc.Today)
	if err != nil {
		if errors.Is(err, datekey.ErrDateKeyMissing) {
			return 0, &PreconditionError{Code: CodeDateKeyMissing, Err: err}
		}
		return 0, fmt.Errorf("merge: %w", err)
	}
	for _, ent := range records.Entities {
		if snap.Len(ent) == 0 {
			return 0, &PreconditionError{Code: EmptySnapshotCode(ent), Entity: ent, Err: fmt.Errorf("%w: no %s records", ErrEmptySnapshot, ent)}
		}
	}
	return today, nil
}

// mergeEntity applies one entity's staged versions inside tx.
//
// Keys without a current row are inserted; keys whose current row differs are
// closed at today and re-inserted from today; equal keys are skipped.
func (e *Engine) mergeEntity(ctx context.Context, tx storage.MergeTx, spec storage.EntitySpec, staged []storage.Version, existing *fetchcache.Existing, today int64) (records.EntityCounts, error) {
	c := records.EntityCounts{Records: int64(len(staged)), StartedAt: e.opt.now()}

	var probe []string
	for _, v := range staged {
		if existing.Has(spec.Entity, v.Key) {
			probe = append(probe, v.Key)
		}
	}
	current := map[string]storage.Version{}
	if len(probe) > 0 {
		var err error
		if current, err = tx.SelectCurrent(ctx, spec, probe); err != nil {
			return c, fmt.Errorf("select current: %w", err)
		}
	}

	var changed []string
	inserts := make([]storage.Version, 0, len(staged))
	for _, v := range staged {
		cur, ok := current[v.Key]
		switch {
		case !ok:
			c.Inserted++
		case Unchanged(spec, cur, v):
			c.Skipped++
			continue
		default:
			changed = append(changed, v.Key)
			c.Updated++
		}
		inserts = append(inserts, v)
	}

	if len(changed) > 0 {
		n, err := tx.CloseCurrent(ctx, spec, changed, today)
		if err != nil {
			return c, fmt.Errorf("close current: %w", err)
		}
		if n != int64(len(changed)) {
			return c, fmt.Errorf("close current: closed %d rows, want %d", n, len(changed))
		}
	}
	if len(inserts) > 0 {
		n, err := tx.InsertCurrent(ctx, spec, inserts, today)
		if err != nil {
			return c, fmt.Errorf("insert current: %w", err)
		}
		if n != int64(len(inserts)) {
			return c, fmt.Errorf("insert current: inserted %d rows, want %d", n, len(inserts))
		}
	}

	c.EndedAt = e.opt.now()
	return c, nil
}

// orphanInteractions returns interaction keys with neither a staged nor a
// current item, in key order.
func orphanInteractions(snap *records.Snapshot, existing *fetchcache.Existing) []string {
	var out []string
	for _, k := range snap.Keys(records.EntityInteraction) {
		if !snap.HasItem(k) && !existing.Has(records.EntityItem, k) {
			out = append(out, k)
		}
	}
	return out
}

func loadLogRows(runID string, snap *records.Snapshot, counts records.Counts) [][]any {
	source := strings.Join(snap.Sources(), ",")
	rows := make([][]any, 0, len(records.Entities))
	for _, ent := range records.Entities {
		spec, _ := storage.SpecFor(ent)
		c := counts[ent]
		rows = append(rows, storage.LoadLogRow(records.LoadLog{
			RunID:          runID,
			TableName:      spec.Table,
			RecordCount:    c.Records,
			InsertedCount:  c.Inserted,
			UpdatedCount:   c.Updated,
			SkippedCount:   c.Skipped,
			Status:         records.RunSuccess,
			StartedAt:      c.StartedAt,
			EndedAt:        c.EndedAt,
			DurationMS:     c.EndedAt.Sub(c.StartedAt).Milliseconds(),
			SourceFilename: source,
		}))
	}
	return rows
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.opt.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return e.opt.Logger.Printf
}
