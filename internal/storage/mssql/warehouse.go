package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// Warehouse implements storage.Warehouse for Microsoft SQL Server.
//
// Dedupe inserts use INSERT ... SELECT ... WHERE NOT EXISTS, since SQL Server
// has no ON CONFLICT. Rows are deduplicated in memory first because NOT EXISTS
// does not see other rows of the same VALUES list.
//
// Concurrency:
//   - SelectCurrent uses UPDLOCK + ROWLOCK so concurrent merges of the same
//     natural key serialize cleanly without table-wide locks.
type Warehouse struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", Open)
}

// paramBudget stays under SQL Server's 2100 parameter limit per statement.
const paramBudget = 2000

// Open connects using the "sqlserver" driver and validates connectivity.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for ETL-style bursty loads.
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Warehouse{db: raw}, nil
}

// Close releases database resources held by this warehouse.
func (w *Warehouse) Close() {
	if w == nil || w.db == nil {
		return
	}
	_ = w.db.Close()
}

// conn is the seam over *sql.DB and *sql.Tx that the statement helpers use.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EnsureTables creates missing tables using IF OBJECT_ID guards.
func (w *Warehouse) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := w.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (w *Warehouse) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return insertPlain(ctx, w.db, table, columns, rows, dedupeColumns)
}

func (w *Warehouse) LookupDateKey(ctx context.Context, fullDate string) (int64, bool, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = @p1", mssqlIdent("date_key"), mssqlTableIdent(storage.TableDateDim), mssqlIdent("full_date"))
	var key int64
	err := w.db.QueryRowContext(ctx, q, fullDate).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return key, true, nil
}

func (w *Warehouse) SelectExistingKeys(ctx context.Context, spec storage.EntitySpec, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	for _, part := range storage.Chunk(keys, paramBudget) {
		q, args := buildSelectKeysSQL(spec, part)
		rows, err := w.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, err
			}
			out[k] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (w *Warehouse) InsertRunAudit(ctx context.Context, a records.RunAudit) error {
	_, err := insertPlain(ctx, w.db, storage.TableRunAudit, storage.RunAuditStartColumns,
		[][]any{storage.RunAuditStartValues(a)}, nil)
	return err
}

func (w *Warehouse) FinishRunAudit(ctx context.Context, a records.RunAudit) error {
	return finishRunAudit(ctx, w.db, a)
}

func (w *Warehouse) BeginMerge(ctx context.Context) (storage.MergeTx, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &mergeTx{tx: tx}, nil
}

type mergeTx struct {
	tx *sql.Tx
}

func (m *mergeTx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return insertPlain(ctx, m.tx, table, columns, rows, dedupeColumns)
}

func (m *mergeTx) FinishRunAudit(ctx context.Context, a records.RunAudit) error {
	return finishRunAudit(ctx, m.tx, a)
}

func (m *mergeTx) SelectCurrent(ctx context.Context, spec storage.EntitySpec, keys []string) (map[string]storage.Version, error) {
	out := make(map[string]storage.Version, len(keys))
	width := len(spec.Attrs) + 3
	for _, part := range storage.Chunk(keys, paramBudget) {
		q, args := buildSelectCurrentSQL(spec, part)
		rows, err := m.tx.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			raw := make([]any, width)
			dest := make([]any, width)
			for i := range raw {
				dest[i] = &raw[i]
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, err
			}
			v, err := storage.ScanVersion(spec, raw)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[v.Key] = v
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (m *mergeTx) CloseCurrent(ctx context.Context, spec storage.EntitySpec, keys []string, endDateKey int64) (int64, error) {
	return closeCurrent(ctx, m.tx, spec, keys, endDateKey)
}

func (m *mergeTx) InsertCurrent(ctx context.Context, spec storage.EntitySpec, versions []storage.Version, startDateKey int64) (int64, error) {
	if len(versions) == 0 {
		return 0, nil
	}
	columns := append(spec.VersionColumns(), storage.ColEndDateKey, storage.ColIsCurrent)
	rows := make([][]any, len(versions))
	for i, v := range versions {
		rows[i] = append(v.InsertArgs(spec, startDateKey), nil, true)
	}
	return insertPlain(ctx, m.tx, spec.Table, columns, rows, nil)
}

func (m *mergeTx) Commit(ctx context.Context) error { return m.tx.Commit() }

func (m *mergeTx) Rollback(ctx context.Context) error {
	if err := m.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func closeCurrent(ctx context.Context, c conn, spec storage.EntitySpec, keys []string, endDateKey int64) (int64, error) {
	var total int64
	for _, part := range storage.Chunk(keys, paramBudget-1) {
		q, args := buildCloseCurrentSQL(spec, part, endDateKey)
		res, err := c.ExecContext(ctx, q, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func finishRunAudit(ctx context.Context, c conn, a records.RunAudit) error {
	q, args := buildFinishRunAuditSQL(a)
	res, err := c.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: run_id=%s", storage.ErrNotRunning, a.RunID)
	}
	return nil
}

// insertPlain inserts rows in chunks that respect the parameter limit.
//
// With dedupeColumns, each chunk is an INSERT ... SELECT ... WHERE NOT EXISTS.
func insertPlain(ctx context.Context, c conn, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(dedupeColumns) > 0 {
		var err error
		if rows, err = storage.DedupeRows(rows, columns, dedupeColumns); err != nil {
			return 0, fmt.Errorf("mssql: %w", err)
		}
	}

	maxRows := paramBudget / max(1, len(columns))
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for _, part := range storage.Chunk(rows, maxRows) {
		for i, row := range part {
			if len(row) != len(columns) {
				return total, fmt.Errorf("mssql: %s: row %d has %d values, want %d", table, i, len(row), len(columns))
			}
		}
		var q string
		var args []any
		if len(dedupeColumns) > 0 {
			q, args = buildInsertNotExistsSQL(table, columns, part, dedupeColumns)
		} else {
			q, args = buildBulkInsertSQL(table, columns, part)
		}
		res, err := c.ExecContext(ctx, q, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
