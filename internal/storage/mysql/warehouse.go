// Package mysql is the MySQL/MariaDB warehouse backend.
//
// Statements are built with go-sqlbuilder in the MySQL flavor and executed
// through sqlx.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

type Warehouse struct {
	db *sqlx.DB
}

func init() {
	storage.Register("mysql", Open)
}

// maxParams stays well under the 65535 placeholder limit of the protocol.
const maxParams = 60000

// Open parses cfg.DSN, forces parseTime and UTC, and connects.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, wrapErr(err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Warehouse{db: db}, nil
}

func normalizeDSN(dsn string) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql: parse dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN(), nil
}

func (w *Warehouse) Close() { _ = w.db.Close() }

// conn is satisfied by *sqlx.DB and *sqlx.Tx.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (w *Warehouse) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := w.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, wrapErr(err))
		}
	}
	return nil
}

func (w *Warehouse) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return insertPlain(ctx, w.db, table, columns, rows, dedupeColumns)
}

func (w *Warehouse) LookupDateKey(ctx context.Context, fullDate string) (int64, bool, error) {
	q, args := buildLookupDateKeySQL(fullDate)
	var key int64
	err := w.db.GetContext(ctx, &key, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr(err)
	}
	return key, true, nil
}

func (w *Warehouse) SelectExistingKeys(ctx context.Context, spec storage.EntitySpec, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	for _, part := range storage.Chunk(keys, maxParams-1) {
		q, args := buildSelectKeysSQL(spec, part)
		var found []string
		if err := w.db.SelectContext(ctx, &found, q, args...); err != nil {
			return nil, wrapErr(err)
		}
		for _, k := range found {
			out[k] = struct{}{}
		}
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
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &mergeTx{tx: tx}, nil
}

type mergeTx struct {
	tx *sqlx.Tx
}

func (m *mergeTx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return insertPlain(ctx, m.tx, table, columns, rows, dedupeColumns)
}

func (m *mergeTx) FinishRunAudit(ctx context.Context, a records.RunAudit) error {
	return finishRunAudit(ctx, m.tx, a)
}

func (m *mergeTx) SelectCurrent(ctx context.Context, spec storage.EntitySpec, keys []string) (map[string]storage.Version, error) {
	out := make(map[string]storage.Version, len(keys))
	for _, part := range storage.Chunk(keys, maxParams-1) {
		q, args := buildSelectCurrentSQL(spec, part)
		rows, err := m.tx.QueryxContext(ctx, q, args...)
		if err != nil {
			return nil, wrapErr(err)
		}
		for rows.Next() {
			raw, err := rows.SliceScan()
			if err != nil {
				rows.Close()
				return nil, wrapErr(err)
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
			return nil, wrapErr(err)
		}
		rows.Close()
	}
	return out, nil
}

func (m *mergeTx) CloseCurrent(ctx context.Context, spec storage.EntitySpec, keys []string, endDateKey int64) (int64, error) {
	var total int64
	for _, part := range storage.Chunk(keys, maxParams-2) {
		q, args := buildCloseCurrentSQL(spec, part, endDateKey)
		res, err := m.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, wrapErr(err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
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

func (m *mergeTx) Commit(ctx context.Context) error { return wrapErr(m.tx.Commit()) }

func (m *mergeTx) Rollback(ctx context.Context) error {
	if err := m.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wrapErr(err)
	}
	return nil
}

// finishRunAudit relies on CLIENT_FOUND_ROWS being off (the driver default):
// RowsAffected counts changed rows, and a running row always changes status.
func finishRunAudit(ctx context.Context, c conn, a records.RunAudit) error {
	q, args := buildFinishRunAuditSQL(a)
	res, err := c.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: run_id=%s", storage.ErrNotRunning, a.RunID)
	}
	return nil
}

// insertPlain deduplicates in memory before INSERT IGNORE so that the
// affected count only reflects rows that were new to the table.
func insertPlain(ctx context.Context, c conn, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(dedupeColumns) > 0 {
		var err error
		if rows, err = storage.DedupeRows(rows, columns, dedupeColumns); err != nil {
			return 0, fmt.Errorf("mysql: %w", err)
		}
	}

	perStmt := maxParams / len(columns)
	var total int64
	for _, part := range storage.Chunk(rows, perStmt) {
		q, args, err := buildInsertSQL(table, columns, part, len(dedupeColumns) > 0)
		if err != nil {
			return total, err
		}
		res, err := c.ExecContext(ctx, q, args...)
		if err != nil {
			return total, wrapErr(err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// driverError exposes the SQLSTATE of a server error.
type driverError struct {
	err *mysql.MySQLError
}

func (e *driverError) Error() string    { return e.err.Error() }
func (e *driverError) Unwrap() error    { return e.err }
func (e *driverError) SQLState() string { return string(e.err.SQLState[:]) }

func wrapErr(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return &driverError{err: me}
	}
	return err
}
