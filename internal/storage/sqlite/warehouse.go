package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// Warehouse implements storage.Warehouse for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type. This backend stores timestamps as
//     RFC3339Nano strings for reliable round-trip behavior and easy debugging.
//   - Booleans are stored as INTEGER 0/1.
//   - The pool is pinned to one connection so ":memory:" databases are shared
//     by every call and a merge transaction owns the database while open.
type Warehouse struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", Open)
}

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER of older builds.
const maxParams = 999

func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Warehouse{db: db}, nil
}

func (w *Warehouse) Close() { _ = w.db.Close() }

// conn is the subset of *sql.DB and *sql.Tx the statements need.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EnsureTables creates missing tables. Idempotent.
func (w *Warehouse) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
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
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, sqlIdent("date_key"), storage.TableDateDim, sqlIdent("full_date"))
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
	for _, part := range storage.Chunk(keys, maxParams) {
		q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s = 1 AND %s IN (%s)`,
			sqlIdent(spec.KeyColumn), spec.Table, sqlIdent(storage.ColIsCurrent), sqlIdent(spec.KeyColumn), placeholders(len(part)))
		rows, err := w.db.QueryContext(ctx, q, stringArgs(part)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k any
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, err
			}
			out[storage.NormalizeKey(k)] = struct{}{}
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

// mergeTx implements storage.MergeTx on a *sql.Tx.
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
	for _, part := range storage.Chunk(keys, maxParams) {
		rows, err := m.tx.QueryContext(ctx, buildSelectCurrentSQL(spec, len(part)), stringArgs(part)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			raw := make([]any, width)
			scan := make([]any, width)
			for i := range raw {
				scan[i] = &raw[i]
			}
			if err := rows.Scan(scan...); err != nil {
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
	var total int64
	for _, part := range storage.Chunk(keys, maxParams-1) {
		args := append([]any{endDateKey}, stringArgs(part)...)
		res, err := m.tx.ExecContext(ctx, buildCloseCurrentSQL(spec, len(part)), args...)
		if err != nil {
			return total, err
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

func (m *mergeTx) Commit(ctx context.Context) error { return m.tx.Commit() }

func (m *mergeTx) Rollback(ctx context.Context) error {
	if err := m.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func finishRunAudit(ctx context.Context, c conn, a records.RunAudit) error {
	args := append(bindArgs(storage.RunAuditFinishValues(a)), a.RunID)
	res, err := c.ExecContext(ctx, buildFinishRunAuditSQL(), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: run_id=%s", storage.ErrNotRunning, a.RunID)
	}
	return nil
}

// insertPlain performs SQLite multi-row inserts, chunked by parameter count.
//
// If dedupeColumns is non-empty, uses "INSERT OR IGNORE" which requires a UNIQUE
// constraint matching those columns in the destination table.
func insertPlain(ctx context.Context, c conn, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	perStmt := maxParams / len(columns)
	if perStmt < 1 {
		perStmt = 1
	}

	var total int64
	for _, part := range storage.Chunk(rows, perStmt) {
		args := make([]any, 0, len(part)*len(columns))
		for _, row := range part {
			if len(row) != len(columns) {
				return total, fmt.Errorf("sqlite: %s: row has %d values, want %d", table, len(row), len(columns))
			}
			args = append(args, bindArgs(row)...)
		}
		res, err := c.ExecContext(ctx, buildInsertSQL(table, columns, len(part), len(dedupeColumns) > 0), args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// bindArgs converts values to what this backend stores: timestamps as text,
// booleans as 0/1.
func bindArgs(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case time.Time:
			out[i] = storage.FormatTime(t)
		case *time.Time:
			if t == nil {
				out[i] = nil
			} else {
				out[i] = storage.FormatTime(*t)
			}
		case bool:
			if t {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		default:
			out[i] = v
		}
	}
	return out
}

func stringArgs(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

func buildInsertSQL(table string, columns []string, nrows int, orIgnore bool) string {
	var b strings.Builder
	if orIgnore {
		b.WriteString("INSERT OR IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	row := "(" + placeholders(len(columns)) + ")"
	for i := 0; i < nrows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	return b.String()
}

func buildSelectCurrentSQL(spec storage.EntitySpec, nkeys int) string {
	cols := append([]string{spec.KeyColumn}, spec.AttrColumns()...)
	cols = append(cols, storage.ColRowHash, storage.ColStartDateKey)
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = 1 AND %s IN (%s)`,
		joinIdentList(cols), spec.Table, sqlIdent(storage.ColIsCurrent), sqlIdent(spec.KeyColumn), placeholders(nkeys))
}

func buildCloseCurrentSQL(spec storage.EntitySpec, nkeys int) string {
	return fmt.Sprintf(`UPDATE %s SET %s = 0, %s = ? WHERE %s = 1 AND %s IN (%s)`,
		spec.Table, sqlIdent(storage.ColIsCurrent), sqlIdent(storage.ColEndDateKey),
		sqlIdent(storage.ColIsCurrent), sqlIdent(spec.KeyColumn), placeholders(nkeys))
}

func buildFinishRunAuditSQL() string {
	set := make([]string, 0, len(storage.RunAuditFinishColumns))
	for _, c := range storage.RunAuditFinishColumns {
		set = append(set, sqlIdent(c)+" = ?")
	}
	return fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ? AND %s = '%s'`,
		storage.TableRunAudit, strings.Join(set, ", "), sqlIdent("run_id"), sqlIdent("status"), records.RunRunning)
}

func columnType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeKey, storage.TypeText, storage.TypeTimestamp:
		return "TEXT", nil
	case storage.TypeBigint, storage.TypeBool:
		return "INTEGER", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported column type %q", logical)
	}
}

// buildCreateTableSQL generates CREATE TABLE IF NOT EXISTS DDL for t.
//
// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and
// auto-generates values.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	var parts []string

	if t.PrimaryKey != nil {
		if t.PrimaryKey.Type == storage.PKSerial {
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		} else {
			typ, err := columnType(t.PrimaryKey.Type)
			if err != nil {
				return "", fmt.Errorf("%s: %w", t.Name, err)
			}
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), typ))
		}
	}

	for _, c := range t.Columns {
		typ, err := columnType(c.Type)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if c.Nullable != nil && !*c.Nullable {
			col += " NOT NULL"
		}
		// SQLite supports REFERENCES, but enforcement depends on PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(con.Columns)))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", t.Name, strings.Join(parts, ",\n  ")), nil
}
