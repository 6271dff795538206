package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

/*
Warehouse implements storage.Warehouse for Postgres.

It provides:
  - Idempotent inserts via ON CONFLICT DO NOTHING
  - Key lookups with = ANY($1) instead of chunked IN lists
  - A transactional merge surface that locks current rows with SELECT ... FOR UPDATE

History behavior matches the MSSQL, MySQL and SQLite implementations.
*/
type Warehouse struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", Open)
}

// maxParams is the Postgres bind parameter limit per statement.
const maxParams = 65535

// Open creates a new Postgres-backed Warehouse.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Warehouse{pool: pool}, nil
}

// Close closes the connection pool.
func (w *Warehouse) Close() {
	w.pool.Close()
}

// conn is satisfied by *pgxpool.Pool and pgx.Tx.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (w *Warehouse) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := w.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (w *Warehouse) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return insertPlain(ctx, w.pool, table, columns, rows, dedupeColumns)
}

func (w *Warehouse) LookupDateKey(ctx context.Context, fullDate string) (int64, bool, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, pgIdent("date_key"), storage.TableDateDim, pgIdent("full_date"))
	var key int64
	err := w.pool.QueryRow(ctx, q, fullDate).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return key, true, nil
}

func (w *Warehouse) SelectExistingKeys(ctx context.Context, spec storage.EntitySpec, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s = TRUE AND %s = ANY($1)`,
		pgIdent(spec.KeyColumn), spec.Table, pgIdent(storage.ColIsCurrent), pgIdent(spec.KeyColumn))
	rows, err := w.pool.Query(ctx, q, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

func (w *Warehouse) InsertRunAudit(ctx context.Context, a records.RunAudit) error {
	_, err := insertPlain(ctx, w.pool, storage.TableRunAudit, storage.RunAuditStartColumns,
		[][]any{storage.RunAuditStartValues(a)}, nil)
	return err
}

func (w *Warehouse) FinishRunAudit(ctx context.Context, a records.RunAudit) error {
	return finishRunAudit(ctx, w.pool, a)
}

func (w *Warehouse) BeginMerge(ctx context.Context) (storage.MergeTx, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &mergeTx{tx: tx}, nil
}

type mergeTx struct {
	tx pgx.Tx
}

func (m *mergeTx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	return insertPlain(ctx, m.tx, table, columns, rows, dedupeColumns)
}

func (m *mergeTx) FinishRunAudit(ctx context.Context, a records.RunAudit) error {
	return finishRunAudit(ctx, m.tx, a)
}

// SelectCurrent fetches and locks the current version of each key.
func (m *mergeTx) SelectCurrent(ctx context.Context, spec storage.EntitySpec, keys []string) (map[string]storage.Version, error) {
	out := make(map[string]storage.Version, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := m.tx.Query(ctx, buildSelectCurrentSQL(spec), keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, err
		}
		v, err := storage.ScanVersion(spec, raw)
		if err != nil {
			return nil, err
		}
		out[v.Key] = v
	}
	return out, rows.Err()
}

func (m *mergeTx) CloseCurrent(ctx context.Context, spec storage.EntitySpec, keys []string, endDateKey int64) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tag, err := m.tx.Exec(ctx, buildCloseCurrentSQL(spec), endDateKey, keys)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
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

func (m *mergeTx) Commit(ctx context.Context) error { return m.tx.Commit(ctx) }

func (m *mergeTx) Rollback(ctx context.Context) error {
	if err := m.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func finishRunAudit(ctx context.Context, c conn, a records.RunAudit) error {
	args := append(storage.RunAuditFinishValues(a), a.RunID)
	tag, err := c.Exec(ctx, buildFinishRunAuditSQL(), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: run_id=%s", storage.ErrNotRunning, a.RunID)
	}
	return nil
}

// insertPlain performs bulk INSERTs, chunked to stay under the bind limit.
func insertPlain(ctx context.Context, c conn, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var total int64
	for _, part := range storage.Chunk(rows, maxParams/len(columns)) {
		sql, args, err := buildInsertSQL(table, columns, part, dedupeColumns)
		if err != nil {
			return total, err
		}
		cmd, err := c.Exec(ctx, sql, args...)
		if err != nil {
			return total, err
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// buildInsertSQL constructs a single INSERT statement and its args for Postgres.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("postgres: %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	// Duplicates inside one batch and across reprocessing are both absorbed here.
	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(dedupeColumns))
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args, nil
}

func buildSelectCurrentSQL(spec storage.EntitySpec) string {
	cols := append([]string{spec.KeyColumn}, spec.AttrColumns()...)
	cols = append(cols, storage.ColRowHash, storage.ColStartDateKey)
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = TRUE AND %s = ANY($1) FOR UPDATE`,
		joinIdents(cols), spec.Table, pgIdent(storage.ColIsCurrent), pgIdent(spec.KeyColumn))
}

func buildCloseCurrentSQL(spec storage.EntitySpec) string {
	return fmt.Sprintf(`UPDATE %s SET %s = FALSE, %s = $1 WHERE %s = TRUE AND %s = ANY($2)`,
		spec.Table, pgIdent(storage.ColIsCurrent), pgIdent(storage.ColEndDateKey),
		pgIdent(storage.ColIsCurrent), pgIdent(spec.KeyColumn))
}

func buildFinishRunAuditSQL() string {
	set := make([]string, 0, len(storage.RunAuditFinishColumns))
	for i, c := range storage.RunAuditFinishColumns {
		set = append(set, fmt.Sprintf("%s = $%d", pgIdent(c), i+1))
	}
	n := len(set) + 1
	return fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d AND %s = '%s'`,
		storage.TableRunAudit, strings.Join(set, ", "), pgIdent("run_id"), n, pgIdent("status"), records.RunRunning)
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

func columnType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeKey, storage.TypeText:
		return "TEXT", nil
	case storage.TypeBigint:
		return "BIGINT", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("postgres: unsupported column type %q", logical)
	}
}

// buildCreateTableSQL builds CREATE TABLE IF NOT EXISTS DDL for t.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	var cols []string

	if t.PrimaryKey != nil {
		typ := "BIGSERIAL"
		if t.PrimaryKey.Type != storage.PKSerial {
			var err error
			if typ, err = columnType(t.PrimaryKey.Type); err != nil {
				return "", fmt.Errorf("%s: %w", t.Name, err)
			}
		}
		cols = append(cols, fmt.Sprintf("%s %s PRIMARY KEY", pgIdent(t.PrimaryKey.Name), typ))
	}

	for _, c := range t.Columns {
		typ, err := columnType(c.Type)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		def := pgIdent(c.Name) + " " + typ
		if c.Nullable != nil && !*c.Nullable {
			def += " NOT NULL"
		}
		if c.References != "" {
			def += " REFERENCES " + c.References
		}
		cols = append(cols, def)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		cols = append(cols, fmt.Sprintf("UNIQUE (%s)", joinIdents(con.Columns)))
	}

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, t.Name, strings.Join(cols, ", ")), nil
}
