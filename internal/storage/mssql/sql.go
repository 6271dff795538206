package mssql

import (
	"fmt"
	"strings"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// buildCreateSQL returns guarded DDL creating t when it does not exist.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	var defs []string

	if t.PrimaryKey != nil {
		pk, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", fmt.Errorf("%s: %w", t.Name, err)
		}
		defs = append(defs, pk)
	}
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("%s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		cols := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			cols[i] = mssqlIdent(c)
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}
	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlType maps a logical column type. Key columns are bounded so they can be
// indexed and take part in UNIQUE constraints.
func mssqlType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeKey:
		return "NVARCHAR(255)", nil
	case storage.TypeText:
		return "NVARCHAR(MAX)", nil
	case storage.TypeBigint:
		return "BIGINT", nil
	case storage.TypeBool:
		return "BIT", nil
	case storage.TypeTimestamp:
		return "DATETIME2", nil
	default:
		return "", fmt.Errorf("mssql: unsupported column type %q", logical)
	}
}

// mssqlPrimaryKeyDef returns the primary key column definition.
//
//   - "serial" -> INT IDENTITY(1,1) PRIMARY KEY
//   - otherwise the mapped logical type with PRIMARY KEY.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	if strings.EqualFold(strings.TrimSpace(pk.Type), storage.PKSerial) {
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	}
	typ, err := mssqlType(pk.Type)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), typ), nil
}

// mssqlColumnDef respects nullability and attaches a raw REFERENCES clause if provided.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	typ, err := mssqlType(c.Type)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.Name, err)
	}
	def := mssqlIdent(c.Name) + " " + typ
	if c.Nullable != nil && !*c.Nullable {
		def += " NOT NULL"
	} else {
		def += " NULL"
	}
	if c.References != "" {
		def += " REFERENCES " + c.References
	}
	return def, nil
}

func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeIdentList(&b, "", columns)
	b.WriteString(") VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(";")
	return b.String(), args
}

// buildInsertNotExistsSQL skips rows whose dedupe key already exists in table.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeIdentList(&b, "", columns)
	b.WriteString(") SELECT ")
	writeIdentList(&b, "v.", columns)
	b.WriteString(" FROM (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v(")
	writeIdentList(&b, "", columns)
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")

	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(");")

	return b.String(), args
}

func buildSelectKeysSQL(spec storage.EntitySpec, keys []string) (string, []any) {
	in, args := inList(keys, 1)
	return fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s = 1 AND %s IN (%s)",
		mssqlIdent(spec.KeyColumn), mssqlTableIdent(spec.Table), mssqlIdent(storage.ColIsCurrent),
		mssqlIdent(spec.KeyColumn), in), args
}

func buildSelectCurrentSQL(spec storage.EntitySpec, keys []string) (string, []any) {
	cols := append([]string{spec.KeyColumn}, spec.AttrColumns()...)
	cols = append(cols, storage.ColRowHash, storage.ColStartDateKey)

	var b strings.Builder
	b.WriteString("SELECT ")
	writeIdentList(&b, "", cols)
	in, args := inList(keys, 1)
	fmt.Fprintf(&b, " FROM %s WITH (UPDLOCK, ROWLOCK) WHERE %s = 1 AND %s IN (%s)",
		mssqlTableIdent(spec.Table), mssqlIdent(storage.ColIsCurrent), mssqlIdent(spec.KeyColumn), in)
	return b.String(), args
}

func buildCloseCurrentSQL(spec storage.EntitySpec, keys []string, endDateKey int64) (string, []any) {
	in, args := inList(keys, 2)
	q := fmt.Sprintf("UPDATE %s SET %s = 0, %s = @p1 WHERE %s = 1 AND %s IN (%s)",
		mssqlTableIdent(spec.Table), mssqlIdent(storage.ColIsCurrent), mssqlIdent(storage.ColEndDateKey),
		mssqlIdent(storage.ColIsCurrent), mssqlIdent(spec.KeyColumn), in)
	return q, append([]any{endDateKey}, args...)
}

func buildFinishRunAuditSQL(a records.RunAudit) (string, []any) {
	set := make([]string, len(storage.RunAuditFinishColumns))
	for i, c := range storage.RunAuditFinishColumns {
		set[i] = fmt.Sprintf("%s = @p%d", mssqlIdent(c), i+1)
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = @p%d AND %s = '%s'",
		mssqlTableIdent(storage.TableRunAudit), strings.Join(set, ", "),
		mssqlIdent("run_id"), len(set)+1, mssqlIdent("status"), records.RunRunning)
	return q, append(storage.RunAuditFinishValues(a), a.RunID)
}

// inList renders "@pN, @pN+1, ..." for keys starting at first.
func inList(keys []string, first int) (string, []any) {
	ph := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		ph[i] = fmt.Sprintf("@p%d", first+i)
		args[i] = k
	}
	return strings.Join(ph, ", "), args
}

func writeIdentList(b *strings.Builder, prefix string, columns []string) {
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(mssqlIdent(c))
	}
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// mssqlIdent bracket-quotes a single identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.run_audit" -> [dbo].[run_audit]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
