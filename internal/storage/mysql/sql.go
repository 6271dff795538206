package mysql

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

var flavor = sqlbuilder.MySQL

func quote(name string) string { return flavor.Quote(name) }

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quote(c)
	}
	return out
}

func anyKeys(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func buildInsertSQL(table string, columns []string, rows [][]any, ignore bool) (string, []any, error) {
	ib := sqlbuilder.NewInsertBuilder()
	if ignore {
		ib.InsertIgnoreInto(table)
	} else {
		ib.InsertInto(table)
	}
	ib.Cols(quoteAll(columns)...)
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mysql: %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		ib.Values(row...)
	}
	q, args := ib.BuildWithFlavor(flavor)
	return q, args, nil
}

func buildLookupDateKeySQL(fullDate string) (string, []any) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(quote("date_key")).From(storage.TableDateDim).Where(sb.Equal(quote("full_date"), fullDate))
	return sb.BuildWithFlavor(flavor)
}

func buildSelectKeysSQL(spec storage.EntitySpec, keys []string) (string, []any) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(quote(spec.KeyColumn)).Distinct().From(spec.Table).Where(
		sb.Equal(quote(storage.ColIsCurrent), true),
		sb.In(quote(spec.KeyColumn), anyKeys(keys)...),
	)
	return sb.BuildWithFlavor(flavor)
}

func buildSelectCurrentSQL(spec storage.EntitySpec, keys []string) (string, []any) {
	cols := append([]string{spec.KeyColumn}, spec.AttrColumns()...)
	cols = append(cols, storage.ColRowHash, storage.ColStartDateKey)

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(quoteAll(cols)...).From(spec.Table).Where(
		sb.Equal(quote(storage.ColIsCurrent), true),
		sb.In(quote(spec.KeyColumn), anyKeys(keys)...),
	).ForUpdate()
	return sb.BuildWithFlavor(flavor)
}

func buildCloseCurrentSQL(spec storage.EntitySpec, keys []string, endDateKey int64) (string, []any) {
	ub := sqlbuilder.NewUpdateBuilder()
	ub.Update(spec.Table).Set(
		ub.Assign(quote(storage.ColIsCurrent), false),
		ub.Assign(quote(storage.ColEndDateKey), endDateKey),
	).Where(
		ub.Equal(quote(storage.ColIsCurrent), true),
		ub.In(quote(spec.KeyColumn), anyKeys(keys)...),
	)
	return ub.BuildWithFlavor(flavor)
}

func buildFinishRunAuditSQL(a records.RunAudit) (string, []any) {
	vals := storage.RunAuditFinishValues(a)
	ub := sqlbuilder.NewUpdateBuilder()
	ub.Update(storage.TableRunAudit)
	for i, c := range storage.RunAuditFinishColumns {
		ub.SetMore(ub.Assign(quote(c), vals[i]))
	}
	ub.Where(
		ub.Equal(quote("run_id"), a.RunID),
		ub.Equal(quote("status"), records.RunRunning),
	)
	return ub.BuildWithFlavor(flavor)
}

func columnType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeKey:
		return "VARCHAR(255)", nil
	case storage.TypeText:
		return "LONGTEXT", nil
	case storage.TypeBigint:
		return "BIGINT", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeTimestamp:
		return "DATETIME(6)", nil
	default:
		return "", fmt.Errorf("mysql: unsupported column type %q", logical)
	}
}

// buildCreateTableSQL emits InnoDB DDL. MySQL ignores inline REFERENCES, so
// foreign keys are declared at table level.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	var defs, fks []string

	if t.PrimaryKey != nil {
		if t.PrimaryKey.Type == storage.PKSerial {
			defs = append(defs, fmt.Sprintf("%s BIGINT AUTO_INCREMENT PRIMARY KEY", quote(t.PrimaryKey.Name)))
		} else {
			typ, err := columnType(t.PrimaryKey.Type)
			if err != nil {
				return "", fmt.Errorf("%s: %w", t.Name, err)
			}
			defs = append(defs, fmt.Sprintf("%s %s PRIMARY KEY", quote(t.PrimaryKey.Name), typ))
		}
	}

	for _, c := range t.Columns {
		typ, err := columnType(c.Type)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		def := quote(c.Name) + " " + typ
		if c.Nullable != nil && !*c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		if c.References != "" {
			fks = append(fks, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", quote(c.Name), c.References))
		}
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", strings.Join(quoteAll(con.Columns), ", ")))
	}
	defs = append(defs, fks...)

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		quote(t.Name), strings.Join(defs, ", ")), nil
}
