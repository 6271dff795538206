package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"snapwh/internal/records"
)

// AttrKind is the comparison class of a watched attribute.
type AttrKind int

const (
	AttrText AttrKind = iota // NULL == ""
	AttrInt                  // NULL == 0
	AttrTime                 // NULL only equals NULL; compared to the second
)

// Attr is one watched attribute of a versioned entity.
type Attr struct {
	Name string
	Kind AttrKind
}

// EntitySpec describes one SCD2 table: a serial surrogate, the natural key,
// the watched attributes and the shared SCD2 metadata columns.
type EntitySpec struct {
	Entity          records.Entity
	Table           string
	SurrogateColumn string
	KeyColumn       string
	Attrs           []Attr
}

var ActorSpec = EntitySpec{
	Entity:          records.EntityActor,
	Table:           TableActor,
	SurrogateColumn: "actor_sk",
	KeyColumn:       "actor_id",
	Attrs: []Attr{
		{Name: "name", Kind: AttrText},
		{Name: "nickname", Kind: AttrText},
		{Name: "avatar", Kind: AttrText},
	},
}

// ItemSpec: actor_id is a soft reference; the actor may be unknown.
var ItemSpec = EntitySpec{
	Entity:          records.EntityItem,
	Table:           TableItem,
	SurrogateColumn: "item_sk",
	KeyColumn:       "item_id",
	Attrs: []Attr{
		{Name: "actor_id", Kind: AttrText},
		{Name: "text_content", Kind: AttrText},
		{Name: "duration", Kind: AttrInt},
		{Name: "create_time", Kind: AttrTime},
		{Name: "web_url", Kind: AttrText},
	},
}

var InteractionSpec = EntitySpec{
	Entity:          records.EntityInteraction,
	Table:           TableInteraction,
	SurrogateColumn: "interaction_sk",
	KeyColumn:       "item_id",
	Attrs: []Attr{
		{Name: "digg_count", Kind: AttrInt},
		{Name: "play_count", Kind: AttrInt},
		{Name: "share_count", Kind: AttrInt},
		{Name: "comment_count", Kind: AttrInt},
		{Name: "collect_count", Kind: AttrInt},
	},
}

// SpecFor returns the EntitySpec of e.
func SpecFor(e records.Entity) (EntitySpec, error) {
	switch e {
	case records.EntityActor:
		return ActorSpec, nil
	case records.EntityItem:
		return ItemSpec, nil
	case records.EntityInteraction:
		return InteractionSpec, nil
	default:
		return EntitySpec{}, fmt.Errorf("storage: unknown entity %q", e)
	}
}

// AttrColumns returns the watched attribute column names in order.
func (s EntitySpec) AttrColumns() []string {
	out := make([]string, len(s.Attrs))
	for i, a := range s.Attrs {
		out[i] = a.Name
	}
	return out
}

// VersionColumns is the column order InsertCurrent writes:
// key, attrs..., row_hash, start_date_key.
func (s EntitySpec) VersionColumns() []string {
	out := make([]string, 0, len(s.Attrs)+3)
	out = append(out, s.KeyColumn)
	out = append(out, s.AttrColumns()...)
	return append(out, ColRowHash, ColStartDateKey)
}

// DDL returns the table spec of the entity table.
func (s EntitySpec) DDL() TableSpec {
	cols := []ColumnSpec{req(s.KeyColumn, TypeKey)}
	for _, a := range s.Attrs {
		typ := TypeText
		switch a.Kind {
		case AttrInt:
			typ = TypeBigint
		case AttrTime:
			typ = TypeTimestamp
		}
		if a.Name == "actor_id" {
			typ = TypeKey
		}
		cols = append(cols, col(a.Name, typ))
	}
	cols = append(cols,
		col(ColRowHash, TypeKey),
		ColumnSpec{Name: ColStartDateKey, Type: TypeBigint, Nullable: notNull(), References: TableDateDim + "(date_key)"},
		ColumnSpec{Name: ColEndDateKey, Type: TypeBigint, References: TableDateDim + "(date_key)"},
		req(ColIsCurrent, TypeBool),
	)
	return TableSpec{
		Name:       s.Table,
		PrimaryKey: &PrimaryKeySpec{Name: s.SurrogateColumn, Type: PKSerial},
		Columns:    cols,
	}
}

// Version is one row of a versioned entity. Values align with spec.Attrs and
// hold string, int64, time.Time or nil.
type Version struct {
	Key          string
	Values       []any
	RowHash      string // empty when the stored row has none
	StartDateKey int64
}

// InsertArgs returns v in VersionColumns order. Empty text and zero times are
// written as NULL.
func (v Version) InsertArgs(spec EntitySpec, startDateKey int64) []any {
	out := make([]any, 0, len(v.Values)+3)
	out = append(out, v.Key)
	for i, a := range spec.Attrs {
		val := v.Values[i]
		switch a.Kind {
		case AttrText:
			if s, ok := val.(string); ok && s == "" {
				val = nil
			}
		case AttrTime:
			if t, ok := val.(time.Time); ok && t.IsZero() {
				val = nil
			}
		}
		out = append(out, val)
	}
	var hash any
	if v.RowHash != "" {
		hash = v.RowHash
	}
	return append(out, hash, startDateKey)
}

// CoerceAttr converts a scanned driver value to the canonical Go type of kind.
func CoerceAttr(kind AttrKind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch kind {
	case AttrText:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprint(v), nil
		}
	case AttrInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		case []byte:
			return strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
		case string:
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		default:
			return nil, fmt.Errorf("storage: cannot read %T as integer", raw)
		}
	case AttrTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			return ParseTime(v)
		case []byte:
			return ParseTime(string(v))
		default:
			return nil, fmt.Errorf("storage: cannot read %T as timestamp", raw)
		}
	default:
		return nil, fmt.Errorf("storage: unknown attribute kind %d", kind)
	}
}

// ScanVersion builds a Version from a scanned row laid out as
// key, attrs..., row_hash, start_date_key.
func ScanVersion(spec EntitySpec, raw []any) (Version, error) {
	if len(raw) != len(spec.Attrs)+3 {
		return Version{}, fmt.Errorf("storage: %s: scanned %d values, want %d", spec.Table, len(raw), len(spec.Attrs)+3)
	}
	v := Version{Key: NormalizeKey(raw[0]), Values: make([]any, len(spec.Attrs))}
	for i, a := range spec.Attrs {
		val, err := CoerceAttr(a.Kind, raw[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("storage: %s.%s: %w", spec.Table, a.Name, err)
		}
		v.Values[i] = val
	}
	if h := raw[len(spec.Attrs)+1]; h != nil {
		v.RowHash = NormalizeKey(h)
	}
	start, err := CoerceAttr(AttrInt, raw[len(spec.Attrs)+2])
	if err != nil {
		return Version{}, fmt.Errorf("storage: %s.%s: %w", spec.Table, ColStartDateKey, err)
	}
	if s, ok := start.(int64); ok {
		v.StartDateKey = s
	}
	return v, nil
}

// Chunk splits s into consecutive parts of at most n elements.
func Chunk[T any](s []T, n int) [][]T {
	if n <= 0 {
		n = len(s)
	}
	var out [][]T
	for start := 0; start < len(s); start += n {
		end := start + n
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[start:end])
	}
	return out
}

// DedupeRows keeps the first row per dedupe key, preserving order.
//
// Backends whose dedupe insert does not collapse duplicates inside one
// statement (NOT EXISTS, INSERT IGNORE with no key yet) call it first.
func DedupeRows(rows [][]any, columns []string, dedupeColumns []string) ([][]any, error) {
	if len(dedupeColumns) == 0 {
		return rows, nil
	}
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	idx := make([]int, len(dedupeColumns))
	for i, c := range dedupeColumns {
		p, ok := pos[c]
		if !ok {
			return nil, fmt.Errorf("storage: dedupe column %q not present in columns", c)
		}
		idx[i] = p
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for _, i := range idx {
			b.WriteString(NormalizeKey(row[i]))
			b.WriteByte(0x1f)
		}
		k := b.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}
