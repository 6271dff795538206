// To keep the engine generic, the TableSpec types need to live in a place both
// the merge engine and backend packages can import without circular deps.
package storage

// Logical column types. Each backend maps them to a native type.
const (
	TypeKey       = "key"  // short indexed text (natural keys, codes, hashes)
	TypeText      = "text" // unbounded text
	TypeBigint    = "bigint"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
)

// PrimaryKey types.
const (
	PKSerial = "serial" // auto-generated integer
)

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // PKSerial or a logical column type
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"` // nil means nullable
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// Table names.
const (
	TableDateDim     = "date_dim"
	TableActor       = "actor_dim"
	TableItem        = "item_dim"
	TableInteraction = "interaction_fact"
	TableRawCapture  = "raw_capture"
	TableRunAudit    = "run_audit"
	TableLoadLog     = "load_log"
)

// SCD2 metadata columns present on every versioned table.
const (
	ColRowHash      = "row_hash"
	ColStartDateKey = "start_date_key"
	ColEndDateKey   = "end_date_key"
	ColIsCurrent    = "is_current"
)

func notNull() *bool { f := false; return &f }

func col(name, typ string) ColumnSpec { return ColumnSpec{Name: name, Type: typ} }

func req(name, typ string) ColumnSpec { return ColumnSpec{Name: name, Type: typ, Nullable: notNull()} }

// Tables returns every table the loader owns, in creation order.
func Tables() []TableSpec {
	out := []TableSpec{dateDimTable()}
	for _, e := range []EntitySpec{ActorSpec, ItemSpec, InteractionSpec} {
		out = append(out, e.DDL())
	}
	return append(out, rawCaptureTable(), runAuditTable(), loadLogTable())
}

func dateDimTable() TableSpec {
	return TableSpec{
		Name:       TableDateDim,
		PrimaryKey: &PrimaryKeySpec{Name: "date_key", Type: TypeBigint},
		Columns: []ColumnSpec{
			req("full_date", TypeKey),
			col("day_since_2005", TypeBigint),
			col("month_since_2005", TypeBigint),
			col("day_of_week", TypeKey),
			col("calendar_month", TypeKey),
			col("calendar_year", TypeBigint),
			col("calendar_year_month", TypeKey),
			col("day_of_month", TypeBigint),
			col("day_of_year", TypeBigint),
			col("week_of_year_sunday", TypeBigint),
			col("year_week_sunday", TypeKey),
			col("week_sunday_start", TypeKey),
			col("week_of_year_monday", TypeBigint),
			col("year_week_monday", TypeKey),
			col("week_monday_start", TypeKey),
			col("quarter", TypeKey),
			col("month", TypeBigint),
			col("holiday", TypeKey),
			col("day_type", TypeKey),
		},
		Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"full_date"}}},
	}
}

func rawCaptureTable() TableSpec {
	return TableSpec{
		Name:       TableRawCapture,
		PrimaryKey: &PrimaryKeySpec{Name: "raw_id", Type: PKSerial},
		Columns: []ColumnSpec{
			req("filename", TypeKey),
			req("sequence", TypeBigint),
			req("payload", TypeText),
			req("status", TypeKey),
			col("error_message", TypeText),
			col("line", TypeBigint),
			req("date_key", TypeBigint),
			req("captured_at", TypeTimestamp),
		},
		Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"filename", "sequence"}}},
	}
}

// RawCaptureColumns is the insert column order of RawCaptureRow.
var RawCaptureColumns = []string{"filename", "sequence", "payload", "status", "error_message", "line", "date_key", "captured_at"}

// RawCaptureDedupe is the append-only key of raw_capture.
var RawCaptureDedupe = []string{"filename", "sequence"}

func runAuditTable() TableSpec {
	return TableSpec{
		Name:       TableRunAudit,
		PrimaryKey: &PrimaryKeySpec{Name: "run_id", Type: TypeKey},
		Columns: []ColumnSpec{
			req("run_name", TypeKey),
			req("date_key", TypeBigint),
			req("status", TypeKey),
			req("started_at", TypeTimestamp),
			col("ended_at", TypeTimestamp),
			col("actor_inserted", TypeBigint),
			col("actor_updated", TypeBigint),
			col("item_inserted", TypeBigint),
			col("item_updated", TypeBigint),
			col("interaction_inserted", TypeBigint),
			col("interaction_updated", TypeBigint),
			col("error_state", TypeKey),
			col("error_message", TypeText),
		},
	}
}

// RunAuditFinishColumns are the columns FinishRunAudit sets, in
// RunAuditFinishValues order.
var RunAuditFinishColumns = []string{
	"status", "ended_at",
	"actor_inserted", "actor_updated",
	"item_inserted", "item_updated",
	"interaction_inserted", "interaction_updated",
	"error_state", "error_message",
}

func loadLogTable() TableSpec {
	return TableSpec{
		Name:       TableLoadLog,
		PrimaryKey: &PrimaryKeySpec{Name: "log_id", Type: PKSerial},
		Columns: []ColumnSpec{
			req("run_id", TypeKey),
			req("table_name", TypeKey),
			req("record_count", TypeBigint),
			req("inserted_count", TypeBigint),
			req("updated_count", TypeBigint),
			req("skipped_count", TypeBigint),
			req("status", TypeKey),
			req("started_at", TypeTimestamp),
			req("ended_at", TypeTimestamp),
			req("duration_ms", TypeBigint),
			col("source_filename", TypeText),
		},
	}
}

// LoadLogColumns is the insert column order of LoadLogRow.
var LoadLogColumns = []string{
	"run_id", "table_name", "record_count", "inserted_count", "updated_count", "skipped_count",
	"status", "started_at", "ended_at", "duration_ms", "source_filename",
}
