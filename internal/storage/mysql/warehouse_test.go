package mysql

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

func TestNormalizeDSN_ForcesParseTimeAndUTC(t *testing.T) {
	t.Parallel()

	dsn, err := normalizeDSN("etl:secret@tcp(db:3306)/warehouse")
	if err != nil {
		t.Fatalf("normalizeDSN: %v", err)
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if !mc.ParseTime || mc.Loc.String() != "UTC" || mc.DBName != "warehouse" || mc.Addr != "db:3306" {
		t.Fatalf("unexpected config: %+v", mc)
	}
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := normalizeDSN("not a dsn"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBuildCreateTableSQL_EntityTable(t *testing.T) {
	t.Parallel()

	ddl, err := buildCreateTableSQL(storage.ItemSpec.DDL())
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS `item_dim` (",
		"`item_sk` BIGINT AUTO_INCREMENT PRIMARY KEY",
		"`item_id` VARCHAR(255) NOT NULL",
		"`actor_id` VARCHAR(255)",
		"`text_content` LONGTEXT",
		"`create_time` DATETIME(6)",
		"`is_current` BOOLEAN NOT NULL",
		"FOREIGN KEY (`start_date_key`) REFERENCES date_dim(date_key)",
		"ENGINE=InnoDB",
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q: %s", want, ddl)
		}
	}
}

func TestBuildInsertSQL_IgnoreAndArgs(t *testing.T) {
	t.Parallel()

	q, args, err := buildInsertSQL(storage.TableRawCapture, []string{"filename", "sequence"}, [][]any{{"a", 1}, {"a", 2}}, true)
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	if !strings.HasPrefix(q, "INSERT IGNORE INTO raw_capture") {
		t.Fatalf("unexpected insert: %s", q)
	}
	if strings.Count(q, "?") != 4 || len(args) != 4 {
		t.Fatalf("placeholders=%d args=%d want 4", strings.Count(q, "?"), len(args))
	}

	q, _, err = buildInsertSQL(storage.TableLoadLog, []string{"run_id"}, [][]any{{"r"}}, false)
	if err != nil || strings.Contains(q, "IGNORE") {
		t.Fatalf("plain insert: %s err=%v", q, err)
	}
}

func TestBuildInsertSQL_RowWidthMismatch(t *testing.T) {
	t.Parallel()

	if _, _, err := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1}}, false); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBuildSelectCurrentSQL_ForUpdate(t *testing.T) {
	t.Parallel()

	q, args := buildSelectCurrentSQL(storage.ActorSpec, []string{"u1", "u2"})
	if !strings.Contains(q, "FROM actor_dim") || !strings.HasSuffix(q, "FOR UPDATE") {
		t.Fatalf("unexpected select: %s", q)
	}
	if !strings.Contains(q, "`actor_id` IN (?, ?)") {
		t.Fatalf("missing IN list: %s", q)
	}
	// is_current = true plus the two keys.
	if len(args) != 3 {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildFinishRunAuditSQL_GuardsStatus(t *testing.T) {
	t.Parallel()

	q, args := buildFinishRunAuditSQL(records.RunAudit{RunID: "r1", Status: records.RunSuccess})
	if !strings.HasPrefix(q, "UPDATE run_audit SET") || !strings.Contains(q, "`status` = ?") {
		t.Fatalf("unexpected update: %s", q)
	}
	if got := fmt.Sprint(args[len(args)-1]); got != records.RunRunning {
		t.Fatalf("last arg=%s want running guard", got)
	}
	if len(args) != len(storage.RunAuditFinishColumns)+2 {
		t.Fatalf("args=%d", len(args))
	}
}

func TestWrapErr_ExposesSQLState(t *testing.T) {
	t.Parallel()

	me := &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	copy(me.SQLState[:], "40001")

	err := fmt.Errorf("merge item: %w", wrapErr(me))
	if got := storage.ErrorState(err); got != "40001" {
		t.Fatalf("ErrorState=%s want 40001", got)
	}
	if wrapErr(nil) != nil {
		t.Fatalf("wrapErr(nil) should be nil")
	}
}
