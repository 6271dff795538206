package all

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"snapwh/internal/storage"
)

func TestAllBackendsRegistered(t *testing.T) {
	want := []string{"mssql", "mysql", "postgres", "sqlite"}
	if diff := cmp.Diff(want, storage.Kinds()); diff != "" {
		t.Fatalf("Kinds() mismatch (-want +got):\n%s", diff)
	}
}
