package merge

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

func TestRowHash_NullSafe(t *testing.T) {
	t.Parallel()

	spec := storage.ItemSpec
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	a := RowHash(spec, []any{nil, "x", nil, ts, nil})
	b := RowHash(spec, []any{"", "x", int64(0), ts.Add(300 * time.Millisecond), ""})
	if a != b {
		t.Fatalf("hash differs for NULL vs empty: %s != %s", a, b)
	}
	if c := RowHash(spec, []any{"", "x", int64(1), ts, ""}); c == a {
		t.Fatalf("hash ignores duration change")
	}
	if d := RowHash(spec, []any{"", "x", int64(0), nil, ""}); d == a {
		t.Fatalf("hash ignores create_time going NULL")
	}
}

func TestUnchanged(t *testing.T) {
	t.Parallel()

	spec := storage.ItemSpec
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v := func(hash string, vals ...any) storage.Version { return storage.Version{Key: "k", Values: vals, RowHash: hash} }

	tests := []struct {
		name   string
		cur    storage.Version
		staged storage.Version
		want   bool
	}{
		{"hashes_equal", v("h", "a"), v("h", "b"), true},
		{"hashes_differ", v("h1", "a", "", int64(0), nil, ""), v("h2", "a", "", int64(0), nil, ""), false},
		{"null_text_vs_empty", v("", nil, nil, nil, nil, nil), v("s", "", "", int64(0), nil, ""), true},
		{"time_subsecond", v("", "a", "t", int64(5), ts, "u"), v("s", "a", "t", int64(5), ts.Add(999*time.Millisecond), "u"), true},
		{"time_in_other_zone", v("", "a", "t", int64(5), ts.In(time.FixedZone("x", 7200)), "u"), v("s", "a", "t", int64(5), ts, "u"), true},
		{"time_null_vs_set", v("", "a", "t", int64(5), nil, "u"), v("s", "a", "t", int64(5), ts, "u"), false},
		{"int_changed", v("", "a", "t", int64(5), nil, "u"), v("s", "a", "t", int64(6), nil, "u"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Unchanged(spec, tc.cur, tc.staged); got != tc.want {
				t.Fatalf("Unchanged=%v want %v", got, tc.want)
			}
		})
	}
}

func TestStagedVersions(t *testing.T) {
	t.Parallel()

	ct := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	s := records.NewSnapshot(1)
	s.Add("f", records.StagedRecord{
		Actor:       &records.Actor{ActorID: "A", Name: "n"},
		Item:        records.Item{ItemID: "2", ActorID: "A", Duration: 9, CreateTime: &ct},
		Interaction: records.Interaction{ItemID: "2", PlayCount: 4},
	})
	s.Add("f", records.StagedRecord{Item: records.Item{ItemID: "1"}})

	items := stagedVersions(storage.ItemSpec, s)
	if len(items) != 2 || items[0].Key != "1" || items[1].Key != "2" {
		t.Fatalf("items=%+v", items)
	}
	if diff := cmp.Diff([]any{"A", "", int64(9), ct.UTC(), ""}, items[1].Values); diff != "" {
		t.Fatalf("item values (-want +got):\n%s", diff)
	}
	if items[0].Values[3] != nil {
		t.Fatalf("missing create_time must stay nil, got %v", items[0].Values[3])
	}
	for _, it := range items {
		if it.RowHash == "" {
			t.Fatalf("missing row hash on %s", it.Key)
		}
	}

	inter := stagedVersions(storage.InteractionSpec, s)
	if diff := cmp.Diff([]any{int64(0), int64(4), int64(0), int64(0), int64(0)}, inter[0].Values); diff != "" {
		t.Fatalf("interaction values (-want +got):\n%s", diff)
	}
}

func TestPreconditionError(t *testing.T) {
	t.Parallel()

	err := error(&PreconditionError{Code: EmptySnapshotCode(records.EntityInteraction), Err: ErrEmptySnapshot})
	if got := storage.ErrorState(err); got != "EMPTY_INTERACTION_SNAPSHOT" {
		t.Fatalf("ErrorState=%q", got)
	}
	if !errors.Is(err, ErrEmptySnapshot) {
		t.Fatalf("errors.Is(ErrEmptySnapshot)=false")
	}
}
