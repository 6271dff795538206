package builtin

import (
	"testing"
	"time"
)

func TestHash_Deterministic_WithTrim(t *testing.T) {
	h := Hash{
		Fields:            []string{"name", "nickname", "created"},
		IncludeFieldNames: true,
		TrimSpace:         true,
	}

	created := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	s1 := h.Sum([]any{" alice ", "al", created})
	s2 := h.Sum([]any{"alice", "al", created})

	if len(s1) != 64 {
		t.Fatalf("expected sha256 hex length 64, got %d (%q)", len(s1), s1)
	}
	if s1 != s2 {
		t.Fatalf("expected same hash after trimming; s1=%q s2=%q", s1, s2)
	}
}

func TestHash_ChangesWhenValueChanges(t *testing.T) {
	h := Hash{Fields: []string{"digg", "play"}, IncludeFieldNames: true}

	a := h.Sum([]any{int64(100), int64(0)})
	b := h.Sum([]any{int64(150), int64(0)})
	if a == b {
		t.Fatalf("expected different hashes when inputs differ; both=%v", a)
	}
}

func TestHash_NilVsEmptyDifferent(t *testing.T) {
	// nil and "" intentionally hash differently. The merge layer canonicalizes
	// NULL to "" / 0 before hashing, so this only matters for raw callers.
	h := Hash{Fields: []string{"a", "b"}, IncludeFieldNames: true}

	missing := h.Sum([]any{int64(1), nil})
	empty := h.Sum([]any{int64(1), ""})
	if missing == empty {
		t.Fatalf("expected nil and empty string to hash differently")
	}
}

func TestHash_FieldNamesPreventShiftCollisions(t *testing.T) {
	// Without field names, ("a\x1f", "b") and ("a", "\x1fb") would concatenate
	// to the same bytes. Names make the component boundaries unambiguous.
	h := Hash{Fields: []string{"x", "y"}, IncludeFieldNames: true}
	if h.Sum([]any{"a\x1f", "b"}) == h.Sum([]any{"a", "\x1fb"}) {
		t.Fatalf("expected distinct hashes with field names")
	}
}

func TestHash_TimeNormalizedToUTC(t *testing.T) {
	h := Hash{}
	loc := time.FixedZone("UTC+2", 2*3600)
	utc := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	local := utc.In(loc)

	if h.Sum([]any{utc}) != h.Sum([]any{local}) {
		t.Fatalf("expected identical hashes for the same instant in different zones")
	}

	var nilTime *time.Time
	if h.Sum([]any{nilTime}) != h.Sum([]any{nil}) {
		t.Fatalf("expected nil *time.Time to hash like nil")
	}
}

func TestHasEdgeSpace(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"abc", false},
		{" abc", true},
		{"abc\n", true},
		{"a b", false},
	}
	for _, tc := range tests {
		if got := HasEdgeSpace(tc.in); got != tc.want {
			t.Fatalf("HasEdgeSpace(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}
