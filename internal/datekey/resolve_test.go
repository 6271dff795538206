package datekey

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mapLookup struct {
	keys map[string]int64
	err  error
}

func (m mapLookup) LookupDateKey(_ context.Context, fullDate string) (int64, bool, error) {
	if m.err != nil {
		return 0, false, m.err
	}
	k, ok := m.keys[fullDate]
	return k, ok, nil
}

func TestResolve(t *testing.T) {
	t.Parallel()

	r := NewResolver(mapLookup{keys: map[string]int64{"2024-05-01": 7061}})

	tests := []struct {
		name string
		date time.Time
		want Resolution
	}{
		{"present", time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC), Resolution{Key: 7061}},
		{"absent falls back to YYYYMMDD", time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Resolution{Key: 20240502, Synthetic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.date)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got=%+v want %+v", got, tt.want)
			}
		})
	}
}

func TestRequire_MissingIsHardError(t *testing.T) {
	t.Parallel()

	r := NewResolver(mapLookup{keys: map[string]int64{}})
	_, err := r.Require(context.Background(), time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrDateKeyMissing) {
		t.Fatalf("err=%v want ErrDateKeyMissing", err)
	}
}

func TestResolve_LookupErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := NewResolver(mapLookup{err: boom})
	if _, err := r.Resolve(context.Background(), time.Now()); !errors.Is(err, boom) {
		t.Fatalf("Resolve err=%v", err)
	}
	if _, err := r.Require(context.Background(), time.Now()); !errors.Is(err, boom) || errors.Is(err, ErrDateKeyMissing) {
		t.Fatalf("Require err=%v", err)
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	if got := Synthesize(time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC)); got != 19991231 {
		t.Fatalf("got=%d want 19991231", got)
	}
}
