// Package datekey maps calendar dates to the integer surrogate keys of the
// date dimension and builds that dimension.
package datekey

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDateKeyMissing is returned by Require when the date dimension has no row
// for the requested date.
var ErrDateKeyMissing = errors.New("datekey: no date dimension row")

// Lookup is the read side of the date dimension. fullDate is "YYYY-MM-DD".
type Lookup interface {
	LookupDateKey(ctx context.Context, fullDate string) (int64, bool, error)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Key int64

	// Synthetic is true when Key was formatted from the date because the
	// dimension had no row. Synthetic keys may not satisfy a foreign key on
	// date_dim.
	Synthetic bool
}

// Resolver resolves dates against a Lookup. It never writes.
type Resolver struct {
	lookup Lookup
}

func NewResolver(l Lookup) *Resolver {
	return &Resolver{lookup: l}
}

// Resolve returns the dimension key for d, falling back to Synthesize(d).
func (r *Resolver) Resolve(ctx context.Context, d time.Time) (Resolution, error) {
	key, ok, err := r.lookup.LookupDateKey(ctx, FullDate(d))
	if err != nil {
		return Resolution{}, fmt.Errorf("datekey: lookup %s: %w", FullDate(d), err)
	}
	if !ok {
		return Resolution{Key: Synthesize(d), Synthetic: true}, nil
	}
	return Resolution{Key: key}, nil
}

// Require is the strict form of Resolve: a missing row is ErrDateKeyMissing.
func (r *Resolver) Require(ctx context.Context, d time.Time) (int64, error) {
	key, ok, err := r.lookup.LookupDateKey(ctx, FullDate(d))
	if err != nil {
		return 0, fmt.Errorf("datekey: lookup %s: %w", FullDate(d), err)
	}
	if !ok {
		return 0, fmt.Errorf("%w for %s", ErrDateKeyMissing, FullDate(d))
	}
	return key, nil
}

// Synthesize formats d as the 8-digit integer YYYYMMDD.
func Synthesize(d time.Time) int64 {
	y, m, day := d.Date()
	return int64(y)*10000 + int64(m)*100 + int64(day)
}

// FullDate formats d the way date_dim.full_date stores it.
func FullDate(d time.Time) string {
	return d.Format(time.DateOnly)
}
