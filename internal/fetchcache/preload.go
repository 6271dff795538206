// Package fetchcache answers "which of these natural keys already have a
// current row?" for a whole snapshot with one query per entity.
package fetchcache

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"snapwh/internal/records"
	"snapwh/internal/storage"
)

// Reader is the read-only warehouse surface Preload needs.
type Reader interface {
	SelectExistingKeys(ctx context.Context, spec storage.EntitySpec, keys []string) (map[string]struct{}, error)
}

// Existing holds the preloaded key sets. The zero value reports nothing as
// existing.
type Existing struct {
	keys map[records.Entity]map[string]struct{}
}

// Has reports whether key has a current row for entity e.
func (x *Existing) Has(e records.Entity, key string) bool {
	if x == nil {
		return false
	}
	_, ok := x.keys[e][key]
	return ok
}

// Count returns how many preloaded keys of e exist.
func (x *Existing) Count(e records.Entity) int {
	if x == nil {
		return 0
	}
	return len(x.keys[e])
}

// Options tunes Preload.
type Options struct {
	// Parallelism bounds concurrent entity queries. Values below 1 mean 1.
	Parallelism int
}

type query struct {
	entity records.Entity
	spec   storage.EntitySpec
	keys   []string
}

// plan lists the per-entity key sets. The item query also covers the keys of
// staged interactions, so orphan facts can be told apart from facts whose item
// is already in the warehouse.
func plan(snap *records.Snapshot) []query {
	itemKeys := union(snap.Keys(records.EntityItem), snap.Keys(records.EntityInteraction))
	return []query{
		{entity: records.EntityActor, spec: storage.ActorSpec, keys: snap.Keys(records.EntityActor)},
		{entity: records.EntityItem, spec: storage.ItemSpec, keys: itemKeys},
		{entity: records.EntityInteraction, spec: storage.InteractionSpec, keys: snap.Keys(records.EntityInteraction)},
	}
}

// Preload runs one SelectExistingKeys per entity over the snapshot's keys.
// It never writes.
func Preload(ctx context.Context, r Reader, snap *records.Snapshot, opt Options) (*Existing, error) {
	queries := plan(snap)
	results := make([]map[string]struct{}, len(queries))

	limit := opt.Parallelism
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, q := range queries {
		if len(q.keys) == 0 {
			results[i] = map[string]struct{}{}
			continue
		}
		g.Go(func() error {
			found, err := r.SelectExistingKeys(gctx, q.spec, q.keys)
			if err != nil {
				return fmt.Errorf("preload %s: %w", q.entity, err)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Existing{keys: make(map[records.Entity]map[string]struct{}, len(queries))}
	for i, q := range queries {
		out.keys[q.entity] = results[i]
	}
	return out, nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range [][]string{a, b} {
		for _, k := range s {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
