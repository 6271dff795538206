package merge

import (
	"time"

	"snapwh/internal/records"
	"snapwh/internal/storage"
	"snapwh/internal/transformer/builtin"
)

// canonical maps v to the value the comparison and the row hash see:
// NULL text is "", NULL integers are 0, times are UTC at second precision.
func canonical(kind storage.AttrKind, v any) any {
	switch kind {
	case storage.AttrText:
		if v == nil {
			return ""
		}
	case storage.AttrInt:
		if v == nil {
			return int64(0)
		}
	case storage.AttrTime:
		if t, ok := v.(time.Time); ok {
			if t.IsZero() {
				return nil
			}
			return t.UTC().Truncate(time.Second)
		}
	}
	return v
}

func canonicalValues(spec storage.EntitySpec, values []any) []any {
	out := make([]any, len(values))
	for i, a := range spec.Attrs {
		out[i] = canonical(a.Kind, values[i])
	}
	return out
}

// RowHash is the change-detection hash of values, stable across the NULL vs
// empty distinction.
func RowHash(spec storage.EntitySpec, values []any) string {
	return builtin.Hash{Fields: spec.AttrColumns(), IncludeFieldNames: true}.Sum(canonicalValues(spec, values))
}

// Unchanged reports whether staged carries the same attribute state as cur.
// Row hashes decide when both sides have one; otherwise attributes are
// compared null-safely.
func Unchanged(spec storage.EntitySpec, cur, staged storage.Version) bool {
	if cur.RowHash != "" && staged.RowHash != "" {
		return cur.RowHash == staged.RowHash
	}
	for i, a := range spec.Attrs {
		if !attrEqual(a.Kind, cur.Values[i], staged.Values[i]) {
			return false
		}
	}
	return true
}

func attrEqual(kind storage.AttrKind, a, b any) bool {
	a, b = canonical(kind, a), canonical(kind, b)
	if kind == storage.AttrTime {
		ta, okA := a.(time.Time)
		tb, okB := b.(time.Time)
		if !okA || !okB {
			return a == nil && b == nil
		}
		return ta.Equal(tb)
	}
	return a == b
}

// stagedVersions renders the snapshot rows of e as versions in key order.
func stagedVersions(spec storage.EntitySpec, snap *records.Snapshot) []storage.Version {
	var out []storage.Version
	add := func(key string, values []any) {
		out = append(out, storage.Version{Key: key, Values: values, RowHash: RowHash(spec, values)})
	}
	switch spec.Entity {
	case records.EntityActor:
		for _, a := range snap.Actors() {
			add(a.ActorID, []any{a.Name, a.Nickname, a.Avatar})
		}
	case records.EntityItem:
		for _, it := range snap.Items() {
			var created any
			if it.CreateTime != nil {
				created = it.CreateTime.UTC()
			}
			add(it.ItemID, []any{it.ActorID, it.TextContent, it.Duration, created, it.WebURL})
		}
	case records.EntityInteraction:
		for _, in := range snap.Interactions() {
			add(in.ItemID, []any{in.DiggCount, in.PlayCount, in.ShareCount, in.CommentCount, in.CollectCount})
		}
	}
	return out
}
