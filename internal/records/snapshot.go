package records

import "sort"

// Snapshot is the staged "as of today" view of one run, keyed by natural key.
//
// A natural key observed more than once keeps its last observation, so a later
// file (or a later position in the same file) overrides an earlier one.
// Snapshot is not safe for concurrent use.
type Snapshot struct {
	DateKey int64

	actors       map[string]Actor
	items        map[string]Item
	interactions map[string]Interaction
	sources      map[string]struct{}
}

// NewSnapshot returns an empty snapshot for the given date key.
func NewSnapshot(dateKey int64) *Snapshot {
	return &Snapshot{
		DateKey:      dateKey,
		actors:       make(map[string]Actor),
		items:        make(map[string]Item),
		interactions: make(map[string]Interaction),
		sources:      make(map[string]struct{}),
	}
}

// Add stages one record. source is the file the record came from (may be empty).
func (s *Snapshot) Add(source string, rec StagedRecord) {
	if rec.Actor != nil && rec.Actor.ActorID != "" {
		s.actors[rec.Actor.ActorID] = *rec.Actor
	}
	if rec.Item.ItemID != "" {
		s.items[rec.Item.ItemID] = rec.Item
	}
	if rec.Interaction.ItemID != "" {
		s.interactions[rec.Interaction.ItemID] = rec.Interaction
	}
	if source != "" {
		s.sources[source] = struct{}{}
	}
}

// Len returns the number of distinct keys staged for entity e.
func (s *Snapshot) Len(e Entity) int {
	switch e {
	case EntityActor:
		return len(s.actors)
	case EntityItem:
		return len(s.items)
	case EntityInteraction:
		return len(s.interactions)
	}
	return 0
}

// Keys returns the sorted natural keys staged for entity e.
func (s *Snapshot) Keys(e Entity) []string {
	var out []string
	switch e {
	case EntityActor:
		out = make([]string, 0, len(s.actors))
		for k := range s.actors {
			out = append(out, k)
		}
	case EntityItem:
		out = make([]string, 0, len(s.items))
		for k := range s.items {
			out = append(out, k)
		}
	case EntityInteraction:
		out = make([]string, 0, len(s.interactions))
		for k := range s.interactions {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Actors returns staged actors sorted by ActorID.
func (s *Snapshot) Actors() []Actor {
	keys := s.Keys(EntityActor)
	out := make([]Actor, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.actors[k])
	}
	return out
}

// Items returns staged items sorted by ItemID.
func (s *Snapshot) Items() []Item {
	keys := s.Keys(EntityItem)
	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.items[k])
	}
	return out
}

// Interactions returns staged interactions sorted by ItemID.
func (s *Snapshot) Interactions() []Interaction {
	keys := s.Keys(EntityInteraction)
	out := make([]Interaction, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.interactions[k])
	}
	return out
}

// HasItem reports whether an item with this id is staged.
func (s *Snapshot) HasItem(itemID string) bool {
	_, ok := s.items[itemID]
	return ok
}

// Sources returns the sorted set of source files that contributed records.
func (s *Snapshot) Sources() []string {
	out := make([]string, 0, len(s.sources))
	for k := range s.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
