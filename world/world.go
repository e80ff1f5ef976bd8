// Package world stores entities and their components. The store is a plain
// map per component kind; a monotonic version stamps every mutation so
// replication can ask "what changed since" without scanning the full state.
package world

import (
	"errors"
	"fmt"
	"sort"

	"tickwire/registry"
)

// Entity identifies one entity within a single world. Ids are never reused.
type Entity uint64

var (
	// ErrNotAlive is returned for operations on a despawned or unknown entity.
	ErrNotAlive = errors.New("world: entity not alive")
	// ErrUnknownComponent is returned for a component id outside the registry.
	ErrUnknownComponent = errors.New("world: unknown component")
)

// World owns the component store. It is not safe for concurrent use; the
// simulation loop is its single writer.
type World struct {
	table      *registry.Table
	nextEntity Entity
	version    uint64

	alive      map[Entity]uint64
	components map[registry.ID]map[Entity]any
	versions   map[registry.ID]map[Entity]uint64
	removed    map[registry.ID]map[Entity]uint64
	despawned  map[Entity]uint64
}

// New constructs an empty world over the finished component table.
func New(table *registry.Table) *World {
	return &World{
		table:      table,
		alive:      make(map[Entity]uint64),
		components: make(map[registry.ID]map[Entity]any),
		versions:   make(map[registry.ID]map[Entity]uint64),
		removed:    make(map[registry.ID]map[Entity]uint64),
		despawned:  make(map[Entity]uint64),
	}
}

// Table returns the component registry the world was built over.
func (w *World) Table() *registry.Table {
	if w == nil {
		return nil
	}
	return w.table
}

// Version returns the stamp of the most recent mutation. A caller holding a
// version can later ask ChangedSince for everything newer.
func (w *World) Version() uint64 {
	if w == nil {
		return 0
	}
	return w.version
}

// Spawn creates a new empty entity.
func (w *World) Spawn() Entity {
	w.nextEntity++
	w.version++
	e := w.nextEntity
	w.alive[e] = w.version
	return e
}

// Despawn removes the entity and all its components.
func (w *World) Despawn(e Entity) error {
	if _, ok := w.alive[e]; !ok {
		return ErrNotAlive
	}
	delete(w.alive, e)
	for id := range w.components {
		delete(w.components[id], e)
		delete(w.versions[id], e)
	}
	for id := range w.removed {
		delete(w.removed[id], e)
	}
	w.version++
	w.despawned[e] = w.version
	return nil
}

// Alive reports whether the entity exists.
func (w *World) Alive(e Entity) bool {
	if w == nil {
		return false
	}
	_, ok := w.alive[e]
	return ok
}

// Entities returns every live entity in ascending id order.
func (w *World) Entities() []Entity {
	if w == nil {
		return nil
	}
	out := make([]Entity, 0, len(w.alive))
	for e := range w.alive {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set stores a component value on a live entity.
func (w *World) Set(e Entity, id registry.ID, value any) error {
	if _, ok := w.alive[e]; !ok {
		return ErrNotAlive
	}
	if _, ok := w.table.Lookup(id); !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
	}
	if w.components[id] == nil {
		w.components[id] = make(map[Entity]any)
		w.versions[id] = make(map[Entity]uint64)
	}
	w.version++
	w.components[id][e] = value
	w.versions[id][e] = w.version
	if w.removed[id] != nil {
		delete(w.removed[id], e)
	}
	return nil
}

// Get returns the component value stored on the entity.
func (w *World) Get(e Entity, id registry.ID) (any, bool) {
	if w == nil {
		return nil, false
	}
	store := w.components[id]
	if store == nil {
		return nil, false
	}
	value, ok := store[e]
	return value, ok
}

// Has reports whether the entity carries the component.
func (w *World) Has(e Entity, id registry.ID) bool {
	_, ok := w.Get(e, id)
	return ok
}

// Remove deletes a component from the entity. Removing a component the
// entity does not carry is a no-op.
func (w *World) Remove(e Entity, id registry.ID) error {
	if _, ok := w.alive[e]; !ok {
		return ErrNotAlive
	}
	store := w.components[id]
	if store == nil {
		return nil
	}
	if _, ok := store[e]; !ok {
		return nil
	}
	delete(store, e)
	delete(w.versions[id], e)
	if w.removed[id] == nil {
		w.removed[id] = make(map[Entity]uint64)
	}
	w.version++
	w.removed[id][e] = w.version
	return nil
}

// Components returns the ids of every component on the entity, ascending.
func (w *World) Components(e Entity) []registry.ID {
	if w == nil {
		return nil
	}
	var out []registry.ID
	for id, store := range w.components {
		if _, ok := store[e]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns a copy of the entity's component map. Values are shared,
// not deep-copied; components must be treated as immutable once stored.
func (w *World) Snapshot(e Entity) map[registry.ID]any {
	ids := w.Components(e)
	if len(ids) == 0 {
		return nil
	}
	out := make(map[registry.ID]any, len(ids))
	for _, id := range ids {
		out[id], _ = w.Get(e, id)
	}
	return out
}

// ChangeSet lists everything that happened after a version marker. Spawned
// entities are reported only in Spawned; their component values come from a
// snapshot, so Updated and Removed exclude them.
type ChangeSet struct {
	Spawned   []Entity
	Despawned []Entity
	Updated   map[Entity][]registry.ID
	Removed   map[Entity][]registry.ID
}

// Empty reports whether the change set carries nothing.
func (c ChangeSet) Empty() bool {
	return len(c.Spawned) == 0 && len(c.Despawned) == 0 &&
		len(c.Updated) == 0 && len(c.Removed) == 0
}

// ChangedSince collects every mutation stamped after the marker. Output
// ordering is deterministic: ascending entity and component ids.
func (w *World) ChangedSince(marker uint64) ChangeSet {
	set := ChangeSet{
		Updated: make(map[Entity][]registry.ID),
		Removed: make(map[Entity][]registry.ID),
	}
	spawned := make(map[Entity]struct{})
	for e, v := range w.alive {
		if v > marker {
			set.Spawned = append(set.Spawned, e)
			spawned[e] = struct{}{}
		}
	}
	for e, v := range w.despawned {
		if v > marker {
			set.Despawned = append(set.Despawned, e)
		}
	}
	for id, stamps := range w.versions {
		for e, v := range stamps {
			if v <= marker {
				continue
			}
			if _, isNew := spawned[e]; isNew {
				continue
			}
			set.Updated[e] = append(set.Updated[e], id)
		}
	}
	for id, stamps := range w.removed {
		for e, v := range stamps {
			if v <= marker {
				continue
			}
			if _, isNew := spawned[e]; isNew {
				continue
			}
			set.Removed[e] = append(set.Removed[e], id)
		}
	}
	sort.Slice(set.Spawned, func(i, j int) bool { return set.Spawned[i] < set.Spawned[j] })
	sort.Slice(set.Despawned, func(i, j int) bool { return set.Despawned[i] < set.Despawned[j] })
	for _, ids := range set.Updated {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	for _, ids := range set.Removed {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return set
}

// Compact drops tombstones at or below the marker. Callers pass the lowest
// marker any reader still holds; entries newer than it are retained.
func (w *World) Compact(marker uint64) {
	for e, v := range w.despawned {
		if v <= marker {
			delete(w.despawned, e)
		}
	}
	for id, stamps := range w.removed {
		for e, v := range stamps {
			if v <= marker {
				delete(stamps, e)
			}
		}
		if len(stamps) == 0 {
			delete(w.removed, id)
		}
	}
}
