package replication

import (
	"sort"

	"tickwire/registry"
	"tickwire/tick"
	"tickwire/world"
)

// Sample is one confirmed component value stamped with the authority tick it
// was produced at.
type Sample struct {
	Tick  tick.Tick
	Value any
}

// series holds samples for one (entity, component) pair, newest last,
// bounded to the history capacity.
type series struct {
	samples []Sample
}

// History retains recent confirmed component values per entity. Interpolation
// reads bracketing pairs from it; prediction reads the value confirmed at a
// specific tick; delta decoding resolves acknowledged base values through it.
type History struct {
	capacity int
	data     map[world.Entity]map[registry.ID]*series
}

// DefaultHistoryCapacity covers half a second of samples at 60 Hz, enough
// for interpolation delay plus the deepest supported rollback.
const DefaultHistoryCapacity = 32

// NewHistory constructs a history retaining up to capacity samples per
// entity component.
func NewHistory(capacity int) *History {
	if capacity < 2 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		data:     make(map[world.Entity]map[registry.ID]*series),
	}
}

// Push appends a confirmed value. Samples must arrive in increasing tick
// order per component; a stale or duplicate tick is rejected.
func (h *History) Push(e world.Entity, id registry.ID, at tick.Tick, value any) bool {
	if h == nil {
		return false
	}
	byComp := h.data[e]
	if byComp == nil {
		byComp = make(map[registry.ID]*series)
		h.data[e] = byComp
	}
	s := byComp[id]
	if s == nil {
		s = &series{}
		byComp[id] = s
	}
	if n := len(s.samples); n > 0 && !at.After(s.samples[n-1].Tick) {
		return false
	}
	s.samples = append(s.samples, Sample{Tick: at, Value: value})
	if len(s.samples) > h.capacity {
		s.samples = s.samples[len(s.samples)-h.capacity:]
	}
	return true
}

func (h *History) series(e world.Entity, id registry.ID) *series {
	if h == nil {
		return nil
	}
	byComp := h.data[e]
	if byComp == nil {
		return nil
	}
	return byComp[id]
}

// Latest returns the newest confirmed sample.
func (h *History) Latest(e world.Entity, id registry.ID) (Sample, bool) {
	s := h.series(e, id)
	if s == nil || len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// At returns the sample confirmed exactly at the given tick.
func (h *History) At(e world.Entity, id registry.ID, at tick.Tick) (Sample, bool) {
	s := h.series(e, id)
	if s == nil {
		return Sample{}, false
	}
	n := len(s.samples)
	idx := sort.Search(n, func(i int) bool {
		return !s.samples[i].Tick.Before(at)
	})
	if idx < n && s.samples[idx].Tick == at {
		return s.samples[idx], true
	}
	return Sample{}, false
}

// Bracket returns the samples straddling the given tick: the newest at or
// before it and the oldest after it. When the tick is ahead of everything
// confirmed, after reports false and callers hold the newest value; when it
// is behind everything retained, before reports false.
func (h *History) Bracket(e world.Entity, id registry.ID, at tick.Tick) (before, after Sample, okBefore, okAfter bool) {
	s := h.series(e, id)
	if s == nil || len(s.samples) == 0 {
		return Sample{}, Sample{}, false, false
	}
	n := len(s.samples)
	idx := sort.Search(n, func(i int) bool {
		return s.samples[i].Tick.After(at)
	})
	if idx > 0 {
		before, okBefore = s.samples[idx-1], true
	}
	if idx < n {
		after, okAfter = s.samples[idx], true
	}
	return before, after, okBefore, okAfter
}

// TruncateAfter discards every sample for the entity newer than the given
// tick, so a rewound timeline can be re-recorded without tripping the
// monotonic guard.
func (h *History) TruncateAfter(e world.Entity, at tick.Tick) {
	if h == nil {
		return
	}
	byComp := h.data[e]
	for id, s := range byComp {
		n := len(s.samples)
		idx := sort.Search(n, func(i int) bool {
			return s.samples[i].Tick.After(at)
		})
		if idx == 0 {
			delete(byComp, id)
			continue
		}
		s.samples = s.samples[:idx]
	}
}

// DropEntity discards every retained sample for the entity.
func (h *History) DropEntity(e world.Entity) {
	if h == nil {
		return
	}
	delete(h.data, e)
}

// Entities returns every entity with retained samples, in no particular
// order.
func (h *History) Entities() []world.Entity {
	if h == nil {
		return nil
	}
	out := make([]world.Entity, 0, len(h.data))
	for e := range h.data {
		out = append(out, e)
	}
	return out
}
