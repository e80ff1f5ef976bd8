// Package interp renders remote entities a fixed delay behind the newest
// confirmed state, blending between the two samples that straddle the render
// time so motion stays smooth across the update interval.
package interp

import (
	"tickwire/registry"
	"tickwire/replication"
	"tickwire/tick"
	"tickwire/world"
)

// Config tunes the interpolator.
type Config struct {
	// Delay is how many ticks behind the newest confirmed tick rendering
	// runs. It must cover the update interval plus expected jitter or the
	// interpolator runs out of bracketing samples and holds.
	Delay int
}

// DefaultConfig returns the standard interpolation delay for updates every
// couple of ticks.
func DefaultConfig() Config {
	return Config{Delay: 6}
}

// Interpolator reads confirmed samples and produces render values. It never
// extrapolates: when the render time is ahead of the newest sample the
// newest value holds.
type Interpolator struct {
	table   *registry.Table
	history *replication.History
	cfg     Config
}

// New constructs an interpolator over the receiver's confirmed history.
func New(table *registry.Table, history *replication.History, cfg Config) *Interpolator {
	if cfg.Delay < 1 {
		cfg.Delay = DefaultConfig().Delay
	}
	return &Interpolator{table: table, history: history, cfg: cfg}
}

// RenderTick converts the newest confirmed tick into the delayed render
// tick.
func (i *Interpolator) RenderTick(latest tick.Tick) tick.Tick {
	if i == nil {
		return latest
	}
	return latest.Add(-i.cfg.Delay)
}

// Value returns the render value for the component at the render time
// expressed as a whole tick plus a fraction of one tick in [0,1).
//
// With samples on both sides the value is blended for components that
// interpolate and snapped to the older sample otherwise. Ahead of the newest
// sample the newest value holds; behind the oldest retained sample the
// oldest is returned.
func (i *Interpolator) Value(e world.Entity, id registry.ID, at tick.Tick, frac float64) (any, bool) {
	if i == nil {
		return nil, false
	}
	before, after, okBefore, okAfter := i.history.Bracket(e, id, at)
	switch {
	case okBefore && okAfter:
		comp, ok := i.table.Lookup(id)
		if !ok || !comp.Interpolates() {
			return before.Value, true
		}
		span := tick.Diff(after.Tick, before.Tick)
		if span <= 0 {
			return after.Value, true
		}
		alpha := (float64(tick.Diff(at, before.Tick)) + frac) / float64(span)
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
		return comp.Lerp(before.Value, after.Value, alpha), true
	case okBefore:
		return before.Value, true
	case okAfter:
		return after.Value, true
	default:
		return nil, false
	}
}
