// Package prediction runs client-side prediction for locally controlled
// entities: it records predicted state per tick, compares it against the
// confirmed stream, and rolls the world back to the earliest divergence
// before re-simulating up to the present.
package prediction

import (
	"context"

	"tickwire/logging"
	"tickwire/logging/netdiag"
	"tickwire/registry"
	"tickwire/replication"
	"tickwire/tick"
	"tickwire/world"
)

// StepFunc advances the predicted portion of the world by exactly one tick,
// reapplying whatever inputs were issued at that tick. It must be pure with
// respect to the world: same state and tick in, same state out.
type StepFunc func(w *world.World, at tick.Tick)

// Config tunes the prediction manager.
type Config struct {
	// MaxRollbackDepth is how many ticks of predicted state are retained. A
	// divergence older than this cannot be replayed and forces a resync.
	MaxRollbackDepth int
	// BlendTicks spreads the visible effect of a correction over this many
	// ticks for components that interpolate. 0 disables blending.
	BlendTicks int
	// Peer labels diagnostic events from this manager.
	Peer logging.PeerRef
}

// DefaultConfig returns the standard prediction tuning.
func DefaultConfig() Config {
	return Config{MaxRollbackDepth: 16, BlendTicks: 6}
}

type correction struct {
	comp     registry.Component
	from     any
	progress int
}

// Manager owns the predicted entity set. It is driven from the client's
// simulation goroutine: RecordPredicted after every step, Reconcile after
// every receive phase.
type Manager struct {
	w   *world.World
	cfg Config
	pub logging.Publisher

	entities    map[world.Entity]struct{}
	history     *replication.History
	corrections map[world.Entity]map[registry.ID]*correction
	needsResync bool
	rollbacks   uint64
}

// NewManager constructs a prediction manager over the local world.
func NewManager(w *world.World, cfg Config, pub logging.Publisher) *Manager {
	def := DefaultConfig()
	if cfg.MaxRollbackDepth < 1 {
		cfg.MaxRollbackDepth = def.MaxRollbackDepth
	}
	if cfg.BlendTicks < 0 {
		cfg.BlendTicks = 0
	}
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Manager{
		w:           w,
		cfg:         cfg,
		pub:         pub,
		entities:    make(map[world.Entity]struct{}),
		history:     replication.NewHistory(cfg.MaxRollbackDepth + 2),
		corrections: make(map[world.Entity]map[registry.ID]*correction),
	}
}

// Predict registers a local entity for prediction.
func (m *Manager) Predict(e world.Entity) {
	if m == nil {
		return
	}
	m.entities[e] = struct{}{}
}

// Unpredict removes the entity and its retained state.
func (m *Manager) Unpredict(e world.Entity) {
	if m == nil {
		return
	}
	delete(m.entities, e)
	delete(m.corrections, e)
	m.history.DropEntity(e)
}

// Predicted reports whether the entity is under prediction.
func (m *Manager) Predicted(e world.Entity) bool {
	if m == nil {
		return false
	}
	_, ok := m.entities[e]
	return ok
}

// Rollbacks returns the number of rollbacks performed, for diagnostics.
func (m *Manager) Rollbacks() uint64 {
	if m == nil {
		return 0
	}
	return m.rollbacks
}

// NeedsResync reports that a divergence reached past the retained history
// and the caller must request a full state resync.
func (m *Manager) NeedsResync() bool {
	return m != nil && m.needsResync
}

// Reset clears all predicted state, as after a resync or a tick snap.
func (m *Manager) Reset() {
	if m == nil {
		return
	}
	for e := range m.entities {
		m.history.DropEntity(e)
	}
	m.corrections = make(map[world.Entity]map[registry.ID]*correction)
	m.needsResync = false
}

// RecordPredicted snapshots every predicted entity's components at the tick
// that was just simulated. Call it once per step, after the step runs.
func (m *Manager) RecordPredicted(at tick.Tick) {
	if m == nil {
		return
	}
	for e := range m.entities {
		for _, id := range m.w.Components(e) {
			if value, ok := m.w.Get(e, id); ok {
				m.history.Push(e, id, at, value)
			}
		}
	}
	m.advanceCorrections()
}

// Reconcile compares confirmed updates against the predicted timeline. On a
// mismatch the world is rewound to the earliest diverging tick, the
// confirmed values are applied, and step re-simulates forward to current.
// Updates for entities not under prediction are ignored.
func (m *Manager) Reconcile(ctx context.Context, confirmed []replication.ConfirmedUpdate, current tick.Tick, step StepFunc) bool {
	if m == nil || len(confirmed) == 0 {
		return false
	}

	var divergeAt tick.Tick
	haveDivergence := false
	for _, cu := range confirmed {
		if _, ok := m.entities[cu.Entity]; !ok {
			continue
		}
		comp, ok := m.w.Table().Lookup(cu.Component)
		if !ok {
			continue
		}
		predicted, ok := m.history.At(cu.Entity, cu.Component, cu.Tick)
		if !ok {
			// A confirmed tick deeper than the retained window cannot be
			// replayed whether the sample was evicted or never recorded.
			if m.beyondHistory(cu.Entity, cu.Component, cu.Tick) ||
				tick.Diff(current, cu.Tick) > m.cfg.MaxRollbackDepth {
				m.flagResync(ctx, cu, current)
				continue
			}
			// No predicted sample at that tick: the component appeared on
			// the confirmed stream first. Treat the confirmed value as a
			// divergence so the replay folds it in.
			if !haveDivergence || cu.Tick.Before(divergeAt) {
				divergeAt = cu.Tick
				haveDivergence = true
			}
			continue
		}
		if comp.Equal(predicted.Value, cu.Value) {
			continue
		}
		if !haveDivergence || cu.Tick.Before(divergeAt) {
			divergeAt = cu.Tick
			haveDivergence = true
		}
	}
	if !haveDivergence {
		return false
	}

	m.rollback(confirmed, divergeAt, current, step)
	return true
}

// beyondHistory reports whether the tick precedes everything retained for
// the component while newer samples exist, meaning the sample was evicted.
func (m *Manager) beyondHistory(e world.Entity, id registry.ID, at tick.Tick) bool {
	_, _, okBefore, okAfter := m.history.Bracket(e, id, at)
	return !okBefore && okAfter
}

func (m *Manager) flagResync(ctx context.Context, cu replication.ConfirmedUpdate, current tick.Tick) {
	m.needsResync = true
	oldest := uint64(0)
	if before, after, okB, okA := m.history.Bracket(cu.Entity, cu.Component, current); okB {
		oldest = uint64(before.Tick)
	} else if okA {
		oldest = uint64(after.Tick)
	}
	netdiag.RollbackDepthExceeded(ctx, m.pub, uint64(current), m.cfg.Peer, netdiag.RollbackPayload{
		Entity:         uint64(cu.Entity),
		DivergenceTick: uint64(cu.Tick),
		OldestRetained: oldest,
	})
}

// rollback rewinds predicted entities to the divergence tick, applies the
// confirmed values, and replays forward.
func (m *Manager) rollback(confirmed []replication.ConfirmedUpdate, divergeAt, current tick.Tick, step StepFunc) {
	m.rollbacks++
	visualBefore := m.captureVisual()

	// Rewind every predicted entity to its recorded state at the
	// divergence tick.
	for e := range m.entities {
		for _, id := range m.w.Components(e) {
			if sample, ok := m.history.At(e, id, divergeAt); ok {
				m.w.Set(e, id, sample.Value)
			}
		}
	}
	// Authoritative values at or before the divergence win over the
	// recorded prediction; newest per component applies.
	applied := make(map[world.Entity]map[registry.ID]tick.Tick)
	for _, cu := range confirmed {
		if _, ok := m.entities[cu.Entity]; !ok {
			continue
		}
		if cu.Tick.After(divergeAt) {
			continue
		}
		byComp := applied[cu.Entity]
		if byComp == nil {
			byComp = make(map[registry.ID]tick.Tick)
			applied[cu.Entity] = byComp
		}
		if prev, ok := byComp[cu.Component]; ok && !cu.Tick.After(prev) {
			continue
		}
		byComp[cu.Component] = cu.Tick
		m.w.Set(cu.Entity, cu.Component, cu.Value)
	}

	// Re-record the corrected base and replay up to the present.
	for e := range m.entities {
		m.history.TruncateAfter(e, divergeAt.Add(-1))
	}
	m.recordAt(divergeAt)
	if step != nil {
		for at := divergeAt.Add(1); ; at = at.Add(1) {
			if tick.Diff(at, current) > 0 {
				break
			}
			step(m.w, at)
			m.recordAt(at)
		}
	}
	m.startCorrections(visualBefore)
}

func (m *Manager) recordAt(at tick.Tick) {
	for e := range m.entities {
		for _, id := range m.w.Components(e) {
			if value, ok := m.w.Get(e, id); ok {
				m.history.Push(e, id, at, value)
			}
		}
	}
}

// captureVisual snapshots interpolating components before a rollback so the
// correction can be blended instead of popping.
func (m *Manager) captureVisual() map[world.Entity]map[registry.ID]any {
	if m.cfg.BlendTicks == 0 {
		return nil
	}
	out := make(map[world.Entity]map[registry.ID]any)
	for e := range m.entities {
		for _, id := range m.w.Components(e) {
			comp, ok := m.w.Table().Lookup(id)
			if !ok || !comp.Interpolates() {
				continue
			}
			value, ok := m.w.Get(e, id)
			if !ok {
				continue
			}
			if out[e] == nil {
				out[e] = make(map[registry.ID]any)
			}
			out[e][id] = value
		}
	}
	return out
}

func (m *Manager) startCorrections(before map[world.Entity]map[registry.ID]any) {
	if m.cfg.BlendTicks == 0 || len(before) == 0 {
		return
	}
	for e, byComp := range before {
		for id, from := range byComp {
			comp, ok := m.w.Table().Lookup(id)
			if !ok {
				continue
			}
			after, ok := m.w.Get(e, id)
			if !ok || comp.Equal(from, after) {
				continue
			}
			if m.corrections[e] == nil {
				m.corrections[e] = make(map[registry.ID]*correction)
			}
			m.corrections[e][id] = &correction{comp: comp, from: from}
		}
	}
}

func (m *Manager) advanceCorrections() {
	for e, byComp := range m.corrections {
		for id, c := range byComp {
			c.progress++
			if c.progress >= m.cfg.BlendTicks {
				delete(byComp, id)
			}
		}
		if len(byComp) == 0 {
			delete(m.corrections, e)
		}
	}
}

// Visual returns the value to render for the component: the simulated value,
// blended toward it from the pre-rollback value while a correction is in
// flight.
func (m *Manager) Visual(e world.Entity, id registry.ID) (any, bool) {
	if m == nil {
		return nil, false
	}
	value, ok := m.w.Get(e, id)
	if !ok {
		return nil, false
	}
	byComp := m.corrections[e]
	if byComp == nil {
		return value, true
	}
	c, ok := byComp[id]
	if !ok {
		return value, true
	}
	alpha := float64(c.progress) / float64(m.cfg.BlendTicks)
	if alpha >= 1 {
		return value, true
	}
	return c.comp.Lerp(c.from, value, alpha), true
}
