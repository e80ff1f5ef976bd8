package replication

import (
	"context"
	"encoding/binary"

	"tickwire/logging"
	"tickwire/logging/netdiag"
	"tickwire/registry"
	"tickwire/tick"
	"tickwire/wire"
	"tickwire/world"
)

// ConfirmedUpdate is one authoritative component value applied this frame,
// handed to the prediction layer for divergence checks.
type ConfirmedUpdate struct {
	Entity    world.Entity
	Component registry.ID
	Tick      tick.Tick
	Value     any
}

// ReceiverConfig tunes the receiving side of replication.
type ReceiverConfig struct {
	// HistoryCapacity is the number of confirmed samples retained per
	// component for interpolation, delta bases and rollback checks.
	HistoryCapacity int
	// Peer labels diagnostic events from this receiver.
	Peer logging.PeerRef
}

// Receiver applies replication payloads to the local world. Remote entity
// ids are remapped through an EntityMap; every confirmed value lands in the
// history, and entities marked predicted keep their predicted state in the
// world while the confirmed stream flows past them into the history only.
type Receiver struct {
	w         *world.World
	entities  *EntityMap
	history   *History
	predicted map[world.Entity]struct{}
	confirmed []ConfirmedUpdate
	pub       logging.Publisher
	peer      logging.PeerRef

	latest    tick.Tick
	hasLatest bool
}

// NewReceiver constructs a receiver applying payloads to the world.
func NewReceiver(w *world.World, cfg ReceiverConfig, pub logging.Publisher) *Receiver {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Receiver{
		w:         w,
		entities:  NewEntityMap(),
		history:   NewHistory(cfg.HistoryCapacity),
		predicted: make(map[world.Entity]struct{}),
		pub:       pub,
		peer:      cfg.Peer,
	}
}

// History exposes the confirmed-value history for interpolation and
// prediction.
func (r *Receiver) History() *History {
	if r == nil {
		return nil
	}
	return r.history
}

// Entities exposes the remote-to-local id mapping.
func (r *Receiver) Entities() *EntityMap {
	if r == nil {
		return nil
	}
	return r.entities
}

// LatestTick returns the newest authority tick observed in any payload.
func (r *Receiver) LatestTick() (tick.Tick, bool) {
	if r == nil {
		return 0, false
	}
	return r.latest, r.hasLatest
}

// SetPredicted marks a local entity as client-predicted. Confirmed values
// for it accumulate in the history and the confirmed-update feed but do not
// overwrite the world; the prediction layer owns its world state.
func (r *Receiver) SetPredicted(e world.Entity, predicted bool) {
	if r == nil {
		return
	}
	if predicted {
		r.predicted[e] = struct{}{}
	} else {
		delete(r.predicted, e)
	}
}

// Predicted reports whether the local entity is prediction-owned.
func (r *Receiver) Predicted(e world.Entity) bool {
	if r == nil {
		return false
	}
	_, ok := r.predicted[e]
	return ok
}

// DrainConfirmed returns every confirmed update applied since the previous
// call, in application order.
func (r *Receiver) DrainConfirmed() []ConfirmedUpdate {
	if r == nil || len(r.confirmed) == 0 {
		return nil
	}
	out := r.confirmed
	r.confirmed = nil
	return out
}

// ApplyPayload decodes one replication payload and applies its records. A
// malformed tail is reported as a diagnostic and the healthy prefix still
// applies; the decode error is returned for accounting.
func (r *Receiver) ApplyPayload(ctx context.Context, channelID uint8, data []byte) error {
	if r == nil {
		return nil
	}
	at, records, err := wire.DecodePayload(data)
	if err != nil {
		netdiag.DecodeFailed(ctx, r.pub, uint64(at), r.peer, netdiag.DecodePayload{
			Channel: channelID,
			Reason:  err.Error(),
		})
	}
	authTick := tick.Tick(at)
	if !r.hasLatest || authTick.After(r.latest) {
		r.latest = authTick
		r.hasLatest = true
	}
	for _, rec := range records {
		r.applyRecord(ctx, channelID, authTick, rec)
	}
	return err
}

func (r *Receiver) applyRecord(ctx context.Context, channelID uint8, at tick.Tick, rec wire.Record) {
	remote := world.Entity(rec.Entity)
	switch rec.Kind {
	case wire.RecordSpawn:
		if _, ok := r.entities.Local(remote); ok {
			return
		}
		local := r.w.Spawn()
		r.entities.Insert(remote, local)

	case wire.RecordDespawn:
		local, ok := r.entities.DeleteRemote(remote)
		if !ok {
			return
		}
		r.w.Despawn(local)
		r.history.DropEntity(local)
		delete(r.predicted, local)

	case wire.RecordInsert, wire.RecordUpdate:
		local, ok := r.entities.Local(remote)
		if !ok {
			comp := uint16(0)
			if len(rec.Components) > 0 {
				comp = rec.Components[0].Component
			}
			netdiag.UnmappedEntity(ctx, r.pub, uint64(at), r.peer, netdiag.UnmappedPayload{
				RemoteEntity: rec.Entity,
				Component:    comp,
			})
			return
		}
		for _, cp := range rec.Components {
			r.applyComponent(ctx, channelID, at, local, cp)
		}

	case wire.RecordRemove:
		local, ok := r.entities.Local(remote)
		if !ok {
			return
		}
		for _, id := range rec.Removed {
			r.w.Remove(local, registry.ID(id))
		}
	}
}

func (r *Receiver) applyComponent(ctx context.Context, channelID uint8, at tick.Tick, local world.Entity, cp wire.ComponentPayload) {
	id := registry.ID(cp.Component)
	comp, ok := r.w.Table().Lookup(id)
	if !ok {
		netdiag.DecodeFailed(ctx, r.pub, uint64(at), r.peer, netdiag.DecodePayload{
			Channel: channelID,
			Reason:  "unknown component id",
		})
		return
	}

	var value any
	var err error
	if cp.Delta {
		value, err = r.applyDelta(local, comp, cp.Data)
	} else {
		value, err = comp.Decode(cp.Data)
	}
	if err != nil {
		netdiag.DecodeFailed(ctx, r.pub, uint64(at), r.peer, netdiag.DecodePayload{
			Channel: channelID,
			Reason:  err.Error(),
		})
		return
	}

	// The history's monotonic guard doubles as the staleness check: a value
	// confirmed at an older tick than what we already hold never applies.
	if !r.history.Push(local, id, at, value) {
		return
	}
	r.confirmed = append(r.confirmed, ConfirmedUpdate{
		Entity:    local,
		Component: id,
		Tick:      at,
		Value:     value,
	})
	if _, predicted := r.predicted[local]; !predicted {
		r.w.Set(local, id, value)
	}
}

// applyDelta reconstructs a value from the base-tick-prefixed delta payload,
// resolving the base from the confirmed history.
func (r *Receiver) applyDelta(local world.Entity, comp registry.Component, data []byte) (any, error) {
	if len(data) < 2 {
		return nil, wire.ErrShortBuffer
	}
	baseTick := tick.Tick(binary.BigEndian.Uint16(data[:2]))
	base, ok := r.history.At(local, comp.ID(), baseTick)
	if !ok {
		return nil, errMissingDeltaBase
	}
	if !comp.Deltable() {
		return nil, errNotDeltable
	}
	return comp.Apply(base.Value, data[2:])
}
