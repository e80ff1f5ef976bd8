package replication

import (
	"encoding/binary"
	"sort"

	"tickwire/channel"
	"tickwire/internal/telemetry"
	"tickwire/registry"
	"tickwire/tick"
	"tickwire/wire"
	"tickwire/world"
)

// SenderConfig tunes one peer's replication stream.
type SenderConfig struct {
	// StructuralChannel carries spawns, despawns, component inserts and
	// removes. It must be configured ordered-reliable.
	StructuralChannel uint8
	// UpdateInterval is the number of ticks between value flushes; values
	// dirtied in between coalesce to their latest state. 0 or 1 flushes
	// every tick.
	UpdateInterval int
	// Interest filters which entities this peer sees; nil means all.
	// Leaving the interest set synthesizes a despawn for this peer only.
	Interest func(world.Entity) bool
	// MaxDeltaAge bounds how many ticks old an acknowledged base may be and
	// still serve for delta encoding. The receiver resolves bases from its
	// bounded history, so a base older than its retention must be avoided.
	MaxDeltaAge int
}

// Message is one replication payload bound for a channel. After buffering it
// on the channel, callers pass it to TrackSent with the assigned message id
// so acknowledgements can promote its contents to delta bases.
type Message struct {
	Channel uint8
	Payload []byte
	refs    []sentRef
}

type sentRef struct {
	entity world.Entity
	comp   registry.ID
	at     tick.Tick
	value  any
}

type ackedRef struct {
	at    tick.Tick
	value any
}

// Sender produces the replication stream for a single peer. Each peer gets
// its own sender: interest, acknowledged bases and the change marker are all
// per-peer state. It is driven by the simulation goroutine only.
type Sender struct {
	w      *world.World
	cfg    SenderConfig
	logger telemetry.Logger

	marker     uint64
	known      map[world.Entity]struct{}
	knownComps map[world.Entity]map[registry.ID]struct{}
	acked      map[world.Entity]map[registry.ID]ackedRef
	pending    map[world.Entity]map[registry.ID]struct{}
	inflight   map[uint8]map[channel.MessageID][]sentRef

	lastFlush  tick.Tick
	hasFlushed bool
}

// NewSender constructs a replication sender over the world.
func NewSender(w *world.World, cfg SenderConfig, logger telemetry.Logger) *Sender {
	if cfg.UpdateInterval < 1 {
		cfg.UpdateInterval = 1
	}
	if cfg.MaxDeltaAge < 1 {
		cfg.MaxDeltaAge = DefaultHistoryCapacity / 2
	}
	return &Sender{
		w:          w,
		cfg:        cfg,
		logger:     logger,
		known:      make(map[world.Entity]struct{}),
		knownComps: make(map[world.Entity]map[registry.ID]struct{}),
		acked:      make(map[world.Entity]map[registry.ID]ackedRef),
		pending:    make(map[world.Entity]map[registry.ID]struct{}),
		inflight:   make(map[uint8]map[channel.MessageID][]sentRef),
	}
}

// Marker returns the world version this sender has consumed up to, for
// tombstone compaction.
func (s *Sender) Marker() uint64 {
	if s == nil {
		return 0
	}
	return s.marker
}

func (s *Sender) inInterest(e world.Entity) bool {
	return s.cfg.Interest == nil || s.cfg.Interest(e)
}

// Collect turns everything that changed since the last call into outgoing
// messages: one structural message when topology changed, plus one message
// per value channel when the flush interval has elapsed.
func (s *Sender) Collect(current tick.Tick) []Message {
	if s == nil {
		return nil
	}
	changes := s.w.ChangedSince(s.marker)
	s.marker = s.w.Version()

	structural := s.collectStructural(current, changes)

	var messages []Message
	if len(structural) > 0 {
		messages = append(messages, Message{
			Channel: s.cfg.StructuralChannel,
			Payload: wire.EncodePayload(uint16(current), structural),
		})
	}

	if s.flushDue(current) {
		messages = append(messages, s.flushValues(current)...)
		s.lastFlush = current
		s.hasFlushed = true
	}
	return messages
}

func (s *Sender) flushDue(current tick.Tick) bool {
	if len(s.pending) == 0 {
		return false
	}
	if !s.hasFlushed {
		return true
	}
	return tick.Diff(current, s.lastFlush) >= s.cfg.UpdateInterval
}

// collectStructural reconciles the peer's known set against the filtered
// live set and folds in component inserts and removes.
func (s *Sender) collectStructural(current tick.Tick, changes world.ChangeSet) []wire.Record {
	var records []wire.Record

	// Entities the peer knows that died or left its interest.
	var gone []world.Entity
	for e := range s.known {
		if !s.w.Alive(e) || !s.inInterest(e) {
			gone = append(gone, e)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, e := range gone {
		records = append(records, wire.Record{Kind: wire.RecordDespawn, Entity: uint64(e)})
		s.forget(e)
	}

	// Entities in interest the peer has never seen. This covers fresh
	// spawns and interest entry alike.
	var fresh []world.Entity
	for _, e := range s.w.Entities() {
		if _, ok := s.known[e]; ok {
			continue
		}
		if !s.inInterest(e) {
			continue
		}
		fresh = append(fresh, e)
	}
	for _, e := range fresh {
		records = append(records, wire.Record{Kind: wire.RecordSpawn, Entity: uint64(e)})
		s.known[e] = struct{}{}
		s.knownComps[e] = make(map[registry.ID]struct{})
		delete(s.pending, e)
		if insert := s.insertRecord(e, s.w.Components(e)); insert != nil {
			records = append(records, *insert)
		}
	}

	// Component-level topology on entities the peer already knows.
	updatedEntities := sortedEntities(changes.Updated)
	for _, e := range updatedEntities {
		if _, ok := s.known[e]; !ok {
			continue
		}
		var inserted []registry.ID
		for _, id := range changes.Updated[e] {
			if _, ok := s.knownComps[e][id]; ok {
				s.markPending(e, id)
				continue
			}
			inserted = append(inserted, id)
		}
		if insert := s.insertRecord(e, inserted); insert != nil {
			records = append(records, *insert)
		}
	}
	for _, e := range sortedEntities(changes.Removed) {
		if _, ok := s.known[e]; !ok {
			continue
		}
		var removed []uint16
		for _, id := range changes.Removed[e] {
			if _, ok := s.knownComps[e][id]; !ok {
				continue
			}
			delete(s.knownComps[e], id)
			delete(s.acked[e], id)
			if s.pending[e] != nil {
				delete(s.pending[e], id)
			}
			removed = append(removed, uint16(id))
		}
		if len(removed) > 0 {
			records = append(records, wire.Record{
				Kind:    wire.RecordRemove,
				Entity:  uint64(e),
				Removed: removed,
			})
		}
	}
	return records
}

// insertRecord encodes full values for components newly visible to the peer.
func (s *Sender) insertRecord(e world.Entity, ids []registry.ID) *wire.Record {
	var payloads []wire.ComponentPayload
	for _, id := range ids {
		value, ok := s.w.Get(e, id)
		if !ok {
			continue
		}
		comp, ok := s.w.Table().Lookup(id)
		if !ok {
			continue
		}
		data, err := comp.Encode(value)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("encode %s for entity %d failed: %v", comp.Name, e, err)
			}
			continue
		}
		payloads = append(payloads, wire.ComponentPayload{Component: uint16(id), Data: data})
		s.knownComps[e][id] = struct{}{}
	}
	if len(payloads) == 0 {
		return nil
	}
	return &wire.Record{Kind: wire.RecordInsert, Entity: uint64(e), Components: payloads}
}

func (s *Sender) markPending(e world.Entity, id registry.ID) {
	if s.pending[e] == nil {
		s.pending[e] = make(map[registry.ID]struct{})
	}
	s.pending[e][id] = struct{}{}
}

func (s *Sender) forget(e world.Entity) {
	delete(s.known, e)
	delete(s.knownComps, e)
	delete(s.acked, e)
	delete(s.pending, e)
}

// flushValues drains the dirty set into per-channel update messages,
// encoding each component as a delta against its acknowledged base when the
// component supports it and the delta is worthwhile.
func (s *Sender) flushValues(current tick.Tick) []Message {
	type channelBatch struct {
		records map[world.Entity][]wire.ComponentPayload
		refs    []sentRef
	}
	batches := make(map[uint8]*channelBatch)

	for _, e := range sortedEntities(s.pending) {
		if _, ok := s.known[e]; !ok {
			continue
		}
		ids := make([]registry.ID, 0, len(s.pending[e]))
		for id := range s.pending[e] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			value, ok := s.w.Get(e, id)
			if !ok {
				continue
			}
			comp, ok := s.w.Table().Lookup(id)
			if !ok {
				continue
			}
			payload, err := s.encodeValue(e, comp, value, current)
			if err != nil {
				if s.logger != nil {
					s.logger.Printf("encode %s for entity %d failed: %v", comp.Name, e, err)
				}
				continue
			}
			batch := batches[comp.Channel]
			if batch == nil {
				batch = &channelBatch{records: make(map[world.Entity][]wire.ComponentPayload)}
				batches[comp.Channel] = batch
			}
			batch.records[e] = append(batch.records[e], payload)
			batch.refs = append(batch.refs, sentRef{entity: e, comp: id, at: current, value: value})
		}
	}
	s.pending = make(map[world.Entity]map[registry.ID]struct{})

	channels := make([]uint8, 0, len(batches))
	for ch := range batches {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	var messages []Message
	for _, ch := range channels {
		batch := batches[ch]
		var records []wire.Record
		for _, e := range sortedEntities(batch.records) {
			records = append(records, wire.Record{
				Kind:       wire.RecordUpdate,
				Entity:     uint64(e),
				Components: batch.records[e],
			})
		}
		messages = append(messages, Message{
			Channel: ch,
			Payload: wire.EncodePayload(uint16(current), records),
			refs:    batch.refs,
		})
	}
	return messages
}

// encodeValue produces a delta payload when a worthwhile acknowledged base
// exists, a full encoding otherwise. Delta data is prefixed with the base
// tick so the receiver can resolve the same base from its history.
func (s *Sender) encodeValue(e world.Entity, comp registry.Component, value any, current tick.Tick) (wire.ComponentPayload, error) {
	id := comp.ID()
	if comp.Deltable() {
		if base, ok := s.acked[e][id]; ok && tick.Diff(current, base.at) <= s.cfg.MaxDeltaAge {
			delta, worthwhile, err := comp.Diff(base.value, value)
			if err == nil && worthwhile {
				data := make([]byte, 0, 2+len(delta))
				data = binary.BigEndian.AppendUint16(data, uint16(base.at))
				data = append(data, delta...)
				return wire.ComponentPayload{Component: uint16(id), Delta: true, Data: data}, nil
			}
			if err != nil && s.logger != nil {
				s.logger.Printf("diff %s for entity %d failed, sending full: %v", comp.Name, e, err)
			}
		}
	}
	data, err := comp.Encode(value)
	if err != nil {
		return wire.ComponentPayload{}, err
	}
	return wire.ComponentPayload{Component: uint16(id), Data: data}, nil
}

// TrackSent associates a buffered message with the channel message id it was
// assigned, so a later acknowledgement can promote its values to delta bases.
func (s *Sender) TrackSent(msg Message, id channel.MessageID) {
	if s == nil || len(msg.refs) == 0 {
		return
	}
	perChannel := s.inflight[msg.Channel]
	if perChannel == nil {
		perChannel = make(map[channel.MessageID][]sentRef)
		s.inflight[msg.Channel] = perChannel
	}
	perChannel[id] = msg.refs
}

// HandleDelivered promotes the contents of acknowledged messages to
// per-component delta bases. Only the newest acknowledged value per
// component is retained.
func (s *Sender) HandleDelivered(channelID uint8, ids []channel.MessageID) {
	if s == nil {
		return
	}
	perChannel := s.inflight[channelID]
	if perChannel == nil {
		return
	}
	for _, id := range ids {
		refs, ok := perChannel[id]
		if !ok {
			continue
		}
		delete(perChannel, id)
		for _, ref := range refs {
			if _, known := s.known[ref.entity]; !known {
				continue
			}
			byComp := s.acked[ref.entity]
			if byComp == nil {
				byComp = make(map[registry.ID]ackedRef)
				s.acked[ref.entity] = byComp
			}
			prev, ok := byComp[ref.comp]
			if ok && !ref.at.After(prev.at) {
				continue
			}
			byComp[ref.comp] = ackedRef{at: ref.at, value: ref.value}
		}
	}
}

func sortedEntities[V any](m map[world.Entity]V) []world.Entity {
	out := make([]world.Entity, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
