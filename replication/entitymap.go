// Package replication moves entity state from the authoritative world to
// remote peers: structural changes over a reliable channel, component values
// over per-component channels with delta compression against acknowledged
// state.
package replication

import "tickwire/world"

// EntityMap is the bijection between the authority's entity ids and the
// local world's ids. The authority never learns local ids; every wire record
// carries its own.
type EntityMap struct {
	toLocal  map[world.Entity]world.Entity
	toRemote map[world.Entity]world.Entity
}

// NewEntityMap returns an empty mapping.
func NewEntityMap() *EntityMap {
	return &EntityMap{
		toLocal:  make(map[world.Entity]world.Entity),
		toRemote: make(map[world.Entity]world.Entity),
	}
}

// Insert records remote <-> local. Both sides must be fresh; overwriting an
// existing pairing would silently corrupt the bijection.
func (m *EntityMap) Insert(remote, local world.Entity) bool {
	if m == nil {
		return false
	}
	if _, ok := m.toLocal[remote]; ok {
		return false
	}
	if _, ok := m.toRemote[local]; ok {
		return false
	}
	m.toLocal[remote] = local
	m.toRemote[local] = remote
	return true
}

// Local resolves a remote id.
func (m *EntityMap) Local(remote world.Entity) (world.Entity, bool) {
	if m == nil {
		return 0, false
	}
	local, ok := m.toLocal[remote]
	return local, ok
}

// Remote resolves a local id.
func (m *EntityMap) Remote(local world.Entity) (world.Entity, bool) {
	if m == nil {
		return 0, false
	}
	remote, ok := m.toRemote[local]
	return remote, ok
}

// DeleteRemote removes the pairing for a remote id and returns the local id
// it pointed at.
func (m *EntityMap) DeleteRemote(remote world.Entity) (world.Entity, bool) {
	if m == nil {
		return 0, false
	}
	local, ok := m.toLocal[remote]
	if !ok {
		return 0, false
	}
	delete(m.toLocal, remote)
	delete(m.toRemote, local)
	return local, true
}

// Len returns the number of pairings.
func (m *EntityMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.toLocal)
}
