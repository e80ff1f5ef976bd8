// Package registry holds the component table shared by both peers. Every
// replicated component registers once at startup; after Finish the table is
// immutable, so identical registration order on client and server yields
// identical component ids on the wire.
package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// ID identifies one component kind on the wire.
type ID = uint16

// Component describes one replicated component kind: its codec, comparison,
// and the hooks replication and interpolation need. Encode/Decode, Equal and
// New are filled with JSON-and-reflection defaults when omitted; Lerp, Diff
// and Apply are genuinely optional capabilities.
type Component struct {
	// Name is the stable human-readable identifier, used in logs and
	// schema output.
	Name string
	// Prototype is a zero value of the component's concrete type.
	Prototype any

	// Encode serializes a full component value.
	Encode func(value any) ([]byte, error)
	// Decode parses a full component value.
	Decode func(data []byte) (any, error)
	// Equal reports whether two values are replication-identical. Used for
	// change suppression and divergence checks.
	Equal func(a, b any) bool
	// Lerp blends two values; nil means the component snaps instead of
	// interpolating.
	Lerp func(a, b any, t float64) any
	// Diff produces a delta from base to next, or ok=false when a delta
	// would not beat the full encoding. Nil means the component always
	// replicates in full.
	Diff func(base, next any) (delta []byte, ok bool, err error)
	// Apply reconstructs a value from a base and a delta produced by Diff.
	Apply func(base any, delta []byte) (any, error)

	// Channel is the value channel index this component's updates ride on.
	Channel uint8

	id ID
}

// ID returns the wire id assigned at registration.
func (c Component) ID() ID {
	return c.id
}

// Deltable reports whether the component supports delta encoding.
func (c Component) Deltable() bool {
	return c.Diff != nil && c.Apply != nil
}

// Interpolates reports whether the component blends between snapshots.
func (c Component) Interpolates() bool {
	return c.Lerp != nil
}

// New returns a fresh zero value of the component's concrete type.
func (c Component) New() any {
	proto := reflect.TypeOf(c.Prototype)
	if proto == nil {
		return nil
	}
	if proto.Kind() == reflect.Ptr {
		return reflect.New(proto.Elem()).Interface()
	}
	return reflect.Zero(proto).Interface()
}

// Table is the finished, immutable component registry.
type Table struct {
	byID   []Component
	byName map[string]ID
}

// Builder accumulates registrations. Misuse is a programming error and
// panics: the table must be identical on both peers before any traffic
// flows.
type Builder struct {
	components []Component
	names      map[string]struct{}
	finished   bool
}

// NewBuilder returns an empty registry builder.
func NewBuilder() *Builder {
	return &Builder{names: make(map[string]struct{})}
}

// Register adds one component and returns its assigned id. Registration
// order determines ids, so both peers must register in the same order.
func (b *Builder) Register(c Component) ID {
	if b.finished {
		panic(fmt.Sprintf("registry: register %q after Finish", c.Name))
	}
	if c.Name == "" {
		panic("registry: component with empty name")
	}
	if _, dup := b.names[c.Name]; dup {
		panic(fmt.Sprintf("registry: duplicate component %q", c.Name))
	}
	if c.Prototype == nil {
		panic(fmt.Sprintf("registry: component %q has no prototype", c.Name))
	}
	if (c.Diff == nil) != (c.Apply == nil) {
		panic(fmt.Sprintf("registry: component %q defines only half of Diff/Apply", c.Name))
	}
	if c.Encode == nil {
		c.Encode = func(value any) ([]byte, error) { return json.Marshal(value) }
	}
	if c.Decode == nil {
		prototype := c.Prototype
		c.Decode = func(data []byte) (any, error) {
			value := newFromPrototype(prototype)
			if err := json.Unmarshal(data, value); err != nil {
				return nil, err
			}
			return reflect.ValueOf(value).Elem().Interface(), nil
		}
	}
	if c.Equal == nil {
		c.Equal = reflect.DeepEqual
	}
	c.id = ID(len(b.components))
	b.names[c.Name] = struct{}{}
	b.components = append(b.components, c)
	return c.id
}

// newFromPrototype allocates a pointer to a fresh value of the prototype's
// concrete type, for unmarshalling.
func newFromPrototype(prototype any) any {
	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}

// Finish freezes the builder into an immutable table.
func (b *Builder) Finish() *Table {
	if b.finished {
		panic("registry: Finish called twice")
	}
	b.finished = true
	byName := make(map[string]ID, len(b.components))
	for _, c := range b.components {
		byName[c.Name] = c.id
	}
	return &Table{byID: append([]Component(nil), b.components...), byName: byName}
}

// Lookup returns the component registered under id.
func (t *Table) Lookup(id ID) (Component, bool) {
	if t == nil || int(id) >= len(t.byID) {
		return Component{}, false
	}
	return t.byID[id], true
}

// ByName returns the component registered under name.
func (t *Table) ByName(name string) (Component, bool) {
	if t == nil {
		return Component{}, false
	}
	id, ok := t.byName[name]
	if !ok {
		return Component{}, false
	}
	return t.byID[id], true
}

// Len returns the number of registered components.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byID)
}

// Names returns every registered component name in id order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, len(t.byID))
	for i, c := range t.byID {
		names[i] = c.Name
	}
	return names
}

// Fingerprint summarizes the table for handshake comparison: peers whose
// component sets or registration orders differ must not talk to each other.
func (t *Table) Fingerprint() string {
	if t == nil {
		return ""
	}
	return strings.Join(t.Names(), ",")
}
