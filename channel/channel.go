// Package channel implements the per-connection message channels layered on
// an unreliable datagram link. Each channel applies one ordering/reliability
// policy and handles fragmentation for payloads above the packet threshold.
package channel

import (
	"fmt"
	"time"
)

// Kind selects the ordering/reliability policy of a channel. The set is
// closed: policy is decided at construction from configuration, never
// extended at runtime.
type Kind uint8

const (
	// UnorderedUnreliable delivers whatever arrives, bounded by an
	// oldest-discard window.
	UnorderedUnreliable Kind = iota
	// SequencedUnreliable delivers only messages newer than the most
	// recently delivered one; older arrivals are discarded.
	SequencedUnreliable
	// UnorderedReliable guarantees eventual delivery of every message in
	// any order.
	UnorderedReliable
	// SequencedReliable retransmits until acknowledged but delivers only
	// the newest, discarding superseded messages.
	SequencedReliable
	// OrderedReliable guarantees eventual delivery in strict message-id
	// order; a gap blocks everything behind it.
	OrderedReliable
)

// Reliable reports whether the kind retransmits until acknowledged.
func (k Kind) Reliable() bool {
	switch k {
	case UnorderedReliable, SequencedReliable, OrderedReliable:
		return true
	default:
		return false
	}
}

// Sequenced reports whether the kind discards arrivals older than the most
// recently delivered message.
func (k Kind) Sequenced() bool {
	return k == SequencedUnreliable || k == SequencedReliable
}

func (k Kind) String() string {
	switch k {
	case UnorderedUnreliable:
		return "unordered-unreliable"
	case SequencedUnreliable:
		return "sequenced-unreliable"
	case UnorderedReliable:
		return "unordered-reliable"
	case SequencedReliable:
		return "sequenced-reliable"
	case OrderedReliable:
		return "ordered-reliable"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MessageID numbers messages within one channel direction. Ids wrap at 16
// bits and comparisons must be wrap-aware.
type MessageID uint16

// Config tunes one channel instance.
type Config struct {
	Kind Kind
	// FragmentThreshold is the largest payload sent whole; anything larger
	// splits into chunks of at most this size. A payload exactly at the
	// threshold is not fragmented.
	FragmentThreshold int
	// ReceiveWindow bounds receiver memory: unordered-unreliable arrivals
	// older than the newest received id by more than this are dropped, and
	// stale fragment assemblies beyond it are evicted.
	ReceiveWindow int
	// RetransmitFactor scales the observed round-trip time into the
	// retransmission interval for reliable kinds.
	RetransmitFactor float64
	// MinRetransmit floors the retransmission interval when the measured
	// round trip is tiny or unknown.
	MinRetransmit time.Duration
}

// DefaultConfig returns the standard tuning for the given kind.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:              kind,
		FragmentThreshold: 1024,
		ReceiveWindow:     256,
		RetransmitFactor:  1.5,
		MinRetransmit:     100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Kind)
	if c.FragmentThreshold <= 0 {
		c.FragmentThreshold = def.FragmentThreshold
	}
	if c.ReceiveWindow <= 0 {
		c.ReceiveWindow = def.ReceiveWindow
	}
	if c.RetransmitFactor <= 0 {
		c.RetransmitFactor = def.RetransmitFactor
	}
	if c.MinRetransmit <= 0 {
		c.MinRetransmit = def.MinRetransmit
	}
	return c
}

// RetransmitInterval derives the retransmission spacing from the smoothed
// round-trip time.
func (c Config) RetransmitInterval(rtt time.Duration) time.Duration {
	interval := time.Duration(float64(rtt) * c.RetransmitFactor)
	if interval < c.MinRetransmit {
		interval = c.MinRetransmit
	}
	return interval
}
