package transport

import (
	"math/rand"
	"sync"

	"tickwire/internal/telemetry"
)

// Conditions describes the impairments a memory link applies to traffic.
// Zero values mean a perfect link.
type Conditions struct {
	// LossRate is the probability in [0,1) that a packet vanishes.
	LossRate float64
	// DuplicateRate is the probability in [0,1) that a packet arrives twice.
	DuplicateRate float64
	// ReorderRate is the probability in [0,1) that a packet is held back and
	// delivered after the following one.
	ReorderRate float64
	// Seed makes an impaired run reproducible.
	Seed int64
}

// MemoryLink is an in-process Link wired to a peer, with optional simulated
// loss, duplication and reordering. Both directions share one Conditions
// value but draw from independent random streams.
type MemoryLink struct {
	mu     sync.Mutex
	peer   *MemoryLink
	queue  *InboundQueue
	rng    *rand.Rand
	cond   Conditions
	holder []byte
	closed bool
}

// NewMemoryPair returns two connected in-process links. Packets sent on one
// side arrive on the other, subject to the configured conditions.
func NewMemoryPair(cond Conditions, metrics telemetry.Metrics) (*MemoryLink, *MemoryLink) {
	a := &MemoryLink{
		queue: NewInboundQueue(1024, metrics),
		rng:   rand.New(rand.NewSource(cond.Seed)),
		cond:  cond,
	}
	b := &MemoryLink{
		queue: NewInboundQueue(1024, metrics),
		rng:   rand.New(rand.NewSource(cond.Seed + 1)),
		cond:  cond,
	}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers the packet to the peer's inbound queue, applying the
// configured impairments on the way.
func (l *MemoryLink) Send(packet []byte) error {
	if l == nil {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	copied := append([]byte(nil), packet...)

	if l.cond.LossRate > 0 && l.rng.Float64() < l.cond.LossRate {
		return nil
	}
	if l.cond.ReorderRate > 0 {
		if l.holder != nil {
			// A held packet goes out after the current one.
			l.peer.queue.Push(copied)
			l.peer.queue.Push(l.holder)
			l.holder = nil
			return nil
		}
		if l.rng.Float64() < l.cond.ReorderRate {
			l.holder = copied
			return nil
		}
	}
	l.peer.queue.Push(copied)
	if l.cond.DuplicateRate > 0 && l.rng.Float64() < l.cond.DuplicateRate {
		l.peer.queue.Push(append([]byte(nil), copied...))
	}
	return nil
}

// Flush releases any packet held back for reordering.
func (l *MemoryLink) Flush() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil && !l.closed {
		l.peer.queue.Push(l.holder)
		l.holder = nil
	}
}

// Receive drains every packet that has arrived since the previous call.
func (l *MemoryLink) Receive() [][]byte {
	if l == nil {
		return nil
	}
	return l.queue.Drain()
}

// IsConnected reports whether both ends are still open.
func (l *MemoryLink) IsConnected() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	l.peer.mu.Lock()
	peerClosed := l.peer.closed
	l.peer.mu.Unlock()
	return !peerClosed
}

// Close shuts this end down. In-flight packets already queued on the peer
// remain readable.
func (l *MemoryLink) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.holder = nil
	return nil
}
