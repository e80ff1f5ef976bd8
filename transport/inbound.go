package transport

import (
	"sync"

	"tickwire/internal/telemetry"
)

const (
	inboundOccupancyMetricKey = "transport_inbound_occupancy"
	inboundOverflowMetricKey  = "transport_inbound_overflow_total"
)

// InboundQueue stores received packets in a fixed-size ring. It is safe for
// concurrent producers and a single consumer; when full, the newest packet is
// dropped, mirroring what the network would do anyway.
type InboundQueue struct {
	mu      sync.Mutex
	data    [][]byte
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

// NewInboundQueue constructs a ring with the provided capacity.
func NewInboundQueue(capacity int, metrics telemetry.Metrics) *InboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &InboundQueue{
		data:    make([][]byte, capacity),
		metrics: metrics,
	}
}

// Capacity reports the maximum number of packets the queue can hold.
func (q *InboundQueue) Capacity() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Push stages a packet, returning false if the queue is full.
func (q *InboundQueue) Push(packet []byte) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		q.metrics.Add(inboundOverflowMetricKey, 1)
		return false
	}
	q.data[q.tail] = packet
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	q.storeOccupancyLocked()
	return true
}

// Drain returns all staged packets in arrival order and clears the queue.
func (q *InboundQueue) Drain() [][]byte {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	packets := make([][]byte, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.data)
		packets[i] = q.data[idx]
		q.data[idx] = nil
	}
	q.head = 0
	q.tail = 0
	q.count = 0
	q.storeOccupancyLocked()
	return packets
}

// Len reports the number of staged packets.
func (q *InboundQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *InboundQueue) storeOccupancyLocked() {
	q.metrics.Store(inboundOccupancyMetricKey, uint64(q.count))
}
