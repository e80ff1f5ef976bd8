package channel

import (
	"encoding/binary"

	"tickwire/internal/telemetry"
	"tickwire/wire"
)

const (
	metricRecvDelivered  = "channel_recv_delivered_total"
	metricRecvDuplicate  = "channel_recv_duplicate_total"
	metricRecvStaleDrop  = "channel_recv_stale_total"
	metricRecvBadSection = "channel_recv_bad_section_total"
)

// assembly collects the fragments of one in-flight message.
type assembly struct {
	chunks   [][]byte
	received int
	total    int
}

// Receiver owns the inbound side of one channel: fragment reassembly, the
// kind-specific delivery policy, and the ack state reported back to the
// remote sender. Acks cover only fully reassembled messages so a sender never
// abandons a message the receiver still needs fragments for.
type Receiver struct {
	cfg     Config
	metrics telemetry.Metrics

	assemblies map[MessageID]*assembly

	ackValid bool
	ackAck   wire.Ack

	// Unordered-unreliable state: delivery queue plus a dedup set bounded by
	// the receive window.
	ready []inMessage
	seen  map[MessageID]struct{}

	// Sequenced state: at most one undelivered message, replaced by anything
	// newer.
	pendingSeq     *inMessage
	lastDelivered  MessageID
	hasDelivered   bool
	newestReceived MessageID
	hasReceived    bool

	// Unordered-reliable state: everything at or below the watermark has been
	// delivered; received holds delivered ids above it.
	watermark    MessageID
	hasWatermark bool
	received     map[MessageID]struct{}

	// Ordered-reliable state: held buffers messages ahead of nextRead.
	nextRead MessageID
	held     map[MessageID][]byte
}

type inMessage struct {
	id      MessageID
	payload []byte
}

// NewReceiver constructs the inbound half of a channel.
func NewReceiver(cfg Config, metrics telemetry.Metrics) *Receiver {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Receiver{
		cfg:        cfg.withDefaults(),
		metrics:    metrics,
		assemblies: make(map[MessageID]*assembly),
		seen:       make(map[MessageID]struct{}),
		received:   make(map[MessageID]struct{}),
		held:       make(map[MessageID][]byte),
	}
}

// Kind returns the channel policy this receiver applies.
func (r *Receiver) Kind() Kind {
	if r == nil {
		return UnorderedUnreliable
	}
	return r.cfg.Kind
}

// BufferRecv ingests one packet section. Fragments accumulate until the
// message completes; whole messages and completed reassemblies feed the
// delivery policy. Duplicates and stale arrivals are dropped but still
// acknowledged so the remote sender stops retransmitting them.
func (r *Receiver) BufferRecv(section wire.Section) error {
	if r == nil {
		return nil
	}
	if section.Fragment {
		frag, err := wire.DecodeFragment(section.Payload)
		if err != nil {
			r.metrics.Add(metricRecvBadSection, 1)
			return err
		}
		id := MessageID(frag.MessageID)
		payload, complete := r.assemble(id, frag)
		if !complete {
			return nil
		}
		r.admit(id, payload)
		return nil
	}
	if len(section.Payload) < 2 {
		r.metrics.Add(metricRecvBadSection, 1)
		return wire.ErrShortBuffer
	}
	id := MessageID(binary.BigEndian.Uint16(section.Payload[:2]))
	payload := section.Payload[2:]
	r.admit(id, payload)
	return nil
}

func (r *Receiver) assemble(id MessageID, frag wire.Fragment) ([]byte, bool) {
	a, ok := r.assemblies[id]
	if !ok {
		// A duplicate fragment of an already-delivered message restarts an
		// assembly; admit drops the completed copy and re-acks it.
		a = &assembly{chunks: make([][]byte, frag.Count), total: int(frag.Count)}
		r.assemblies[id] = a
		r.evictStaleAssemblies(id)
	}
	if a.total != int(frag.Count) || int(frag.Index) >= a.total {
		r.metrics.Add(metricRecvBadSection, 1)
		return nil, false
	}
	if a.chunks[frag.Index] == nil {
		a.chunks[frag.Index] = frag.Chunk
		a.received++
	}
	if a.received < a.total {
		return nil, false
	}
	delete(r.assemblies, id)
	size := 0
	for _, chunk := range a.chunks {
		size += len(chunk)
	}
	payload := make([]byte, 0, size)
	for _, chunk := range a.chunks {
		payload = append(payload, chunk...)
	}
	return payload, true
}

// evictStaleAssemblies drops partial assemblies too far behind the newest
// message id so lost fragments cannot leak memory forever.
func (r *Receiver) evictStaleAssemblies(newest MessageID) {
	for id := range r.assemblies {
		if wire.SeqDiff(uint16(newest), uint16(id)) > r.cfg.ReceiveWindow {
			delete(r.assemblies, id)
		}
	}
}

// admit runs the kind-specific delivery policy on one complete message.
func (r *Receiver) admit(id MessageID, payload []byte) {
	r.updateAck(id)
	switch r.cfg.Kind {
	case UnorderedUnreliable:
		r.admitUnorderedUnreliable(id, payload)
	case SequencedUnreliable, SequencedReliable:
		r.admitSequenced(id, payload)
	case UnorderedReliable:
		r.admitUnorderedReliable(id, payload)
	case OrderedReliable:
		r.admitOrderedReliable(id, payload)
	}
}

func (r *Receiver) admitUnorderedUnreliable(id MessageID, payload []byte) {
	if r.hasReceived && wire.SeqDiff(uint16(r.newestReceived), uint16(id)) > r.cfg.ReceiveWindow {
		r.metrics.Add(metricRecvStaleDrop, 1)
		return
	}
	if _, dup := r.seen[id]; dup {
		r.metrics.Add(metricRecvDuplicate, 1)
		return
	}
	r.seen[id] = struct{}{}
	if !r.hasReceived || wire.SeqNewer(uint16(id), uint16(r.newestReceived)) {
		r.newestReceived = id
		r.hasReceived = true
		for old := range r.seen {
			if wire.SeqDiff(uint16(id), uint16(old)) > r.cfg.ReceiveWindow {
				delete(r.seen, old)
			}
		}
	}
	r.ready = append(r.ready, inMessage{id: id, payload: payload})
}

func (r *Receiver) admitSequenced(id MessageID, payload []byte) {
	if r.hasDelivered && !wire.SeqNewer(uint16(id), uint16(r.lastDelivered)) {
		r.metrics.Add(metricRecvStaleDrop, 1)
		return
	}
	if r.pendingSeq != nil {
		if !wire.SeqNewer(uint16(id), uint16(r.pendingSeq.id)) {
			r.metrics.Add(metricRecvStaleDrop, 1)
			return
		}
		r.metrics.Add(metricRecvStaleDrop, 1)
	}
	r.pendingSeq = &inMessage{id: id, payload: payload}
}

func (r *Receiver) admitUnorderedReliable(id MessageID, payload []byte) {
	if r.hasWatermark && wire.SeqDiff(uint16(id), uint16(r.watermark)) <= 0 {
		r.metrics.Add(metricRecvDuplicate, 1)
		return
	}
	if _, dup := r.received[id]; dup {
		r.metrics.Add(metricRecvDuplicate, 1)
		return
	}
	r.received[id] = struct{}{}
	r.ready = append(r.ready, inMessage{id: id, payload: payload})
	r.advanceWatermark()
}

// advanceWatermark slides the delivered watermark over contiguous ids so the
// received set stays small under in-order delivery.
func (r *Receiver) advanceWatermark() {
	if !r.hasWatermark {
		if _, ok := r.received[0]; !ok {
			return
		}
		r.watermark = 0
		r.hasWatermark = true
		delete(r.received, 0)
	}
	for {
		next := r.watermark + 1
		if _, ok := r.received[next]; !ok {
			return
		}
		delete(r.received, next)
		r.watermark = next
	}
}

func (r *Receiver) admitOrderedReliable(id MessageID, payload []byte) {
	if wire.SeqDiff(uint16(id), uint16(r.nextRead)) < 0 {
		r.metrics.Add(metricRecvDuplicate, 1)
		return
	}
	if _, dup := r.held[id]; dup {
		r.metrics.Add(metricRecvDuplicate, 1)
		return
	}
	r.held[id] = payload
}

// updateAck folds a fully received message id into the ack bitmask. Duplicate
// arrivals update it too: the original ack may have been lost.
func (r *Receiver) updateAck(id MessageID) {
	if !r.ackValid {
		r.ackAck = wire.Ack{Latest: uint16(id)}
		r.ackValid = true
		return
	}
	d := wire.SeqDiff(uint16(id), r.ackAck.Latest)
	switch {
	case d > 0:
		if d >= 32 {
			r.ackAck.Bits = 0
		} else {
			r.ackAck.Bits = (r.ackAck.Bits << uint(d)) | (1 << uint(d-1))
		}
		r.ackAck.Latest = uint16(id)
	case d < 0 && d >= -32:
		r.ackAck.Bits |= 1 << uint(-d-1)
	case d < -32:
		// The window cannot express an id this far behind; without a rebase
		// its sender would retransmit it forever. Newer ids regain coverage
		// through their own retransmissions and duplicates.
		r.ackAck = wire.Ack{Latest: uint16(id)}
	}
}

// Ack returns the acknowledgement to piggyback on the next outgoing packet.
func (r *Receiver) Ack(channelID uint8) (wire.Ack, bool) {
	if r == nil || !r.ackValid {
		return wire.Ack{}, false
	}
	ack := r.ackAck
	ack.Channel = channelID
	return ack, true
}

// ReadMessage pops the next deliverable message under the channel's policy,
// or returns false when nothing is deliverable yet.
func (r *Receiver) ReadMessage() ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	switch r.cfg.Kind {
	case SequencedUnreliable, SequencedReliable:
		if r.pendingSeq == nil {
			return nil, false
		}
		msg := *r.pendingSeq
		r.pendingSeq = nil
		r.lastDelivered = msg.id
		r.hasDelivered = true
		r.metrics.Add(metricRecvDelivered, 1)
		return msg.payload, true
	case OrderedReliable:
		payload, ok := r.held[r.nextRead]
		if !ok {
			return nil, false
		}
		delete(r.held, r.nextRead)
		r.nextRead++
		r.metrics.Add(metricRecvDelivered, 1)
		return payload, true
	default:
		if len(r.ready) == 0 {
			return nil, false
		}
		msg := r.ready[0]
		r.ready = r.ready[1:]
		r.metrics.Add(metricRecvDelivered, 1)
		return msg.payload, true
	}
}

// DrainMessages reads every currently deliverable message.
func (r *Receiver) DrainMessages() [][]byte {
	var out [][]byte
	for {
		payload, ok := r.ReadMessage()
		if !ok {
			return out
		}
		out = append(out, payload)
	}
}
