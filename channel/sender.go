package channel

import (
	"encoding/binary"
	"sort"
	"time"

	"tickwire/internal/telemetry"
	"tickwire/wire"
)

const (
	metricSendBuffered       = "channel_send_buffered_total"
	metricSendRetransmit     = "channel_send_retransmit_total"
	metricSendAcked          = "channel_send_acked_total"
	metricSendPendingGauge   = "channel_send_pending"
	metricSendSupersededDrop = "channel_send_superseded_total"
	metricSendOversized      = "channel_send_oversized_total"
)

// ackWindowSpan is how many ids behind its Latest one acknowledgement can
// cover: the latest id plus the 32-bit preceding bitmask.
const ackWindowSpan = 33

// sectionOverhead approximates the per-section framing cost when filling a
// packet budget.
const sectionOverhead = 4

// outUnit is one packet section ready to transmit: either a whole message
// (id-prefixed payload) or one encoded fragment.
type outUnit struct {
	id       MessageID
	fragment bool
	last     bool
	payload  []byte
}

type pendingMessage struct {
	units    []outUnit
	sent     bool
	queued   bool
	lastSent int64
}

// Sender owns the outbound side of one channel: id assignment,
// fragmentation, the per-packet send queue, and (for reliable kinds) the
// un-acked retransmit set. ReceiveAck is the only mutation path for the
// retransmit set. Unreliable kinds keep a lightweight sent-id set instead so
// acknowledgements still report which sends arrived.
type Sender struct {
	channelID uint8
	cfg       Config
	nextID    MessageID
	sendQueue []outUnit
	pending   map[MessageID]*pendingMessage
	sentIDs   map[MessageID]struct{}
	metrics   telemetry.Metrics
}

// NewSender constructs the outbound half of a channel.
func NewSender(channelID uint8, cfg Config, metrics telemetry.Metrics) *Sender {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Sender{
		channelID: channelID,
		cfg:       cfg.withDefaults(),
		pending:   make(map[MessageID]*pendingMessage),
		sentIDs:   make(map[MessageID]struct{}),
		metrics:   metrics,
	}
}

// Kind returns the channel policy this sender applies.
func (s *Sender) Kind() Kind {
	if s == nil {
		return UnorderedUnreliable
	}
	return s.cfg.Kind
}

// MaxMessageSize returns the largest payload BufferSend accepts, bounded by
// the fragment count the wire format can express.
func (s *Sender) MaxMessageSize() int {
	if s == nil {
		return 0
	}
	return s.cfg.FragmentThreshold * wire.MaxFragments
}

// BufferSend queues a message and assigns its id. Returns false for an empty
// payload and for one too large to fragment.
func (s *Sender) BufferSend(payload []byte) (MessageID, bool) {
	if s == nil || len(payload) == 0 {
		return 0, false
	}
	if len(payload) > s.MaxMessageSize() {
		s.metrics.Add(metricSendOversized, 1)
		return 0, false
	}
	id := s.nextID
	s.nextID++
	units := s.encodeUnits(id, payload)
	if s.cfg.Kind.Reliable() {
		s.pending[id] = &pendingMessage{units: units}
		s.metrics.Store(metricSendPendingGauge, uint64(len(s.pending)))
	} else {
		s.sendQueue = append(s.sendQueue, units...)
		s.sentIDs[id] = struct{}{}
		for old := range s.sentIDs {
			if wire.SeqDiff(uint16(s.nextID), uint16(old)) > s.cfg.ReceiveWindow {
				delete(s.sentIDs, old)
			}
		}
	}
	s.metrics.Add(metricSendBuffered, 1)
	return id, true
}

func (s *Sender) encodeUnits(id MessageID, payload []byte) []outUnit {
	if len(payload) > s.cfg.FragmentThreshold {
		fragments := wire.SplitMessage(uint16(id), payload, s.cfg.FragmentThreshold)
		units := make([]outUnit, len(fragments))
		for i, frag := range fragments {
			units[i] = outUnit{
				id:       id,
				fragment: true,
				last:     i == len(fragments)-1,
				payload:  wire.EncodeFragment(frag),
			}
		}
		return units
	}
	framed := make([]byte, 0, 2+len(payload))
	framed = binary.BigEndian.AppendUint16(framed, uint16(id))
	framed = append(framed, payload...)
	return []outUnit{{id: id, last: true, payload: framed}}
}

// CollectMessagesToSend stages reliable messages that are due: never-sent
// messages immediately, un-acked ones once the RTT-scaled retransmission
// interval has elapsed. now is local time in microseconds.
func (s *Sender) CollectMessagesToSend(now int64, rtt time.Duration) {
	if s == nil || !s.cfg.Kind.Reliable() || len(s.pending) == 0 {
		return
	}
	interval := s.cfg.RetransmitInterval(rtt).Microseconds()

	ids := make([]MessageID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return wire.SeqDiff(uint16(ids[i]), uint16(ids[j])) < 0
	})

	for _, id := range ids {
		msg := s.pending[id]
		if msg.queued {
			continue
		}
		if msg.sent && now-msg.lastSent < interval {
			continue
		}
		if msg.sent {
			s.metrics.Add(metricSendRetransmit, 1)
		}
		s.sendQueue = append(s.sendQueue, msg.units...)
		msg.queued = true
	}
}

// SendPacket drains staged sections up to the byte budget. At least one
// section is returned whenever anything is staged so a single large message
// cannot stall the channel. now is local time in microseconds.
func (s *Sender) SendPacket(budget int, now int64) []wire.Section {
	if s == nil || len(s.sendQueue) == 0 {
		return nil
	}
	var sections []wire.Section
	used := 0
	for len(s.sendQueue) > 0 {
		unit := s.sendQueue[0]
		cost := len(unit.payload) + sectionOverhead
		if len(sections) > 0 && used+cost > budget {
			break
		}
		s.sendQueue = s.sendQueue[1:]
		sections = append(sections, wire.Section{
			Channel:  s.channelID,
			Fragment: unit.fragment,
			Payload:  unit.payload,
		})
		used += cost
		if unit.last {
			if msg, ok := s.pending[unit.id]; ok {
				msg.sent = true
				msg.queued = false
				msg.lastSent = now
			}
		}
	}
	return sections
}

// HasQueued reports whether staged sections remain after the last SendPacket.
func (s *Sender) HasQueued() bool {
	return s != nil && len(s.sendQueue) > 0
}

// PendingCount reports the number of reliable messages not yet acknowledged.
func (s *Sender) PendingCount() int {
	if s == nil {
		return 0
	}
	return len(s.pending)
}

// ReceiveAck clears acknowledged messages from the retransmit set and
// returns their ids so callers can run per-message delivery bookkeeping. For
// the sequenced-reliable kind, messages superseded by a newer acknowledged
// id are abandoned as well: the receiver would discard them anyway.
// Unreliable kinds report acknowledged sends too; they are never
// retransmitted, but delivery bookkeeping such as delta base promotion
// depends on knowing what arrived.
func (s *Sender) ReceiveAck(ack wire.Ack) []MessageID {
	if s == nil {
		return nil
	}
	if !s.cfg.Kind.Reliable() {
		return s.ackUnreliable(ack)
	}
	if len(s.pending) == 0 {
		return nil
	}
	var delivered []MessageID
	var newestAcked MessageID
	haveAcked := false
	for id := range s.pending {
		if !ack.Acked(uint16(id)) {
			continue
		}
		delivered = append(delivered, id)
		if !haveAcked || wire.SeqNewer(uint16(id), uint16(newestAcked)) {
			newestAcked = id
			haveAcked = true
		}
	}
	for _, id := range delivered {
		delete(s.pending, id)
		s.metrics.Add(metricSendAcked, 1)
	}
	if haveAcked && s.cfg.Kind == SequencedReliable {
		for id := range s.pending {
			if wire.SeqDiff(uint16(id), uint16(newestAcked)) < 0 {
				delete(s.pending, id)
				s.metrics.Add(metricSendSupersededDrop, 1)
			}
		}
	}
	if len(delivered) > 0 {
		s.metrics.Store(metricSendPendingGauge, uint64(len(s.pending)))
		sort.Slice(delivered, func(i, j int) bool {
			return wire.SeqDiff(uint16(delivered[i]), uint16(delivered[j])) < 0
		})
	}
	return delivered
}

// ackUnreliable reports which tracked unreliable sends the acknowledgement
// covers and drops ids the ack window can no longer express.
func (s *Sender) ackUnreliable(ack wire.Ack) []MessageID {
	if len(s.sentIDs) == 0 {
		return nil
	}
	var delivered []MessageID
	for id := range s.sentIDs {
		if ack.Acked(uint16(id)) {
			delivered = append(delivered, id)
			delete(s.sentIDs, id)
			s.metrics.Add(metricSendAcked, 1)
			continue
		}
		if wire.SeqDiff(ack.Latest, uint16(id)) > ackWindowSpan {
			delete(s.sentIDs, id)
		}
	}
	sort.Slice(delivered, func(i, j int) bool {
		return wire.SeqDiff(uint16(delivered[i]), uint16(delivered[j])) < 0
	})
	return delivered
}
