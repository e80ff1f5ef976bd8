package channel

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"tickwire/wire"
)

const testBudget = 64 * 1024

// pump moves every staged section from sender to receiver, dropping sections
// whose index satisfies drop.
func pump(t *testing.T, s *Sender, r *Receiver, now int64, drop func(i int) bool) {
	t.Helper()
	sections := s.SendPacket(testBudget, now)
	for i, section := range sections {
		if drop != nil && drop(i) {
			continue
		}
		if err := r.BufferRecv(section); err != nil {
			t.Fatalf("BufferRecv failed: %v", err)
		}
	}
}

func relayAck(t *testing.T, r *Receiver, s *Sender) []MessageID {
	t.Helper()
	ack, ok := r.Ack(0)
	if !ok {
		return nil
	}
	return s.ReceiveAck(ack)
}

func TestOrderedReliableDeliversInOrderUnderLoss(t *testing.T) {
	cfg := DefaultConfig(OrderedReliable)
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	const total = 10
	for i := 0; i < total; i++ {
		if _, ok := sender.BufferSend([]byte(fmt.Sprintf("msg-%d", i))); !ok {
			t.Fatalf("BufferSend refused message %d", i)
		}
	}

	now := int64(0)
	rtt := 20 * time.Millisecond

	// First transmission: drop every third section.
	sender.CollectMessagesToSend(now, rtt)
	pump(t, sender, receiver, now, func(i int) bool { return i%3 == 0 })
	relayAck(t, receiver, sender)

	if sender.PendingCount() == 0 {
		t.Fatalf("expected un-acked messages after lossy transfer")
	}

	// Nothing behind a gap may be read yet beyond the contiguous prefix.
	delivered := receiver.DrainMessages()

	// Retransmission rounds with a clean link until everything lands.
	for round := 0; round < 5 && sender.PendingCount() > 0; round++ {
		now += cfg.RetransmitInterval(rtt).Microseconds() + 1
		sender.CollectMessagesToSend(now, rtt)
		pump(t, sender, receiver, now, nil)
		relayAck(t, receiver, sender)
		delivered = append(delivered, receiver.DrainMessages()...)
	}

	if sender.PendingCount() != 0 {
		t.Fatalf("%d messages still pending after retransmission rounds", sender.PendingCount())
	}
	if len(delivered) != total {
		t.Fatalf("delivered %d messages, expected %d", len(delivered), total)
	}
	for i, payload := range delivered {
		want := fmt.Sprintf("msg-%d", i)
		if string(payload) != want {
			t.Fatalf("message %d delivered as %q, expected %q", i, payload, want)
		}
	}
}

func TestOrderedReliableDuplicatesDeliveredOnce(t *testing.T) {
	cfg := DefaultConfig(OrderedReliable)
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	sender.BufferSend([]byte("only"))
	sender.CollectMessagesToSend(0, 0)
	sections := sender.SendPacket(testBudget, 0)
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}
	for i := 0; i < 3; i++ {
		if err := receiver.BufferRecv(sections[0]); err != nil {
			t.Fatalf("duplicate receive failed: %v", err)
		}
	}
	if got := receiver.DrainMessages(); len(got) != 1 || string(got[0]) != "only" {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
}

func TestSequencedUnreliableDiscardsStale(t *testing.T) {
	cfg := DefaultConfig(SequencedUnreliable)
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	sender.BufferSend([]byte("first"))
	sender.BufferSend([]byte("second"))
	sender.BufferSend([]byte("third"))
	sections := sender.SendPacket(testBudget, 0)
	if len(sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(sections))
	}

	// Deliver the third first; the earlier two arrive late and must drop.
	receiver.BufferRecv(sections[2])
	receiver.BufferRecv(sections[0])
	receiver.BufferRecv(sections[1])

	got := receiver.DrainMessages()
	if len(got) != 1 || string(got[0]) != "third" {
		t.Fatalf("expected only the newest message, got %d messages", len(got))
	}

	// A genuinely newer message still gets through afterwards.
	sender.BufferSend([]byte("fourth"))
	pump(t, sender, receiver, 0, nil)
	got = receiver.DrainMessages()
	if len(got) != 1 || string(got[0]) != "fourth" {
		t.Fatalf("newer message after delivery was not accepted")
	}
}

func TestSequencedPendingReplacedByNewer(t *testing.T) {
	cfg := DefaultConfig(SequencedUnreliable)
	receiver := NewReceiver(cfg, nil)
	sender := NewSender(0, cfg, nil)

	sender.BufferSend([]byte("a"))
	sender.BufferSend([]byte("b"))
	sections := sender.SendPacket(testBudget, 0)

	// Both arrive before any read; only the newer survives.
	receiver.BufferRecv(sections[0])
	receiver.BufferRecv(sections[1])
	got := receiver.DrainMessages()
	if len(got) != 1 || string(got[0]) != "b" {
		t.Fatalf("expected the pending slot to hold only the newest message")
	}
}

func TestFragmentedMessageRoundTrip(t *testing.T) {
	cfg := DefaultConfig(OrderedReliable)
	cfg.FragmentThreshold = 64
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 100) // 200 bytes, 4 fragments
	sender.BufferSend(payload)
	sender.CollectMessagesToSend(0, 0)
	sections := sender.SendPacket(testBudget, 0)
	if len(sections) != 4 {
		t.Fatalf("expected 4 fragment sections, got %d", len(sections))
	}
	for _, section := range sections {
		if !section.Fragment {
			t.Fatalf("fragmented message produced a non-fragment section")
		}
	}

	// Deliver the fragments out of order.
	order := []int{2, 0, 3, 1}
	for _, i := range order {
		if err := receiver.BufferRecv(sections[i]); err != nil {
			t.Fatalf("fragment receive failed: %v", err)
		}
	}
	got, ok := receiver.ReadMessage()
	if !ok {
		t.Fatalf("reassembled message not deliverable")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload differs from original")
	}

	// Reassembly must ack so retransmission stops.
	if delivered := relayAck(t, receiver, sender); len(delivered) != 1 {
		t.Fatalf("expected 1 acked message, got %d", len(delivered))
	}
	if sender.PendingCount() != 0 {
		t.Fatalf("fragmented message still pending after ack")
	}
}

func TestPartialFragmentsNotAcked(t *testing.T) {
	cfg := DefaultConfig(UnorderedReliable)
	cfg.FragmentThreshold = 64
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	sender.BufferSend(bytes.Repeat([]byte{1}, 200))
	sender.CollectMessagesToSend(0, 0)
	sections := sender.SendPacket(testBudget, 0)

	// All but the last fragment arrive.
	for _, section := range sections[:len(sections)-1] {
		receiver.BufferRecv(section)
	}
	if _, ok := receiver.Ack(0); ok {
		t.Fatalf("partial reassembly must not produce an ack")
	}
	if _, ok := receiver.ReadMessage(); ok {
		t.Fatalf("partial reassembly must not deliver")
	}
}

func TestReliableRetransmitsUntilAcked(t *testing.T) {
	cfg := DefaultConfig(UnorderedReliable)
	sender := NewSender(0, cfg, nil)

	sender.BufferSend([]byte("persist"))
	rtt := 30 * time.Millisecond
	interval := cfg.RetransmitInterval(rtt).Microseconds()

	now := int64(0)
	sender.CollectMessagesToSend(now, rtt)
	if got := sender.SendPacket(testBudget, now); len(got) != 1 {
		t.Fatalf("expected initial transmission")
	}

	// Before the interval elapses nothing is staged again.
	now += interval / 2
	sender.CollectMessagesToSend(now, rtt)
	if got := sender.SendPacket(testBudget, now); len(got) != 0 {
		t.Fatalf("retransmitted before the interval elapsed")
	}

	// After the interval the message goes out again.
	now += interval
	sender.CollectMessagesToSend(now, rtt)
	if got := sender.SendPacket(testBudget, now); len(got) != 1 {
		t.Fatalf("expected retransmission after the interval")
	}

	sender.ReceiveAck(wire.Ack{Latest: 0})
	if sender.PendingCount() != 0 {
		t.Fatalf("ack did not clear the pending message")
	}
	now += 2 * interval
	sender.CollectMessagesToSend(now, rtt)
	if got := sender.SendPacket(testBudget, now); len(got) != 0 {
		t.Fatalf("acked message was retransmitted")
	}
}

func TestSequencedReliableAbandonsSuperseded(t *testing.T) {
	cfg := DefaultConfig(SequencedReliable)
	sender := NewSender(0, cfg, nil)

	for i := 0; i < 4; i++ {
		sender.BufferSend([]byte{byte(i)})
	}
	// Only the newest message is acknowledged; the older three would be
	// discarded by the receiver anyway and must stop retransmitting.
	sender.ReceiveAck(wire.Ack{Latest: 3})
	if sender.PendingCount() != 0 {
		t.Fatalf("%d superseded messages still pending", sender.PendingCount())
	}
}

func TestUnorderedUnreliableWindowDiscard(t *testing.T) {
	cfg := DefaultConfig(UnorderedUnreliable)
	cfg.ReceiveWindow = 4
	receiver := NewReceiver(cfg, nil)

	section := func(id MessageID, body string) wire.Section {
		payload := []byte{byte(id >> 8), byte(id)}
		return wire.Section{Payload: append(payload, body...)}
	}

	receiver.BufferRecv(section(100, "newest"))
	receiver.BufferRecv(section(95, "too-old"))
	receiver.BufferRecv(section(98, "in-window"))
	receiver.BufferRecv(section(98, "dup"))

	got := receiver.DrainMessages()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if string(got[0]) != "newest" || string(got[1]) != "in-window" {
		t.Fatalf("unexpected delivery contents %q, %q", got[0], got[1])
	}
}

func TestAckBitmaskTracksReceipts(t *testing.T) {
	cfg := DefaultConfig(UnorderedReliable)
	receiver := NewReceiver(cfg, nil)
	sender := NewSender(7, cfg, nil)

	for i := 0; i < 5; i++ {
		sender.BufferSend([]byte{byte(i)})
	}
	sender.CollectMessagesToSend(0, 0)
	sections := sender.SendPacket(testBudget, 0)

	// Receive ids 0, 1, 3, 4; id 2 is lost.
	for i, section := range sections {
		if i == 2 {
			continue
		}
		receiver.BufferRecv(section)
	}
	ack, ok := receiver.Ack(7)
	if !ok {
		t.Fatalf("expected an ack after receipts")
	}
	if ack.Channel != 7 {
		t.Fatalf("ack carries channel %d, expected 7", ack.Channel)
	}
	if ack.Latest != 4 {
		t.Fatalf("ack latest = %d, expected 4", ack.Latest)
	}
	for _, id := range []uint16{0, 1, 3, 4} {
		if !ack.Acked(id) {
			t.Fatalf("id %d must be acknowledged", id)
		}
	}
	if ack.Acked(2) {
		t.Fatalf("lost id 2 must not be acknowledged")
	}

	delivered := sender.ReceiveAck(ack)
	if len(delivered) != 4 {
		t.Fatalf("expected 4 acked messages, got %d", len(delivered))
	}
	if sender.PendingCount() != 1 {
		t.Fatalf("expected only the lost message pending, got %d", sender.PendingCount())
	}
}

func TestPacketBudgetSplitsAcrossSends(t *testing.T) {
	cfg := DefaultConfig(UnorderedUnreliable)
	sender := NewSender(0, cfg, nil)

	for i := 0; i < 8; i++ {
		sender.BufferSend(bytes.Repeat([]byte{byte(i)}, 100))
	}
	first := sender.SendPacket(300, 0)
	if len(first) == 0 || len(first) >= 8 {
		t.Fatalf("budgeted send returned %d sections", len(first))
	}
	if !sender.HasQueued() {
		t.Fatalf("expected sections left over after a tight budget")
	}
	total := len(first)
	for sender.HasQueued() {
		total += len(sender.SendPacket(300, 0))
	}
	if total != 8 {
		t.Fatalf("sections lost across budgeted sends: %d of 8", total)
	}
}

func TestSendPacketAlwaysMakesProgress(t *testing.T) {
	cfg := DefaultConfig(UnorderedUnreliable)
	sender := NewSender(0, cfg, nil)
	sender.BufferSend(bytes.Repeat([]byte{1}, 512))

	// Budget smaller than the single staged section: it must still go out.
	sections := sender.SendPacket(16, 0)
	if len(sections) != 1 {
		t.Fatalf("oversized section stalled the queue")
	}
}

func TestBufferSendRejectsUnsplittablePayload(t *testing.T) {
	cfg := DefaultConfig(OrderedReliable)
	cfg.FragmentThreshold = 4
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	// 1200 bytes at threshold 4 would need 300 fragments; the 8-bit count
	// cannot express that, and a wrapped count would complete a truncated
	// reassembly on the far side.
	if _, ok := sender.BufferSend(bytes.Repeat([]byte{0xEE}, 1200)); ok {
		t.Fatalf("unsplittable payload was accepted")
	}
	if sender.PendingCount() != 0 {
		t.Fatalf("rejected payload left a pending entry")
	}

	// A payload exactly at the fragment-count limit still round-trips whole.
	payload := bytes.Repeat([]byte{0xAB}, sender.MaxMessageSize())
	if _, ok := sender.BufferSend(payload); !ok {
		t.Fatalf("payload at the size limit was refused")
	}
	sender.CollectMessagesToSend(0, 0)
	pump(t, sender, receiver, 0, nil)
	got, ok := receiver.ReadMessage()
	if !ok {
		t.Fatalf("limit-sized payload not delivered")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("delivered %d bytes, sent %d", len(got), len(payload))
	}
}

func TestUnreliableAckReportsDelivered(t *testing.T) {
	cfg := DefaultConfig(SequencedUnreliable)
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	id, ok := sender.BufferSend([]byte("state"))
	if !ok {
		t.Fatalf("BufferSend refused the message")
	}
	pump(t, sender, receiver, 0, nil)
	if got := receiver.DrainMessages(); len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}

	// Nothing is retransmitted on an unreliable channel, but the ack still
	// reports the delivered id so callers can promote delta bases.
	delivered := relayAck(t, receiver, sender)
	if len(delivered) != 1 || delivered[0] != id {
		t.Fatalf("ack reported %v, expected [%d]", delivered, id)
	}
	if again := relayAck(t, receiver, sender); len(again) != 0 {
		t.Fatalf("relaying the same ack re-reported %v", again)
	}
}

func TestAckRecoversMessageBeyondBitmaskWindow(t *testing.T) {
	cfg := DefaultConfig(OrderedReliable)
	sender := NewSender(0, cfg, nil)
	receiver := NewReceiver(cfg, nil)

	const total = 41
	for i := 0; i < total; i++ {
		sender.BufferSend([]byte(fmt.Sprintf("msg-%d", i)))
	}
	rtt := 20 * time.Millisecond
	now := int64(0)

	// The first transmission loses message 0. By the time the loss matters
	// the ack window has moved 40 ids past it, beyond the 32-bit bitmask.
	sender.CollectMessagesToSend(now, rtt)
	pump(t, sender, receiver, now, func(i int) bool { return i == 0 })
	relayAck(t, receiver, sender)
	if sender.PendingCount() == 0 {
		t.Fatalf("expected un-acked messages after the lossy transfer")
	}

	var delivered [][]byte
	for round := 0; round < 6 && sender.PendingCount() > 0; round++ {
		now += cfg.RetransmitInterval(rtt).Microseconds() + 1
		sender.CollectMessagesToSend(now, rtt)
		pump(t, sender, receiver, now, nil)
		relayAck(t, receiver, sender)
		delivered = append(delivered, receiver.DrainMessages()...)
	}
	if sender.PendingCount() != 0 {
		t.Fatalf("%d messages stuck retransmitting forever", sender.PendingCount())
	}
	if len(delivered) != total {
		t.Fatalf("delivered %d messages, expected %d", len(delivered), total)
	}
	for i, payload := range delivered {
		if string(payload) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("message %d delivered as %q", i, payload)
		}
	}
}
