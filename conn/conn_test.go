package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"
	"time"

	"tickwire/channel"
	"tickwire/prediction"
	"tickwire/registry"
	"tickwire/replication"
	"tickwire/tick"
	"tickwire/transport"
	"tickwire/world"
)

type position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const (
	structuralChannel = 0
	valueChannel      = 1
	inputChannel      = 2

	tickMicros = 20_000 // 50 Hz
)

func buildTable(t *testing.T) (*registry.Table, registry.ID) {
	t.Helper()
	b := registry.NewBuilder()
	posID := b.Register(registry.Component{
		Name:      "position",
		Prototype: position{},
		Channel:   valueChannel,
		Lerp: func(a, b any, t float64) any {
			pa, pb := a.(position), b.(position)
			return position{X: pa.X + (pb.X-pa.X)*t, Y: pa.Y + (pb.Y-pa.Y)*t}
		},
	})
	return b.Finish(), posID
}

func testConfig() Config {
	return Config{
		Channels: []channel.Config{
			channel.DefaultConfig(channel.OrderedReliable),
			channel.DefaultConfig(channel.UnorderedReliable),
			channel.DefaultConfig(channel.OrderedReliable),
		},
		StructuralChannel:   structuralChannel,
		ReplicationChannels: []uint8{structuralChannel, valueChannel},
		Sync: tick.SyncConfig{
			TickDuration: tickMicros * time.Microsecond,
			PingInterval: 100 * time.Millisecond,
		},
	}
}

type harness struct {
	server    *world.World
	client    *world.World
	peer      *Peer
	clientEnd *Client
	posID     registry.ID

	current tick.Tick
	now     int64
}

func newHarness(t *testing.T, cond transport.Conditions) *harness {
	t.Helper()
	table, posID := buildTable(t)
	server := world.New(table)
	client := world.New(table)
	linkA, linkB := transport.NewMemoryPair(cond, nil)

	cfg := testConfig()
	peer := NewPeer(linkA, cfg, server, replication.SenderConfig{}, nil, nil, nil)
	clientEnd := NewClient(linkB, cfg, client, replication.ReceiverConfig{}, prediction.Config{}, nil, nil)
	t.Cleanup(func() {
		peer.Close()
		clientEnd.Close()
	})
	return &harness{
		server:    server,
		client:    client,
		peer:      peer,
		clientEnd: clientEnd,
		posID:     posID,
	}
}

// round runs one full tick on both ends and returns the application
// messages that reached the authority.
func (h *harness) round(t *testing.T) []Inbound {
	t.Helper()
	ctx := context.Background()
	h.current = h.current.Add(1)
	h.now += tickMicros

	app, err := h.peer.Step(ctx, h.current, h.now)
	if err != nil {
		t.Fatalf("peer step failed at tick %d: %v", h.current, err)
	}
	h.clientEnd.Receive(ctx, h.now)
	h.clientEnd.UpdateSyncedTick(ctx, h.now)
	if err := h.clientEnd.Send(ctx, h.now); err != nil {
		t.Fatalf("client send failed at tick %d: %v", h.current, err)
	}
	return app
}

func TestEndToEndReplication(t *testing.T) {
	h := newHarness(t, transport.Conditions{})

	e := h.server.Spawn()
	h.server.Set(e, h.posID, position{X: 1, Y: 1})
	h.round(t)
	h.round(t)

	locals := h.client.Entities()
	if len(locals) != 1 {
		t.Fatalf("client holds %d entities, expected 1", len(locals))
	}
	local := locals[0]
	if got, _ := h.client.Get(local, h.posID); got.(position) != (position{X: 1, Y: 1}) {
		t.Fatalf("initial state = %+v", got)
	}

	// Continuous movement tracks within a round trip.
	for i := 0; i < 10; i++ {
		h.server.Set(e, h.posID, position{X: float64(2 + i), Y: 1})
		h.round(t)
	}
	h.round(t)
	if got, _ := h.client.Get(local, h.posID); got.(position).X != 11 {
		t.Fatalf("client position = %+v, expected X=11", got)
	}

	// Despawn propagates.
	h.server.Despawn(e)
	h.round(t)
	h.round(t)
	if len(h.client.Entities()) != 0 {
		t.Fatalf("despawn did not reach the client")
	}
}

func TestEndToEndInputDelivery(t *testing.T) {
	h := newHarness(t, transport.Conditions{})

	var received []string
	for i := 0; i < 5; i++ {
		if !h.clientEnd.BufferSend(inputChannel, []byte(fmt.Sprintf("input-%d", i))) {
			t.Fatalf("input %d rejected", i)
		}
		for _, msg := range h.round(t) {
			received = append(received, string(msg.Payload))
		}
	}
	for i := 0; i < 3; i++ {
		for _, msg := range h.round(t) {
			received = append(received, string(msg.Payload))
		}
	}
	if len(received) != 5 {
		t.Fatalf("authority received %d inputs, expected 5", len(received))
	}
	for i, payload := range received {
		if payload != fmt.Sprintf("input-%d", i) {
			t.Fatalf("input %d arrived as %q", i, payload)
		}
	}
}

func TestEndToEndConvergesUnderLoss(t *testing.T) {
	h := newHarness(t, transport.Conditions{LossRate: 0.3, DuplicateRate: 0.05, Seed: 7})

	e := h.server.Spawn()
	h.server.Set(e, h.posID, position{X: 0})

	// Fifty ticks of movement through a lossy link, then silence long
	// enough for every retransmission to land.
	for i := 1; i <= 50; i++ {
		h.server.Set(e, h.posID, position{X: float64(i)})
		h.round(t)
	}
	for i := 0; i < 150; i++ {
		h.round(t)
	}

	locals := h.client.Entities()
	if len(locals) != 1 {
		t.Fatalf("client holds %d entities, expected 1", len(locals))
	}
	got, ok := h.client.Get(locals[0], h.posID)
	if !ok {
		t.Fatalf("position never arrived")
	}
	if got.(position).X != 50 {
		t.Fatalf("client converged to X=%v, expected 50", got.(position).X)
	}
}

func TestEndToEndInputsSurviveLoss(t *testing.T) {
	h := newHarness(t, transport.Conditions{LossRate: 0.25, Seed: 99})

	const total = 20
	var received []string
	for i := 0; i < total; i++ {
		h.clientEnd.BufferSend(inputChannel, []byte(fmt.Sprintf("cmd-%d", i)))
		for _, msg := range h.round(t) {
			received = append(received, string(msg.Payload))
		}
	}
	for i := 0; i < 200 && len(received) < total; i++ {
		for _, msg := range h.round(t) {
			received = append(received, string(msg.Payload))
		}
	}
	if len(received) != total {
		t.Fatalf("authority received %d inputs, expected %d", len(received), total)
	}
	for i, payload := range received {
		if payload != fmt.Sprintf("cmd-%d", i) {
			t.Fatalf("input %d arrived as %q, order broken", i, payload)
		}
	}
}

func TestDeltaUpdatesOverUnreliableValueChannel(t *testing.T) {
	var diffs, applies int
	b := registry.NewBuilder()
	posID := b.Register(registry.Component{
		Name:      "position",
		Prototype: position{},
		Channel:   valueChannel,
		Diff: func(base, next any) ([]byte, bool, error) {
			diffs++
			pb, pn := base.(position), next.(position)
			delta := make([]byte, 16)
			binary.BigEndian.PutUint64(delta[:8], math.Float64bits(pn.X-pb.X))
			binary.BigEndian.PutUint64(delta[8:], math.Float64bits(pn.Y-pb.Y))
			return delta, true, nil
		},
		Apply: func(base any, delta []byte) (any, error) {
			applies++
			if len(delta) != 16 {
				return nil, fmt.Errorf("delta is %d bytes", len(delta))
			}
			pb := base.(position)
			return position{
				X: pb.X + math.Float64frombits(binary.BigEndian.Uint64(delta[:8])),
				Y: pb.Y + math.Float64frombits(binary.BigEndian.Uint64(delta[8:])),
			}, nil
		},
	})
	table := b.Finish()

	server := world.New(table)
	client := world.New(table)
	linkA, linkB := transport.NewMemoryPair(transport.Conditions{}, nil)

	cfg := testConfig()
	cfg.Channels[valueChannel] = channel.DefaultConfig(channel.SequencedUnreliable)
	peer := NewPeer(linkA, cfg, server, replication.SenderConfig{}, nil, nil, nil)
	clientEnd := NewClient(linkB, cfg, client, replication.ReceiverConfig{}, prediction.Config{}, nil, nil)
	t.Cleanup(func() {
		peer.Close()
		clientEnd.Close()
	})
	h := &harness{server: server, client: client, peer: peer, clientEnd: clientEnd, posID: posID}

	e := server.Spawn()
	server.Set(e, posID, position{})
	h.round(t)
	h.round(t)

	const moves = 12
	for i := 1; i <= moves; i++ {
		server.Set(e, posID, position{X: float64(i), Y: float64(2 * i)})
		h.round(t)
	}
	h.round(t)

	locals := client.Entities()
	if len(locals) != 1 {
		t.Fatalf("client holds %d entities, expected 1", len(locals))
	}
	got, ok := client.Get(locals[0], posID)
	if !ok {
		t.Fatalf("position never arrived")
	}
	if got.(position) != (position{X: moves, Y: 2 * moves}) {
		t.Fatalf("client position = %+v", got)
	}

	// The value channel never retransmits, yet its acks must still promote
	// delta bases: updates past the first round trip ride the delta path.
	if diffs == 0 {
		t.Fatalf("no update was delta encoded")
	}
	if applies == 0 {
		t.Fatalf("no delta was applied on the client")
	}
}

func TestEndToEndTickSync(t *testing.T) {
	h := newHarness(t, transport.Conditions{})

	e := h.server.Spawn()
	h.server.Set(e, h.posID, position{})
	for i := 0; i < 100; i++ {
		h.round(t)
	}

	sync := h.clientEnd.Conn().Synchronizer()
	if sync.State() != tick.StateSynced {
		t.Fatalf("synchronizer state = %v after 100 ticks", sync.State())
	}
	synced, ok := sync.SyncedTick()
	if !ok {
		t.Fatalf("no synced tick after 100 round trips")
	}
	if d := tick.Diff(h.current, synced); d < -3 || d > 3 {
		t.Fatalf("synced tick %d is %d ticks from authority tick %d", synced, d, h.current)
	}
	if rtt := sync.RTT(); rtt <= 0 || rtt > 100*time.Millisecond {
		t.Fatalf("implausible rtt %v", rtt)
	}
}

func TestClientPredictionOverConnection(t *testing.T) {
	h := newHarness(t, transport.Conditions{})

	e := h.server.Spawn()
	h.server.Set(e, h.posID, position{X: 0})
	h.round(t)
	h.round(t)
	local := h.client.Entities()[0]
	h.clientEnd.MarkPredicted(local, true)

	// The client predicts movement the authority does not apply; the
	// confirmed stream must win through a rollback.
	step := func(w *world.World, _ tick.Tick) {
		if value, ok := w.Get(local, h.posID); ok {
			p := value.(position)
			p.X++
			w.Set(local, h.posID, p)
		}
	}
	predTick := h.current
	for i := 0; i < 4; i++ {
		predTick = predTick.Add(1)
		step(h.client, predTick)
		h.clientEnd.Prediction().RecordPredicted(predTick)
	}

	// Authority reports a different position for one of those ticks.
	h.server.Set(e, h.posID, position{X: 100})
	h.round(t)

	if !h.clientEnd.Reconcile(context.Background(), predTick, step) {
		t.Fatalf("confirmed mismatch did not trigger a rollback")
	}
	got, _ := h.client.Get(local, h.posID)
	if got.(position).X <= 100 {
		t.Fatalf("replayed position %+v must extend past the confirmed base", got)
	}
}

func TestCloseStopsTraffic(t *testing.T) {
	h := newHarness(t, transport.Conditions{})
	h.round(t)
	h.clientEnd.Close()
	if h.clientEnd.BufferSend(inputChannel, []byte("late")) {
		t.Fatalf("buffer accepted after close")
	}
	if err := h.clientEnd.Send(context.Background(), h.now); err == nil {
		t.Fatalf("send succeeded after close")
	}
}
