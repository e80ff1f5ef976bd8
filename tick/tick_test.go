package tick

import (
	"testing"
	"time"

	"tickwire/wire"
)

func TestDiffWrapBoundary(t *testing.T) {
	cases := []struct {
		a, b Tick
		diff int
	}{
		{1, 65535, 2},
		{65535, 1, -2},
		{0, 65535, 1},
		{100, 50, 50},
		{50, 100, -50},
	}
	for _, tc := range cases {
		if got := Diff(tc.a, tc.b); got != tc.diff {
			t.Fatalf("Diff(%d, %d) = %d, expected %d", tc.a, tc.b, got, tc.diff)
		}
	}
	if !Tick(1).After(65535) {
		t.Fatalf("tick 1 must sort after tick 65535")
	}
	if !Tick(65535).Before(1) {
		t.Fatalf("tick 65535 must sort before tick 1")
	}
}

func TestTickAdd(t *testing.T) {
	if got := Tick(65535).Add(3); got != 2 {
		t.Fatalf("expected wrap to 2, got %d", got)
	}
	if got := Tick(1).Add(-3); got != 65534 {
		t.Fatalf("expected wrap to 65534, got %d", got)
	}
}

func TestClockAdvanceAndSnap(t *testing.T) {
	clock := NewClock(ClockConfig{TickRate: 60}, nil)
	if clock.Current() != 0 {
		t.Fatalf("clock must start at tick 0")
	}
	for i := 0; i < 5; i++ {
		clock.Advance()
	}
	if clock.Current() != 5 {
		t.Fatalf("expected tick 5, got %d", clock.Current())
	}
	clock.Snap(100)
	if clock.Current() != 100 {
		t.Fatalf("expected snap to tick 100, got %d", clock.Current())
	}
}

func TestSynchronizerReachesSynced(t *testing.T) {
	cfg := DefaultSyncConfig()
	sync := NewSynchronizer(cfg)
	if sync.State() != StateUninitialized {
		t.Fatalf("expected uninitialized state, got %v", sync.State())
	}

	now := int64(0)
	const offset = 5_000_000 // remote clock is 5s ahead
	const rttHalf = 25_000   // 50ms round trip
	for i := 0; i < cfg.MinSamples; i++ {
		ping, ok := sync.MaybePing(now)
		if !ok {
			t.Fatalf("expected ping %d", i)
		}
		pongRecv := now + 2*rttHalf
		remoteReceived := now + rttHalf + offset
		sync.HandlePong(wire.Pong{PingID: ping.ID, TimeReceived: remoteReceived, TimeSent: remoteReceived}, pongRecv)
		now += cfg.PingInterval.Microseconds()
	}

	synced, ok, snap := sync.Update(now)
	if !ok {
		t.Fatalf("expected a valid synced tick after %d samples", cfg.MinSamples)
	}
	if snap != nil {
		t.Fatalf("first update must not snap")
	}
	if sync.State() != StateSynced {
		t.Fatalf("expected synced state, got %v", sync.State())
	}

	expected := Tick(uint16((now + offset) / cfg.TickDuration.Microseconds()))
	if d := Diff(expected, synced); d > 2 || d < -2 {
		t.Fatalf("synced tick %d too far from expected %d", synced, expected)
	}

	rtt := sync.RTT()
	if rtt < 40*time.Millisecond || rtt > 60*time.Millisecond {
		t.Fatalf("expected rtt near 50ms, got %v", rtt)
	}
}

func TestSynchronizerAdvancesOneTickPerUpdate(t *testing.T) {
	cfg := DefaultSyncConfig()
	sync := NewSynchronizer(cfg)

	now := int64(0)
	const rttHalf = 10_000
	for i := 0; i < cfg.MinSamples; i++ {
		ping, _ := sync.MaybePing(now)
		remoteReceived := now + rttHalf
		sync.HandlePong(wire.Pong{PingID: ping.ID, TimeReceived: remoteReceived, TimeSent: remoteReceived}, now+2*rttHalf)
		now += cfg.PingInterval.Microseconds()
	}
	first, ok, _ := sync.Update(now)
	if !ok {
		t.Fatalf("expected valid synced tick")
	}

	// Jump local time forward by three ticks; the synced value may only gain
	// one tick per update call.
	now += 3 * cfg.TickDuration.Microseconds()
	second, _, snap := sync.Update(now)
	if snap != nil {
		t.Fatalf("3 ticks of drift is within the snap bound, got snap %+v", snap)
	}
	if Diff(second, first) != 1 {
		t.Fatalf("synced tick advanced by %d, expected exactly 1", Diff(second, first))
	}
}

func TestSynchronizerSnapsOnHardDrift(t *testing.T) {
	cfg := DefaultSyncConfig()
	sync := NewSynchronizer(cfg)

	now := int64(0)
	for i := 0; i < cfg.MinSamples; i++ {
		ping, _ := sync.MaybePing(now)
		sync.HandlePong(wire.Pong{PingID: ping.ID, TimeReceived: now, TimeSent: now}, now)
		now += cfg.PingInterval.Microseconds()
	}
	before, ok, _ := sync.Update(now)
	if !ok {
		t.Fatalf("expected valid synced tick")
	}

	now += int64(cfg.SnapBound+5) * cfg.TickDuration.Microseconds()
	after, _, snap := sync.Update(now)
	if snap == nil {
		t.Fatalf("expected a snap event for drift beyond the hard bound")
	}
	if snap.From != before {
		t.Fatalf("snap.From = %d, expected %d", snap.From, before)
	}
	if snap.To != after {
		t.Fatalf("snap.To = %d, expected %d", snap.To, after)
	}
	if d := Diff(after, before); d <= cfg.SnapBound {
		t.Fatalf("snap jumped only %d ticks", d)
	}
}

func TestSynchronizerIgnoresUnknownPong(t *testing.T) {
	sync := NewSynchronizer(DefaultSyncConfig())
	sync.HandlePong(wire.Pong{PingID: 99, TimeReceived: 10, TimeSent: 10}, 20)
	if sync.State() != StateUninitialized {
		t.Fatalf("unsolicited pong must not change state")
	}
}

func TestSynchronizerPingRateLimited(t *testing.T) {
	cfg := DefaultSyncConfig()
	sync := NewSynchronizer(cfg)
	if _, ok := sync.MaybePing(0); !ok {
		t.Fatalf("first ping must fire immediately")
	}
	if _, ok := sync.MaybePing(cfg.PingInterval.Microseconds() / 2); ok {
		t.Fatalf("ping fired before the interval elapsed")
	}
	if _, ok := sync.MaybePing(cfg.PingInterval.Microseconds()); !ok {
		t.Fatalf("ping must fire once the interval elapsed")
	}
}
