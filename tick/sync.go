package tick

import (
	"time"

	"tickwire/wire"
)

// SyncState tracks the synchronizer's confidence in its remote-tick estimate.
type SyncState int

const (
	// StateUninitialized means no pong has been processed yet.
	StateUninitialized SyncState = iota
	// StateSynchronizing means samples are accumulating or the estimate has
	// drifted outside the jitter bound.
	StateSynchronizing
	// StateSynced means the estimate is stable within the jitter bound.
	StateSynced
)

func (s SyncState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSynchronizing:
		return "synchronizing"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// SyncConfig tunes the ping cadence and the drift bounds of the estimator.
type SyncConfig struct {
	// TickDuration is the fixed step length shared by both peers.
	TickDuration time.Duration
	// PingInterval is the minimum spacing between outgoing pings.
	PingInterval time.Duration
	// MinSamples is the number of pongs required before the estimate counts.
	MinSamples int
	// JitterBound is the tick distance within which the estimate is Synced.
	JitterBound int
	// SnapBound is the hard drift limit: beyond it the synced tick jumps to
	// the estimate in one discontinuous step.
	SnapBound int
	// Smoothing is the EWMA weight given to each new offset sample.
	Smoothing float64
}

// DefaultSyncConfig returns the estimator tuning for a 60 Hz simulation.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		TickDuration: time.Second / 60,
		PingInterval: 100 * time.Millisecond,
		MinSamples:   4,
		JitterBound:  2,
		SnapBound:    8,
		Smoothing:    0.1,
	}
}

// SnapEvent reports a discontinuous correction of the synced tick. Consumers
// holding tick-indexed state (prediction history, input buffers) must flush
// rather than interpolate across it.
type SnapEvent struct {
	From Tick
	To   Tick
}

// Synchronizer estimates the remote peer's current tick from ping/pong
// exchanges. All timestamps are microseconds on the local simulation
// timeline (Clock.Timestamp); pong timestamps are microseconds on the remote
// peer's timeline with zero at its tick zero.
type Synchronizer struct {
	cfg   SyncConfig
	state SyncState

	nextPingID uint16
	pending    map[uint16]int64
	lastPingAt int64
	hasPinged  bool

	offsetMicros float64
	rttMicros    float64
	samples      int

	synced      Tick
	syncedValid bool
}

// NewSynchronizer constructs an estimator in the Uninitialized state.
func NewSynchronizer(cfg SyncConfig) *Synchronizer {
	def := DefaultSyncConfig()
	if cfg.TickDuration <= 0 {
		cfg.TickDuration = def.TickDuration
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.JitterBound <= 0 {
		cfg.JitterBound = def.JitterBound
	}
	if cfg.SnapBound <= cfg.JitterBound {
		cfg.SnapBound = def.SnapBound
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	return &Synchronizer{
		cfg:     cfg,
		state:   StateUninitialized,
		pending: make(map[uint16]int64),
	}
}

// State returns the current estimator state.
func (s *Synchronizer) State() SyncState {
	if s == nil {
		return StateUninitialized
	}
	return s.state
}

// RTT returns the smoothed round-trip time.
func (s *Synchronizer) RTT() time.Duration {
	if s == nil || s.samples == 0 {
		return 0
	}
	return time.Duration(s.rttMicros) * time.Microsecond
}

// MaybePing returns the next outgoing ping when the ping interval has
// elapsed. now is local simulation time in microseconds.
func (s *Synchronizer) MaybePing(now int64) (wire.Ping, bool) {
	if s == nil {
		return wire.Ping{}, false
	}
	if s.hasPinged && now-s.lastPingAt < s.cfg.PingInterval.Microseconds() {
		return wire.Ping{}, false
	}
	id := s.nextPingID
	s.nextPingID++
	s.pending[id] = now
	s.lastPingAt = now
	s.hasPinged = true
	// Unanswered pings from more than a few intervals ago are lost; drop
	// them so the table stays bounded.
	cutoff := now - 8*s.cfg.PingInterval.Microseconds()
	for pid, sentAt := range s.pending {
		if sentAt < cutoff {
			delete(s.pending, pid)
		}
	}
	return wire.Ping{ID: id}, true
}

// HandlePong folds one pong into the offset estimate. now is local
// simulation time in microseconds at pong receipt.
func (s *Synchronizer) HandlePong(pong wire.Pong, now int64) {
	if s == nil {
		return
	}
	sentAt, ok := s.pending[pong.PingID]
	if !ok {
		return
	}
	delete(s.pending, pong.PingID)

	processing := pong.TimeSent - pong.TimeReceived
	if processing < 0 {
		processing = 0
	}
	rtt := (now - sentAt) - processing
	if rtt < 0 {
		rtt = 0
	}
	// Estimate of the remote clock at the instant the pong arrived.
	remoteNow := pong.TimeSent + rtt/2
	offset := float64(remoteNow - now)

	if s.samples == 0 {
		s.offsetMicros = offset
		s.rttMicros = float64(rtt)
	} else {
		alpha := s.cfg.Smoothing
		s.offsetMicros += alpha * (offset - s.offsetMicros)
		s.rttMicros += alpha * (float64(rtt) - s.rttMicros)
	}
	s.samples++
	if s.state == StateUninitialized {
		s.state = StateSynchronizing
	}
}

// estimate converts the current offset into the remote peer's tick.
func (s *Synchronizer) estimate(now int64) Tick {
	remote := float64(now) + s.offsetMicros
	if remote < 0 {
		remote = 0
	}
	ticks := int64(remote) / s.cfg.TickDuration.Microseconds()
	return Tick(uint16(ticks))
}

// Update advances the synced tick toward the current estimate. The synced
// value moves forward at most one whole tick per call so consumers never see
// a visible double-advance; drift beyond SnapBound produces a SnapEvent and
// an immediate jump instead. The boolean result is false until enough
// samples have accumulated.
func (s *Synchronizer) Update(now int64) (Tick, bool, *SnapEvent) {
	if s == nil || s.samples < s.cfg.MinSamples {
		return 0, false, nil
	}
	target := s.estimate(now)
	if !s.syncedValid {
		s.synced = target
		s.syncedValid = true
		s.state = StateSynced
		return s.synced, true, nil
	}

	drift := Diff(target, s.synced)
	switch {
	case drift > s.cfg.SnapBound || drift < -s.cfg.SnapBound:
		event := &SnapEvent{From: s.synced, To: target}
		s.synced = target
		s.state = StateSynchronizing
		return s.synced, true, event
	case drift > 0:
		s.synced = s.synced.Add(1)
	case drift < 0:
		// Never move backwards outside a snap; hold until the estimate
		// catches up.
	}

	settled := Diff(target, s.synced)
	if settled < 0 {
		settled = -settled
	}
	if settled <= s.cfg.JitterBound {
		s.state = StateSynced
	} else {
		s.state = StateSynchronizing
	}
	return s.synced, true, nil
}

// SyncedTick returns the last value produced by Update.
func (s *Synchronizer) SyncedTick() (Tick, bool) {
	if s == nil {
		return 0, false
	}
	return s.synced, s.syncedValid
}

// Reset discards all samples and returns to Uninitialized, as after a
// connection gap.
func (s *Synchronizer) Reset() {
	if s == nil {
		return
	}
	s.state = StateUninitialized
	s.pending = make(map[uint16]int64)
	s.samples = 0
	s.offsetMicros = 0
	s.rttMicros = 0
	s.syncedValid = false
	s.hasPinged = false
}
