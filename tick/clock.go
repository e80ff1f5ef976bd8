package tick

import "time"

// TimeSource abstracts wall-clock access so tests can drive the loop
// deterministically.
type TimeSource interface {
	Now() time.Time
}

// TimeSourceFunc adapts functions into the TimeSource interface.
type TimeSourceFunc func() time.Time

func (f TimeSourceFunc) Now() time.Time {
	return f()
}

// ClockConfig tunes the fixed-timestep driver.
type ClockConfig struct {
	// TickRate is the number of simulation steps per second.
	TickRate int
	// CatchupMaxTicks bounds how many steps a late wakeup may run back to
	// back before the remainder is forfeited.
	CatchupMaxTicks int
}

// DefaultClockConfig returns the tuning used when the host supplies nothing.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{TickRate: 60, CatchupMaxTicks: 4}
}

// Clock owns the local tick counter. The counter increments exactly once per
// fixed step; Snap is the only other mutation and represents an explicit
// resync discontinuity.
type Clock struct {
	cfg     ClockConfig
	current Tick
	source  TimeSource
	started time.Time
}

// NewClock constructs a clock starting at tick zero.
func NewClock(cfg ClockConfig, source TimeSource) *Clock {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultClockConfig().TickRate
	}
	if cfg.CatchupMaxTicks < 1 {
		cfg.CatchupMaxTicks = 1
	}
	if source == nil {
		source = TimeSourceFunc(time.Now)
	}
	return &Clock{cfg: cfg, source: source, started: source.Now()}
}

// Current returns the tick of the step currently being simulated.
func (c *Clock) Current() Tick {
	if c == nil {
		return 0
	}
	return c.current
}

// Advance increments the tick counter by exactly one step.
func (c *Clock) Advance() Tick {
	c.current++
	return c.current
}

// Snap forces the counter to the provided tick. Callers must treat this as a
// discontinuity and flush tick-indexed state.
func (c *Clock) Snap(to Tick) {
	c.current = to
}

// TickDuration returns the fixed length of one step.
func (c *Clock) TickDuration() time.Duration {
	return time.Second / time.Duration(c.cfg.TickRate)
}

// Timestamp converts a wall-clock instant into microseconds on the local
// simulation timeline (zero at clock construction). Ping/pong timestamps use
// this scale.
func (c *Clock) Timestamp(now time.Time) int64 {
	return now.Sub(c.started).Microseconds()
}

// Run drives the fixed-timestep loop until the stop channel closes, invoking
// step once per elapsed tick with catch-up clamped to CatchupMaxTicks.
func (c *Clock) Run(stop <-chan struct{}, step func(Tick)) {
	if c == nil || step == nil {
		return
	}
	interval := c.TickDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := c.source.Now()
	var accumulator time.Duration

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := c.source.Now()
			elapsed := now.Sub(last)
			last = now
			if elapsed < 0 {
				elapsed = interval
			}
			accumulator += elapsed
			maxBudget := interval * time.Duration(c.cfg.CatchupMaxTicks)
			if accumulator > maxBudget {
				accumulator = maxBudget
			}
			for accumulator >= interval {
				accumulator -= interval
				step(c.Advance())
			}
		}
	}
}
