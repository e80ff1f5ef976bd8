package logging

import "time"

// Config tunes the diagnostics router. The zero value works; normalized
// fills anything left unset from DefaultConfig before the router starts.
type Config struct {
	// EnabledSinks names the sinks a host wires up, in order.
	EnabledSinks []string
	// BufferSize bounds the router's intake queue. Diagnostics beyond it
	// are dropped and counted; publishing never blocks protocol work.
	BufferSize int
	// MinimumSeverity filters events before any sink sees them. Protocol
	// violation events (decode failures, unmapped entities, exceeded
	// rollback depth) publish at warn and above.
	MinimumSeverity Severity
	// Fields is merged into every event that does not already set the key.
	// Hosts typically label the node or connection here.
	Fields map[string]any
	// JSON tunes the file sink, Console the terminal sink.
	JSON    JSONConfig
	Console ConsoleConfig
	// DropWarnInterval spaces the fallback warnings emitted while the
	// intake queue is overflowing.
	DropWarnInterval time.Duration
}

// JSONConfig tunes the batching file sink.
type JSONConfig struct {
	FilePath      string
	MaxBatch      int
	FlushInterval time.Duration
}

// ConsoleConfig tunes the terminal sink.
type ConsoleConfig struct {
	UseColor bool
}

// DefaultConfig returns the standard diagnostics tuning: console output at
// info severity with an intake queue sized for a busy connection's worth of
// channel and replication events.
func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON: JSONConfig{
			MaxBatch:      32,
			FlushInterval: 2 * time.Second,
		},
	}
}

// normalized fills zero-valued knobs with the defaults so the router never
// re-checks them on the hot path.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.DropWarnInterval <= 0 {
		c.DropWarnInterval = def.DropWarnInterval
	}
	if c.JSON.MaxBatch <= 0 {
		c.JSON.MaxBatch = def.JSON.MaxBatch
	}
	if c.JSON.FlushInterval <= 0 {
		c.JSON.FlushInterval = def.JSON.FlushInterval
	}
	return c
}

// HasSink reports whether the named sink is enabled.
func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

// CloneFields copies the static field set so callers cannot mutate the
// router's copy after construction.
func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
