// Package config loads protocol tuning from a JSON document: the channel
// set, packet budget, time sync, prediction and interpolation parameters. The
// document is shared with the schema generator so deployments get a
// machine-readable contract for validation and editor tooling.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tickwire/channel"
	"tickwire/conn"
	"tickwire/interp"
	"tickwire/prediction"
	"tickwire/tick"
)

// ChannelDefinition models one channel in the JSON document.
type ChannelDefinition struct {
	Name              string `json:"name" jsonschema:"title=Channel name,pattern=^[a-z0-9\\-]+$,description=Identifier referenced by structural and replication lists"`
	Kind              string `json:"kind" jsonschema:"title=Reliability kind,enum=unordered-unreliable,enum=sequenced-unreliable,enum=unordered-reliable,enum=sequenced-reliable,enum=ordered-reliable"`
	FragmentThreshold int    `json:"fragmentThreshold,omitempty" jsonschema:"minimum=64,description=Largest payload sent whole in bytes"`
	ReceiveWindow     int    `json:"receiveWindow,omitempty" jsonschema:"minimum=8,description=Receiver memory bound in message ids"`
}

// SyncDefinition models the time sync tuning block.
type SyncDefinition struct {
	PingIntervalMillis int     `json:"pingIntervalMillis,omitempty" jsonschema:"minimum=10"`
	MinSamples         int     `json:"minSamples,omitempty" jsonschema:"minimum=1"`
	JitterBoundTicks   int     `json:"jitterBoundTicks,omitempty" jsonschema:"minimum=1"`
	SnapBoundTicks     int     `json:"snapBoundTicks,omitempty" jsonschema:"minimum=2"`
	Smoothing          float64 `json:"smoothing,omitempty" jsonschema:"exclusiveMinimum=0,maximum=1"`
}

// PredictionDefinition models the prediction tuning block.
type PredictionDefinition struct {
	MaxRollbackDepth int `json:"maxRollbackDepth,omitempty" jsonschema:"minimum=1,description=Ticks of predicted state retained for replay"`
	// BlendTicks is a pointer so an explicit zero can disable blending.
	BlendTicks *int `json:"blendTicks,omitempty" jsonschema:"minimum=0,description=Ticks a visual correction is spread over"`
}

// FileConfig represents the contents of a protocol configuration document.
type FileConfig struct {
	TickRate            int                  `json:"tickRate" jsonschema:"minimum=1,maximum=240,description=Simulation steps per second shared by both peers"`
	Channels            []ChannelDefinition  `json:"channels" jsonschema:"minItems=1,description=Channel set in wire id order; both peers must match"`
	StructuralChannel   string               `json:"structuralChannel" jsonschema:"description=Name of the ordered-reliable channel carrying topology"`
	ReplicationChannels []string             `json:"replicationChannels" jsonschema:"description=Names of channels carrying replication payloads"`
	PacketBudget        int                  `json:"packetBudget,omitempty" jsonschema:"minimum=256,description=Payload bytes packed into one packet"`
	Sync                SyncDefinition       `json:"sync,omitempty"`
	Prediction          PredictionDefinition `json:"prediction,omitempty"`
	InterpDelayTicks    int                  `json:"interpDelayTicks,omitempty" jsonschema:"minimum=1,description=Render delay behind the newest confirmed tick"`
}

var kindsByName = map[string]channel.Kind{
	"unordered-unreliable": channel.UnorderedUnreliable,
	"sequenced-unreliable": channel.SequencedUnreliable,
	"unordered-reliable":   channel.UnorderedReliable,
	"sequenced-reliable":   channel.SequencedReliable,
	"ordered-reliable":     channel.OrderedReliable,
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (FileConfig, error) {
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Load reads and parses a configuration document from disk.
func Load(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func (fc FileConfig) validate() error {
	if fc.TickRate < 1 {
		return fmt.Errorf("config: tickRate %d out of range", fc.TickRate)
	}
	if len(fc.Channels) == 0 {
		return fmt.Errorf("config: no channels defined")
	}
	if len(fc.Channels) > 256 {
		return fmt.Errorf("config: %d channels exceeds the 8-bit id space", len(fc.Channels))
	}
	names := make(map[string]int, len(fc.Channels))
	for i, def := range fc.Channels {
		if def.Name == "" {
			return fmt.Errorf("config: channel %d has no name", i)
		}
		if _, dup := names[def.Name]; dup {
			return fmt.Errorf("config: duplicate channel name %q", def.Name)
		}
		if _, ok := kindsByName[def.Kind]; !ok {
			return fmt.Errorf("config: channel %q has unknown kind %q", def.Name, def.Kind)
		}
		names[def.Name] = i
	}
	structural, ok := names[fc.StructuralChannel]
	if !ok {
		return fmt.Errorf("config: structural channel %q not defined", fc.StructuralChannel)
	}
	if kindsByName[fc.Channels[structural].Kind] != channel.OrderedReliable {
		return fmt.Errorf("config: structural channel %q must be ordered-reliable", fc.StructuralChannel)
	}
	for _, name := range fc.ReplicationChannels {
		if _, ok := names[name]; !ok {
			return fmt.Errorf("config: replication channel %q not defined", name)
		}
	}
	return nil
}

// ChannelIndex returns the wire id of a named channel.
func (fc FileConfig) ChannelIndex(name string) (uint8, bool) {
	for i, def := range fc.Channels {
		if def.Name == name {
			return uint8(i), true
		}
	}
	return 0, false
}

// TickDuration returns the fixed step length implied by the tick rate.
func (fc FileConfig) TickDuration() time.Duration {
	return time.Second / time.Duration(fc.TickRate)
}

// ConnConfig builds the connection configuration the document describes.
func (fc FileConfig) ConnConfig() conn.Config {
	channels := make([]channel.Config, len(fc.Channels))
	for i, def := range fc.Channels {
		cfg := channel.DefaultConfig(kindsByName[def.Kind])
		if def.FragmentThreshold > 0 {
			cfg.FragmentThreshold = def.FragmentThreshold
		}
		if def.ReceiveWindow > 0 {
			cfg.ReceiveWindow = def.ReceiveWindow
		}
		channels[i] = cfg
	}
	structural, _ := fc.ChannelIndex(fc.StructuralChannel)
	repl := make([]uint8, 0, len(fc.ReplicationChannels))
	for _, name := range fc.ReplicationChannels {
		if id, ok := fc.ChannelIndex(name); ok {
			repl = append(repl, id)
		}
	}
	return conn.Config{
		Channels:            channels,
		StructuralChannel:   structural,
		ReplicationChannels: repl,
		PacketBudget:        fc.PacketBudget,
		Sync:                fc.SyncConfig(),
	}
}

// SyncConfig builds the time sync tuning the document describes.
func (fc FileConfig) SyncConfig() tick.SyncConfig {
	cfg := tick.DefaultSyncConfig()
	cfg.TickDuration = fc.TickDuration()
	if fc.Sync.PingIntervalMillis > 0 {
		cfg.PingInterval = time.Duration(fc.Sync.PingIntervalMillis) * time.Millisecond
	}
	if fc.Sync.MinSamples > 0 {
		cfg.MinSamples = fc.Sync.MinSamples
	}
	if fc.Sync.JitterBoundTicks > 0 {
		cfg.JitterBound = fc.Sync.JitterBoundTicks
	}
	if fc.Sync.SnapBoundTicks > 0 {
		cfg.SnapBound = fc.Sync.SnapBoundTicks
	}
	if fc.Sync.Smoothing > 0 {
		cfg.Smoothing = fc.Sync.Smoothing
	}
	return cfg
}

// PredictionConfig builds the prediction tuning the document describes.
func (fc FileConfig) PredictionConfig() prediction.Config {
	cfg := prediction.DefaultConfig()
	if fc.Prediction.MaxRollbackDepth > 0 {
		cfg.MaxRollbackDepth = fc.Prediction.MaxRollbackDepth
	}
	if fc.Prediction.BlendTicks != nil {
		cfg.BlendTicks = *fc.Prediction.BlendTicks
	}
	return cfg
}

// InterpConfig builds the interpolation tuning the document describes.
func (fc FileConfig) InterpConfig() interp.Config {
	cfg := interp.DefaultConfig()
	if fc.InterpDelayTicks > 0 {
		cfg.Delay = fc.InterpDelayTicks
	}
	return cfg
}
