package interp

import (
	"testing"

	"tickwire/registry"
	"tickwire/replication"
	"tickwire/tick"
)

type position struct {
	X float64
}

type mode struct {
	Name string
}

func buildFixture(t *testing.T) (*registry.Table, registry.ID, registry.ID, *replication.History) {
	t.Helper()
	b := registry.NewBuilder()
	posID := b.Register(registry.Component{
		Name:      "position",
		Prototype: position{},
		Lerp: func(a, b any, t float64) any {
			pa, pb := a.(position), b.(position)
			return position{X: pa.X + (pb.X-pa.X)*t}
		},
	})
	modeID := b.Register(registry.Component{Name: "mode", Prototype: mode{}})
	return b.Finish(), posID, modeID, replication.NewHistory(16)
}

func TestValueBlendsBetweenSamples(t *testing.T) {
	table, posID, _, history := buildFixture(t)
	history.Push(1, posID, 10, position{X: 0})
	history.Push(1, posID, 14, position{X: 8})

	in := New(table, history, Config{Delay: 2})

	// Tick 12 sits halfway between the samples.
	got, ok := in.Value(1, posID, 12, 0)
	if !ok || got.(position).X != 4 {
		t.Fatalf("Value(12, 0) = %+v, %v", got, ok)
	}
	// A fraction into tick 11 lands proportionally.
	got, _ = in.Value(1, posID, 11, 0.5)
	if got.(position).X != 3 {
		t.Fatalf("Value(11, 0.5) = %+v", got)
	}
	// Exactly on a sample returns the sample.
	got, _ = in.Value(1, posID, 10, 0)
	if got.(position).X != 0 {
		t.Fatalf("Value(10, 0) = %+v", got)
	}
}

func TestValueHoldsWhenNewerSampleMissing(t *testing.T) {
	table, posID, _, history := buildFixture(t)
	history.Push(1, posID, 10, position{X: 5})

	in := New(table, history, Config{})
	got, ok := in.Value(1, posID, 13, 0.7)
	if !ok || got.(position).X != 5 {
		t.Fatalf("render time ahead of history must hold the newest value, got %+v", got)
	}
}

func TestValueSnapsForNonInterpolatingComponents(t *testing.T) {
	table, _, modeID, history := buildFixture(t)
	history.Push(1, modeID, 10, mode{Name: "walk"})
	history.Push(1, modeID, 14, mode{Name: "swim"})

	in := New(table, history, Config{})
	got, ok := in.Value(1, modeID, 12, 0.9)
	if !ok || got.(mode).Name != "walk" {
		t.Fatalf("non-interpolating component must snap to the older sample, got %+v", got)
	}
	got, _ = in.Value(1, modeID, 14, 0)
	if got.(mode).Name != "swim" {
		t.Fatalf("sample-exact read = %+v", got)
	}
}

func TestValueBehindRetention(t *testing.T) {
	table, posID, _, history := buildFixture(t)
	history.Push(1, posID, 20, position{X: 1})

	in := New(table, history, Config{})
	got, ok := in.Value(1, posID, 5, 0)
	if !ok || got.(position).X != 1 {
		t.Fatalf("render time behind retention must return the oldest sample, got %+v", got)
	}
	if _, ok := in.Value(2, posID, 5, 0); ok {
		t.Fatalf("unknown entity produced a value")
	}
}

func TestRenderTickAppliesDelay(t *testing.T) {
	table, _, _, history := buildFixture(t)
	in := New(table, history, Config{Delay: 6})
	if got := in.RenderTick(100); got != 94 {
		t.Fatalf("RenderTick(100) = %d", got)
	}
	// Wraps cleanly near zero.
	if got := in.RenderTick(2); got != tick.Tick(65532) {
		t.Fatalf("RenderTick(2) = %d", got)
	}
}
