package tick

// Tick identifies one fixed simulation step. Ticks wrap at 16 bits; all
// comparisons must go through Diff/After/Before rather than raw integer
// ordering.
type Tick uint16

// Diff returns the signed wrap-aware distance a-b in ticks. Positive means a
// is later than b; tick 1 is two steps after tick 65535.
func Diff(a, b Tick) int {
	return int(int16(uint16(a) - uint16(b)))
}

// After reports whether t is strictly later than other.
func (t Tick) After(other Tick) bool {
	return Diff(t, other) > 0
}

// Before reports whether t is strictly earlier than other.
func (t Tick) Before(other Tick) bool {
	return Diff(t, other) < 0
}

// Add offsets t by n steps, which may be negative.
func (t Tick) Add(n int) Tick {
	return Tick(uint16(int(uint16(t)) + n))
}
