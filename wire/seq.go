package wire

// SeqDiff returns the signed wrap-aware distance a-b for 16-bit sequence
// numbers. A positive result means a is newer than b. Raw integer comparison
// is wrong near the wrap boundary: 1 is newer than 65535.
func SeqDiff(a, b uint16) int {
	d := int16(a - b)
	return int(d)
}

// SeqNewer reports whether a is strictly newer than b under wrap arithmetic.
func SeqNewer(a, b uint16) bool {
	return SeqDiff(a, b) > 0
}
