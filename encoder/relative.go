package encoder

// OverflowTracker extends a 16-bit hardware counter to a signed 32-bit
// position. It assumes the counter moves less than half its range between
// two calls to Update.
type OverflowTracker struct {
	lastLowWord  uint16
	overflowHigh int32
}

// Update folds a new raw counter value into the tracked position
func (t *OverflowTracker) Update(raw uint16) int32 {
	delta := int16(raw - t.lastLowWord)
	switch {
	case raw < t.lastLowWord && delta > 0:
		t.overflowHigh++
	case raw > t.lastLowWord && delta < 0:
		t.overflowHigh--
	}
	t.lastLowWord = raw
	return t.Position()
}

// Position returns the last reconstructed position
func (t *OverflowTracker) Position() int32 {
	return int32(uint32(t.overflowHigh)<<16 | uint32(t.lastLowWord))
}

// Set forces the tracked position. The hardware counter must read the low
// 16 bits of p at the same moment.
func (t *OverflowTracker) Set(p int32) {
	t.lastLowWord = uint16(p)
	t.overflowHigh = p >> 16
}

// Overflows returns the high-order word
func (t *OverflowTracker) Overflows() int32 {
	return t.overflowHigh
}
