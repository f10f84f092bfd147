package core

import "sync/atomic"

// TimerFreq is the tick rate of the control clock
const (
	TimerFreq = 12000000 // 12MHz default timer frequency
)

var (
	systemTicks atomic.Uint32

	uptimeHigh uint32 // Wraps of the 32-bit tick counter
	lastTicks  uint32
)

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return systemTicks.Load()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	systemTicks.Store(ticks)
}

// AdvanceTime moves the clock forward by ticks
func AdvanceTime(ticks uint32) {
	systemTicks.Add(ticks)
}

// GetUptime returns 64-bit uptime in timer ticks. It must be called at
// least once per 32-bit wrap (about six minutes at 12MHz) to keep the high
// word correct.
func GetUptime() uint64 {
	now := GetTime()
	if now < lastTicks {
		uptimeHigh++
	}
	lastTicks = now
	return uint64(uptimeHigh)<<32 | uint64(now)
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * TimerFreq / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / TimerFreq)
}
