//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"clstep/core"
)

// RP2040 timer peripheral memory map
const (
	timerBase     = 0x40054000
	timerTIMERAWH = timerBase + 0x08 // Raw timer high word
	timerTIMERAWL = timerBase + 0x0C // Raw timer low word
)

var (
	timerRAWH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWH)))
	timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))
)

// ticksPerMicro scales the 1MHz hardware timer to the protocol clock
const ticksPerMicro = core.TimerFreq / 1000000

// uptimeMicros reads the 64-bit microsecond timer
func uptimeMicros() uint64 {
	// High, low, high again to catch a carry between the reads
	for {
		high1 := timerRAWH.Get()
		low := timerRAWL.Get()
		high2 := timerRAWH.Get()
		if high1 == high2 {
			return uint64(high1)<<32 | uint64(low)
		}
	}
}

// updateSystemTime copies the hardware timer into the core clock
func updateSystemTime(now uint64) {
	core.SetTime(uint32(now * ticksPerMicro))
}
