//go:build rp2040

package main

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// quadratureProgram decodes A/B on two consecutive pins into a signed count
// in Y, pushing it after every sample. The first 16 words are a jump table
// indexed by (previous state << 2 | current state), so it must be loaded at
// offset 0.
var quadratureProgram = []uint16{
	// previous 00
	0x000F, // jmp update
	0x000E, // jmp decrement
	0x0015, // jmp increment
	0x000F, // jmp update
	// previous 01
	0x0015, // jmp increment
	0x000F, // jmp update
	0x000F, // jmp update
	0x000E, // jmp decrement
	// previous 10
	0x000E, // jmp decrement
	0x000F, // jmp update
	0x000F, // jmp update
	0x0015, // jmp increment
	// previous 11
	0x000F, // jmp update
	0x0015, // jmp increment
	// decrement: (11 -> 10)
	0x008F, // jmp y--, update
	// update: (11 -> 11)
	0xA0C2, // mov isr, y
	0x8000, // push noblock
	0x60C2, // out isr, 2
	0x4002, // in pins, 2
	0xA0E6, // mov osr, isr
	0xA0A6, // mov pc, isr
	// increment:
	0xA04A, // mov y, ~y
	0x0097, // jmp y--, 23
	0xA04A, // mov y, ~y
}

const (
	quadratureOrigin     = 0
	quadratureWrapTarget = 15
	quadratureStallLimit = 1000
)

// pioCounter implements encoder.CounterHAL with a PIO state machine. Only
// the low 16 bits of the running count are reported.
type pioCounter struct {
	pio   *rp2pio.PIO
	sm    rp2pio.StateMachine
	pinA  machine.Pin
	last  uint32
	base  uint16
	ready bool
}

func newPIOCounter(pioNum, smNum uint8, pinA machine.Pin) *pioCounter {
	hw := rp2pio.PIO0
	if pioNum == 1 {
		hw = rp2pio.PIO1
	}
	return &pioCounter{pio: hw, sm: hw.StateMachine(smNum), pinA: pinA}
}

func (c *pioCounter) Init() error {
	c.sm.TryClaim()
	offset, err := c.pio.AddProgram(quadratureProgram, quadratureOrigin)
	if err != nil {
		return err
	}

	pinB := c.pinA + 1
	c.pinA.Configure(machine.PinConfig{Mode: c.pio.PinMode()})
	pinB.Configure(machine.PinConfig{Mode: c.pio.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetInPins(c.pinA)
	// Left shift so the new sample lands below the previous one
	cfg.SetInShift(false, false, 32)
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+uint8(len(quadratureProgram))-1, offset+quadratureWrapTarget)
	cfg.SetClkDivIntFrac(1, 0)

	c.sm.Init(offset+quadratureWrapTarget, cfg)
	c.sm.SetPindirsConsecutive(c.pinA, 2, false)
	c.ready = true
	return nil
}

func (c *pioCounter) Enable() {
	c.sm.SetEnabled(true)
}

func (c *pioCounter) Disable() {
	c.sm.SetEnabled(false)
}

// Reset makes the current position read as zero
func (c *pioCounter) Reset() {
	c.base = uint16(c.read())
}

func (c *pioCounter) Count() uint16 {
	return uint16(c.read()) - c.base
}

// read drains the FIFO, which holds stale values once full, then waits for
// a fresh push
func (c *pioCounter) read() uint32 {
	if !c.ready {
		return c.last
	}
	for !c.sm.IsRxFIFOEmpty() {
		c.sm.RxGet()
	}
	for i := 0; i < quadratureStallLimit; i++ {
		if !c.sm.IsRxFIFOEmpty() {
			c.last = c.sm.RxGet()
			return c.last
		}
	}
	return c.last
}
