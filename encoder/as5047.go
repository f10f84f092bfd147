package encoder

import (
	"math"

	"clstep/core"

	"tinygo.org/x/drivers"
)

// AS5047 register addresses
const (
	AS5047_NOP      = 0x0000
	AS5047_ERRFL    = 0x0001 // Error flags, cleared on read
	AS5047_PROG     = 0x0003
	AS5047_DIAAGC   = 0x3FFC // Diagnostics and AGC
	AS5047_MAG      = 0x3FFD // CORDIC magnitude
	AS5047_ANGLEUNC = 0x3FFE // Angle without dynamic compensation
	AS5047_ANGLECOM = 0x3FFF // Angle with dynamic compensation
)

// SPI frame bits
const (
	as5047ParityBit = 1 << 15
	as5047ReadBit   = 1 << 14 // Command frames
	as5047ErrorBit  = 1 << 14 // Response frames
	as5047DataMask  = 0x3FFF
)

const (
	AS5047MaxValue             = 1 << 14
	AS5047DefaultLUTResolution = 64
	AS5047SPIMode              = core.SPIMode1
	AS5047SPIRate              = 10000000
)

// AS5047 is a 14-bit absolute magnetic encoder on SPI. Readings are
// continuous across revolutions; within one revolution they are corrected
// through the lookup table once it has been stored.
type AS5047 struct {
	spi   drivers.SPI
	store LUTStore

	lut     LUT
	rawMode bool // Table cleared or never stored: report raw angles

	turns   rotationTracker
	enabled bool

	lastAngle   uint16
	lastErrFlag uint16
	faults      uint32
	parityErrs  uint32

	tx [2]byte
	rx [2]byte
}

// NewAS5047 creates an encoder on spi. store may be nil, in which case the
// table lives only in RAM.
func NewAS5047(spi drivers.SPI, store LUTStore, lutResolution uint32) (*AS5047, error) {
	e := &AS5047{}
	if err := e.setup(spi, store, lutResolution); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *AS5047) setup(spi drivers.SPI, store LUTStore, lutResolution uint32) error {
	if lutResolution == 0 {
		lutResolution = AS5047DefaultLUTResolution
	}
	e.spi = spi
	e.store = store
	e.rawMode = true
	e.turns = rotationTracker{}
	e.enabled = false
	e.lastAngle, e.lastErrFlag, e.faults, e.parityErrs = 0, 0, 0, 0
	return e.lut.Configure(AS5047MaxValue, lutResolution)
}

func (e *AS5047) Type() Type { return TypeAS5047 }

func (e *AS5047) PositioningType() PositioningType { return PositioningAbsolute }

func (e *AS5047) MaxValue() uint32 { return AS5047MaxValue }

func (e *AS5047) LUTResolution() uint32 { return e.lut.Resolution() }

func (e *AS5047) LUTComplete() bool { return e.lut.Complete() }

// Init checks the device answers and loads a stored table if there is one
func (e *AS5047) Init() error {
	if e.spi == nil {
		return ErrNoHardware
	}

	flags, err := e.readRegister(AS5047_ERRFL)
	if err == nil || err == ErrEncoderFault {
		if e.lastResponse() == 0xFFFF {
			// Floating MISO
			return ErrNoHardware
		}
	}
	if err == ErrEncoderFault {
		// ERRFL is clear-on-read, the second read reflects the current state
		flags, err = e.readRegister(AS5047_ERRFL)
	}
	if err != nil {
		return err
	}
	e.lastErrFlag = flags

	if err := e.LoadLUT(); err != nil && err != ErrNoLUT {
		core.DebugPrintln("[AS5047] stored LUT rejected: " + err.Error())
	}
	return nil
}

// Enable restarts revolution counting from the current angle
func (e *AS5047) Enable() {
	e.turns = rotationTracker{}
	e.enabled = true
}

func (e *AS5047) Disable() {
	e.enabled = false
}

// GetReading returns the multi-turn position in encoder counts
func (e *AS5047) GetReading() (int32, error) {
	angle, err := e.readRegister(AS5047_ANGLECOM)
	if err != nil {
		e.faults++
		return 0, err
	}
	e.lastAngle = angle

	v := int32(angle)
	if !e.rawMode {
		c, err := e.lut.Correct(v)
		if err != nil {
			return 0, err
		}
		v = int32(math.Round(float64(c)))
	}
	return e.turns.update(v, AS5047MaxValue), nil
}

// ClearLUT drops the table; readings are raw until StoreLUT succeeds
func (e *AS5047) ClearLUT() {
	e.lut.Clear()
	e.rawMode = true
}

func (e *AS5047) StoreLUTValueForPosition(raw int32, external float32) {
	if err := e.lut.Store(raw, external); err != nil {
		core.DebugPrintln("[AS5047] LUT store out of range: " + core.Itoa(int(raw)))
	}
}

// StoreLUT activates the table and persists it. An incomplete table is
// still activated, so readings fail until ClearLUT or a new calibration.
func (e *AS5047) StoreLUT() error {
	e.rawMode = false
	if !e.lut.Complete() {
		return ErrLUTIncomplete
	}
	if e.store == nil {
		return nil
	}
	data, err := e.lut.MarshalBinary()
	if err != nil {
		return err
	}
	return e.store.Save(data)
}

// LoadLUT restores the table from the store and activates it. Only a
// complete table is accepted; anything else leaves the encoder raw.
func (e *AS5047) LoadLUT() error {
	if e.store == nil {
		return ErrNoLUT
	}
	data, err := e.store.Load()
	if err != nil {
		return err
	}
	if err := e.lut.UnmarshalBinary(data); err != nil {
		e.ClearLUT()
		return err
	}
	if !e.lut.Complete() {
		e.ClearLUT()
		return ErrBadLUT
	}
	e.rawMode = false
	return nil
}

func (e *AS5047) AppendDiagnostics(b []byte) []byte {
	b = append(b, "as5047 angle="...)
	b = append(b, core.Itoa(int(e.lastAngle))...)
	b = append(b, " lut="...)
	b = append(b, core.Itoa(e.lut.Count())...)
	b = append(b, '/')
	b = append(b, core.Itoa(e.lut.Buckets())...)
	if e.rawMode {
		b = append(b, " raw"...)
	}
	b = append(b, " faults="...)
	b = append(b, core.Utoa(e.faults)...)
	b = append(b, " parity="...)
	b = append(b, core.Utoa(e.parityErrs)...)
	if e.lastErrFlag != 0 {
		b = append(b, " errfl="...)
		b = append(b, core.Itoa(int(e.lastErrFlag))...)
	}
	return b
}

// readRegister issues a read command and clocks the answer out with a NOP,
// since the device returns data one frame late
func (e *AS5047) readRegister(addr uint16) (uint16, error) {
	if _, err := e.transfer(as5047Command(addr, true)); err != nil {
		return 0, err
	}
	resp, err := e.transfer(as5047Command(AS5047_NOP, true))
	if err != nil {
		return 0, err
	}
	if !as5047ParityOK(resp) {
		e.parityErrs++
		return 0, ErrParity
	}
	if resp&as5047ErrorBit != 0 {
		return 0, ErrEncoderFault
	}
	return resp & as5047DataMask, nil
}

func (e *AS5047) transfer(frame uint16) (uint16, error) {
	e.tx[0] = byte(frame >> 8)
	e.tx[1] = byte(frame)
	if err := e.spi.Tx(e.tx[:], e.rx[:]); err != nil {
		return 0, err
	}
	return e.lastResponse(), nil
}

func (e *AS5047) lastResponse() uint16 {
	return uint16(e.rx[0])<<8 | uint16(e.rx[1])
}

// as5047Command builds a command frame with even parity over bits 0-14
func as5047Command(addr uint16, read bool) uint16 {
	frame := addr & as5047DataMask
	if read {
		frame |= as5047ReadBit
	}
	if parity15(frame) {
		frame |= as5047ParityBit
	}
	return frame
}

// as5047ParityOK checks the even parity of a response frame
func as5047ParityOK(frame uint16) bool {
	return parity15(frame) == (frame&as5047ParityBit != 0)
}

// parity15 reports whether bits 0-14 contain an odd number of ones
func parity15(v uint16) bool {
	v &= 0x7FFF
	v ^= v >> 8
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 != 0
}

// rotationTracker unwraps a bounded angle into a continuous position,
// assuming less than half a revolution between updates
type rotationTracker struct {
	pos   int32
	last  int32
	valid bool
}

func (r *rotationTracker) update(v, span int32) int32 {
	if !r.valid {
		r.pos, r.last, r.valid = v, v, true
		return v
	}
	delta := v - r.last
	if delta > span/2 {
		delta -= span
	} else if delta < -span/2 {
		delta += span
	}
	r.last = v
	r.pos += delta
	return r.pos
}
