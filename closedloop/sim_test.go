package closedloop

import (
	"errors"
	"math"
	"math/bits"
	"testing"

	"clstep/config"
	"clstep/core"
	"clstep/encoder"
)

var errSimDriver = errors.New("sim: driver write failed")

// simMotor is a driver whose rotor follows the commanded phase exactly. It
// unwraps the 0-4095 phase into a running position.
type simMotor struct {
	mode      core.DriverMode
	position  int64
	last      uint16
	amplitude float32
	writes    int
	failNext  int
}

func newSimMotor() *simMotor {
	return &simMotor{mode: core.DriverModeDirect}
}

func (m *simMotor) DriverMode() core.DriverMode { return m.mode }

func (m *simMotor) SetMotorPhase(phase uint16, amplitude float32) error {
	if m.failNext > 0 {
		m.failNext--
		return errSimDriver
	}
	d := int32(phase) - int32(m.last)
	if d > 2048 {
		d -= 4096
	} else if d < -2048 {
		d += 4096
	}
	m.position += int64(d)
	m.last = phase
	m.amplitude = amplitude
	m.writes++
	return nil
}

// simEncoder reads origin + slope*position of the attached motor
type simEncoder struct {
	motor   *simMotor
	slope   float64
	origin  float64
	fail    bool
	enabled bool
}

func (e *simEncoder) reading() int32 {
	return int32(math.Round(e.origin + e.slope*float64(e.motor.position)))
}

func (e *simEncoder) Type() encoder.Type { return encoder.TypeQuadrature }
func (e *simEncoder) Init() error        { return nil }
func (e *simEncoder) Enable()            { e.enabled = true }
func (e *simEncoder) Disable()           { e.enabled = false }

func (e *simEncoder) GetReading() (int32, error) {
	if e.fail {
		return 0, encoder.ErrEncoderFault
	}
	return e.reading(), nil
}

func (e *simEncoder) PositioningType() encoder.PositioningType {
	return encoder.PositioningRelative
}

func (e *simEncoder) AppendDiagnostics(b []byte) []byte {
	return append(b, "sim encoder"...)
}

func (e *simEncoder) SetPosition(p int32) {
	e.origin += float64(p - e.reading())
}

// simAbsolute adds a lookup table that records every store
type simAbsolute struct {
	simEncoder
	resolution uint32
	max        uint32
	stores     map[int32]int
	externals  map[int32]float32
	clears     int
	committed  int
}

func newSimAbsolute(m *simMotor, slope, origin float64) *simAbsolute {
	return &simAbsolute{
		simEncoder: simEncoder{motor: m, slope: slope, origin: origin},
		resolution: 64,
		max:        1024,
	}
}

func (e *simAbsolute) Type() encoder.Type { return encoder.TypeAS5047 }

func (e *simAbsolute) PositioningType() encoder.PositioningType {
	return encoder.PositioningAbsolute
}

func (e *simAbsolute) ClearLUT() {
	e.clears++
	e.stores = map[int32]int{}
	e.externals = map[int32]float32{}
}

func (e *simAbsolute) StoreLUTValueForPosition(raw int32, external float32) {
	bucket := raw / int32(e.resolution)
	e.stores[bucket]++
	e.externals[bucket] = external
}

func (e *simAbsolute) LUTResolution() uint32 { return e.resolution }
func (e *simAbsolute) MaxValue() uint32      { return e.max }

func (e *simAbsolute) StoreLUT() error {
	if !e.LUTComplete() {
		return encoder.ErrLUTIncomplete
	}
	e.committed++
	return nil
}

func (e *simAbsolute) LoadLUT() error { return encoder.ErrNoLUT }

func (e *simAbsolute) LUTComplete() bool {
	return len(e.stores) == int(e.max/e.resolution)
}

// simAS5047Bus answers AS5047 SPI frames with the angle of the attached
// motor, origin + slope*position plus a once-per-revolution ripple. Like
// the sensor, each response carries the result of the previous command.
type simAS5047Bus struct {
	motor   *simMotor
	origin  float64
	slope   float64
	ripple  float64
	pending uint16
}

// trueCounts is the undistorted position in encoder counts
func (b *simAS5047Bus) trueCounts() float64 {
	return b.origin + b.slope*float64(b.motor.position)
}

func (b *simAS5047Bus) angle() uint16 {
	t := b.trueCounts()
	raw := int(math.Round(t + b.ripple*math.Sin(2*math.Pi*t/encoder.AS5047MaxValue)))
	raw %= encoder.AS5047MaxValue
	if raw < 0 {
		raw += encoder.AS5047MaxValue
	}
	return uint16(raw)
}

func (b *simAS5047Bus) Tx(w, r []byte) error {
	if len(r) >= 2 {
		r[0], r[1] = byte(b.pending>>8), byte(b.pending)
	}
	cmd := uint16(w[0])<<8 | uint16(w[1])

	var v uint16
	if cmd&0x3FFF == encoder.AS5047_ANGLECOM {
		v = b.angle()
	}
	frame := v & 0x3FFF
	if bits.OnesCount16(frame)%2 == 1 {
		frame |= 0x8000
	}
	b.pending = frame
	return nil
}

func (b *simAS5047Bus) Transfer(byte) (byte, error) { return 0, nil }

func newAS5047Controller(t *testing.T, bus *simAS5047Bus, store encoder.LUTStore) (*Controller, *encoder.AS5047) {
	t.Helper()
	enc, err := encoder.NewAS5047(bus, store, 0)
	if err != nil {
		t.Fatal(err)
	}
	c := NewController(testConfig(), enc, bus.motor)
	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c, enc
}

// testConfig gives 81.92 counts per step, so an ideal encoder reads 0.08
// counts per phase unit
func testConfig() *config.MachineConfig {
	return config.DefaultConfig()
}

func newSimController(t *testing.T, slope float64) (*Controller, *simMotor, *simEncoder) {
	t.Helper()
	m := newSimMotor()
	e := &simEncoder{motor: m, slope: slope, origin: 1000}
	c := NewController(testConfig(), e, m)
	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c, m, e
}

// spinUntilIdle ticks c until no tuning is pending and returns the number
// of ticks taken
func spinUntilIdle(t *testing.T, c *Controller, limit int) int {
	t.Helper()
	for i := 1; i <= limit; i++ {
		c.Spin()
		if c.Tuning() == 0 {
			return i
		}
	}
	t.Fatalf("tuning still pending after %d ticks: %s", limit, c.Tuning())
	return 0
}

func near(a, b, tol float32) bool {
	return abs(a-b) <= tol
}
