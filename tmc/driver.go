// Package tmc drives Trinamic TMC5160/TMC5240 stepper drivers in direct
// mode, where firmware sets both coil currents and therefore the motor's
// electrical phase.
package tmc

import (
	"errors"
	"math"

	"clstep/core"

	"tinygo.org/x/drivers"
)

var (
	ErrNotPresent  = errors.New("tmc: driver not responding")
	ErrNotDirect   = errors.New("tmc: driver not in direct mode")
	ErrDriverFault = errors.New("tmc: driver reported a fault")
)

// Config holds the current and chopper settings applied at Init
type Config struct {
	IHold      uint8
	IRun       uint8
	IHoldDelay uint8
	Chopconf   uint32
	Invert     bool // Swap coil B polarity through GCONF.shaft
}

func DefaultConfig() Config {
	return Config{
		IHold:      IHOLD_DEFAULT,
		IRun:       IRUN_DEFAULT,
		IHoldDelay: IHOLDDELAY_DEFAULT,
		Chopconf:   CHOPCONF_DEFAULT,
	}
}

// quarterSine holds CoilCurrentMax*sin over the first quarter of an
// electrical cycle, endpoint included
var quarterSine [1025]uint8

func init() {
	for i := range quarterSine {
		quarterSine[i] = uint8(math.Round(CoilCurrentMax * math.Sin(float64(i)*math.Pi/2048)))
	}
}

// coilCurrent returns CoilCurrentMax*sin(2*pi*phase/4096)
func coilCurrent(phase uint16) int32 {
	phase &= 4095
	idx := phase & 1023
	switch phase >> 10 {
	case 0:
		return int32(quarterSine[idx])
	case 1:
		return int32(quarterSine[1024-idx])
	case 2:
		return -int32(quarterSine[idx])
	default:
		return -int32(quarterSine[1024-idx])
	}
}

// EncodeXDIRECT packs coil currents for phase and amplitude. Coil A
// follows sine and coil B cosine, so phase 0 puts full current in B.
func EncodeXDIRECT(phase uint16, amplitude float32) uint32 {
	if amplitude < 0 || amplitude != amplitude {
		amplitude = 0
	} else if amplitude > 1 {
		amplitude = 1
	}
	a := int32(math.Round(float64(amplitude) * float64(coilCurrent(phase))))
	b := int32(math.Round(float64(amplitude) * float64(coilCurrent(phase+1024))))
	return uint32(a)&XDIRECT_COIL_MASK<<XDIRECT_COIL_A_SHIFT |
		uint32(b)&XDIRECT_COIL_MASK<<XDIRECT_COIL_B_SHIFT
}

// Driver is a TMC51xx on SPI
type Driver struct {
	spi  drivers.SPI
	cfg  Config
	mode core.DriverMode

	version   uint8
	gconf     uint32
	phase     uint16
	amplitude float32
	status    byte // SPI_STATUS from the last datagram
	writes    uint32

	tx [5]byte
	rx [5]byte
}

// New creates a driver on spi. The bus must run in SPI mode 3.
func New(spi drivers.SPI, cfg Config) *Driver {
	return &Driver{spi: spi, cfg: cfg, mode: core.DriverModeStepDir}
}

// Init checks the chip answers, applies currents and chopper settings and
// switches to direct mode with the coils unpowered
func (d *Driver) Init() error {
	if d.spi == nil {
		return ErrNotPresent
	}
	d.mode = core.DriverModeStepDir

	ioin, err := d.ReadRegister(IOIN)
	if err != nil {
		return err
	}
	d.version = uint8(ioin >> 24)
	if d.version == 0 || d.version == 0xFF {
		return ErrNotPresent
	}

	writes := []struct {
		addr  uint8
		value uint32
	}{
		{GSTAT, GSTAT_RESET | GSTAT_DRV_ERR | GSTAT_UV_CP},
		{CHOPCONF, d.cfg.Chopconf},
		{IHOLD_IRUN, IHoldIRun(d.cfg.IHold, d.cfg.IRun, d.cfg.IHoldDelay)},
		{TPOWERDOWN, TPOWERDOWN_DEFAULT},
		{XDIRECT, 0},
	}
	for _, w := range writes {
		if err := d.WriteRegister(w.addr, w.value); err != nil {
			return err
		}
	}

	d.gconf = GCONF_DIRECT_MODE
	if d.cfg.Invert {
		d.gconf |= GCONF_SHAFT
	}
	if err := d.WriteRegister(GCONF, d.gconf); err != nil {
		return err
	}
	got, err := d.ReadRegister(GCONF)
	if err != nil {
		return err
	}
	if got&GCONF_DIRECT_MODE == 0 {
		return ErrNotDirect
	}

	d.mode = core.DriverModeDirect
	core.DebugPrintln("[TMC] direct mode, version " + core.Itoa(int(d.version)))
	return nil
}

func (d *Driver) DriverMode() core.DriverMode { return d.mode }

// SetMotorPhase writes both coil currents
func (d *Driver) SetMotorPhase(phase uint16, amplitude float32) error {
	if d.mode != core.DriverModeDirect {
		return ErrNotDirect
	}
	if err := d.WriteRegister(XDIRECT, EncodeXDIRECT(phase, amplitude)); err != nil {
		return err
	}
	d.phase = phase & 4095
	d.amplitude = amplitude
	return nil
}

// Release unpowers the coils and hands sequencing back to the step/dir
// input
func (d *Driver) Release() error {
	if d.mode != core.DriverModeDirect {
		return nil
	}
	if err := d.WriteRegister(XDIRECT, 0); err != nil {
		return err
	}
	d.gconf &^= GCONF_DIRECT_MODE
	d.mode = core.DriverModeStepDir
	return d.WriteRegister(GCONF, d.gconf)
}

// ReadStatus returns DRV_STATUS, with ErrDriverFault when a short or
// overtemperature flag is set
func (d *Driver) ReadStatus() (uint32, error) {
	v, err := d.ReadRegister(DRV_STATUS)
	if err != nil {
		return 0, err
	}
	if v&DRV_STATUS_FAULTS != 0 {
		return v, ErrDriverFault
	}
	return v, nil
}

// WriteRegister sends one write datagram
func (d *Driver) WriteRegister(addr uint8, value uint32) error {
	if err := d.datagram(addr|WRITE_BIT, value); err != nil {
		return err
	}
	d.writes++
	return nil
}

// ReadRegister returns a register value. The chip answers a read on the
// following datagram, so the address is sent twice.
func (d *Driver) ReadRegister(addr uint8) (uint32, error) {
	addr &^= WRITE_BIT
	if err := d.datagram(addr, 0); err != nil {
		return 0, err
	}
	if err := d.datagram(addr, 0); err != nil {
		return 0, err
	}
	return uint32(d.rx[1])<<24 | uint32(d.rx[2])<<16 | uint32(d.rx[3])<<8 | uint32(d.rx[4]), nil
}

func (d *Driver) datagram(addr uint8, value uint32) error {
	d.tx[0] = addr
	d.tx[1] = byte(value >> 24)
	d.tx[2] = byte(value >> 16)
	d.tx[3] = byte(value >> 8)
	d.tx[4] = byte(value)
	if err := d.spi.Tx(d.tx[:], d.rx[:]); err != nil {
		return err
	}
	d.status = d.rx[0]
	return nil
}

func (d *Driver) AppendDiagnostics(b []byte) []byte {
	b = append(b, "tmc mode="...)
	b = append(b, d.mode.String()...)
	b = append(b, " version="...)
	b = append(b, core.Itoa(int(d.version))...)
	b = append(b, " phase="...)
	b = append(b, core.Itoa(int(d.phase))...)
	b = append(b, " amp="...)
	b = append(b, core.Ftoa(d.amplitude, 3)...)
	b = append(b, " status="...)
	b = append(b, core.Itoa(int(d.status))...)
	return b
}
