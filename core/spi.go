// Shared SPI bus support
// Polled, byte-oriented transceiver for devices sharing one clock/data pair,
// each addressed by its own chip-select pin.
package core

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3"
	"tinygo.org/x/drivers"
)

// SPI device flags
const (
	SF_CS_ACTIVE_HIGH = 0x02 // Chip select active high (default is active low)
	SF_HAVE_PIN       = 0x04 // Has chip select pin
)

const (
	// SPITimeout is the number of polls each wait loop is allowed before it
	// gives up. It is an iteration budget, not wall-clock time.
	SPITimeout = 10000

	// SPIFillByte is shifted out when the caller supplies no transmit data
	SPIFillByte = 0xFF
)

var (
	ErrSPITimeout      = errors.New("spi: timeout waiting for bus")
	ErrSPIBufferSize   = errors.New("spi: tx and rx buffer lengths must match")
	ErrSPINoPeripheral = errors.New("spi: no peripheral")
)

// SharedSPIBus owns one SPIPeripheral shared by several devices
type SharedSPIBus struct {
	mu       sync.Mutex
	periph   SPIPeripheral
	initDone bool
	timeouts uint32 // Number of transfers aborted on a wait timeout
}

// NewSharedSPIBus wraps a platform peripheral
func NewSharedSPIBus(p SPIPeripheral) *SharedSPIBus {
	return &SharedSPIBus{periph: p}
}

// Timeouts returns the number of aborted transfers since start-up
func (b *SharedSPIBus) Timeouts() uint32 {
	return b.timeouts
}

// initMaster enables the controller the first time any device asks for it
func (b *SharedSPIBus) initMaster() {
	if !b.initDone {
		b.periph.Enable()
		b.initDone = true
	}
}

// waitForTxReady returns true if it timed out
func (b *SharedSPIBus) waitForTxReady() bool {
	timeout := SPITimeout
	for !b.periph.TxReady() {
		timeout--
		if timeout == 0 {
			return true
		}
	}
	return false
}

// waitForTxEmpty returns true if it timed out
func (b *SharedSPIBus) waitForTxEmpty() bool {
	timeout := SPITimeout
	for !b.periph.TxComplete() {
		timeout--
		if timeout == 0 {
			return true
		}
	}
	return false
}

// waitForRxReady returns true if it timed out
func (b *SharedSPIBus) waitForRxReady() bool {
	timeout := SPITimeout
	for !b.periph.RxReady() {
		timeout--
		if timeout == 0 {
			return true
		}
	}
	return false
}

// SharedSPIDevice represents one chip on a shared bus
type SharedSPIDevice struct {
	Name  string
	Flags uint8   // SF_* flags
	Pin   GPIOPin // Chip select pin (if SF_HAVE_PIN is set)
	Mode  SPIMode // SPI mode (0-3)
	Rate  uint32  // Clock rate in Hz

	bus  *SharedSPIBus
	gpio GPIODriver
}

// NewSharedSPIDevice creates a device with a chip select pin
func NewSharedSPIDevice(bus *SharedSPIBus, name string, mode SPIMode, rate uint32, pin GPIOPin, csActiveHigh bool) *SharedSPIDevice {
	d := &SharedSPIDevice{
		Name:  name,
		Flags: SF_HAVE_PIN,
		Pin:   pin,
		Mode:  mode,
		Rate:  rate,
		bus:   bus,
	}
	if csActiveHigh {
		d.Flags |= SF_CS_ACTIVE_HIGH
	}
	return d
}

// NewSharedSPIDeviceWithoutCS creates a device whose select line is
// managed elsewhere (or tied active)
func NewSharedSPIDeviceWithoutCS(bus *SharedSPIBus, name string, mode SPIMode, rate uint32) *SharedSPIDevice {
	return &SharedSPIDevice{
		Name: name,
		Mode: mode,
		Rate: rate,
		bus:  bus,
	}
}

// InitMaster drives the chip select to its inactive level and brings the
// bus up if no other device has done so yet
func (d *SharedSPIDevice) InitMaster() error {
	if d.bus == nil || d.bus.periph == nil {
		return ErrSPINoPeripheral
	}

	if d.Flags&SF_HAVE_PIN != 0 {
		d.gpio = MustGPIO()
		if err := d.gpio.ConfigureOutput(d.Pin); err != nil {
			return err
		}
		if err := d.gpio.SetPin(d.Pin, !d.csActiveLevel()); err != nil {
			return err
		}
	}

	d.bus.initMaster()
	return nil
}

// SetupMaster reprograms clock mode and rate for this device. The receiver
// is switched off while the controller is reconfigured.
func (d *SharedSPIDevice) SetupMaster() {
	p := d.bus.periph
	p.DisableReceiver()
	p.Configure(d.Mode, d.Rate)
	p.EnableReceiver()
}

// Select asserts the chip select
func (d *SharedSPIDevice) Select() {
	if d.gpio != nil {
		_ = d.gpio.SetPin(d.Pin, d.csActiveLevel())
	}
}

// Deselect releases the chip select
func (d *SharedSPIDevice) Deselect() {
	if d.gpio != nil {
		_ = d.gpio.SetPin(d.Pin, !d.csActiveLevel())
	}
}

func (d *SharedSPIDevice) csActiveLevel() bool {
	return d.Flags&SF_CS_ACTIVE_HIGH != 0
}

// TransceivePacket shifts length bytes through the bus. A nil txData sends
// SPIFillByte for every position; a nil rxData makes the transfer write-only.
// Returns false if any wait timed out, leaving the transfer incomplete.
// Bytes beyond length are never touched.
func (d *SharedSPIDevice) TransceivePacket(txData, rxData []byte, length int) bool {
	if (txData != nil && len(txData) < length) || (rxData != nil && len(rxData) < length) {
		return false
	}

	b := d.bus
	p := b.periph
	for i := 0; i < length; i++ {
		dOut := byte(SPIFillByte)
		if txData != nil {
			dOut = txData[i]
		}

		if b.waitForTxReady() {
			b.timeouts++
			return false
		}

		p.WriteData(dOut)

		// Transmit-only devices never produce data worth waiting for
		if rxData != nil {
			if b.waitForRxReady() {
				b.timeouts++
				return false
			}
			rxData[i] = p.ReadData()
		}
	}

	// Nobody collected the received bytes, so flush the data register
	// before the next transaction can see a stale byte
	if rxData == nil {
		b.waitForTxEmpty()
		_ = p.ReadData()
	}

	return true
}

// Tx performs one framed transaction: configure, select, transceive,
// deselect. Either buffer may be nil; if both are given they must be the
// same length.
func (d *SharedSPIDevice) Tx(w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return ErrSPIBufferSize
	}
	n := len(w)
	if len(r) > n {
		n = len(r)
	}

	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()

	d.SetupMaster()
	d.Select()
	ok := d.TransceivePacket(w, r, n)
	d.Deselect()

	if !ok {
		return ErrSPITimeout
	}
	return nil
}

// Transfer sends and receives a single byte in its own transaction
func (d *SharedSPIDevice) Transfer(b byte) (byte, error) {
	var tx, rx [1]byte
	tx[0] = b
	if err := d.Tx(tx[:], rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

// String returns the device name
func (d *SharedSPIDevice) String() string {
	return "spi:" + d.Name
}

// Duplex reports that the shared bus transfers in full duplex
func (d *SharedSPIDevice) Duplex() conn.Duplex {
	return conn.Full
}

var (
	_ drivers.SPI = (*SharedSPIDevice)(nil)
	_ conn.Conn   = (*SharedSPIDevice)(nil)
)
