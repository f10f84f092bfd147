//go:build linux && !tinygo

package main

import (
	"errors"
	"fmt"
	"io"

	"clstep/core"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

var errBadMode = errors.New("spi: mode must be 0-3")

// txConn is the part of spi.Conn the device uses
type txConn interface {
	Tx(w, r []byte) error
}

// outPin is the part of gpio.PinIO used for chip select
type outPin interface {
	Out(l gpio.Level) error
}

// spiDevice adapts a periph connection to drivers.SPI. Each device owns
// its spidev port. With a cs pin the kernel's chip select is disabled and
// the pin is driven around each transfer.
type spiDevice struct {
	name         string
	conn         txConn
	cs           outPin
	csActiveHigh bool
	one          [1]byte
	oneRx        [1]byte
}

func (d *spiDevice) String() string { return d.name }

func (d *spiDevice) Tx(w, r []byte) error {
	if r == nil {
		r = make([]byte, len(w))
	}
	if d.cs != nil {
		if err := d.cs.Out(gpio.Level(d.csActiveHigh)); err != nil {
			return err
		}
		defer d.cs.Out(gpio.Level(!d.csActiveHigh))
	}
	return d.conn.Tx(w, r)
}

func (d *spiDevice) Transfer(b byte) (byte, error) {
	d.one[0] = b
	if err := d.Tx(d.one[:], d.oneRx[:]); err != nil {
		return 0, err
	}
	return d.oneRx[0], nil
}

// periphMode maps a clock mode onto periph's, adding NoCS when chip select
// is driven by a GPIO
func periphMode(mode core.SPIMode, gpioCS bool) (spi.Mode, error) {
	var m spi.Mode
	switch mode {
	case core.SPIMode0:
		m = spi.Mode0
	case core.SPIMode1:
		m = spi.Mode1
	case core.SPIMode2:
		m = spi.Mode2
	case core.SPIMode3:
		m = spi.Mode3
	default:
		return 0, errBadMode
	}
	if gpioCS {
		m |= spi.NoCS
	}
	return m, nil
}

// openSPI opens port at rate Hz. csPin names a GPIO for chip select, empty
// to use the port's own.
func openSPI(port string, rate uint32, mode core.SPIMode, csPin string, csActiveHigh bool) (*spiDevice, io.Closer, error) {
	dev := &spiDevice{name: port, csActiveHigh: csActiveHigh}
	if csPin != "" {
		pin := gpioreg.ByName(csPin)
		if pin == nil {
			return nil, nil, fmt.Errorf("chip select %q not found", csPin)
		}
		if err := pin.Out(gpio.Level(!csActiveHigh)); err != nil {
			return nil, nil, fmt.Errorf("chip select %q: %w", csPin, err)
		}
		dev.cs = pin
		dev.name += "+" + csPin
	}

	m, err := periphMode(mode, dev.cs != nil)
	if err != nil {
		return nil, nil, err
	}
	p, err := spireg.Open(port)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", port, err)
	}
	c, err := p.Connect(physic.Frequency(rate)*physic.Hertz, m, 8)
	if err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", port, err)
	}
	dev.conn = c
	return dev, p, nil
}
