//go:build rp2040

package main

import (
	"errors"
	"machine"

	"clstep/core"
)

const numGPIO = 30

var errBadPin = errors.New("gpio: pin must be gpio0-gpio29")

// pinDriver implements core.GPIODriver over machine.Pin. The shared SPI bus
// drives chip selects through it.
type pinDriver struct {
	configured map[core.GPIOPin]machine.Pin
}

func newPinDriver() *pinDriver {
	return &pinDriver{configured: make(map[core.GPIOPin]machine.Pin)}
}

// ConfigureOutput configures a pin as a digital output
func (d *pinDriver) ConfigureOutput(pin core.GPIOPin) error {
	if pin >= numGPIO {
		return errBadPin
	}
	if _, ok := d.configured[pin]; ok {
		return nil
	}
	p := machine.Pin(pin)
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	d.configured[pin] = p
	return nil
}

func (d *pinDriver) SetPin(pin core.GPIOPin, value bool) error {
	p, ok := d.configured[pin]
	if !ok {
		if err := d.ConfigureOutput(pin); err != nil {
			return err
		}
		p = d.configured[pin]
	}
	p.Set(value)
	return nil
}

// GetPin reads back a configured pin; unconfigured pins read low
func (d *pinDriver) GetPin(pin core.GPIOPin) (bool, error) {
	p, ok := d.configured[pin]
	if !ok {
		return false, nil
	}
	return p.Get(), nil
}

// parsePin accepts "gpioN" or a bare number
func parsePin(name string) (core.GPIOPin, error) {
	if len(name) > 4 && name[:4] == "gpio" {
		name = name[4:]
	}
	if name == "" || len(name) > 2 {
		return 0, errBadPin
	}
	n := 0
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '0' || c > '9' {
			return 0, errBadPin
		}
		n = n*10 + int(c-'0')
	}
	if n >= numGPIO {
		return 0, errBadPin
	}
	return core.GPIOPin(n), nil
}
