//go:build rp2040

package main

import (
	"device/rp"
	"errors"
	"machine"

	"clstep/core"
)

// sspBusPins are the pin sets each SSP controller can be routed to
type sspBusPins struct {
	spi  *machine.SPI
	sck  machine.Pin
	sdo  machine.Pin
	sdi  machine.Pin
	name string
}

var sspBuses = map[string]sspBusPins{
	"spi0a": {spi: machine.SPI0, sck: machine.GPIO2, sdo: machine.GPIO3, sdi: machine.GPIO0, name: "spi0a"},
	"spi0b": {spi: machine.SPI0, sck: machine.GPIO6, sdo: machine.GPIO7, sdi: machine.GPIO4, name: "spi0b"},
	"spi0c": {spi: machine.SPI0, sck: machine.GPIO18, sdo: machine.GPIO19, sdi: machine.GPIO16, name: "spi0c"},
	"spi0d": {spi: machine.SPI0, sck: machine.GPIO22, sdo: machine.GPIO23, sdi: machine.GPIO20, name: "spi0d"},
	"spi1a": {spi: machine.SPI1, sck: machine.GPIO10, sdo: machine.GPIO11, sdi: machine.GPIO8, name: "spi1a"},
	"spi1b": {spi: machine.SPI1, sck: machine.GPIO14, sdo: machine.GPIO15, sdi: machine.GPIO12, name: "spi1b"},
	"spi1c": {spi: machine.SPI1, sck: machine.GPIO26, sdo: machine.GPIO27, sdi: machine.GPIO24, name: "spi1c"},
}

var errUnknownBus = errors.New("spi: unknown bus (spi0a-spi0d, spi1a-spi1c)")

// sspPeripheral is the PL022 SSP controller seen through core.SPIPeripheral.
// machine.SPI routes the pins; transfers poll the status register directly.
type sspPeripheral struct {
	pins sspBusPins
	regs *rp.SPI0_Type
	mode core.SPIMode
	rate uint32
}

func newSSPPeripheral(bus string) (*sspPeripheral, error) {
	pins, ok := sspBuses[bus]
	if !ok {
		return nil, errUnknownBus
	}
	return &sspPeripheral{pins: pins, regs: pins.spi.Bus}, nil
}

// Enable routes the pins and turns the controller on in master mode
func (p *sspPeripheral) Enable() {
	p.pins.spi.Configure(machine.SPIConfig{
		Frequency: 1000000,
		SCK:       p.pins.sck,
		SDO:       p.pins.sdo,
		SDI:       p.pins.sdi,
	})
}

// Configure reprograms clock polarity, phase and rate. The controller is
// briefly disabled because the PL022 latches CR0 only while idle.
func (p *sspPeripheral) Configure(mode core.SPIMode, rate uint32) {
	if mode == p.mode && rate == p.rate {
		return
	}
	p.regs.SSPCR1.ClearBits(rp.SPI0_SSPCR1_SSE)
	if rate != p.rate {
		p.pins.spi.SetBaudRate(rate)
	}
	cr0 := p.regs.SSPCR0.Get() &^ (rp.SPI0_SSPCR0_SPO | rp.SPI0_SSPCR0_SPH)
	if mode.CPOL() {
		cr0 |= rp.SPI0_SSPCR0_SPO
	}
	if mode.CPHA() {
		cr0 |= rp.SPI0_SSPCR0_SPH
	}
	p.regs.SSPCR0.Set(cr0)
	p.regs.SSPCR1.SetBits(rp.SPI0_SSPCR1_SSE)
	p.mode, p.rate = mode, rate
}

// The PL022 has no separate receive enable; dropping stale bytes gives the
// same effect
func (p *sspPeripheral) EnableReceiver() {}

func (p *sspPeripheral) DisableReceiver() {
	for p.RxReady() {
		_ = p.ReadData()
	}
}

func (p *sspPeripheral) TxReady() bool { return p.regs.SSPSR.HasBits(rp.SPI0_SSPSR_TNF) }

func (p *sspPeripheral) TxComplete() bool {
	return p.regs.SSPSR.HasBits(rp.SPI0_SSPSR_TFE) && !p.regs.SSPSR.HasBits(rp.SPI0_SSPSR_BSY)
}

func (p *sspPeripheral) RxReady() bool { return p.regs.SSPSR.HasBits(rp.SPI0_SSPSR_RNE) }

func (p *sspPeripheral) WriteData(b byte) { p.regs.SSPDR.Set(uint32(b)) }

func (p *sspPeripheral) ReadData() byte { return byte(p.regs.SSPDR.Get()) }
