//go:build rp2040

// Firmware for one closed-loop axis on an RP2040 board. The command link
// runs over USB CDC; the encoder and the TMC driver share an SSP bus, or a
// quadrature encoder is decoded by PIO.
package main

import (
	_ "embed"
	"machine"
	"time"

	"clstep/axis"
	"clstep/config"
	"clstep/core"
	"clstep/encoder"
	"clstep/tmc"
)

//go:embed clstep.json
var configJSON []byte

var (
	debugUART = machine.UART0

	usbBuf  [64]byte
	usbErrs uint32
)

// usbWriter sends link output to the USB serial port
type usbWriter struct{}

func (usbWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := machine.Serial.Write(p[written:])
		if err != nil {
			usbErrs++
			return written, err
		}
		if n == 0 {
			usbErrs++
			return written, nil
		}
		written += n
	}
	return written, nil
}

func main() {
	// A watchdog armed before the last reset must not fire again
	_ = machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})

	_ = machine.Serial.Configure(machine.UARTConfig{})
	initDebug()

	cfg, err := config.LoadConfig(configJSON)
	if err != nil {
		core.DebugPrintln("[BOOT] config: " + err.Error())
		cfg = config.DefaultConfig()
	}

	core.SetGPIODriver(newPinDriver())
	hw, err := openHardware(cfg)
	if err != nil {
		core.DebugPrintln("[BOOT] hardware: " + err.Error())
	}

	a, err := axis.New(cfg, hw)
	if err != nil {
		// Serve the bare core commands so the host can still connect
		core.DebugPrintln("[BOOT] axis: " + err.Error())
		cfg.Encoder.Type = "none"
		a, _ = axis.New(cfg, axis.Hardware{DriverSPI: hw.DriverSPI})
	}
	if err := a.Init(); err != nil {
		core.DebugPrintln("[BOOT] init: " + err.Error())
	}

	link := core.NewLink(a.Registry, usbWriter{})
	period := uint64(a.Period() / time.Microsecond)
	next := uptimeMicros()

	for {
		now := uptimeMicros()
		updateSystemTime(now)

		if n := machine.Serial.Buffered(); n > 0 {
			if n > len(usbBuf) {
				n = len(usbBuf)
			}
			got := 0
			for got < n {
				b, err := machine.Serial.ReadByte()
				if err != nil {
					break
				}
				usbBuf[got] = b
				got++
			}
			link.Feed(usbBuf[:got])
		}

		// Reset only after the ACK for the reset command has gone out
		if a.State.ResetRequested() {
			watchdogReset()
		}

		if now >= next {
			a.Tick()
			next += period
			if now > next+period {
				// Fell behind; skip the backlog rather than burst
				next = now + period
			}
		}
	}
}

func openHardware(cfg *config.MachineConfig) (axis.Hardware, error) {
	var hw axis.Hardware
	buses := map[string]*core.SharedSPIBus{}
	bus := func(name string) (*core.SharedSPIBus, error) {
		if b, ok := buses[name]; ok {
			return b, nil
		}
		p, err := newSSPPeripheral(name)
		if err != nil {
			return nil, err
		}
		b := core.NewSharedSPIBus(p)
		buses[name] = b
		return b, nil
	}
	device := func(busName, name string, mode core.SPIMode, rate uint32, cs string, csActiveHigh bool) (*core.SharedSPIDevice, error) {
		b, err := bus(busName)
		if err != nil {
			return nil, err
		}
		var d *core.SharedSPIDevice
		if cs == "" {
			d = core.NewSharedSPIDeviceWithoutCS(b, name, mode, rate)
		} else {
			pin, err := parsePin(cs)
			if err != nil {
				return nil, err
			}
			d = core.NewSharedSPIDevice(b, name, mode, rate, pin, csActiveHigh)
		}
		return d, d.InitMaster()
	}

	switch cfg.EncoderType() {
	case encoder.TypeAS5047:
		d, err := device(cfg.Encoder.SPIPort, "encoder", encoder.AS5047SPIMode,
			cfg.Encoder.SPIRate, cfg.Encoder.CSPin, cfg.Encoder.CSActiveHigh)
		if err != nil {
			return hw, err
		}
		hw.EncoderSPI = d
	case encoder.TypeQuadrature:
		pin, err := parsePin(cfg.Encoder.APin)
		if err != nil {
			return hw, err
		}
		hw.Counter = newPIOCounter(0, 0, machine.Pin(pin))
	}

	if cfg.Driver.SPIPort != "" {
		d, err := device(cfg.Driver.SPIPort, "driver", core.SPIMode(tmc.SPIMode),
			cfg.Driver.SPIRate, cfg.Driver.CSPin, false)
		if err != nil {
			return hw, err
		}
		hw.DriverSPI = d
	}
	return hw, nil
}

// watchdogReset restarts the chip through the watchdog, which also
// re-enumerates USB
func watchdogReset() {
	_ = machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1})
	_ = machine.Watchdog.Start()
	for {
		time.Sleep(time.Millisecond)
	}
}

// initDebug sends controller debug output to UART0 (GPIO0/GPIO1), keeping
// it off the USB link
func initDebug() {
	err := debugUART.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.UART0_TX_PIN,
		RX:       machine.UART0_RX_PIN,
	})
	if err != nil {
		return
	}
	core.SetDebugWriter(func(s string) {
		debugUART.Write([]byte(s))
		debugUART.Write([]byte("\r\n"))
	})
	core.SetDebugEnabled(true)
}
