// Package axis assembles one closed-loop stepper from its configuration:
// encoder, TMC driver, controller and the command registry that exposes
// them. Targets supply the buses and run the tick loop.
package axis

import (
	"context"
	"errors"
	"time"

	"clstep/closedloop"
	"clstep/config"
	"clstep/core"
	"clstep/encoder"
	"clstep/tmc"

	"tinygo.org/x/drivers"
)

var (
	ErrNoEncoderBus = errors.New("axis: encoder configured but no bus supplied")
	ErrNoCounter    = errors.New("axis: quadrature encoder configured but no counter supplied")
)

// Hardware is what a target provides for one axis. Unused fields may be
// nil.
type Hardware struct {
	EncoderSPI drivers.SPI
	DriverSPI  drivers.SPI
	Counter    encoder.CounterHAL
	LUTStore   encoder.LUTStore
}

// Axis is one assembled closed-loop stepper
type Axis struct {
	cfg  *config.MachineConfig
	slot encoder.Slot

	Encoder    encoder.Encoder
	Driver     *tmc.Driver
	Controller *closedloop.Controller
	Registry   *core.CommandRegistry
	State      *core.FirmwareState

	stopped bool
}

// New wires the devices described by cfg onto hw and registers the core
// and closed loop commands
func New(cfg *config.MachineConfig, hw Hardware) (*Axis, error) {
	a := &Axis{
		cfg:      cfg,
		Registry: core.NewCommandRegistry(),
		State:    core.NewFirmwareState(),
	}

	switch cfg.EncoderType() {
	case encoder.TypeAS5047:
		if hw.EncoderSPI == nil {
			return nil, ErrNoEncoderBus
		}
		store := hw.LUTStore
		if store == nil {
			store = &encoder.MemoryLUTStore{}
		}
		if _, err := a.slot.NewAS5047(hw.EncoderSPI, store, cfg.Encoder.LUTResolution); err != nil {
			return nil, err
		}
	case encoder.TypeQuadrature:
		if hw.Counter == nil {
			return nil, ErrNoCounter
		}
		if _, err := a.slot.NewQuadrature(hw.Counter); err != nil {
			return nil, err
		}
	}
	a.Encoder = a.slot.Encoder()

	var drv core.PhaseDriver
	if hw.DriverSPI != nil {
		tcfg := tmc.DefaultConfig()
		tcfg.IHold = cfg.Driver.IHold
		tcfg.IRun = cfg.Driver.IRun
		tcfg.Invert = cfg.Driver.Invert
		a.Driver = tmc.New(hw.DriverSPI, tcfg)
		drv = a.Driver
	}

	a.Controller = closedloop.NewController(cfg, a.Encoder, drv)
	core.RegisterCoreCommands(a.Registry, a.State)
	closedloop.RegisterCommands(a.Registry, a.Controller)
	return a, nil
}

// Init brings up the driver and the encoder. A missing part is logged and
// reported; the axis still serves commands so the host can see why
// tuning fails.
func (a *Axis) Init() error {
	var errs []error
	if a.Driver != nil {
		if err := a.Driver.Init(); err != nil {
			core.DebugPrintln("[AXIS] driver: " + err.Error())
			errs = append(errs, err)
		}
	}
	if a.Encoder != nil {
		if err := a.Controller.Init(); err != nil {
			core.DebugPrintln("[AXIS] encoder: " + err.Error())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tick runs one control tick. While shut down the controller is not spun
// and the coils stay unpowered.
func (a *Axis) Tick() {
	if a.State.IsShutdown() {
		if !a.stopped {
			a.stop()
			a.stopped = true
		}
		return
	}
	a.stopped = false
	a.Controller.Spin()
}

// stop cancels tuning and control and unpowers the coils
func (a *Axis) stop() {
	c := a.Controller
	c.AbortTuning()
	c.SetClosedLoopEnabled(false)
	if err := c.SetMotorPhase(c.Snapshot().Phase, 0); err != nil && a.Driver != nil {
		core.DebugPrintln("[AXIS] coil release failed: " + err.Error())
	}
}

// Period returns the tick interval for the configured rate
func (a *Axis) Period() time.Duration {
	return time.Second / time.Duration(a.cfg.Control.TickHz)
}

// Run ticks the axis until ctx is done, then unpowers the coils
func (a *Axis) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.Period())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.stop()
			return ctx.Err()
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Status returns a snapshot of the controller
func (a *Axis) Status() closedloop.Status {
	return a.Controller.Snapshot()
}
