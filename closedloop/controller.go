// Package closedloop runs a stepper motor under encoder feedback. A
// Controller is ticked by Spin; while tuning is requested each tick
// advances one tuning manoeuvre, otherwise it runs current control.
package closedloop

import (
	"errors"
	"sync"

	"clstep/config"
	"clstep/core"
	"clstep/encoder"
)

var (
	ErrUnimplemented  = errors.New("closedloop: manoeuvre not implemented")
	ErrNotDirectDrive = errors.New("closedloop: driver not in direct mode")
	ErrNoEncoder      = errors.New("closedloop: no encoder")
	ErrNotTuned       = errors.New("closedloop: basic tuning has not succeeded")
	ErrBusy           = errors.New("closedloop: tuning or closed-loop control in progress")
)

// Controller owns the closed-loop state of one motor. All methods are
// safe for concurrent use; Spin holds the lock for one tick.
type Controller struct {
	mu sync.Mutex

	enc    encoder.Encoder
	driver core.PhaseDriver

	countsPerStep  float32
	phaseIncrement uint16
	numDummySteps  uint16
	stepsTolerance float32
	stepDelta      float32
	kp, ki, kd     float32
	integralLimit  float32
	maxErrorSteps  float32
	holding        float32 // Holding current, 0-1

	desiredStepPhase uint16
	amplitude        float32
	driverErrors     uint32

	tuning        TuningRequest
	tuningError   TuningError
	newTuningMove bool
	running       manoeuvreGroup
	lastTuneErr   error

	currentEncoderReading int32
	readError             bool
	readErrors            uint32
	ticks                 uint32

	reversePolarity bool
	forwardResult   CalibrationResult
	reverseResult   CalibrationResult
	calibration     CalibrationResult
	calibrated      bool

	controlActive bool
	targetSteps   float32
	measuredSteps float32
	pidIntegral   float32
	pidPrevError  float32
	lastError     float32

	basic basicTuningState
	cal   calibrationState

	recorder Recorder
}

// NewController creates a controller for the axis described by cfg. enc
// may be nil when no encoder is fitted; tuning then fails with a system
// error.
func NewController(cfg *config.MachineConfig, enc encoder.Encoder, drv core.PhaseDriver) *Controller {
	c := &Controller{
		enc:            enc,
		driver:         drv,
		countsPerStep:  cfg.CountsPerStep(),
		phaseIncrement: cfg.Tuning.PhaseIncrement,
		numDummySteps:  cfg.Tuning.NumDummySteps,
		stepsTolerance: cfg.Tuning.StepsTolerance,
		stepDelta:      float32(cfg.Tuning.StepDelta),
		kp:             cfg.Control.Kp,
		ki:             cfg.Control.Ki,
		kd:             cfg.Control.Kd,
		integralLimit:  cfg.Control.IntegralLimit,
		maxErrorSteps:  cfg.Control.MaxErrorSteps,
		holding:        float32(cfg.Control.HoldingCurrent) / 100,
		tuningError:    TuneErrNotPerformedMinimalTune,
		newTuningMove:  true,
	}
	return c
}

// Init brings up the encoder and starts it counting
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enc == nil {
		return ErrNoEncoder
	}
	if err := c.enc.Init(); err != nil {
		return err
	}
	c.enc.Enable()
	return nil
}

// StartTuning replaces the pending manoeuvres with mask. A new request
// clears a previous system error. An absolute encoder drops its lookup
// table when it is to be recalibrated or is incomplete.
func (c *Controller) StartTuning(mask TuningRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mask == 0 {
		return
	}
	c.tuning = mask
	c.newTuningMove = true
	if lutEnc, ok := encoder.AsAbsolute(c.enc); ok &&
		(mask.Has(EncoderCalibrationManoeuvre) || !lutEnc.LUTComplete()) {
		// A partial table fails every read, which would stall the
		// manoeuvres before they run
		lutEnc.ClearLUT()
	}
	c.tuningError &^= TuneErrSystemError
	c.lastTuneErr = nil
	core.RecordEvent(core.EvtTuneStart, c.ticks, int32(mask), 0)
	core.DebugPrintln("[CL] tuning " + mask.String())
}

// AbortTuning cancels all pending manoeuvres. The motor is held at its
// current phase with holding current.
func (c *Controller) AbortTuning() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tuning == 0 {
		return
	}
	c.tuning = 0
	c.newTuningMove = true
	c.running = groupNone
	c.setMotorPhase(c.desiredStepPhase, c.holding)
	core.DebugPrintln("[CL] tuning aborted")
}

// SetHoldingCurrent sets the standstill current in percent of full scale
func (c *Controller) SetHoldingCurrent(percent float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holding = clamp(percent, 0, 100) / 100
}

// SetClosedLoopEnabled turns current control on or off. Enabling needs a
// successful basic tuning and clears a previous control failure.
func (c *Controller) SetClosedLoopEnabled(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !enable {
		c.controlActive = false
		return nil
	}
	if c.driver == nil || c.driver.DriverMode() != core.DriverModeDirect {
		return ErrNotDirectDrive
	}
	if c.enc == nil {
		return ErrNoEncoder
	}
	if !c.calibrated || c.tuningError.Has(TuneErrIncorrectPolarity|TuneErrSystemError) {
		return ErrNotTuned
	}
	c.tuningError &^= TuneErrControlFailed
	c.holdPosition()
	c.controlActive = true
	return nil
}

// AdjustTargetMotorSteps moves the closed-loop target by delta full steps
func (c *Controller) AdjustTargetMotorSteps(delta float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adjustTargetMotorSteps(delta)
}

func (c *Controller) adjustTargetMotorSteps(delta float32) {
	c.targetSteps += delta
	if delta != 0 {
		c.recorder.NotifyMove()
	}
}

// SetMotorPhase drives the motor open loop. It is refused while tuning or
// closed-loop control own the driver.
func (c *Controller) SetMotorPhase(phase uint16, amplitude float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tuning != 0 || c.controlActive {
		return ErrBusy
	}
	if c.driver == nil {
		return ErrNotDirectDrive
	}
	return c.setMotorPhase(phase, clamp(amplitude, 0, 1))
}

// setMotorPhase commands the driver and records the phase on success
func (c *Controller) setMotorPhase(phase uint16, amplitude float32) error {
	if c.driver == nil {
		return ErrNotDirectDrive
	}
	phase &= 4095
	if err := c.driver.SetMotorPhase(phase, amplitude); err != nil {
		c.driverErrors++
		if errors.Is(err, core.ErrSPITimeout) {
			core.RecordEvent(core.EvtSPITimeout, c.ticks, int32(phase), 0)
		}
		return err
	}
	c.desiredStepPhase = phase
	c.amplitude = amplitude
	return nil
}

// StartDataCollection starts recording count samples
func (c *Controller) StartDataCollection(count int, mode RecordingMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorder.Start(count, mode)
}

// DrainSamples moves recorded samples into dst
func (c *Controller) DrainSamples(dst []Sample) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorder.Drain(dst)
}

// Tuning returns the pending manoeuvres
func (c *Controller) Tuning() TuningRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tuning
}

// TuningError returns the outstanding tuning errors
func (c *Controller) TuningError() TuningError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tuningError
}

// LastTuneError returns the error that ended the last failed manoeuvre
func (c *Controller) LastTuneError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTuneErr
}

// ClosedLoopActive reports whether current control is running
func (c *Controller) ClosedLoopActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlActive
}

// Calibration returns the committed sweep calibration
func (c *Controller) Calibration() (CalibrationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calibration, c.calibrated
}
