package closedloop

import (
	"math"

	"clstep/core"
	"clstep/encoder"
)

type basicState uint8

const (
	forwardSettle basicState = iota
	forwardSweep
	reverseSettle
	reverseSweep
)

type basicTuningState struct {
	state        basicState
	stepCounter  uint16
	initialPhase uint16
	acc          RegressionAccumulator
	retry        bool // Last phase advance failed; resend before sampling
}

type calibrationState struct {
	target   int32
	counter  int32 // Unbounded phase
	dir      int32
	anchor   int32
	anchored bool
	stored   uint32
	ticks    uint32 // Spent on the current target
	budget   uint32
}

// manoeuvre advances one tuning manoeuvre by a tick
type manoeuvre func(c *Controller, firstIteration bool) (finished bool, err error)

// PerformTune advances the highest priority pending manoeuvre by one tick
func (c *Controller) PerformTune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.performTune()
}

func (c *Controller) performTune() {
	if c.tuning == 0 {
		c.newTuningMove = true
		c.running = groupNone
		return
	}

	if c.driver == nil || c.driver.DriverMode() != core.DriverModeDirect {
		c.failTuning(ErrNotDirectDrive)
		return
	}
	if c.enc == nil {
		c.failTuning(ErrNoEncoder)
		return
	}

	first := c.newTuningMove
	group := nextGroup(c.tuning)
	var run manoeuvre
	switch group {
	case groupBasic:
		if first && c.tuning.Has(EncoderCalibrationManoeuvre) {
			// The sweeps must see raw readings
			if lutEnc, ok := encoder.AsAbsolute(c.enc); ok {
				lutEnc.ClearLUT()
			}
		}
		run = (*Controller).basicTuning
	case groupEncoderCalibration:
		run = (*Controller).encoderCalibration
	case groupStep:
		run = (*Controller).stepManoeuvre
	default:
		run = unimplementedManoeuvre
	}
	c.running = group

	finished, err := run(c, first)
	if err != nil {
		c.failTuning(err)
		return
	}
	c.newTuningMove = finished
	if !finished {
		return
	}

	if group == groupBasic {
		c.tuning &^= BasicTuningManoeuvre
	} else {
		c.tuning = 0
	}
	if c.tuning == 0 {
		c.running = groupNone
	}
	core.RecordEvent(core.EvtTuneDone, c.ticks, int32(c.tuning), int32(c.tuningError))
	core.DebugPrintln("[CL] " + group.String() + " done, errors " + c.tuningError.String())
}

// failTuning cancels every pending manoeuvre
func (c *Controller) failTuning(err error) {
	c.tuningError |= TuneErrSystemError
	c.lastTuneErr = err
	c.tuning = 0
	c.newTuningMove = true
	c.running = groupNone
	core.RecordEvent(core.EvtTuneFail, c.ticks, int32(c.tuningError), 0)
	core.DebugPrintln("[CL] tuning failed: " + err.Error())
}

func unimplementedManoeuvre(c *Controller, firstIteration bool) (bool, error) {
	return false, ErrUnimplemented
}

// basicTuning walks the phase forward then back over one electrical cycle,
// fitting the encoder reading against phase on each sweep. Every sweep is
// preceded by a few unsampled steps so the rotor has caught up with the
// field when sampling starts.
func (c *Controller) basicTuning(firstIteration bool) (bool, error) {
	b := &c.basic
	inc := c.phaseIncrement
	if firstIteration {
		*b = basicTuningState{state: forwardSettle}
		c.reversePolarity = false
		c.calibrated = false
		c.controlActive = false
		c.tuningError = c.tuningError&^TuneErrIncorrectPolarity | tuneErrBasic
	}

	switch b.state {
	case forwardSettle, reverseSettle:
		next := c.desiredStepPhase + inc
		if b.state == reverseSettle {
			next = c.desiredStepPhase - inc
		}
		if c.setMotorPhase(next, 1) != nil {
			return false, nil
		}
		b.stepCounter++
		if b.stepCounter >= c.numDummySteps {
			b.stepCounter = 0
			b.acc.Reset(uint(4096 / inc))
			b.initialPhase = c.desiredStepPhase
			b.state++
		}

	case forwardSweep, reverseSweep:
		reverse := b.state == reverseSweep
		if !b.retry {
			b.acc.Add(c.currentEncoderReading)
			if b.acc.Done() {
				c.saveBasicTuningResult(b.acc.Result(float32(b.initialPhase), inc, reverse))
				if reverse {
					c.finishedBasicTuning()
					return true, nil
				}
				b.state = reverseSettle
				return false, nil
			}
		}
		next := c.desiredStepPhase + inc
		if reverse {
			next = c.desiredStepPhase - inc
		}
		b.retry = c.setMotorPhase(next, 1) != nil
	}
	return false, nil
}

// SaveBasicTuningResult verifies one sweep. The forward sweep establishes
// polarity and zero; the reverse sweep checks polarity and the encoder
// resolution and, if both agree, commits their mean.
func (c *Controller) SaveBasicTuningResult(r CalibrationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveBasicTuningResult(r)
}

func (c *Controller) saveBasicTuningResult(r CalibrationResult) {
	rev := int32(0)
	if r.Reverse {
		rev = 1
	}
	core.RecordEvent(core.EvtSweepDone, c.ticks, int32(r.Slope*1000), rev)

	if !r.Reverse {
		c.forwardResult = r
		if finite(r.Slope) && r.Slope != 0 {
			c.tuningError &^= TuneErrNotFoundPolarity
			c.reversePolarity = r.Slope < 0
		}
		if finite(r.Origin) {
			c.tuningError &^= TuneErrNotZeroed
		}
		return
	}

	c.reverseResult = r
	forwardOK := !c.tuningError.Has(TuneErrNotFoundPolarity | TuneErrNotZeroed)
	if forwardOK && finite(r.Slope) && r.Slope != 0 && (r.Slope < 0) == c.reversePolarity {
		c.tuningError &^= TuneErrNotCheckedPolarity
	} else {
		c.tuningError |= TuneErrIncorrectPolarity
	}

	expected := c.countsPerStep / 1024
	if finite(r.Slope) && abs(abs(r.Slope)-expected) <= expected*c.stepsTolerance {
		c.tuningError &^= TuneErrNotCheckedEncoderSteps
	}

	if !forwardOK || c.tuningError.Has(TuneErrIncorrectPolarity) || !finite(r.Origin) {
		return
	}

	// The sweeps may have crossed an electrical cycle boundary between them;
	// move the reverse origin to the cycle nearest the forward one
	f := c.forwardResult
	cycle := 4096 * r.Slope
	origin := r.Origin + float32(math.Round(float64((f.Origin-r.Origin)/cycle)))*cycle
	c.calibration = CalibrationResult{
		Slope:          (f.Slope + r.Slope) / 2,
		Origin:         (f.Origin + origin) / 2,
		ReferencePhase: (f.ReferencePhase + r.ReferencePhase) / 2,
		Reverse:        c.reversePolarity,
	}
	c.calibrated = true
}

// FinishedBasicTuning resets the control loop onto the new calibration and
// activates it unless tuning failed
func (c *Controller) FinishedBasicTuning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishedBasicTuning()
}

func (c *Controller) finishedBasicTuning() {
	c.controlActive = c.calibrated &&
		!c.tuningError.Has(TuneErrTuningFailure|TuneErrNotFoundPolarity|TuneErrNotZeroed)
	if c.controlActive {
		c.holdPosition()
	}
	core.DebugPrintln("[CL] basic tuning slope " + core.Ftoa(c.calibration.Slope, 4) +
		" origin " + core.Ftoa(c.calibration.Origin, 1))
}

// encoderCalibration drives the motor so the raw reading visits every LUT
// bucket boundary in turn, storing the motor position found at each. The
// phase is nudged one unit per tick towards the current target reading.
func (c *Controller) encoderCalibration(firstIteration bool) (bool, error) {
	lutEnc, ok := encoder.AsAbsolute(c.enc)
	if !ok {
		c.tuningError &^= TuneErrNotCheckedControl
		return true, nil
	}

	s := &c.cal
	if firstIteration {
		lutEnc.ClearLUT()
		c.tuningError |= TuneErrNotCheckedControl
		*s = calibrationState{
			counter: int32(c.desiredStepPhase),
			dir:     1,
			budget:  c.calibrationBudget(lutEnc.MaxValue()),
		}
		if c.reversePolarity {
			s.dir = -1
		}
	}

	s.ticks++
	if s.ticks > s.budget {
		// The reading stepped over the target or the rotor is not following
		core.DebugPrintln("[CL] LUT target " + core.Itoa(int(s.target)) + " not reached, calibration abandoned")
		core.RecordEvent(core.EvtTuneFail, c.ticks, int32(c.tuningError), s.target)
		if c.controlActive {
			c.holdPosition()
		}
		return true, nil
	}

	reading := c.currentEncoderReading
	switch {
	case reading < s.target:
		s.counter += s.dir
	case reading > s.target:
		s.counter -= s.dir
	default:
		if !s.anchored {
			s.anchor, s.anchored = s.counter, true
		}
		external := float32((s.counter-s.anchor)*s.dir) * c.countsPerStep / 1024
		lutEnc.StoreLUTValueForPosition(reading, external)
		s.stored++
		s.target += int32(lutEnc.LUTResolution())
		s.ticks = 0
		s.budget = c.calibrationBudget(lutEnc.LUTResolution())
	}

	if s.target >= int32(lutEnc.MaxValue()) {
		if err := lutEnc.StoreLUT(); err != nil {
			core.DebugPrintln("[CL] LUT store failed: " + err.Error())
		} else {
			c.tuningError &^= TuneErrNotCheckedControl
			core.RecordEvent(core.EvtLUTStored, c.ticks, int32(s.stored), 0)
		}
		if c.controlActive {
			c.holdPosition()
		}
		return true, nil
	}

	c.setMotorPhase(wrapPhase(s.counter), 1)
	return false, nil
}

// calibrationBudget bounds the ticks spent seeking one LUT target that is
// up to counts away: four times the phase travel plus a full electrical
// cycle. The first target may be anywhere in the range.
func (c *Controller) calibrationBudget(counts uint32) uint32 {
	travel := float32(4096)
	if cps := abs(c.countsPerStep); cps > 0 && finite(cps) {
		travel += float32(counts) * 1024 / cps
	}
	return 4 * uint32(travel)
}

// stepManoeuvre offsets the target so the step response can be recorded
func (c *Controller) stepManoeuvre(firstIteration bool) (bool, error) {
	c.adjustTargetMotorSteps(c.stepDelta)
	return true, nil
}
