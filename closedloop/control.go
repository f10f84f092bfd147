package closedloop

import (
	"math"

	"clstep/core"
)

// Spin runs one control tick: read the encoder, record a sample, then
// either advance tuning or correct the motor currents.
func (c *Controller) Spin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ticks++
	if c.enc == nil {
		if c.tuning != 0 {
			c.performTune()
		}
		return
	}

	reading, err := c.enc.GetReading()
	if err != nil {
		c.readErrors++
		if !c.readError {
			core.RecordEvent(core.EvtEncoderFault, c.ticks, int32(c.readErrors), 0)
		}
		c.readError = true
		return
	}
	c.readError = false
	c.currentEncoderReading = reading

	if c.calibrated {
		c.measuredSteps = c.measuredPhase() / 1024
	}
	c.recorder.Collect(Sample{
		Tick:    c.ticks,
		Reading: reading,
		Phase:   c.desiredStepPhase,
		Target:  c.targetSteps,
		Error:   c.targetSteps - c.measuredSteps,
		Tuning:  c.tuning,
	})

	if c.tuning != 0 {
		c.performTune()
	} else if c.controlActive {
		c.controlMotorCurrents()
	}
}

// ControlMotorCurrents runs the position controller on the last reading
func (c *Controller) ControlMotorCurrents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlMotorCurrents()
}

// controlMotorCurrents leads the field ahead of the measured rotor phase
// by the PID output, up to a full step, and raises the current from the
// holding level in proportion to the lead.
func (c *Controller) controlMotorCurrents() {
	if !c.controlActive || !c.calibrated {
		return
	}

	p := c.measuredPhase()
	c.measuredSteps = p / 1024
	e := c.targetSteps - c.measuredSteps
	c.lastError = e
	if abs(e) > c.maxErrorSteps {
		c.tuningError |= TuneErrControlFailed
		c.controlActive = false
		c.setMotorPhase(c.desiredStepPhase, c.holding)
		core.RecordEvent(core.EvtControlFault, c.ticks, int32(e*1000), 0)
		core.DebugPrintln("[CL] position error " + core.Ftoa(e, 2) + " steps, control stopped")
		return
	}

	c.pidIntegral = clamp(c.pidIntegral+e, -c.integralLimit, c.integralLimit)
	out := c.kp*e + c.ki*c.pidIntegral + c.kd*(e-c.pidPrevError)
	c.pidPrevError = e

	lead := clamp(out*1024, -1024, 1024)
	phase := wrapPhase(int32(math.Floor(float64(p + lead))))
	amplitude := clamp(c.holding+(1-c.holding)*abs(lead)/1024, 0, 1)
	c.setMotorPhase(phase, amplitude)
}

// measuredPhase converts the last reading to an unbounded motor phase
func (c *Controller) measuredPhase() float32 {
	return (float32(c.currentEncoderReading) - c.calibration.Origin) / c.calibration.Slope
}

// holdPosition makes the current position the target and clears the
// controller history
func (c *Controller) holdPosition() {
	c.measuredSteps = c.measuredPhase() / 1024
	c.targetSteps = c.measuredSteps
	c.lastError = 0
	c.resetPID()
}

func (c *Controller) resetPID() {
	c.pidIntegral = 0
	c.pidPrevError = 0
}
