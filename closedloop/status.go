package closedloop

import "clstep/core"

// Live status byte layout
const (
	LiveStateMask          = 0x03
	LiveGroupShift         = 2
	LiveGroupMask          = 0x07 << LiveGroupShift
	LiveMinimalTunePending = 1 << 5
	LiveTuningFailure      = 1 << 6
	LiveEncoderError       = 1 << 7
)

// States in bits 0-1 of the live status byte
const (
	LiveStateIdle    = 0
	LiveStateTuning  = 1
	LiveStateControl = 2
	LiveStateFailed  = 3
)

// ReadLiveStatus packs the controller state into one byte: the state in
// bits 0-1, the running manoeuvre group in bits 2-4, then flags for an
// outstanding minimal tune, a tuning failure and an encoder read error
// on the last tick.
func (c *Controller) ReadLiveStatus() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveStatus()
}

func (c *Controller) liveStatus() uint8 {
	state := uint8(LiveStateIdle)
	switch {
	case c.tuning != 0:
		state = LiveStateTuning
	case c.tuningError.Has(TuneErrTuningFailure):
		state = LiveStateFailed
	case c.controlActive:
		state = LiveStateControl
	}

	s := state | uint8(nextGroup(c.tuning))<<LiveGroupShift
	if c.tuningError.Has(TuneErrNotPerformedMinimalTune) {
		s |= LiveMinimalTunePending
	}
	if c.tuningError.Has(TuneErrTuningFailure) {
		s |= LiveTuningFailure
	}
	if c.readError {
		s |= LiveEncoderError
	}
	return s
}

// LiveStatusString renders a live status byte for display
func LiveStatusString(s uint8) string {
	var out string
	switch s & LiveStateMask {
	case LiveStateTuning:
		out = "tuning " + manoeuvreGroup((s&LiveGroupMask)>>LiveGroupShift).String()
	case LiveStateControl:
		out = "closed_loop"
	case LiveStateFailed:
		out = "failed"
	default:
		out = "idle"
	}
	if s&LiveMinimalTunePending != 0 {
		out += " untuned"
	}
	if s&LiveEncoderError != 0 {
		out += " encoder_error"
	}
	return out
}

// Status is a snapshot of the controller for publishing
type Status struct {
	Live          uint8   `json:"live"`
	State         string  `json:"state"`
	Tuning        string  `json:"tuning"`
	TuningMask    uint8   `json:"tuning_mask"`
	TuningError   string  `json:"tuning_error"`
	ErrorMask     uint8   `json:"error_mask"`
	LastError     string  `json:"last_error,omitempty"`
	Reading       int32   `json:"reading"`
	Phase         uint16  `json:"phase"`
	Amplitude     float32 `json:"amplitude"`
	Calibrated    bool    `json:"calibrated"`
	Slope         float32 `json:"slope"`
	Origin        float32 `json:"origin"`
	Active        bool    `json:"active"`
	TargetSteps   float32 `json:"target_steps"`
	MeasuredSteps float32 `json:"measured_steps"`
	ErrorSteps    float32 `json:"error_steps"`
	Ticks         uint32  `json:"ticks"`
	ReadErrors    uint32  `json:"read_errors"`
	DriverErrors  uint32  `json:"driver_errors"`
	Samples       int     `json:"samples_pending"`
}

// Snapshot copies the controller state
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.liveStatus()
	st := Status{
		Live:          live,
		State:         LiveStatusString(live),
		Tuning:        c.tuning.String(),
		TuningMask:    uint8(c.tuning),
		TuningError:   c.tuningError.String(),
		ErrorMask:     uint8(c.tuningError),
		Reading:       c.currentEncoderReading,
		Phase:         c.desiredStepPhase,
		Amplitude:     c.amplitude,
		Calibrated:    c.calibrated,
		Slope:         c.calibration.Slope,
		Origin:        c.calibration.Origin,
		Active:        c.controlActive,
		TargetSteps:   c.targetSteps,
		MeasuredSteps: c.measuredSteps,
		ErrorSteps:    c.targetSteps - c.measuredSteps,
		Ticks:         c.ticks,
		ReadErrors:    c.readErrors,
		DriverErrors:  c.driverErrors,
		Samples:       c.recorder.Pending(),
	}
	if c.lastTuneErr != nil {
		st.LastError = c.lastTuneErr.Error()
	}
	return st
}

type diagnoser interface {
	AppendDiagnostics(b []byte) []byte
}

// Diagnostics returns a multi-line report of the controller, encoder and
// driver
func (c *Controller) Diagnostics() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := make([]byte, 0, 256)
	b = append(b, "closedloop "...)
	b = append(b, LiveStatusString(c.liveStatus())...)
	b = append(b, " tuning="...)
	b = append(b, c.tuning.String()...)
	b = append(b, " errors="...)
	b = append(b, c.tuningError.String()...)
	b = append(b, "\n  reading="...)
	b = append(b, core.Itoa(int(c.currentEncoderReading))...)
	b = append(b, " phase="...)
	b = append(b, core.Itoa(int(c.desiredStepPhase))...)
	if c.calibrated {
		b = append(b, " slope="...)
		b = append(b, core.Ftoa(c.calibration.Slope, 4)...)
		b = append(b, " origin="...)
		b = append(b, core.Ftoa(c.calibration.Origin, 1)...)
	}
	b = append(b, " target="...)
	b = append(b, core.Ftoa(c.targetSteps, 2)...)
	b = append(b, " measured="...)
	b = append(b, core.Ftoa(c.measuredSteps, 2)...)
	b = append(b, "\n  ticks="...)
	b = append(b, core.Utoa(c.ticks)...)
	b = append(b, " read_errors="...)
	b = append(b, core.Utoa(c.readErrors)...)
	b = append(b, " driver_errors="...)
	b = append(b, core.Utoa(c.driverErrors)...)
	if c.enc != nil {
		b = append(b, "\n  "...)
		b = c.enc.AppendDiagnostics(b)
	}
	if d, ok := c.driver.(diagnoser); ok {
		b = append(b, "\n  "...)
		b = d.AppendDiagnostics(b)
	}
	return string(b)
}
