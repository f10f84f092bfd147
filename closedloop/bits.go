package closedloop

import (
	"errors"
	"strconv"
	"strings"
)

var ErrBadTuningRequest = errors.New("closedloop: unknown manoeuvre")

// TuningRequest is the set of manoeuvres still to run. The bit layout is
// part of the status interface and must not change.
type TuningRequest uint8

const (
	PolarityDetectionManoeuvre TuningRequest = 1 << iota
	ZeroingManoeuvre
	PolarityCheck
	ControlCheck
	EncoderStepsCheck
	ContinuousPhaseIncreaseManoeuvre
	StepManoeuvre
	ZieglerNicholsManoeuvre
)

const (
	MinimalTune = PolarityDetectionManoeuvre | ZeroingManoeuvre | PolarityCheck | ControlCheck | EncoderStepsCheck
	FullTune    = TuningRequest(0xFF)

	// BasicTuningManoeuvre is answered by one forward/reverse sweep pair
	BasicTuningManoeuvre = PolarityDetectionManoeuvre | ZeroingManoeuvre | PolarityCheck | EncoderStepsCheck

	// EncoderCalibrationManoeuvre builds the absolute encoder's lookup
	// table by driving the motor under encoder feedback
	EncoderCalibrationManoeuvre = ControlCheck
)

var requestNames = [8]string{
	"polarity_detection",
	"zeroing",
	"polarity_check",
	"control_check",
	"encoder_steps_check",
	"continuous_phase_increase",
	"step",
	"ziegler_nichols",
}

// Has reports whether any of bits is requested
func (r TuningRequest) Has(bits TuningRequest) bool {
	return r&bits != 0
}

func (r TuningRequest) String() string {
	return bitNames(uint8(r), &requestNames)
}

// ParseTuningRequest accepts "minimal", "full", a number, or manoeuvre
// names joined by '|' as printed by String
func ParseTuningRequest(s string) (TuningRequest, error) {
	switch s {
	case "minimal":
		return MinimalTune, nil
	case "full":
		return FullTune, nil
	}
	if v, err := strconv.ParseUint(s, 0, 8); err == nil {
		return TuningRequest(v), nil
	}

	var r TuningRequest
	for _, name := range strings.Split(s, "|") {
		bit := -1
		for i, n := range requestNames {
			if n == name {
				bit = i
				break
			}
		}
		if bit < 0 {
			return 0, ErrBadTuningRequest
		}
		r |= 1 << bit
	}
	return r, nil
}

// TuningError is the set of checks not yet passed plus failure flags. A
// bit mirrors the TuningRequest bit of the same position for bits 0-4.
type TuningError uint8

const (
	TuneErrNotFoundPolarity TuningError = 1 << iota
	TuneErrNotZeroed
	TuneErrNotCheckedPolarity
	TuneErrNotCheckedControl
	TuneErrNotCheckedEncoderSteps
	TuneErrIncorrectPolarity
	TuneErrControlFailed
	TuneErrSystemError
)

const (
	TuneErrNotPerformedMinimalTune = TuneErrNotFoundPolarity | TuneErrNotZeroed | TuneErrNotCheckedPolarity |
		TuneErrNotCheckedControl | TuneErrNotCheckedEncoderSteps
	TuneErrTuningFailure = TuneErrIncorrectPolarity | TuneErrControlFailed | TuneErrSystemError

	// Bits owned by the forward/reverse sweep verification
	tuneErrBasic = TuneErrNotFoundPolarity | TuneErrNotZeroed | TuneErrNotCheckedPolarity | TuneErrNotCheckedEncoderSteps
)

var errorNames = [8]string{
	"not_found_polarity",
	"not_zeroed",
	"not_checked_polarity",
	"not_checked_control",
	"not_checked_encoder_steps",
	"incorrect_polarity",
	"control_failed",
	"system_error",
}

// Has reports whether any of bits is set
func (e TuningError) Has(bits TuningError) bool {
	return e&bits != 0
}

func (e TuningError) String() string {
	return bitNames(uint8(e), &errorNames)
}

func bitNames(v uint8, names *[8]string) string {
	if v == 0 {
		return "none"
	}
	s := ""
	for i := 0; i < 8; i++ {
		if v&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += names[i]
	}
	return s
}

// manoeuvreGroup numbers the manoeuvre the dispatcher is running, as
// reported in bits 2-4 of the live status byte
type manoeuvreGroup uint8

const (
	groupNone manoeuvreGroup = iota
	groupBasic
	groupEncoderCalibration
	groupStep
	groupContinuousPhaseIncrease
	groupZieglerNichols
)

// nextGroup returns the manoeuvre the dispatcher picks for r, by priority
func nextGroup(r TuningRequest) manoeuvreGroup {
	switch {
	case r.Has(BasicTuningManoeuvre):
		return groupBasic
	case r.Has(EncoderCalibrationManoeuvre):
		return groupEncoderCalibration
	case r.Has(StepManoeuvre):
		return groupStep
	case r.Has(ContinuousPhaseIncreaseManoeuvre):
		return groupContinuousPhaseIncrease
	case r.Has(ZieglerNicholsManoeuvre):
		return groupZieglerNichols
	}
	return groupNone
}

func (g manoeuvreGroup) String() string {
	switch g {
	case groupBasic:
		return "basic"
	case groupEncoderCalibration:
		return "encoder_calibration"
	case groupStep:
		return "step"
	case groupContinuousPhaseIncrease:
		return "continuous_phase_increase"
	case groupZieglerNichols:
		return "ziegler_nichols"
	}
	return "none"
}
