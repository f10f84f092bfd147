package core

// DriverMode is the way a stepper driver accepts motion commands
type DriverMode uint8

const (
	// DriverModeStepDir drivers take step/dir pulses and sequence the coils
	// themselves
	DriverModeStepDir DriverMode = iota

	// DriverModeDirect drivers take coil currents from the host, so the
	// electrical phase is under firmware control
	DriverModeDirect
)

func (m DriverMode) String() string {
	if m == DriverModeDirect {
		return "direct"
	}
	return "step/dir"
}

// PhaseDriver is the hardware abstraction for commanding a stepper's
// electrical phase and current. Implementations sit on a driver chip's
// direct coil-current interface.
type PhaseDriver interface {
	// SetMotorPhase drives the coils to phase (0-4095 per electrical
	// cycle, four full steps) at amplitude (0-1 of full current)
	SetMotorPhase(phase uint16, amplitude float32) error

	// DriverMode reports how the driver is currently configured
	DriverMode() DriverMode
}
