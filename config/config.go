// Package config loads the JSON description of a closed-loop axis: its
// encoder, its driver, and the tuning and control parameters.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"clstep/encoder"
)

var ErrInvalid = errors.New("config: invalid")

// EncoderConfig describes the position encoder
type EncoderConfig struct {
	Type          string  // "as5047", "quadrature" or "none"
	CountsPerRev  float32 // Encoder counts per mechanical revolution
	LUTResolution uint32  // Raw counts per LUT bucket (absolute encoders)
	LUTPath       string  // File the LUT is persisted to, empty for RAM only
	SPIPort       string  // SPI port name, e.g. "/dev/spidev0.0"
	SPIRate       uint32  // Bus clock (Hz)
	CSPin         string  // Chip select, empty when the port drives CS
	CSActiveHigh  bool
	APin          string  // Quadrature channel A; B is the next GPIO
}

// DriverConfig describes the stepper driver
type DriverConfig struct {
	Type    string // "tmc5160" or "tmc5240"
	SPIPort string
	SPIRate uint32
	CSPin   string
	IHold   uint8 // Standstill current (0-31)
	IRun    uint8 // Run current (0-31)
	Invert  bool  // Reverse motor direction
}

// TuningConfig holds the tuning manoeuvre parameters
type TuningConfig struct {
	PhaseIncrement uint16  // Phase advance per sweep sample, must divide 4096
	NumDummySteps  uint16  // Settling samples before each sweep
	StepsTolerance float32 // Allowed relative error of the measured counts per step
	StepDelta      int32   // Full steps moved by the step manoeuvre
}

// ControlConfig holds the closed-loop control parameters
type ControlConfig struct {
	Kp            float32
	Ki            float32
	Kd            float32
	IntegralLimit float32 // Clamp on the integral term (step-ticks)

	// HoldingCurrent is the standstill current in percent of full scale.
	// 0 selects the default.
	HoldingCurrent uint8
	MaxErrorSteps  float32 // Following error that trips ControlFailed
	TickHz         uint32  // Spin rate
}

// StatusConfig controls status publishing on Linux hosts
type StatusConfig struct {
	MQTTBroker        string // e.g. "tcp://localhost:1883", empty to disable
	MQTTTopic         string
	WebsocketAddr     string // e.g. ":8081", empty to disable
	PublishIntervalMS uint32
}

// MachineConfig is the complete configuration of one closed-loop axis
type MachineConfig struct {
	Name        string
	StepsPerRev uint32 // Motor full steps per revolution
	Encoder     EncoderConfig
	Driver      DriverConfig
	Tuning      TuningConfig
	Control     ControlConfig
	Status      StatusConfig
}

// LoadConfig parses a JSON configuration, applies defaults and validates
// the result
func LoadConfig(jsonData []byte) (*MachineConfig, error) {
	var config MachineConfig

	err := json.Unmarshal(jsonData, &config)
	if err != nil {
		return nil, err
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfigFile reads and parses the configuration at path
func LoadConfigFile(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// applyDefaults fills in missing configuration values
func applyDefaults(config *MachineConfig) {
	if config.Name == "" {
		config.Name = "axis0"
	}
	if config.StepsPerRev == 0 {
		config.StepsPerRev = 200
	}

	// Encoder
	enc := &config.Encoder
	if enc.Type == "" {
		enc.Type = "as5047"
	}
	switch enc.Type {
	case "as5047":
		if enc.CountsPerRev == 0 {
			enc.CountsPerRev = encoder.AS5047MaxValue
		}
		if enc.LUTResolution == 0 {
			enc.LUTResolution = encoder.AS5047DefaultLUTResolution
		}
		if enc.SPIRate == 0 {
			enc.SPIRate = encoder.AS5047SPIRate
		}
	case "quadrature":
		if enc.CountsPerRev == 0 {
			enc.CountsPerRev = 4000 // 1000 lines, x4 decoding
		}
	}

	// Driver
	drv := &config.Driver
	if drv.Type == "" {
		drv.Type = "tmc5160"
	}
	if drv.SPIRate == 0 {
		drv.SPIRate = 4000000
	}
	if drv.IHold == 0 {
		drv.IHold = 16
	}
	if drv.IRun == 0 {
		drv.IRun = 31
	}

	// Tuning
	tun := &config.Tuning
	if tun.PhaseIncrement == 0 {
		tun.PhaseIncrement = 8
	}
	if tun.NumDummySteps == 0 {
		tun.NumDummySteps = 8
	}
	if tun.StepsTolerance == 0 {
		tun.StepsTolerance = 0.1 // 10%
	}
	if tun.StepDelta == 0 {
		tun.StepDelta = 4
	}

	// Control
	ctl := &config.Control
	if ctl.Kp == 0 && ctl.Ki == 0 && ctl.Kd == 0 {
		ctl.Kp = 0.5
		ctl.Ki = 0.0005
	}
	if ctl.IntegralLimit == 0 {
		ctl.IntegralLimit = 2000
	}
	if ctl.HoldingCurrent == 0 {
		ctl.HoldingCurrent = 25
	}
	if ctl.MaxErrorSteps == 0 {
		ctl.MaxErrorSteps = 50
	}
	if ctl.TickHz == 0 {
		ctl.TickHz = 10000
	}

	// Status
	if config.Status.MQTTTopic == "" {
		config.Status.MQTTTopic = "clstep/" + config.Name + "/status"
	}
	if config.Status.PublishIntervalMS == 0 {
		config.Status.PublishIntervalMS = 200
	}
}

// Validate checks the configuration for values the controller cannot run
// with
func (c *MachineConfig) Validate() error {
	if c.StepsPerRev == 0 {
		return fmt.Errorf("%w: StepsPerRev must be positive", ErrInvalid)
	}

	typ, ok := encoder.ParseType(c.Encoder.Type)
	if !ok {
		return fmt.Errorf("%w: unknown encoder %q", ErrInvalid, c.Encoder.Type)
	}
	if typ != encoder.TypeNone && !(c.Encoder.CountsPerRev > 0) {
		return fmt.Errorf("%w: Encoder.CountsPerRev must be positive", ErrInvalid)
	}
	if typ == encoder.TypeAS5047 {
		res := c.Encoder.LUTResolution
		if res == 0 || encoder.AS5047MaxValue%res != 0 || encoder.AS5047MaxValue/res > encoder.MaxLUTEntries {
			return fmt.Errorf("%w: LUT resolution %d must divide %d into at most %d buckets",
				ErrInvalid, res, encoder.AS5047MaxValue, encoder.MaxLUTEntries)
		}
	}

	switch c.Driver.Type {
	case "tmc5160", "tmc5240":
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrInvalid, c.Driver.Type)
	}
	if c.Driver.IHold > 31 || c.Driver.IRun > 31 {
		return fmt.Errorf("%w: driver currents must be 0-31", ErrInvalid)
	}

	inc := c.Tuning.PhaseIncrement
	if inc == 0 || inc > 2048 || 4096%inc != 0 {
		return fmt.Errorf("%w: phase increment %d must divide 4096", ErrInvalid, inc)
	}
	if !(c.Tuning.StepsTolerance > 0 && c.Tuning.StepsTolerance < 1) {
		return fmt.Errorf("%w: StepsTolerance must be between 0 and 1", ErrInvalid)
	}

	if c.Control.HoldingCurrent > 100 {
		return fmt.Errorf("%w: holding current %d%% above 100%%", ErrInvalid, c.Control.HoldingCurrent)
	}
	for _, v := range []float32{c.Control.Kp, c.Control.Ki, c.Control.Kd, c.Control.IntegralLimit} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) || v < 0 {
			return fmt.Errorf("%w: PID gains and limits must be finite and non-negative", ErrInvalid)
		}
	}
	if !(c.Control.MaxErrorSteps > 0) {
		return fmt.Errorf("%w: MaxErrorSteps must be positive", ErrInvalid)
	}
	if c.Control.TickHz == 0 {
		return fmt.Errorf("%w: TickHz must be positive", ErrInvalid)
	}
	return nil
}

// CountsPerStep returns encoder counts per motor full step
func (c *MachineConfig) CountsPerStep() float32 {
	return c.Encoder.CountsPerRev / float32(c.StepsPerRev)
}

// EncoderType returns the parsed encoder type
func (c *MachineConfig) EncoderType() encoder.Type {
	typ, _ := encoder.ParseType(c.Encoder.Type)
	return typ
}

// DefaultConfig returns the configuration of an AS5047 on a 200-step motor
// driven by a TMC5160
func DefaultConfig() *MachineConfig {
	var config MachineConfig
	applyDefaults(&config)
	return &config
}
