// Package encoder provides position encoders for closed-loop stepper
// control. Every encoder implements Encoder; absolute encoders additionally
// implement Absolute (lookup-table calibration) and relative ones Relative.
package encoder

import "errors"

// Type identifies the encoder hardware
type Type uint8

const (
	TypeNone Type = iota
	TypeAS5047
	TypeQuadrature
)

func (t Type) String() string {
	switch t {
	case TypeAS5047:
		return "as5047"
	case TypeQuadrature:
		return "quadrature"
	default:
		return "none"
	}
}

// ParseType maps a configuration name to a Type
func ParseType(name string) (Type, bool) {
	switch name {
	case "as5047":
		return TypeAS5047, true
	case "quadrature":
		return TypeQuadrature, true
	case "", "none":
		return TypeNone, true
	}
	return TypeNone, false
}

// PositioningType tells whether readings are bounded (absolute) or a
// free-running count (relative)
type PositioningType uint8

const (
	PositioningRelative PositioningType = iota
	PositioningAbsolute
)

func (p PositioningType) String() string {
	if p == PositioningAbsolute {
		return "absolute"
	}
	return "relative"
}

var (
	ErrNoHardware    = errors.New("encoder: hardware not present")
	ErrParity        = errors.New("encoder: parity error")
	ErrEncoderFault  = errors.New("encoder: device reported an error")
	ErrLUTIncomplete = errors.New("encoder: lookup table incomplete")
	ErrBadLUT        = errors.New("encoder: stored lookup table invalid")
	ErrNoLUT         = errors.New("encoder: no stored lookup table")
	ErrSlotBusy      = errors.New("encoder: slot already holds an encoder")
)

// Encoder is the capability set shared by every encoder
type Encoder interface {
	Type() Type

	// Init performs one-time hardware bring-up
	Init() error

	// Enable starts counting; relative encoders restart from zero
	Enable()
	Disable()

	// GetReading returns the current position. It never blocks beyond the
	// bus timeout and returns an error instead of a stale value.
	GetReading() (int32, error)

	PositioningType() PositioningType

	// AppendDiagnostics appends a one-line human-readable status
	AppendDiagnostics(b []byte) []byte
}

// Absolute is an encoder with a bounded range and a calibration table
// mapping raw readings to corrected positions
type Absolute interface {
	Encoder

	// ClearLUT empties the table; readings are raw until StoreLUT succeeds
	ClearLUT()

	// StoreLUTValueForPosition records the true position, in encoder
	// counts, for the bucket containing raw
	StoreLUTValueForPosition(raw int32, external float32)

	LUTResolution() uint32
	MaxValue() uint32

	// StoreLUT activates and persists the table
	StoreLUT() error

	// LoadLUT restores a persisted table. Incomplete tables are rejected
	// with ErrBadLUT.
	LoadLUT() error

	LUTComplete() bool
}

// Relative is a free-running counter whose origin can be forced
type Relative interface {
	Encoder
	SetPosition(p int32)
}

// AsAbsolute returns e's absolute capability if it has one
func AsAbsolute(e Encoder) (Absolute, bool) {
	if e == nil || e.PositioningType() != PositioningAbsolute {
		return nil, false
	}
	a, ok := e.(Absolute)
	return a, ok
}

// AsRelative returns e's relative capability if it has one
func AsRelative(e Encoder) (Relative, bool) {
	if e == nil || e.PositioningType() != PositioningRelative {
		return nil, false
	}
	r, ok := e.(Relative)
	return r, ok
}
