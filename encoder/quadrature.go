package encoder

import "clstep/core"

// CounterHAL is a hardware quadrature decoder with a 16-bit counter
type CounterHAL interface {
	// Init brings the decoder up, returning ErrNoHardware if it is missing
	Init() error
	Enable()
	Disable()
	// Reset zeroes the counter
	Reset()
	Count() uint16
}

// QuadratureEncoder is a relative encoder over a 16-bit hardware counter
type QuadratureEncoder struct {
	hal     CounterHAL
	tracker OverflowTracker
	offset  int32
	enabled bool
}

// NewQuadrature creates a quadrature encoder over hal
func NewQuadrature(hal CounterHAL) *QuadratureEncoder {
	q := &QuadratureEncoder{}
	q.setup(hal)
	return q
}

func (q *QuadratureEncoder) setup(hal CounterHAL) {
	*q = QuadratureEncoder{hal: hal}
}

func (q *QuadratureEncoder) Type() Type { return TypeQuadrature }

func (q *QuadratureEncoder) PositioningType() PositioningType { return PositioningRelative }

func (q *QuadratureEncoder) Init() error {
	if q.hal == nil {
		return ErrNoHardware
	}
	return q.hal.Init()
}

// Enable zeroes the counter and the tracked position before counting
func (q *QuadratureEncoder) Enable() {
	if q.hal == nil {
		return
	}
	q.hal.Reset()
	q.tracker.Set(0)
	q.offset = 0
	q.hal.Enable()
	q.enabled = true
}

func (q *QuadratureEncoder) Disable() {
	if q.hal != nil {
		q.hal.Disable()
	}
	q.enabled = false
}

func (q *QuadratureEncoder) GetReading() (int32, error) {
	if q.hal == nil {
		return 0, ErrNoHardware
	}
	return q.tracker.Update(q.hal.Count()) + q.offset, nil
}

// SetPosition makes the current position read as p
func (q *QuadratureEncoder) SetPosition(p int32) {
	if q.hal == nil {
		return
	}
	q.offset = p - q.tracker.Update(q.hal.Count())
}

func (q *QuadratureEncoder) AppendDiagnostics(b []byte) []byte {
	b = append(b, "quadrature pos="...)
	b = append(b, core.Itoa(int(q.tracker.Position()+q.offset))...)
	b = append(b, " overflows="...)
	b = append(b, core.Itoa(int(q.tracker.Overflows()))...)
	if !q.enabled {
		b = append(b, " disabled"...)
	}
	return b
}
