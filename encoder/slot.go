package encoder

import "tinygo.org/x/drivers"

// Slot holds storage for one encoder of each kind and hands out at most
// one live encoder at a time, so firmware never allocates an encoder on
// the heap after boot
type Slot struct {
	as5047     AS5047
	quadrature QuadratureEncoder
	active     Encoder
}

// NewAS5047 places an AS5047 in the slot
func (s *Slot) NewAS5047(spi drivers.SPI, store LUTStore, lutResolution uint32) (*AS5047, error) {
	if s.active != nil {
		return nil, ErrSlotBusy
	}
	if err := s.as5047.setup(spi, store, lutResolution); err != nil {
		return nil, err
	}
	s.active = &s.as5047
	return &s.as5047, nil
}

// NewQuadrature places a quadrature encoder in the slot
func (s *Slot) NewQuadrature(hal CounterHAL) (*QuadratureEncoder, error) {
	if s.active != nil {
		return nil, ErrSlotBusy
	}
	s.quadrature.setup(hal)
	s.active = &s.quadrature
	return &s.quadrature, nil
}

// Encoder returns the live encoder, or nil
func (s *Slot) Encoder() Encoder {
	return s.active
}

// Release disables the live encoder and frees the slot
func (s *Slot) Release() {
	if s.active == nil {
		return
	}
	s.active.Disable()
	s.active = nil
}
