package closedloop

import (
	"encoding/binary"
	"errors"

	"clstep/core"
	"clstep/protocol"
)

const (
	// SamplesPerResponse bounds one closed_loop_samples message
	SamplesPerResponse = 8

	// SampleWireSize is the encoded size of one sample: reading as int32
	// then phase as uint16, both little endian
	SampleWireSize = 6
)

var ErrBadSampleData = errors.New("closedloop: sample data length not a multiple of 6")

// RegisterCommands adds the closed-loop commands and responses to reg
func RegisterCommands(reg *core.CommandRegistry, c *Controller) {
	reg.Register("closed_loop_tune", "mask=%c", func(data *[]byte) error {
		var args [1]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		c.StartTuning(TuningRequest(args[0]))
		return nil
	})

	reg.Register("closed_loop_abort", "", func(data *[]byte) error {
		c.AbortTuning()
		return nil
	})

	reg.Register("closed_loop_enable", "enable=%c", func(data *[]byte) error {
		var args [1]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		return c.SetClosedLoopEnabled(args[0] != 0)
	})

	reg.Register("closed_loop_holding_current", "percent=%c", func(data *[]byte) error {
		var args [1]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		c.SetHoldingCurrent(float32(args[0]))
		return nil
	})

	// amplitude is in thousandths of full scale
	reg.Register("closed_loop_set_phase", "phase=%hu amplitude=%hu", func(data *[]byte) error {
		var args [2]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		return c.SetMotorPhase(uint16(args[0]), float32(args[1])/1000)
	})

	// delta is in thousandths of a full step
	reg.Register("closed_loop_move", "delta=%i", func(data *[]byte) error {
		var args [1]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		c.AdjustTargetMotorSteps(float32(args[0]) / 1000)
		return nil
	})

	reg.RegisterResponse("closed_loop_status",
		"status=%c tuning=%c error=%c reading=%i slope=%i origin=%i")
	reg.Register("closed_loop_query_status", "", func(data *[]byte) error {
		st := c.Snapshot()
		return reg.SendResponse("closed_loop_status", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(st.Live))
			protocol.EncodeVLQUint(output, uint32(st.TuningMask))
			protocol.EncodeVLQUint(output, uint32(st.ErrorMask))
			protocol.EncodeVLQInt(output, st.Reading)
			protocol.EncodeVLQInt(output, int32(st.Slope*1000))
			protocol.EncodeVLQInt(output, int32(st.Origin*1000))
		})
	})

	reg.Register("closed_loop_start_collection", "count=%hu mode=%c", func(data *[]byte) error {
		var args [2]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		return c.StartDataCollection(int(args[0]), RecordingMode(args[1]))
	})

	reg.RegisterResponse("closed_loop_samples", "count=%c data=%*s")
	reg.Register("closed_loop_read_samples", "max=%c", func(data *[]byte) error {
		var args [1]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		n := int(args[0])
		if n <= 0 || n > SamplesPerResponse {
			n = SamplesPerResponse
		}
		var buf [SamplesPerResponse]Sample
		samples := c.DrainSamples(buf[:n])
		var wire [SamplesPerResponse * SampleWireSize]byte
		encoded := EncodeSamples(wire[:0], samples)
		return reg.SendResponse("closed_loop_samples", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(len(samples)))
			protocol.EncodeVLQBytes(output, encoded)
		})
	})
}

// EncodeSamples appends the wire form of samples to dst
func EncodeSamples(dst []byte, samples []Sample) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(s.Reading))
		dst = binary.LittleEndian.AppendUint16(dst, s.Phase)
	}
	return dst
}

// DecodeSamples parses closed_loop_samples data. Only Reading and Phase
// travel on the wire.
func DecodeSamples(data []byte) ([]Sample, error) {
	if len(data)%SampleWireSize != 0 {
		return nil, ErrBadSampleData
	}
	out := make([]Sample, 0, len(data)/SampleWireSize)
	for len(data) > 0 {
		out = append(out, Sample{
			Reading: int32(binary.LittleEndian.Uint32(data)),
			Phase:   binary.LittleEndian.Uint16(data[4:]),
		})
		data = data[SampleWireSize:]
	}
	return out, nil
}
