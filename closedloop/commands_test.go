package closedloop

import (
	"testing"

	"clstep/core"
	"clstep/protocol"
)

type commandHarness struct {
	t         *testing.T
	reg       *core.CommandRegistry
	responses [][]byte
}

func newCommandHarness(t *testing.T, c *Controller) *commandHarness {
	h := &commandHarness{t: t, reg: core.NewCommandRegistry()}
	RegisterCommands(h.reg, c)
	h.reg.SetResponseSink(func(payload []byte) {
		h.responses = append(h.responses, append([]byte(nil), payload...))
	})
	return h
}

func (h *commandHarness) send(name string, args ...int32) error {
	h.t.Helper()
	cmd, ok := h.reg.GetCommandByName(name)
	if !ok {
		h.t.Fatalf("command %s not registered", name)
	}
	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, uint32(cmd.ID))
	for _, a := range args {
		protocol.EncodeVLQInt(output, a)
	}
	return h.reg.DispatchPayload(output.Result())
}

// lastResponse checks the newest response is name and returns its body
func (h *commandHarness) lastResponse(name string) []byte {
	h.t.Helper()
	if len(h.responses) == 0 {
		h.t.Fatalf("no response, expected %s", name)
	}
	data := h.responses[len(h.responses)-1]
	id, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		h.t.Fatal(err)
	}
	cmd, _ := h.reg.GetCommandByName(name)
	if uint16(id) != cmd.ID {
		h.t.Fatalf("response id %d, want %s", id, name)
	}
	return data
}

func TestCommandsTuneAndStatus(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	h := newCommandHarness(t, c)

	if err := h.send("closed_loop_tune", int32(MinimalTune)); err != nil {
		t.Fatal(err)
	}
	if c.Tuning() != MinimalTune {
		t.Fatalf("tuning %s", c.Tuning())
	}
	spinUntilIdle(t, c, 5000)

	if err := h.send("closed_loop_query_status"); err != nil {
		t.Fatal(err)
	}
	data := h.lastResponse("closed_loop_status")
	var fields [6]int32
	if err := protocol.DecodeVLQArgs(&data, fields[:]); err != nil {
		t.Fatal(err)
	}
	if fields[0] != LiveStateControl || fields[1] != 0 || fields[2] != 0 {
		t.Errorf("status=%d tuning=%d error=%d", fields[0], fields[1], fields[2])
	}
	if fields[4] < 79 || fields[4] > 81 {
		t.Errorf("slope x1000 = %d, want 80", fields[4])
	}
	if fields[5] < 999000 || fields[5] > 1001000 {
		t.Errorf("origin x1000 = %d, want about 1000000", fields[5])
	}
}

func TestCommandsControl(t *testing.T) {
	c, m, _ := newSimController(t, 0.08)
	h := newCommandHarness(t, c)

	if err := h.send("closed_loop_enable", 1); err != ErrNotTuned {
		t.Errorf("enable before tuning: expected ErrNotTuned, got %v", err)
	}
	if err := h.send("closed_loop_set_phase", 2048, 500); err != nil {
		t.Fatal(err)
	}
	if m.last != 2048 || m.amplitude != 0.5 {
		t.Errorf("driver at %d amplitude %v", m.last, m.amplitude)
	}
	if err := h.send("closed_loop_holding_current", 40); err != nil {
		t.Fatal(err)
	}
	if c.holding != 0.4 {
		t.Errorf("holding %v", c.holding)
	}

	_ = h.send("closed_loop_tune", int32(MinimalTune))
	c.Spin()
	if err := h.send("closed_loop_abort"); err != nil {
		t.Fatal(err)
	}
	if c.Tuning() != 0 {
		t.Error("abort should cancel tuning")
	}

	_ = h.send("closed_loop_tune", int32(MinimalTune))
	spinUntilIdle(t, c, 5000)
	if err := h.send("closed_loop_enable", 0); err != nil || c.ClosedLoopActive() {
		t.Errorf("disable: %v active=%v", err, c.ClosedLoopActive())
	}
	if err := h.send("closed_loop_enable", 1); err != nil || !c.ClosedLoopActive() {
		t.Errorf("enable: %v active=%v", err, c.ClosedLoopActive())
	}

	before := c.Snapshot().TargetSteps
	if err := h.send("closed_loop_move", -2500); err != nil {
		t.Fatal(err)
	}
	if got := c.Snapshot().TargetSteps - before; !near(got, -2.5, 1e-3) {
		t.Errorf("move changed target by %v, want -2.5", got)
	}
}

func TestCommandsSamples(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	h := newCommandHarness(t, c)

	if err := h.send("closed_loop_start_collection", 12, int32(RecordImmediate)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		c.Spin()
	}

	var all []Sample
	for round := 0; round < 3; round++ {
		if err := h.send("closed_loop_read_samples", 50); err != nil {
			t.Fatal(err)
		}
		data := h.lastResponse("closed_loop_samples")
		count, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := protocol.DecodeVLQBytes(&data)
		if err != nil {
			t.Fatal(err)
		}
		samples, err := DecodeSamples(raw)
		if err != nil {
			t.Fatal(err)
		}
		if int(count) != len(samples) {
			t.Fatalf("count %d but %d samples", count, len(samples))
		}
		all = append(all, samples...)
	}

	if len(all) != 12 {
		t.Fatalf("read %d samples, want 12", len(all))
	}
	for _, s := range all {
		if s.Reading != 1000 {
			t.Errorf("sample reading %d, want 1000", s.Reading)
		}
	}

	if err := h.send("closed_loop_start_collection", 0, 0); err != ErrBadRecording {
		t.Errorf("expected ErrBadRecording, got %v", err)
	}
}

func TestSampleWireFormat(t *testing.T) {
	in := []Sample{{Reading: -70000, Phase: 4095}, {Reading: 12, Phase: 0}}
	wire := EncodeSamples(nil, in)
	want := []byte{0x90, 0xEE, 0xFE, 0xFF, 0xFF, 0x0F, 0x0C, 0, 0, 0, 0, 0}
	if string(wire) != string(want) {
		t.Errorf("wire % X, want % X", wire, want)
	}
	out, err := DecodeSamples(wire)
	if err != nil || len(out) != 2 || out[0].Reading != -70000 || out[0].Phase != 4095 {
		t.Errorf("decoded %+v %v", out, err)
	}
	if _, err := DecodeSamples(wire[:5]); err != ErrBadSampleData {
		t.Errorf("expected ErrBadSampleData, got %v", err)
	}
}
