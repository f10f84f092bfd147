package axis

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"clstep/closedloop"
	"clstep/config"
	"clstep/core"
	"clstep/protocol"
	"clstep/tmc"
)

// benchMotor is a TMC51xx whose rotor follows the commanded field, with a
// quadrature encoder on the shaft
type benchMotor struct {
	regs     map[uint8]uint32
	readAddr uint8

	position float64 // Unwrapped rotor phase
	lastRaw  float64
	slope    float64 // Encoder counts per phase unit
	base     uint16
}

func newBenchMotor() *benchMotor {
	return &benchMotor{
		regs:  map[uint8]uint32{tmc.IOIN: 0x30 << 24},
		slope: 0.08,
	}
}

func (m *benchMotor) Tx(w, r []byte) error {
	v := m.regs[m.readAddr]
	r[0] = 0
	r[1], r[2], r[3], r[4] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)

	addr := w[0] &^ tmc.WRITE_BIT
	if w[0]&tmc.WRITE_BIT == 0 {
		m.readAddr = addr
		return nil
	}
	value := uint32(w[1])<<24 | uint32(w[2])<<16 | uint32(w[3])<<8 | uint32(w[4])
	m.regs[addr] = value
	if addr == tmc.XDIRECT {
		m.follow(value)
	}
	return nil
}

func (m *benchMotor) Transfer(b byte) (byte, error) { return 0xFF, nil }

func coil(v uint32) float64 {
	c := int32(v&tmc.XDIRECT_COIL_MASK) << 23 >> 23
	return float64(c)
}

// follow moves the rotor to the field angle; unpowered coils leave it
func (m *benchMotor) follow(xdirect uint32) {
	a := coil(xdirect >> tmc.XDIRECT_COIL_A_SHIFT)
	b := coil(xdirect >> tmc.XDIRECT_COIL_B_SHIFT)
	if a == 0 && b == 0 {
		return
	}
	raw := math.Atan2(a, b) * 4096 / (2 * math.Pi)
	d := math.Mod(raw-m.lastRaw+6144, 4096) - 2048
	m.position += d
	m.lastRaw = raw
}

func (m *benchMotor) Init() error { return nil }
func (m *benchMotor) Enable()     {}
func (m *benchMotor) Disable()    {}
func (m *benchMotor) Reset()      { m.base = m.raw() }
func (m *benchMotor) Count() uint16 {
	return m.raw() - m.base
}

func (m *benchMotor) raw() uint16 {
	return uint16(int32(math.Round(1000 + m.slope*m.position)))
}

func benchConfig() *config.MachineConfig {
	cfg := config.DefaultConfig()
	cfg.Encoder.Type = "quadrature"
	cfg.Encoder.CountsPerRev = 16384
	return cfg
}

func newBenchAxis(t *testing.T) (*Axis, *benchMotor) {
	t.Helper()
	m := newBenchMotor()
	a, err := New(benchConfig(), Hardware{DriverSPI: m, Counter: m})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return a, m
}

func sendCommand(t *testing.T, a *Axis, name string, args ...int32) error {
	t.Helper()
	cmd, ok := a.Registry.GetCommandByName(name)
	if !ok {
		t.Fatalf("%s not registered", name)
	}
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, uint32(cmd.ID))
	for _, v := range args {
		protocol.EncodeVLQInt(out, v)
	}
	return a.Registry.DispatchPayload(out.Result())
}

func TestNewRequiresBuses(t *testing.T) {
	if _, err := New(config.DefaultConfig(), Hardware{}); err != ErrNoEncoderBus {
		t.Errorf("as5047 without bus: %v", err)
	}
	if _, err := New(benchConfig(), Hardware{}); err != ErrNoCounter {
		t.Errorf("quadrature without counter: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Encoder.Type = "none"
	a, err := New(cfg, Hardware{})
	if err != nil {
		t.Fatal(err)
	}
	if a.Encoder != nil || a.Driver != nil {
		t.Error("no hardware should leave encoder and driver unset")
	}
	if err := a.Init(); err != nil {
		t.Errorf("nothing to bring up, got %v", err)
	}
}

func TestInitReportsMissingDriver(t *testing.T) {
	m := newBenchMotor()
	delete(m.regs, tmc.IOIN)
	a, err := New(benchConfig(), Hardware{DriverSPI: m, Counter: m})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Init(); !errors.Is(err, tmc.ErrNotPresent) {
		t.Errorf("expected tmc.ErrNotPresent, got %v", err)
	}
}

func TestTuneAndHoldOnBench(t *testing.T) {
	a, m := newBenchAxis(t)

	if err := sendCommand(t, a, "closed_loop_tune", int32(closedloop.MinimalTune)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5000 && a.Controller.Tuning() != 0; i++ {
		a.Tick()
	}

	st := a.Status()
	if st.TuningMask != 0 || st.ErrorMask != 0 || !st.Active {
		t.Fatalf("after tuning: %+v", st)
	}
	if math.Abs(float64(st.Slope)-0.08) > 0.002 {
		t.Errorf("slope %v, want 0.08", st.Slope)
	}

	start := m.position
	if err := sendCommand(t, a, "closed_loop_move", 2000); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		a.Tick()
	}
	st = a.Status()
	if math.Abs(float64(st.ErrorSteps)) > 0.2 {
		t.Errorf("following error %v steps", st.ErrorSteps)
	}
	if moved := (m.position - start) / 1024; math.Abs(moved-2) > 0.2 {
		t.Errorf("rotor moved %.2f steps, want 2", moved)
	}
}

func TestEmergencyStopUnpowersCoils(t *testing.T) {
	a, m := newBenchAxis(t)

	_ = sendCommand(t, a, "closed_loop_tune", int32(closedloop.MinimalTune))
	a.Tick()
	a.Tick()

	if err := sendCommand(t, a, "emergency_stop"); err != nil {
		t.Fatal(err)
	}
	a.Tick()
	if a.Controller.Tuning() != 0 || a.Controller.ClosedLoopActive() {
		t.Error("shutdown should cancel tuning and control")
	}
	if m.regs[tmc.XDIRECT] != 0 {
		t.Errorf("coils still powered: XDIRECT 0x%08X", m.regs[tmc.XDIRECT])
	}

	ticks := a.Status().Ticks
	a.Tick()
	if a.Status().Ticks != ticks {
		t.Error("controller must not spin while shut down")
	}

	if err := sendCommand(t, a, "clear_shutdown"); err != nil {
		t.Fatal(err)
	}
	a.Tick()
	if a.Status().Ticks != ticks+1 {
		t.Error("controller should spin again after clear_shutdown")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a, _ := newBenchAxis(t)
	if got := a.Period(); got != 100*time.Microsecond {
		t.Errorf("period %v at 10kHz", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run returned %v", err)
	}
	if a.Status().Ticks == 0 {
		t.Error("Run never ticked")
	}
}

func TestAxisServesLink(t *testing.T) {
	a, _ := newBenchAxis(t)
	var out []byte
	link := core.NewLink(a.Registry, writerFunc(func(p []byte) (int, error) {
		out = append(out, p...)
		return len(p), nil
	}))

	cmd, _ := a.Registry.GetCommandByName("closed_loop_query_status")
	payload := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(payload, uint32(cmd.ID))
	frame := protocol.NewScratchOutput()
	if err := protocol.EncodeMessageBlock(frame, protocol.MessageDest, payload.Result()); err != nil {
		t.Fatal(err)
	}
	link.Feed(frame.Result())

	resp, _, err := protocol.DecodeMessageBlock(out)
	if err != nil {
		t.Fatal(err)
	}
	data := resp.Payload
	id, _ := protocol.DecodeVLQUint(&data)
	status, _ := a.Registry.GetCommandByName("closed_loop_status")
	if uint16(id) != status.ID {
		t.Errorf("response id %d, want closed_loop_status", id)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
