package closedloop

import (
	"strings"
	"testing"

	"clstep/core"
)

func tunedController(t *testing.T) (*Controller, *simMotor, *simEncoder) {
	t.Helper()
	c, m, e := newSimController(t, 0.08)
	c.StartTuning(MinimalTune)
	spinUntilIdle(t, c, 5000)
	if !c.ClosedLoopActive() {
		t.Fatalf("tuning failed: %s", c.TuningError())
	}
	return c, m, e
}

func TestClosedLoopTracksTarget(t *testing.T) {
	c, m, _ := tunedController(t)
	start := m.position

	c.AdjustTargetMotorSteps(3)
	for i := 0; i < 300; i++ {
		c.Spin()
	}

	s := c.Snapshot()
	if abs(s.ErrorSteps) > 0.1 {
		t.Errorf("position error %v steps after settling", s.ErrorSteps)
	}
	if moved := m.position - start; moved < 3*1024-100 || moved > 3*1024+100 {
		t.Errorf("rotor moved %d phase units, want about %d", moved, 3*1024)
	}
	if !s.Active || s.TuningError != "none" {
		t.Errorf("status %+v", s)
	}
	if m.amplitude < 0.25 || m.amplitude > 1 {
		t.Errorf("amplitude %v outside holding..full", m.amplitude)
	}
}

func TestClosedLoopLeadSaturates(t *testing.T) {
	c, m, _ := tunedController(t)
	before := m.position

	c.AdjustTargetMotorSteps(10)
	c.Spin()
	if d := m.position - before; d < 1000 || d > 1048 {
		t.Errorf("one tick advanced %d phase units, want about one full step", d)
	}
	if m.amplitude != 1 {
		t.Errorf("saturated lead should drive full current, got %v", m.amplitude)
	}
}

func TestControlFaultStopsLoop(t *testing.T) {
	c, m, _ := tunedController(t)

	c.AdjustTargetMotorSteps(60)
	c.Spin()
	if c.ClosedLoopActive() {
		t.Fatal("control should stop on excessive error")
	}
	if !c.TuningError().Has(TuneErrControlFailed) {
		t.Errorf("tuning errors %s", c.TuningError())
	}
	if s := c.ReadLiveStatus(); s != LiveStateFailed|LiveTuningFailure {
		t.Errorf("live status 0x%02X", s)
	}
	if m.amplitude != 0.25 {
		t.Errorf("motor should be left at holding current, amplitude %v", m.amplitude)
	}

	if err := c.SetClosedLoopEnabled(true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if c.TuningError() != 0 {
		t.Errorf("re-enabling should clear the control failure, errors %s", c.TuningError())
	}
	if s := c.Snapshot(); s.ErrorSteps != 0 {
		t.Errorf("re-enabling should hold the current position, error %v", s.ErrorSteps)
	}
	if s := c.ReadLiveStatus(); s != LiveStateControl {
		t.Errorf("live status 0x%02X", s)
	}
}

func TestSetClosedLoopEnabledRequirements(t *testing.T) {
	stepDir := newSimMotor()
	stepDir.mode = core.DriverModeStepDir

	testCases := []struct {
		name string
		c    *Controller
		want error
	}{
		{"untuned", NewController(testConfig(), &simEncoder{motor: newSimMotor()}, newSimMotor()), ErrNotTuned},
		{"step/dir driver", NewController(testConfig(), &simEncoder{motor: stepDir}, stepDir), ErrNotDirectDrive},
		{"no encoder", NewController(testConfig(), nil, newSimMotor()), ErrNoEncoder},
	}
	for _, tc := range testCases {
		if err := tc.c.SetClosedLoopEnabled(true); err != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if err := tc.c.SetClosedLoopEnabled(false); err != nil {
			t.Errorf("%s: disabling should always succeed, got %v", tc.name, err)
		}
	}
}

func TestSetMotorPhase(t *testing.T) {
	c, m, _ := newSimController(t, 0.08)
	if err := c.SetMotorPhase(1024+4096, 2); err != nil {
		t.Fatalf("SetMotorPhase: %v", err)
	}
	if m.last != 1024 || m.amplitude != 1 {
		t.Errorf("driver at phase %d amplitude %v", m.last, m.amplitude)
	}

	c.StartTuning(MinimalTune)
	if err := c.SetMotorPhase(0, 0.5); err != ErrBusy {
		t.Errorf("expected ErrBusy while tuning, got %v", err)
	}
	spinUntilIdle(t, c, 5000)
	if err := c.SetMotorPhase(0, 0.5); err != ErrBusy {
		t.Errorf("expected ErrBusy under closed-loop control, got %v", err)
	}
	_ = c.SetClosedLoopEnabled(false)
	if err := c.SetMotorPhase(0, 0.5); err != nil {
		t.Errorf("expected open-loop control once disabled, got %v", err)
	}
}

func TestSetHoldingCurrent(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	for _, tc := range []struct{ in, want float32 }{{50, 0.5}, {150, 1}, {-5, 0}} {
		c.SetHoldingCurrent(tc.in)
		if c.holding != tc.want {
			t.Errorf("SetHoldingCurrent(%v): holding %v, want %v", tc.in, c.holding, tc.want)
		}
	}
}

func TestSpinEncoderError(t *testing.T) {
	c, m, e := tunedController(t)
	writes := m.writes

	e.fail = true
	c.Spin()
	c.Spin()
	if s := c.ReadLiveStatus(); s&LiveEncoderError == 0 {
		t.Errorf("live status 0x%02X should flag the encoder error", s)
	}
	if s := c.Snapshot(); s.ReadErrors != 2 {
		t.Errorf("read errors = %d, want 2", s.ReadErrors)
	}
	if m.writes != writes {
		t.Error("control must not act on a failed reading")
	}

	e.fail = false
	c.Spin()
	if s := c.ReadLiveStatus(); s != LiveStateControl {
		t.Errorf("live status 0x%02X after recovery", s)
	}
}

func TestLiveStatus(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	if s := c.ReadLiveStatus(); s != LiveMinimalTunePending {
		t.Errorf("fresh controller status 0x%02X", s)
	}

	c.StartTuning(MinimalTune)
	c.Spin()
	want := uint8(LiveStateTuning | uint8(groupBasic)<<LiveGroupShift | LiveMinimalTunePending)
	if s := c.ReadLiveStatus(); s != want {
		t.Errorf("tuning status 0x%02X, want 0x%02X", s, want)
	}
	if got := LiveStatusString(want); got != "tuning basic untuned" {
		t.Errorf("LiveStatusString = %q", got)
	}

	spinUntilIdle(t, c, 5000)
	if s := c.ReadLiveStatus(); s != LiveStateControl {
		t.Errorf("tuned status 0x%02X", s)
	}
}

func TestRecordingOnNextMove(t *testing.T) {
	c, _, _ := tunedController(t)
	if err := c.StartDataCollection(10, RecordOnNextMove); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		c.Spin()
	}
	if c.Snapshot().Samples != 0 {
		t.Fatal("recording should wait for a move")
	}

	c.AdjustTargetMotorSteps(1)
	for i := 0; i < 20; i++ {
		c.Spin()
	}
	buf := make([]Sample, 32)
	samples := c.DrainSamples(buf)
	if len(samples) != 10 {
		t.Fatalf("got %d samples, want 10", len(samples))
	}
	if samples[0].Error < 0.9 {
		t.Errorf("first sample should see the new target, error %v", samples[0].Error)
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Tick != samples[i-1].Tick+1 {
			t.Fatalf("samples not consecutive: %d then %d", samples[i-1].Tick, samples[i].Tick)
		}
	}
}

func TestDiagnostics(t *testing.T) {
	c, _, _ := tunedController(t)
	d := c.Diagnostics()
	for _, want := range []string{"closedloop closed_loop", "slope=", "sim encoder"} {
		if !strings.Contains(d, want) {
			t.Errorf("diagnostics missing %q:\n%s", want, d)
		}
	}
}
