package closedloop

import (
	"math"
	"testing"

	"clstep/core"
	"clstep/encoder"
)

// Two sweeps of 8 settle steps plus 512 samples, then one tick for the
// relative encoder's calibration
const minimalTuneTicks = 2*(8+512) + 1

func TestBasicTuningRecoversLine(t *testing.T) {
	testCases := []struct {
		name    string
		slope   float64
		inc     uint16
		reverse bool
	}{
		{"forward wiring", 0.08, 8, false},
		{"reversed wiring", -0.08, 8, true},
		{"forward wiring increment 16", 0.08, 16, false},
		{"reversed wiring increment 16", -0.08, 16, true},
		{"forward wiring increment 64", 0.08, 64, false},
		{"reversed wiring increment 64", -0.08, 64, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Tuning.PhaseIncrement = tc.inc
			m := newSimMotor()
			c := NewController(cfg, &simEncoder{motor: m, slope: tc.slope, origin: 1000}, m)
			if err := c.Init(); err != nil {
				t.Fatal(err)
			}

			c.StartTuning(MinimalTune)
			want := 2*(8+4096/int(tc.inc)) + 1
			if n := spinUntilIdle(t, c, 5000); n != want {
				t.Errorf("tuning took %d ticks, want %d", n, want)
			}

			if e := c.TuningError(); e != 0 {
				t.Errorf("tuning errors %s", e)
			}
			cal, ok := c.Calibration()
			if !ok {
				t.Fatal("no calibration committed")
			}
			if !near(cal.Slope, float32(tc.slope), 1e-3) {
				t.Errorf("slope = %v, want %v", cal.Slope, tc.slope)
			}
			if !near(cal.Origin, 1000, 1) {
				t.Errorf("origin = %v, want 1000", cal.Origin)
			}
			if cal.Reverse != tc.reverse {
				t.Errorf("reverse = %v", cal.Reverse)
			}
			if !c.ClosedLoopActive() {
				t.Error("control should be active after a clean tune")
			}
		})
	}
}

func TestBasicTuningEncoderStepsMismatch(t *testing.T) {
	c, _, _ := newSimController(t, 0.12)
	c.StartTuning(MinimalTune)
	spinUntilIdle(t, c, 5000)

	e := c.TuningError()
	if e != TuneErrNotCheckedEncoderSteps {
		t.Errorf("tuning errors %s, want only not_checked_encoder_steps", e)
	}
	if !c.ClosedLoopActive() {
		t.Error("a resolution mismatch alone should not block control")
	}
	if c.ReadLiveStatus()&LiveMinimalTunePending == 0 {
		t.Error("live status should report the minimal tune as outstanding")
	}
}

func TestBasicTuningSurvivesDriverErrors(t *testing.T) {
	c, m, _ := newSimController(t, 0.08)
	c.StartTuning(MinimalTune)
	for i := 0; i < 100; i++ {
		c.Spin()
	}
	m.failNext = 3
	for i := 0; i < 560; i++ {
		c.Spin()
	}
	m.failNext = 2
	spinUntilIdle(t, c, 5000)

	if e := c.TuningError(); e != 0 {
		t.Errorf("tuning errors %s", e)
	}
	cal, _ := c.Calibration()
	if !near(cal.Slope, 0.08, 1e-3) || !near(cal.Origin, 1000, 1) {
		t.Errorf("calibration %+v", cal)
	}
	if c.Snapshot().DriverErrors != 5 {
		t.Errorf("driver errors = %d, want 5", c.Snapshot().DriverErrors)
	}
}

func TestSaveBasicTuningResultPolarityMismatch(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	c.SaveBasicTuningResult(CalibrationResult{Slope: 0.08, Origin: 1000})
	c.SaveBasicTuningResult(CalibrationResult{Slope: -0.08, Origin: 1000, Reverse: true})

	e := c.TuningError()
	if !e.Has(TuneErrIncorrectPolarity) || !e.Has(TuneErrNotCheckedPolarity) {
		t.Errorf("tuning errors %s, want incorrect polarity", e)
	}
	if _, ok := c.Calibration(); ok {
		t.Error("a polarity mismatch must not commit a calibration")
	}

	c.FinishedBasicTuning()
	if c.ClosedLoopActive() {
		t.Error("control must stay off after a failed tune")
	}
	if err := c.SetClosedLoopEnabled(true); err != ErrNotTuned {
		t.Errorf("expected ErrNotTuned, got %v", err)
	}
}

func TestSaveBasicTuningResultCycleNormalisation(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	c.SaveBasicTuningResult(CalibrationResult{Slope: 0.08, Origin: 1000, ReferencePhase: 2108})
	// Reverse sweep phases counted one electrical cycle higher
	c.SaveBasicTuningResult(CalibrationResult{Slope: 0.08, Origin: 1000 - 4096*0.08, ReferencePhase: 6140, Reverse: true})

	cal, ok := c.Calibration()
	if !ok {
		t.Fatalf("no calibration, errors %s", c.TuningError())
	}
	if !near(cal.Origin, 1000, 0.01) || !near(cal.Slope, 0.08, 1e-6) {
		t.Errorf("calibration %+v", cal)
	}
}

func TestPerformTunePreconditions(t *testing.T) {
	stepDir := newSimMotor()
	stepDir.mode = core.DriverModeStepDir

	testCases := []struct {
		name string
		c    func() *Controller
		want error
	}{
		{"step/dir driver", func() *Controller {
			return NewController(testConfig(), &simEncoder{motor: stepDir}, stepDir)
		}, ErrNotDirectDrive},
		{"no driver", func() *Controller {
			return NewController(testConfig(), &simEncoder{motor: newSimMotor()}, nil)
		}, ErrNotDirectDrive},
		{"no encoder", func() *Controller {
			return NewController(testConfig(), nil, newSimMotor())
		}, ErrNoEncoder},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.c()
			c.StartTuning(MinimalTune)
			c.Spin()
			if c.Tuning() != 0 {
				t.Errorf("tuning should be cancelled, still %s", c.Tuning())
			}
			if !c.TuningError().Has(TuneErrSystemError) {
				t.Errorf("expected system error, got %s", c.TuningError())
			}
			if err := c.LastTuneError(); err != tc.want {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
			if s := c.ReadLiveStatus(); s&LiveStateMask != LiveStateFailed || s&LiveTuningFailure == 0 {
				t.Errorf("live status 0x%02X", s)
			}
		})
	}
}

func TestPerformTuneUnimplemented(t *testing.T) {
	for _, mask := range []TuningRequest{ContinuousPhaseIncreaseManoeuvre, ZieglerNicholsManoeuvre} {
		c, _, _ := newSimController(t, 0.08)
		c.StartTuning(mask)
		c.Spin()
		if c.LastTuneError() != ErrUnimplemented {
			t.Errorf("%s: expected ErrUnimplemented, got %v", mask, c.LastTuneError())
		}
		if c.Tuning() != 0 || !c.TuningError().Has(TuneErrSystemError) {
			t.Errorf("%s: tuning %s errors %s", mask, c.Tuning(), c.TuningError())
		}
	}
}

func TestNextGroupPriority(t *testing.T) {
	testCases := []struct {
		mask TuningRequest
		want manoeuvreGroup
	}{
		{0, groupNone},
		{FullTune, groupBasic},
		{ZeroingManoeuvre | StepManoeuvre, groupBasic},
		{ControlCheck | StepManoeuvre, groupEncoderCalibration},
		{StepManoeuvre | ZieglerNicholsManoeuvre, groupStep},
		{ContinuousPhaseIncreaseManoeuvre | ZieglerNicholsManoeuvre, groupContinuousPhaseIncrease},
		{ZieglerNicholsManoeuvre, groupZieglerNichols},
	}
	for _, tc := range testCases {
		if got := nextGroup(tc.mask); got != tc.want {
			t.Errorf("nextGroup(%s) = %s, want %s", tc.mask, got, tc.want)
		}
	}
}

func TestPerformTuneNonBasicClearsMask(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	c.StartTuning(ControlCheck | StepManoeuvre)
	c.Spin()

	if c.Tuning() != 0 {
		t.Errorf("tuning %s, want none", c.Tuning())
	}
	if c.TuningError().Has(TuneErrNotCheckedControl) {
		t.Error("relative encoder calibration should pass immediately")
	}
	if s := c.Snapshot(); s.TargetSteps != 0 {
		t.Errorf("step manoeuvre should not have run, target %v", s.TargetSteps)
	}
}

func TestStepManoeuvre(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	c.StartTuning(StepManoeuvre)
	c.Spin()

	if c.Tuning() != 0 {
		t.Errorf("tuning %s", c.Tuning())
	}
	if s := c.Snapshot(); s.TargetSteps != 4 {
		t.Errorf("target = %v, want 4", s.TargetSteps)
	}
}

func TestStartTuningClearsSystemError(t *testing.T) {
	c, _, _ := newSimController(t, 0.08)
	c.StartTuning(ZieglerNicholsManoeuvre)
	c.Spin()
	if !c.TuningError().Has(TuneErrSystemError) {
		t.Fatal("expected system error")
	}

	c.StartTuning(0)
	if !c.TuningError().Has(TuneErrSystemError) {
		t.Error("an empty request should change nothing")
	}

	c.StartTuning(MinimalTune)
	if c.TuningError().Has(TuneErrSystemError) || c.LastTuneError() != nil {
		t.Error("a new request should clear the system error")
	}
	spinUntilIdle(t, c, 5000)
	if c.TuningError() != 0 {
		t.Errorf("tuning errors %s", c.TuningError())
	}
}

func TestAbortTuningRestartsManoeuvre(t *testing.T) {
	c, m, _ := newSimController(t, 0.08)
	c.StartTuning(MinimalTune)
	for i := 0; i < 300; i++ {
		c.Spin()
	}
	c.AbortTuning()
	if c.Tuning() != 0 {
		t.Fatalf("tuning %s after abort", c.Tuning())
	}
	if m.amplitude != 0.25 {
		t.Errorf("abort should drop to holding current, amplitude %v", m.amplitude)
	}
	c.Spin()

	c.StartTuning(MinimalTune)
	if n := spinUntilIdle(t, c, 5000); n != minimalTuneTicks {
		t.Errorf("restarted tuning took %d ticks, want %d", n, minimalTuneTicks)
	}
	if c.TuningError() != 0 {
		t.Errorf("tuning errors %s", c.TuningError())
	}
}

func TestEncoderCalibrationAbsolute(t *testing.T) {
	testCases := []struct {
		name   string
		slope  float64
		origin float64
	}{
		{"forward wiring", 0.08, 300},
		{"reversed wiring", -0.08, 900},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newSimMotor()
			enc := newSimAbsolute(m, tc.slope, tc.origin)
			c := NewController(testConfig(), enc, m)
			if err := c.Init(); err != nil {
				t.Fatal(err)
			}

			c.StartTuning(MinimalTune)
			spinUntilIdle(t, c, 40000)

			if e := c.TuningError(); e != 0 {
				t.Fatalf("tuning errors %s", e)
			}
			if enc.committed != 1 {
				t.Errorf("StoreLUT committed %d times", enc.committed)
			}
			if enc.clears < 1 {
				t.Error("LUT was never cleared")
			}
			buckets := int32(enc.max / enc.resolution)
			for b := int32(0); b < buckets; b++ {
				if enc.stores[b] != 1 {
					t.Errorf("bucket %d stored %d times", b, enc.stores[b])
				}
				if want := float32(b) * 64; !near(enc.externals[b], want, 1.5) {
					t.Errorf("bucket %d external %v, want %v", b, enc.externals[b], want)
				}
			}
			if !c.ClosedLoopActive() {
				t.Error("control should be active after calibration")
			}
			if s := c.Snapshot(); abs(s.ErrorSteps) > 0.01 {
				t.Errorf("target should follow the calibrated position, error %v", s.ErrorSteps)
			}
		})
	}
}

func TestEncoderCalibrationStoreFailure(t *testing.T) {
	m := newSimMotor()
	enc := newSimAbsolute(m, 0.08, 300)
	c := NewController(testConfig(), enc, m)
	_ = c.Init()

	c.StartTuning(MinimalTune)
	for i := 0; i < 7000; i++ {
		c.Spin()
	}
	if c.Tuning() != EncoderCalibrationManoeuvre || len(enc.stores) == 0 {
		t.Fatalf("expected calibration in progress, tuning %s stores %d", c.Tuning(), len(enc.stores))
	}
	// Forget the buckets found so far so the table ends incomplete
	enc.stores = map[int32]int{}
	spinUntilIdle(t, c, 40000)

	if enc.committed != 0 {
		t.Error("incomplete table should not commit")
	}
	if e := c.TuningError(); e != TuneErrNotCheckedControl {
		t.Errorf("tuning errors %s, want only not_checked_control", e)
	}
}

func TestEncoderCalibrationGivesUpOnMissedTarget(t *testing.T) {
	// Three counts per phase unit from an origin of 1 never reads 0
	m := newSimMotor()
	enc := newSimAbsolute(m, 3, 1)
	c := NewController(testConfig(), enc, m)
	_ = c.Init()

	c.StartTuning(MinimalTune)
	n := spinUntilIdle(t, c, 100000)

	budget := int(c.calibrationBudget(enc.max))
	if n > minimalTuneTicks+budget+1 {
		t.Errorf("calibration ran %d ticks, budget %d", n, budget)
	}
	if enc.committed != 0 || len(enc.stores) != 0 {
		t.Errorf("nothing should be stored, committed %d stores %d", enc.committed, len(enc.stores))
	}
	if e := c.TuningError(); !e.Has(TuneErrNotCheckedControl) || e.Has(TuneErrSystemError) {
		t.Errorf("tuning errors %s, want not_checked_control without system error", e)
	}
}

func TestStartTuningDropsPartialLUT(t *testing.T) {
	m := newSimMotor()
	bus := &simAS5047Bus{motor: m, origin: 3000, slope: 0.08}
	c, enc := newAS5047Controller(t, bus, nil)

	enc.ClearLUT()
	enc.StoreLUTValueForPosition(0, 0)
	enc.StoreLUTValueForPosition(64, 64)
	if err := enc.StoreLUT(); err != encoder.ErrLUTIncomplete {
		t.Fatalf("expected ErrLUTIncomplete, got %v", err)
	}
	c.Spin()
	if c.ReadLiveStatus()&LiveEncoderError == 0 {
		t.Fatal("a partial table should fail reads")
	}

	c.StartTuning(BasicTuningManoeuvre)
	spinUntilIdle(t, c, 5000)

	if m.writes == 0 {
		t.Error("tuning never drove the motor")
	}
	if c.ReadLiveStatus()&LiveEncoderError != 0 {
		t.Error("reads should have recovered")
	}
	if e := c.TuningError(); e.Has(tuneErrBasic | TuneErrSystemError) {
		t.Errorf("tuning errors %s", e)
	}
	if !c.ClosedLoopActive() {
		t.Error("control should be active after basic tuning")
	}
}

func TestEncoderCalibrationThroughAS5047(t *testing.T) {
	m := newSimMotor()
	bus := &simAS5047Bus{motor: m, origin: 3000, slope: 0.08, ripple: 40}
	store := &encoder.MemoryLUTStore{}
	c, enc := newAS5047Controller(t, bus, store)

	c.StartTuning(MinimalTune)
	spinUntilIdle(t, c, 300000)

	if e := c.TuningError(); e != 0 {
		t.Fatalf("tuning errors %s", e)
	}
	if !enc.LUTComplete() || store.Saves() != 1 {
		t.Fatalf("table complete %v, saved %d times", enc.LUTComplete(), store.Saves())
	}

	for i := 0; i < 50; i++ {
		c.Spin()
	}
	if s := c.Snapshot(); s.ReadErrors != 0 {
		t.Fatalf("%d read errors after calibration", s.ReadErrors)
	}

	// Corrected readings follow the true position, not the ripple
	r0, err := enc.GetReading()
	if err != nil {
		t.Fatal(err)
	}
	t0 := bus.trueCounts()
	for i := 0; i < 5000; i++ {
		_ = m.SetMotorPhase(wrapPhase(int32(m.last)+1), 1)
	}
	r1, err := enc.GetReading()
	if err != nil {
		t.Fatal(err)
	}
	want := bus.trueCounts() - t0
	if got := float64(r1 - r0); math.Abs(got-want) > 2 {
		t.Errorf("corrected travel %v, true travel %v", got, want)
	}
}
