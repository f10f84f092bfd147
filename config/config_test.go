package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if c.Encoder.Type != "as5047" || c.Encoder.CountsPerRev != 16384 {
		t.Errorf("unexpected encoder defaults %+v", c.Encoder)
	}
	if c.Tuning.PhaseIncrement != 8 || c.Tuning.NumDummySteps != 8 || c.Tuning.StepDelta != 4 {
		t.Errorf("unexpected tuning defaults %+v", c.Tuning)
	}
	if c.Control.Kp != 0.5 || c.Control.Ki != 0.0005 || c.Control.Kd != 0 {
		t.Errorf("unexpected PID defaults %+v", c.Control)
	}
	if got := c.CountsPerStep(); got != 81.92 {
		t.Errorf("expected 81.92 counts per step, got %v", got)
	}
	if c.Status.MQTTTopic != "clstep/axis0/status" {
		t.Errorf("unexpected topic %q", c.Status.MQTTTopic)
	}
}

func TestLoadConfig(t *testing.T) {
	data := []byte(`{
		"Name": "x",
		"StepsPerRev": 400,
		"Encoder": {"Type": "quadrature"},
		"Tuning": {"PhaseIncrement": 16},
		"Control": {"Kp": 0.8, "HoldingCurrent": 40}
	}`)

	c, err := LoadConfig(data)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Encoder.CountsPerRev != 4000 {
		t.Errorf("expected quadrature default of 4000 counts, got %v", c.Encoder.CountsPerRev)
	}
	if c.CountsPerStep() != 10 {
		t.Errorf("expected 10 counts per step, got %v", c.CountsPerStep())
	}
	if c.Tuning.PhaseIncrement != 16 {
		t.Errorf("PhaseIncrement overwritten: %d", c.Tuning.PhaseIncrement)
	}
	if c.Control.Kp != 0.8 || c.Control.Ki != 0 {
		t.Errorf("explicit gains should be kept as given, got %+v", c.Control)
	}
	if c.Control.HoldingCurrent != 40 {
		t.Errorf("expected holding current 40, got %d", c.Control.HoldingCurrent)
	}
	if c.Status.MQTTTopic != "clstep/x/status" {
		t.Errorf("unexpected topic %q", c.Status.MQTTTopic)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	testCases := []struct {
		name string
		json string
	}{
		{"increment not dividing 4096", `{"Tuning": {"PhaseIncrement": 12}}`},
		{"increment too large", `{"Tuning": {"PhaseIncrement": 4096}}`},
		{"holding above 100", `{"Control": {"HoldingCurrent": 101}}`},
		{"unknown encoder", `{"Encoder": {"Type": "mt6816"}}`},
		{"LUT resolution not dividing range", `{"Encoder": {"LUTResolution": 100}}`},
		{"LUT too many buckets", `{"Encoder": {"LUTResolution": 8}}`},
		{"unknown driver", `{"Driver": {"Type": "a4988"}}`},
		{"driver current", `{"Driver": {"IRun": 40}}`},
		{"tolerance", `{"Tuning": {"StepsTolerance": 1.5}}`},
		{"negative gain", `{"Control": {"Kp": -1}}`},
		{"negative counts", `{"Encoder": {"CountsPerRev": -5}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig([]byte(tc.json))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	if _, err := LoadConfig([]byte(`{`)); err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("expected a JSON syntax error, got %v", err)
	}
}

func TestNoEncoderSkipsCountCheck(t *testing.T) {
	c, err := LoadConfig([]byte(`{"Encoder": {"Type": "none"}}`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.EncoderType().String() != "none" {
		t.Errorf("expected none, got %v", c.EncoderType())
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "axis.json")
	if err := os.WriteFile(path, []byte(`{"Name": "y"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if c.Name != "y" {
		t.Errorf("expected name y, got %q", c.Name)
	}

	if err := os.WriteFile(path, []byte(`{"Tuning": {"PhaseIncrement": 3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected wrapped ErrInvalid, got %v", err)
	}
}
