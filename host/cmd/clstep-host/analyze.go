package main

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/stat"

	"clstep/closedloop"
)

var errTooFewSamples = errors.New("need at least 3 samples with distinct phases")

// sweepFit is a straight-line fit of encoder reading against phase
type sweepFit struct {
	Samples       int
	CountsPerStep float64 // Reading change per full step (1024 phase units)
	Origin        float64 // Reading at the first sample's phase
	RSquared      float64
	ResidualRMS   float64
	ResidualMax   float64
}

// unwrapPhases turns the 12-bit phases into a continuous coordinate,
// assuming consecutive samples move less than half a cycle
func unwrapPhases(samples []closedloop.Sample) []float64 {
	x := make([]float64, len(samples))
	if len(samples) == 0 {
		return x
	}
	pos := float64(samples[0].Phase)
	x[0] = pos
	for i := 1; i < len(samples); i++ {
		d := (int(samples[i].Phase) - int(samples[i-1].Phase)) & 4095
		if d >= 2048 {
			d -= 4096
		}
		pos += float64(d)
		x[i] = pos
	}
	return x
}

func analyzeSamples(samples []closedloop.Sample) (*sweepFit, error) {
	if len(samples) < 3 {
		return nil, errTooFewSamples
	}
	x := unwrapPhases(samples)
	y := make([]float64, len(samples))
	for i, s := range samples {
		y[i] = float64(s.Reading)
	}
	if stat.Variance(x, nil) == 0 {
		return nil, errTooFewSamples
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	fit := &sweepFit{
		Samples:       len(samples),
		CountsPerStep: beta * 1024,
		Origin:        alpha + beta*x[0],
		RSquared:      stat.RSquared(x, y, nil, alpha, beta),
	}

	var sumSq float64
	for i := range x {
		r := y[i] - (alpha + beta*x[i])
		sumSq += r * r
		fit.ResidualMax = math.Max(fit.ResidualMax, math.Abs(r))
	}
	fit.ResidualRMS = math.Sqrt(sumSq / float64(len(x)))
	return fit, nil
}

func (f *sweepFit) print(w io.Writer, expectedCountsPerStep float64) {
	fmt.Fprintf(w, "samples          %d\n", f.Samples)
	fmt.Fprintf(w, "counts per step  %.3f", f.CountsPerStep)
	if expectedCountsPerStep != 0 {
		fmt.Fprintf(w, " (%.2f%% of expected)", 100*math.Abs(f.CountsPerStep)/expectedCountsPerStep)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "origin           %.1f\n", f.Origin)
	fmt.Fprintf(w, "r squared        %.5f\n", f.RSquared)
	fmt.Fprintf(w, "residual rms/max %.2f / %.2f counts\n", f.ResidualRMS, f.ResidualMax)
}
