package closedloop

// CalibrationResult is one sweep's fit of encoder reading against motor
// phase: reading = Slope*phase + Origin
type CalibrationResult struct {
	Slope          float32 // Encoder counts per phase unit
	Origin         float32 // Reading at phase 0
	ReferencePhase float32 // Mean phase of the sweep
	Reverse        bool
}

// RegressionAccumulator fits a straight line to readings taken at evenly
// spaced phases without storing them. With x_i = x0 + p*i the slope is
//
//	sum(y_i * (i - (N-1)/2)) / (p * (N^3 - N) / 12)
//
// so only that sum and sum(y_i) are kept. Readings are taken relative to
// the first one to keep the float sums small.
type RegressionAccumulator struct {
	sumWeightedDeviation float32
	sumReading           float32
	baselineReading      int32
	sampleIndex          uint
	numSamples           uint
}

// Reset starts a sweep of numSamples readings
func (a *RegressionAccumulator) Reset(numSamples uint) {
	*a = RegressionAccumulator{numSamples: numSamples}
}

// Add records the reading at the next phase
func (a *RegressionAccumulator) Add(reading int32) {
	if a.sampleIndex == 0 {
		a.baselineReading = reading
	}
	y := float32(reading - a.baselineReading)
	a.sumReading += y
	a.sumWeightedDeviation += y * (float32(a.sampleIndex) - a.halfSpan())
	a.sampleIndex++
}

// Count returns the number of readings added since Reset
func (a *RegressionAccumulator) Count() uint { return a.sampleIndex }

// Done reports whether the sweep has all its readings
func (a *RegressionAccumulator) Done() bool {
	return a.sampleIndex >= a.numSamples
}

func (a *RegressionAccumulator) halfSpan() float32 {
	return float32(a.numSamples-1) * 0.5
}

// Result fits the line. initialPhase is the phase of the first reading and
// increment the phase step between readings, subtracted when reverse.
func (a *RegressionAccumulator) Result(initialPhase float32, increment uint16, reverse bool) CalibrationResult {
	n := float32(a.numSamples)
	denominator := float32(increment) * (n*n*n - n) / 12
	xMean := initialPhase + float32(increment)*a.halfSpan()
	if reverse {
		denominator = -denominator
		xMean = initialPhase - float32(increment)*a.halfSpan()
	}

	slope := a.sumWeightedDeviation / denominator
	yMean := a.sumReading/n + float32(a.baselineReading)
	return CalibrationResult{
		Slope:          slope,
		Origin:         yMean - slope*xMean,
		ReferencePhase: xMean,
		Reverse:        reverse,
	}
}
