package closedloop

import "errors"

// RecorderCapacity is the number of samples held between drains
const RecorderCapacity = 512

var ErrBadRecording = errors.New("closedloop: invalid data collection request")

// RecordingMode selects when a data collection run starts
type RecordingMode uint8

const (
	RecordImmediate  RecordingMode = 0
	RecordOnNextMove RecordingMode = 1
)

// Sample is one tick's worth of control data
type Sample struct {
	Tick    uint32
	Reading int32
	Phase   uint16
	Target  float32 // Target position (full steps)
	Error   float32 // Target minus measured position (full steps)
	Tuning  TuningRequest
}

// Recorder collects a requested number of samples into a ring. When the
// reader falls behind the oldest samples are overwritten and counted as
// dropped.
type Recorder struct {
	ring    [RecorderCapacity]Sample
	head    int // Next sample to drain
	count   int
	dropped uint32

	remaining int
	waiting   bool // Armed for the next move
}

// Start requests count samples. With RecordOnNextMove collection begins at
// the next non-zero change of the target position.
func (r *Recorder) Start(count int, mode RecordingMode) error {
	if count <= 0 {
		return ErrBadRecording
	}
	r.head, r.count, r.dropped = 0, 0, 0
	switch mode {
	case RecordImmediate:
		r.remaining, r.waiting = count, false
	case RecordOnNextMove:
		r.remaining, r.waiting = count, true
	default:
		return ErrBadRecording
	}
	return nil
}

// Stop abandons the current run; collected samples stay drainable
func (r *Recorder) Stop() {
	r.remaining, r.waiting = 0, false
}

// Active reports whether samples are being collected or awaited
func (r *Recorder) Active() bool { return r.remaining > 0 }

// Waiting reports whether the run is armed for the next move
func (r *Recorder) Waiting() bool { return r.waiting }

// NotifyMove starts a run armed with RecordOnNextMove
func (r *Recorder) NotifyMove() {
	r.waiting = false
}

// Collect stores s if a run is in progress
func (r *Recorder) Collect(s Sample) {
	if r.remaining == 0 || r.waiting {
		return
	}
	idx := (r.head + r.count) % RecorderCapacity
	r.ring[idx] = s
	if r.count == RecorderCapacity {
		r.head = (r.head + 1) % RecorderCapacity
		r.dropped++
	} else {
		r.count++
	}
	r.remaining--
}

// Pending returns the number of samples waiting to be drained
func (r *Recorder) Pending() int { return r.count }

// Dropped returns the number of samples overwritten before being drained
func (r *Recorder) Dropped() uint32 { return r.dropped }

// Drain moves up to len(dst) of the oldest samples into dst and returns
// the filled part
func (r *Recorder) Drain(dst []Sample) []Sample {
	n := len(dst)
	if n > r.count {
		n = r.count
	}
	for i := 0; i < n; i++ {
		dst[i] = r.ring[r.head]
		r.head = (r.head + 1) % RecorderCapacity
	}
	r.count -= n
	return dst[:n]
}
