package protocol

// InputBuffer is a queue of received bytes awaiting frame parsing
type InputBuffer interface {
	Data() []byte
	Available() int
	Pop(n int)
}

// OutputBuffer accumulates encoded frames
type OutputBuffer interface {
	// Output appends data, silently truncating when full
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int

	// DataSince returns data from pos to the current position
	DataSince(pos int) []byte
}

// SliceInputBuffer implements InputBuffer over a byte slice
type SliceInputBuffer struct {
	data []byte
}

// NewSliceInputBuffer creates a new SliceInputBuffer
func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput implements OutputBuffer over a fixed array so encoding a
// response never allocates
type ScratchOutput struct {
	buf       [MessageMax]byte
	pos       int
	truncated bool
}

// NewScratchOutput creates a new ScratchOutput
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.truncated = true
	}
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns the accumulated output data
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Truncated reports whether any Output call lost bytes since the last Reset
func (s *ScratchOutput) Truncated() bool {
	return s.truncated
}

// Reset clears the buffer
func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.truncated = false
}

// FifoBuffer is a circular byte queue for serial input
type FifoBuffer struct {
	buf   []byte
	read  int
	write int
}

// NewFifoBuffer creates a FifoBuffer holding up to capacity-1 bytes
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of data as fits and returns the count written
func (f *FifoBuffer) Write(data []byte) int {
	size := len(f.buf)
	written := 0
	for _, b := range data {
		next := (f.write + 1) % size
		if next == f.read {
			break
		}
		f.buf[f.write] = b
		f.write = next
		written++
	}
	return written
}

// Available returns the number of bytes queued
func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return len(f.buf) - f.read + f.write
}

// Free returns the number of bytes that can still be written
func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.Available() - 1
}

// Data returns the queued bytes as one contiguous slice, copying when the
// queue has wrapped
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}
	result := make([]byte, 0, f.Available())
	result = append(result, f.buf[f.read:]...)
	return append(result, f.buf[:f.write]...)
}

// Pop discards n bytes from the front
func (f *FifoBuffer) Pop(n int) {
	if avail := f.Available(); n > avail {
		n = avail
	}
	f.read = (f.read + n) % len(f.buf)
}

// Reset clears the buffer
func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
}
