package encoder

import (
	"encoding/binary"
	"errors"
	"math"

	"clstep/protocol"
)

// MaxLUTEntries bounds the table so it can live in static storage
const MaxLUTEntries = 1024

const (
	lutMagic      = "CLUT"
	lutVersion    = 1
	lutHeaderSize = 4 + 1 + 4 + 4 + 2 // magic, version, max, resolution, buckets
)

var (
	ErrLUTResolution = errors.New("encoder: LUT resolution must divide the encoder range")
	ErrLUTRange      = errors.New("encoder: raw reading outside encoder range")
)

// LUT maps buckets of raw readings to the true position, in encoder
// counts, of the bucket's first reading. Bucket b covers raw readings
// [b*resolution, (b+1)*resolution).
type LUT struct {
	entries    [MaxLUTEntries]float32
	set        [MaxLUTEntries / 32]uint32
	count      int
	max        uint32
	resolution uint32
}

// Configure sets the encoder range and bucket width and clears the table
func (l *LUT) Configure(maxValue, resolution uint32) error {
	if resolution == 0 || maxValue == 0 || maxValue%resolution != 0 || maxValue/resolution > MaxLUTEntries {
		return ErrLUTResolution
	}
	l.max = maxValue
	l.resolution = resolution
	l.Clear()
	return nil
}

// Buckets returns the number of buckets covering the range
func (l *LUT) Buckets() int {
	if l.resolution == 0 {
		return 0
	}
	return int(l.max / l.resolution)
}

func (l *LUT) Resolution() uint32 { return l.resolution }
func (l *LUT) Max() uint32        { return l.max }

// Count returns the number of populated buckets
func (l *LUT) Count() int { return l.count }

// Complete reports whether every bucket is populated
func (l *LUT) Complete() bool {
	return l.count > 0 && l.count == l.Buckets()
}

// Clear empties every bucket
func (l *LUT) Clear() {
	for i := range l.set {
		l.set[i] = 0
	}
	for i := range l.entries {
		l.entries[i] = 0
	}
	l.count = 0
}

func (l *LUT) isSet(b int) bool {
	return l.set[b/32]&(1<<(b%32)) != 0
}

// Store records external for the bucket containing raw
func (l *LUT) Store(raw int32, external float32) error {
	if raw < 0 || uint32(raw) >= l.max {
		return ErrLUTRange
	}
	b := int(uint32(raw) / l.resolution)
	if !l.isSet(b) {
		l.set[b/32] |= 1 << (b % 32)
		l.count++
	}
	l.entries[b] = external
	return nil
}

// Entry returns the value stored for bucket b
func (l *LUT) Entry(b int) (float32, bool) {
	if b < 0 || b >= l.Buckets() || !l.isSet(b) {
		return 0, false
	}
	return l.entries[b], true
}

// Correct converts a raw reading to a true position by interpolating
// between the bucket's entry and the next one. The last bucket
// interpolates towards the first entry one revolution on. A table with
// any gap refuses to correct.
func (l *LUT) Correct(raw int32) (float32, error) {
	if !l.Complete() {
		return 0, ErrLUTIncomplete
	}
	if raw < 0 || uint32(raw) >= l.max {
		return 0, ErrLUTRange
	}

	b := int(uint32(raw) / l.resolution)
	frac := float32(uint32(raw)%l.resolution) / float32(l.resolution)

	v0 := l.entries[b]
	var v1 float32
	if b+1 < l.Buckets() {
		v1 = l.entries[b+1]
	} else if l.entries[b] >= l.entries[0] {
		v1 = l.entries[0] + float32(l.max)
	} else {
		v1 = l.entries[0] - float32(l.max)
	}

	return v0 + (v1-v0)*frac, nil
}

// MarshalBinary encodes the table as header, set bitmap, entries and a
// trailing CRC16, all little endian
func (l *LUT) MarshalBinary() ([]byte, error) {
	n := l.Buckets()
	buf := make([]byte, 0, lutHeaderSize+(n+7)/8+4*n+2)

	buf = append(buf, lutMagic...)
	buf = append(buf, lutVersion)
	buf = binary.LittleEndian.AppendUint32(buf, l.max)
	buf = binary.LittleEndian.AppendUint32(buf, l.resolution)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(n))

	bitmap := make([]byte, (n+7)/8)
	for b := 0; b < n; b++ {
		if l.isSet(b) {
			bitmap[b/8] |= 1 << (b % 8)
		}
	}
	buf = append(buf, bitmap...)

	for b := 0; b < n; b++ {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(l.entries[b]))
	}

	return binary.LittleEndian.AppendUint16(buf, protocol.CRC16(buf)), nil
}

// UnmarshalBinary restores a table written by MarshalBinary. When the
// table is already configured the stored geometry must match it.
func (l *LUT) UnmarshalBinary(data []byte) error {
	if len(data) < lutHeaderSize+2 || string(data[:4]) != lutMagic || data[4] != lutVersion {
		return ErrBadLUT
	}

	body := data[:len(data)-2]
	if binary.LittleEndian.Uint16(data[len(data)-2:]) != protocol.CRC16(body) {
		return ErrBadLUT
	}

	maxValue := binary.LittleEndian.Uint32(data[5:])
	resolution := binary.LittleEndian.Uint32(data[9:])
	n := int(binary.LittleEndian.Uint16(data[13:]))

	if l.max != 0 && (maxValue != l.max || resolution != l.resolution) {
		return ErrBadLUT
	}
	if resolution == 0 || maxValue%resolution != 0 || int(maxValue/resolution) != n || n > MaxLUTEntries {
		return ErrBadLUT
	}
	if len(body) != lutHeaderSize+(n+7)/8+4*n {
		return ErrBadLUT
	}

	if err := l.Configure(maxValue, resolution); err != nil {
		return ErrBadLUT
	}

	bitmap := body[lutHeaderSize : lutHeaderSize+(n+7)/8]
	values := body[lutHeaderSize+(n+7)/8:]
	for b := 0; b < n; b++ {
		if bitmap[b/8]&(1<<(b%8)) == 0 {
			continue
		}
		l.entries[b] = math.Float32frombits(binary.LittleEndian.Uint32(values[4*b:]))
		l.set[b/32] |= 1 << (b % 32)
		l.count++
	}
	return nil
}
