package protocol

import "testing"

func TestCRC16Empty(t *testing.T) {
	if crc := CRC16(nil); crc != 0xFFFF {
		t.Errorf("CRC16 of empty input should be the seed 0xFFFF, got %04X", crc)
	}
}

func TestCRC16Consistency(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}

	crc1 := CRC16(data)
	crc2 := CRC16(data)

	if crc1 != crc2 {
		t.Errorf("CRC16 not consistent: first=%04X, second=%04X", crc1, crc2)
	}
}

func TestCRC16Different(t *testing.T) {
	crc1 := CRC16([]byte{0x01, 0x02, 0x03})
	crc2 := CRC16([]byte{0x01, 0x02, 0x04})

	if crc1 == crc2 {
		t.Errorf("CRC16 collision: both inputs produced %04X", crc1)
	}
}

func TestCRC16Update(t *testing.T) {
	data := []byte("closed loop lookup table")

	whole := CRC16(data)
	split := CRC16Update(CRC16(data[:7]), data[7:])

	if whole != split {
		t.Errorf("incremental CRC %04X does not match one-shot CRC %04X", split, whole)
	}
}
