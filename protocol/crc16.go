package protocol

// CRC16 computes the CRC-16/CCITT variant used by message blocks and
// persisted calibration blobs
func CRC16(data []byte) uint16 {
	return CRC16Update(0xFFFF, data)
}

// CRC16Update continues a running checksum over more data
func CRC16Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		b ^= uint8(crc)
		b ^= b << 4
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}
