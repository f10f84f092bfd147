// Package protocol implements the framed command/response wire format used
// between the closed-loop controller and its host tooling
package protocol

import "errors"

// Version represents the clstep wire format version
const Version = "0.2.0"

// Message block layout: len seq payload... crc_hi crc_lo sync
const (
	MessageMax = 256 // Scratch buffer size, several blocks may be queued

	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin

	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10

	MessageSeqMask = 0x0F
)

var (
	ErrShortBlock   = errors.New("message block incomplete")
	ErrBadLength    = errors.New("message block length out of range")
	ErrBadSequence  = errors.New("message block sequence missing destination bit")
	ErrBadSync      = errors.New("message block missing sync byte")
	ErrBadCRC       = errors.New("message block CRC mismatch")
	ErrPayloadLarge = errors.New("message payload too large")
)

// MessageBlock is one decoded frame
type MessageBlock struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // Aliases the input, copy before retaining
	CRC      uint16
}

// IsAck reports whether the block carries no commands
func (m *MessageBlock) IsAck() bool {
	return len(m.Payload) == 0
}

// NextSequence returns the sequence number that follows seq
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// EncodeMessageBlock appends a complete frame around payload to output
func EncodeMessageBlock(output OutputBuffer, seq uint8, payload []byte) error {
	if len(payload) > MessagePayloadMax {
		return ErrPayloadLarge
	}

	cursor := output.CurPosition()
	output.Output([]byte{uint8(len(payload) + MessageLengthMin), seq})
	output.Output(payload)

	crc := CRC16(output.DataSince(cursor))
	output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
	return nil
}

// DecodeMessageBlock parses the frame at the start of data. consumed is the
// number of bytes the frame occupies when err is nil. ErrShortBlock means
// more input is needed; every other error means the stream lost sync.
func DecodeMessageBlock(data []byte) (block MessageBlock, consumed int, err error) {
	if len(data) < MessageLengthMin {
		return block, 0, ErrShortBlock
	}

	msgLen := int(data[MessagePositionLen])
	if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
		return block, 0, ErrBadLength
	}

	seq := data[MessagePositionSeq]
	if seq&^MessageSeqMask != MessageDest {
		return block, 0, ErrBadSequence
	}

	if len(data) < msgLen {
		return block, 0, ErrShortBlock
	}

	if data[msgLen-1] != MessageValueSync {
		return block, 0, ErrBadSync
	}

	frameCRC := uint16(data[msgLen-3])<<8 | uint16(data[msgLen-2])
	if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
		return block, 0, ErrBadCRC
	}

	block = MessageBlock{
		Length:   uint8(msgLen),
		Sequence: seq,
		Payload:  data[MessageHeaderSize : msgLen-MessageTrailerSize],
		CRC:      frameCRC,
	}
	return block, msgLen, nil
}

// skipToSync returns data after the first sync byte, or nil if there is none
func skipToSync(data []byte) []byte {
	for i, b := range data {
		if b == MessageValueSync {
			return data[i+1:]
		}
	}
	return nil
}
