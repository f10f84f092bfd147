package protocol

import "sync/atomic"

// CommandHandler handles one decoded command. data starts at the command's
// first argument; the handler must consume exactly its own arguments.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the controller side of the link: it parses host frames,
// dispatches their commands and acknowledges every block it sees
type Transport struct {
	synced  atomic.Bool
	nextSeq atomic.Uint32 // Expected sequence from host, 0x10-0x1F

	output  OutputBuffer
	handler CommandHandler

	resetCallback func()
	flushCallback func()
	errCallback   func(error)
}

// NewTransport creates a synchronized transport expecting sequence 0x10
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{output: output, handler: handler}
	t.synced.Store(true)
	t.nextSeq.Store(MessageDest)
	return t
}

// Receive processes every complete frame in input and pops what it consumed
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()

	for len(data) > 0 {
		if !t.synced.Load() {
			data = skipToSync(data)
			if data != nil {
				t.synced.Store(true)
				t.sendAck()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		block, n, err := DecodeMessageBlock(data)
		if err == ErrShortBlock {
			break
		}
		if err != nil {
			t.synced.Store(false)
			continue
		}
		data = data[n:]

		expected := uint8(t.nextSeq.Load())
		if block.Sequence == MessageDest && expected != MessageDest {
			// Host restarted its sequence
			expected = MessageDest
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}

		if block.Sequence == expected {
			t.nextSeq.Store(uint32(NextSequence(expected)))
			if err := t.dispatch(block.Payload); err != nil && t.errCallback != nil {
				t.errCallback(err)
			}
		}
		// Acknowledge even on a sequence mismatch; the host treats it as a NAK
		t.sendAck()
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

// dispatch runs every command packed into one frame payload
func (t *Transport) dispatch(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.synced.Store(false)
			err = ErrInvalidVLQ
		}
	}()

	for len(payload) > 0 {
		cmdID, err := DecodeVLQUint(&payload)
		if err != nil {
			t.synced.Store(false)
			return err
		}
		if t.handler == nil {
			continue
		}
		if err := t.handler(uint16(cmdID), &payload); err != nil {
			return err
		}
	}
	return nil
}

// sendAck writes an empty block carrying the next expected sequence
func (t *Transport) sendAck() {
	_ = EncodeMessageBlock(t.output, uint8(t.nextSeq.Load()), nil)
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// SendResponse frames an already encoded payload (command ID + args)
func (t *Transport) SendResponse(payload []byte) error {
	return EncodeMessageBlock(t.output, uint8(t.nextSeq.Load()), payload)
}

// SendCommand encodes cmdID and its arguments into one frame
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	return t.SendResponse(scratch.Result())
}

// Reset returns the transport to its power-on state
func (t *Transport) Reset() {
	t.synced.Store(true)
	t.nextSeq.Store(MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback run when the host restarts its sequence
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback run right after every ACK is queued
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

// SetErrorCallback sets a callback for command handler errors
func (t *Transport) SetErrorCallback(callback func(error)) {
	t.errCallback = callback
}
