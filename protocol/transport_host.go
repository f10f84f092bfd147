package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var ErrTransportClosed = errors.New("transport closed")

// ResponseHandler receives decoded responses from the controller
type ResponseHandler func(cmdID uint16, data *[]byte) error

// Message is a received frame with its payload copied out of the read buffer
type Message struct {
	Sequence uint8
	Payload  []byte
}

// HostTransport is the host side of the link: it sends command frames,
// waits for their ACK and queues responses
type HostTransport struct {
	port io.ReadWriteCloser

	writeMu sync.Mutex
	seq     uint8 // Guarded by writeMu

	input  *FifoBuffer
	synced bool // Owned by readLoop

	acks      chan uint8
	responses chan *Message
	handlerMu sync.RWMutex
	handler   ResponseHandler

	stop chan struct{}
	done chan struct{}
}

// NewHostTransport starts a background reader on port
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:      port,
		seq:       MessageDest,
		input:     NewFifoBuffer(1024),
		synced:    true,
		acks:      make(chan uint8, 4),
		responses: make(chan *Message, 32),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends one command and waits up to 2s for its ACK
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

// SendCommandWithTimeout sends one command and waits for its ACK
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	payload := NewScratchOutput()
	EncodeVLQUint(payload, uint32(cmdID))
	if args != nil {
		args(payload)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	frame := NewScratchOutput()
	if err := EncodeMessageBlock(frame, t.seq, payload.Result()); err != nil {
		return fmt.Errorf("command %d: %w", cmdID, err)
	}

	msg := frame.Result()
	n, err := t.port.Write(msg)
	if err != nil {
		return fmt.Errorf("write command %d: %w", cmdID, err)
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}

	want := NextSequence(t.seq)
	deadline := time.After(timeout)
	for {
		select {
		case ack := <-t.acks:
			if ack != want {
				// Stale ACK for an earlier frame or a NAK
				continue
			}
			t.seq = want
			return nil
		case <-deadline:
			return fmt.Errorf("ACK timeout after %v", timeout)
		case <-t.stop:
			return ErrTransportClosed
		}
	}
}

// ReceiveResponse waits for the next response frame
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	select {
	case resp := <-t.responses:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("response timeout after %v", timeout)
	case <-t.stop:
		return nil, ErrTransportClosed
	}
}

// SetResponseHandler installs a callback run for every response
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n > 0 {
			t.input.Write(buf[:n])
			t.processInput()
		}
	}
}

func (t *HostTransport) processInput() {
	data := t.input.Data()

	for len(data) > 0 {
		if !t.synced {
			data = skipToSync(data)
			t.synced = data != nil
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
			t.synced = false
			continue
		}
		data = data[n:]
		t.deliver(block)
	}

	if consumed := t.input.Available() - len(data); consumed > 0 {
		t.input.Pop(consumed)
	}
}

func (t *HostTransport) deliver(block MessageBlock) {
	if block.IsAck() {
		select {
		case t.acks <- block.Sequence:
		default:
		}
		return
	}

	msg := &Message{
		Sequence: block.Sequence,
		Payload:  append([]byte(nil), block.Payload...),
	}

	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler != nil {
		data := msg.Payload
		for len(data) > 0 {
			cmdID, err := DecodeVLQUint(&data)
			if err != nil || handler(uint16(cmdID), &data) != nil {
				break
			}
		}
	}

	select {
	case t.responses <- msg:
	default:
		// Drop the oldest response to make room
		select {
		case <-t.responses:
		default:
		}
		t.responses <- msg
	}
}

// Close stops the reader and closes the port
func (t *HostTransport) Close() error {
	close(t.stop)
	err := t.port.Close()
	<-t.done
	return err
}
