package core

import (
	"io"
	"sync"

	"clstep/protocol"
)

// Link serves the command protocol over a byte stream. Received bytes are
// queued with Feed; frames are parsed, dispatched through the registry and
// every ACK, together with any responses queued before it, is written out.
type Link struct {
	mu        sync.Mutex
	reg       *CommandRegistry
	w         io.Writer
	input     *protocol.FifoBuffer
	output    *protocol.ScratchOutput
	transport *protocol.Transport

	received  uint32
	writeErrs uint32
	cmdErrs   uint32
}

// NewLink creates a link writing to w and installs it as reg's response
// sink
func NewLink(reg *CommandRegistry, w io.Writer) *Link {
	l := &Link{
		reg:    reg,
		w:      w,
		input:  protocol.NewFifoBuffer(1024),
		output: protocol.NewScratchOutput(),
	}
	l.transport = protocol.NewTransport(l.output, func(cmdID uint16, data *[]byte) error {
		return reg.Dispatch(cmdID, data)
	})
	l.transport.SetResetCallback(func() {
		DebugPrintln("[LINK] host restarted sequence")
	})
	l.transport.SetFlushCallback(l.flush)
	l.transport.SetErrorCallback(func(err error) {
		l.cmdErrs++
		DebugPrintln("[LINK] command failed: " + err.Error())
	})
	reg.SetResponseSink(func(payload []byte) {
		if err := l.transport.SendResponse(payload); err != nil {
			DebugPrintln("[LINK] response dropped: " + err.Error())
		}
	})
	return l
}

// Feed queues received bytes and processes every complete frame
func (l *Link) Feed(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(data) > 0 {
		n := l.input.Write(data)
		data = data[n:]
		l.process()
		if n == 0 && len(data) > 0 {
			// Nothing parseable in a full buffer
			l.input.Reset()
		}
	}
	l.flush()
}

func (l *Link) process() {
	in := protocol.NewSliceInputBuffer(l.input.Data())
	before := in.Available()
	l.transport.Receive(in)
	if consumed := before - in.Available(); consumed > 0 {
		l.input.Pop(consumed)
		l.received += uint32(consumed)
	}
}

// flush writes queued frames; called with l.mu held
func (l *Link) flush() {
	out := l.output.Result()
	if len(out) == 0 {
		return
	}
	if _, err := l.w.Write(out); err != nil {
		l.writeErrs++
	}
	l.output.Reset()
}

// Serve feeds everything read from r until it fails
func (l *Link) Serve(r io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			l.Feed(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

// Stats returns the bytes consumed, write failures and failed commands
func (l *Link) Stats() (received, writeErrs, cmdErrs uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received, l.writeErrs, l.cmdErrs
}
