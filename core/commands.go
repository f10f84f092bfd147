package core

import (
	"sync"
	"sync/atomic"

	"clstep/protocol"
)

// FirmwareState holds the controller-wide run state
type FirmwareState struct {
	isShutdown atomic.Bool
	resetReq   atomic.Bool

	mu            sync.Mutex
	shutdownHooks []func()
	reason        string
}

// NewFirmwareState creates a running (not shut down) state
func NewFirmwareState() *FirmwareState {
	return &FirmwareState{}
}

// OnShutdown registers a hook run once per shutdown, in registration order.
// Devices use it to drop coil current and cancel tuning.
func (s *FirmwareState) OnShutdown(hook func()) {
	s.mu.Lock()
	s.shutdownHooks = append(s.shutdownHooks, hook)
	s.mu.Unlock()
}

// Shutdown stops all activity; later calls are ignored until Reset
func (s *FirmwareState) Shutdown(reason string) {
	if s.isShutdown.Swap(true) {
		return
	}

	s.mu.Lock()
	s.reason = reason
	hooks := s.shutdownHooks
	s.mu.Unlock()

	DebugPrintln("[CORE] shutdown: " + reason)
	for _, hook := range hooks {
		hook()
	}
}

// IsShutdown returns true if the controller is in shutdown state
func (s *FirmwareState) IsShutdown() bool {
	return s.isShutdown.Load()
}

// Reason returns the message passed to the last Shutdown
func (s *FirmwareState) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Reset clears the shutdown state after the host reconnects
func (s *FirmwareState) Reset() {
	s.mu.Lock()
	s.reason = ""
	s.mu.Unlock()
	s.isShutdown.Store(false)
}

// ResetRequested reports, and clears, a pending reset command. The reset
// itself is deferred until the ACK for the command has gone out.
func (s *FirmwareState) ResetRequested() bool {
	return s.resetReq.Swap(false)
}

// RegisterCoreCommands registers identification, clock and shutdown
// commands on reg
// identify_response and identify are registered first so they get IDs 0 and 1
func RegisterCoreCommands(reg *CommandRegistry, state *FirmwareState) {
	reg.RegisterResponse("identify_response", "offset=%u data=%*s")
	reg.Register("identify", "offset=%u count=%c", func(data *[]byte) error {
		var args [2]int32
		if err := protocol.DecodeVLQArgs(data, args[:]); err != nil {
			return err
		}
		offset := uint32(args[0])
		chunk := dictionaryChunk(reg.GetDictionary(), offset, uint8(args[1]))
		return reg.SendResponse("identify_response", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, offset)
			protocol.EncodeVLQBytes(output, chunk)
		})
	})

	reg.RegisterResponse("uptime", "high=%u clock=%u")
	reg.Register("get_uptime", "", func(data *[]byte) error {
		uptime := GetUptime()
		return reg.SendResponse("uptime", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(uptime>>32))
			protocol.EncodeVLQUint(output, uint32(uptime))
		})
	})

	reg.RegisterResponse("clock", "clock=%u")
	reg.Register("get_clock", "", func(data *[]byte) error {
		clock := GetTime()
		return reg.SendResponse("clock", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, clock)
		})
	})

	reg.RegisterResponse("shutdown", "is_shutdown=%c")
	reg.Register("get_shutdown", "", func(data *[]byte) error {
		return reg.SendResponse("shutdown", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, boolToUint(state.IsShutdown()))
		})
	})

	reg.Register("emergency_stop", "", func(data *[]byte) error {
		state.Shutdown("emergency stop")
		return nil
	})

	reg.Register("clear_shutdown", "", func(data *[]byte) error {
		state.Reset()
		return nil
	})

	reg.Register("reset", "", func(data *[]byte) error {
		state.resetReq.Store(true)
		return nil
	})
}

// dictionaryChunk returns up to count bytes of dict starting at offset
func dictionaryChunk(dict string, offset uint32, count uint8) []byte {
	if int(offset) >= len(dict) {
		return nil
	}
	end := int(offset) + int(count)
	if end > len(dict) {
		end = len(dict)
	}
	return []byte(dict[offset:end])
}

func boolToUint(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
