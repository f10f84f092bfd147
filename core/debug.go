package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// Event captures a closed-loop milestone for post-mortem analysis
type Event struct {
	EventType uint8  // Event type code
	Tick      uint32 // Control tick at event
	Value1    int32  // Context-dependent value
	Value2    int32  // Context-dependent value
}

// Event type codes
const (
	EvtTuneStart    = 1 // Tuning requested (v1 = mask)
	EvtSweepDone    = 2 // Regression sweep finished (v1 = slope*1000, v2 = reverse)
	EvtLUTStored    = 3 // Encoder lookup table persisted (v1 = entries)
	EvtTuneDone     = 4 // Manoeuvre finished (v1 = remaining mask)
	EvtTuneFail     = 5 // Tuning cancelled (v1 = error mask)
	EvtSPITimeout   = 6 // Bus wait expired
	EvtEncoderFault = 7 // Encoder read failed
	EvtControlFault = 8 // Closed-loop error exceeded its limit (v1 = error steps)
)

const (
	EventRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {} // No-op by default

	// debugEnabled controls whether debug output is active
	debugEnabled bool = false

	// Event ring buffer (non-blocking, for post-mortem)
	eventRing     [EventRingSize]Event
	eventRingHead uint8

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, stderr etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go debugOutputWorker()
}

// debugOutputWorker runs in background, drains debug channel
func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer
// Blocks on the writer; use DebugAsync from the control tick
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for async output (non-blocking)
// Falls back to dropping the message when the channel is full or absent
func DebugAsync(msg string) {
	if !debugEnabled || debugChan == nil {
		return
	}
	select {
	case debugChan <- msg:
	default:
	}
}

// RecordEvent captures an event in the ring buffer
func RecordEvent(eventType uint8, tick uint32, value1, value2 int32) {
	idx := eventRingHead
	eventRing[idx] = Event{
		EventType: eventType,
		Tick:      tick,
		Value1:    value1,
		Value2:    value2,
	}
	eventRingHead = (idx + 1) % EventRingSize
}

// Events copies the recorded events, oldest first, into dst
func Events(dst []Event) []Event {
	start := eventRingHead
	for i := uint8(0); i < EventRingSize; i++ {
		evt := eventRing[(start+i)%EventRingSize]
		if evt.EventType == 0 {
			continue
		}
		dst = append(dst, evt)
	}
	return dst
}

// EventName returns a printable name for an event code
func EventName(eventType uint8) string {
	switch eventType {
	case EvtTuneStart:
		return "TUNE_START"
	case EvtSweepDone:
		return "SWEEP_DONE"
	case EvtLUTStored:
		return "LUT_STORED"
	case EvtTuneDone:
		return "TUNE_DONE"
	case EvtTuneFail:
		return "TUNE_FAIL!"
	case EvtSPITimeout:
		return "SPI_TIMEOUT"
	case EvtEncoderFault:
		return "ENC_FAULT"
	case EvtControlFault:
		return "CTRL_FAULT"
	default:
		return "UNKNOWN"
	}
}

// DumpEventRing outputs the event ring buffer (call on shutdown/error)
func DumpEventRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[EVENT] === Event Ring Dump ===")
	var buf [EventRingSize]Event
	for _, evt := range Events(buf[:0]) {
		debugPrintln("[EVENT] " + EventName(evt.EventType) +
			" tick=" + Utoa(evt.Tick) +
			" v1=" + Itoa(int(evt.Value1)) +
			" v2=" + Itoa(int(evt.Value2)))
	}
	debugPrintln("[EVENT] === End Dump ===")
}

// ClearEventRing clears the event buffer
func ClearEventRing() {
	for i := range eventRing {
		eventRing[i] = Event{}
	}
	eventRingHead = 0
}
