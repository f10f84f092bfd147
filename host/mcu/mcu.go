// Package mcu is the host side of the command link: it downloads the
// controller's dictionary and wraps the closed loop commands
package mcu

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"clstep/closedloop"
	"clstep/host/serial"
	"clstep/protocol"
)

var (
	ErrNotConnected  = errors.New("mcu: not connected")
	ErrNoDictionary  = errors.New("mcu: dictionary not loaded")
	ErrUnknownName   = errors.New("mcu: unknown command")
	ErrEmptyResponse = errors.New("mcu: empty response")
)

// identify is fixed so the dictionary can be fetched before it is known
const (
	identifyResponseID = 0
	identifyID         = 1
	identifyChunk      = 40
)

// MCU represents a connection to a clstep controller
type MCU struct {
	transport *protocol.HostTransport

	dictionary     *Dictionary
	dictionaryData []byte

	connected bool
	timeout   time.Duration
}

// Command is one dictionary entry
type Command struct {
	ID     uint16
	Name   string
	Format string
}

// Dictionary maps command and response names to their IDs
type Dictionary struct {
	Commands map[string]Command
	byID     map[uint16]string
}

// ParseDictionary parses the controller's dictionary text. Each line is
// "name format" and its index is the command ID.
func ParseDictionary(data []byte) (*Dictionary, error) {
	d := &Dictionary{
		Commands: make(map[string]Command),
		byID:     make(map[uint16]string),
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i, line := range lines {
		name, format, _ := strings.Cut(line, " ")
		if name == "" {
			return nil, fmt.Errorf("dictionary line %d is empty", i)
		}
		if _, dup := d.Commands[name]; dup {
			return nil, fmt.Errorf("dictionary line %d: duplicate %q", i, name)
		}
		id := uint16(i)
		d.Commands[name] = Command{ID: id, Name: name, Format: format}
		d.byID[id] = name
	}
	return d, nil
}

// Lookup returns the entry for name
func (d *Dictionary) Lookup(name string) (Command, bool) {
	cmd, ok := d.Commands[name]
	return cmd, ok
}

// Name returns the name registered under id
func (d *Dictionary) Name(id uint16) string {
	return d.byID[id]
}

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU() *MCU {
	return &MCU{timeout: time.Second}
}

// Connect connects to a controller via serial port or tcp:// address
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects with a custom link config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return fmt.Errorf("failed to flush %s: %w", cfg.Device, err)
	}
	m.Attach(port)

	// Give a freshly enumerated USB device time to settle
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Attach starts a session over an already open stream
func (m *MCU) Attach(port io.ReadWriteCloser) {
	m.transport = protocol.NewHostTransport(port)
	m.connected = true
}

// SetTimeout bounds how long queries wait for their response
func (m *MCU) SetTimeout(d time.Duration) {
	m.timeout = d
}

// Close closes the connection to the controller
func (m *MCU) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	return m.transport.Close()
}

// RetrieveDictionary downloads and parses the controller's dictionary
func (m *MCU) RetrieveDictionary() error {
	if !m.connected {
		return ErrNotConnected
	}

	var dict bytes.Buffer
	offset := uint32(0)
	for i := 0; i < 1000; i++ {
		chunk, err := m.sendIdentify(offset, identifyChunk)
		if err != nil {
			return fmt.Errorf("dictionary chunk at offset %d: %w", offset, err)
		}
		dict.Write(chunk)
		offset += uint32(len(chunk))
		if len(chunk) < identifyChunk {
			break
		}
	}

	m.dictionaryData = dict.Bytes()
	d, err := ParseDictionary(m.dictionaryData)
	if err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}
	m.dictionary = d
	return nil
}

// sendIdentify requests one dictionary chunk
func (m *MCU) sendIdentify(offset uint32, count uint8) ([]byte, error) {
	payload, err := m.query(identifyID, identifyResponseID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, err
	}

	respOffset, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response offset: %w", err)
	}
	if respOffset != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
	}
	return protocol.DecodeVLQBytes(&payload)
}

// query sends cmdID and returns the arguments of the next response
// carrying respID. Unrelated responses are discarded.
func (m *MCU) query(cmdID, respID uint16, args func(output protocol.OutputBuffer)) ([]byte, error) {
	if err := m.transport.SendCommand(cmdID, args); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(m.timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("no response %d within %v", respID, m.timeout)
		}
		msg, err := m.transport.ReceiveResponse(wait)
		if err != nil {
			return nil, err
		}
		payload := msg.Payload
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return nil, ErrEmptyResponse
		}
		if uint16(id) == respID {
			return payload, nil
		}
	}
}

func (m *MCU) lookup(name string) (uint16, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	if m.dictionary == nil {
		return 0, ErrNoDictionary
	}
	cmd, ok := m.dictionary.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	return cmd.ID, nil
}

func intArgs(args []int32) func(output protocol.OutputBuffer) {
	return func(output protocol.OutputBuffer) {
		for _, a := range args {
			protocol.EncodeVLQInt(output, a)
		}
	}
}

// SendCommand sends a command by name and waits for its ACK
func (m *MCU) SendCommand(name string, args ...int32) error {
	id, err := m.lookup(name)
	if err != nil {
		return err
	}
	return m.transport.SendCommand(id, intArgs(args))
}

// Query sends a command by name and returns the arguments of the named
// response
func (m *MCU) Query(name, response string, args ...int32) ([]byte, error) {
	id, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	respID, err := m.lookup(response)
	if err != nil {
		return nil, err
	}
	return m.query(id, respID, intArgs(args))
}

// GetDictionary returns the parsed dictionary
func (m *MCU) GetDictionary() *Dictionary {
	return m.dictionary
}

// GetDictionaryRaw returns the raw dictionary data
func (m *MCU) GetDictionaryRaw() []byte {
	return m.dictionaryData
}

// PrintDictionary writes the dictionary ordered by ID
func (m *MCU) PrintDictionary(w io.Writer) {
	if m.dictionary == nil {
		fmt.Fprintln(w, "No dictionary loaded")
		return
	}
	cmds := make([]Command, 0, len(m.dictionary.Commands))
	for _, cmd := range m.dictionary.Commands {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].ID < cmds[j].ID })
	for _, cmd := range cmds {
		fmt.Fprintf(w, "  [%2d] %s %s\n", cmd.ID, cmd.Name, cmd.Format)
	}
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

// Status is a decoded closed_loop_status response
type Status struct {
	Live    uint8                    `json:"live"`
	State   string                   `json:"state"`
	Tuning  closedloop.TuningRequest `json:"tuning"`
	Error   closedloop.TuningError   `json:"error"`
	Reading int32                    `json:"reading"`
	Slope   float64                  `json:"slope"`
	Origin  float64                  `json:"origin"`
}

// Status queries the closed loop state
func (m *MCU) Status() (*Status, error) {
	data, err := m.Query("closed_loop_query_status", "closed_loop_status")
	if err != nil {
		return nil, err
	}
	var f [6]int32
	if err := protocol.DecodeVLQArgs(&data, f[:]); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &Status{
		Live:    uint8(f[0]),
		State:   closedloop.LiveStatusString(uint8(f[0])),
		Tuning:  closedloop.TuningRequest(f[1]),
		Error:   closedloop.TuningError(f[2]),
		Reading: f[3],
		Slope:   float64(f[4]) / 1000,
		Origin:  float64(f[5]) / 1000,
	}, nil
}

// Tune requests the manoeuvres in mask
func (m *MCU) Tune(mask closedloop.TuningRequest) error {
	return m.SendCommand("closed_loop_tune", int32(mask))
}

// Abort cancels any tuning in progress
func (m *MCU) Abort() error {
	return m.SendCommand("closed_loop_abort")
}

// Enable switches closed loop control on or off. A controller that
// refuses still ACKs, so callers confirm with Status.
func (m *MCU) Enable(on bool) error {
	v := int32(0)
	if on {
		v = 1
	}
	return m.SendCommand("closed_loop_enable", v)
}

// Move shifts the control target by steps (resolution 1/1000 step)
func (m *MCU) Move(steps float64) error {
	return m.SendCommand("closed_loop_move", int32(steps*1000))
}

// StartCollection arms the sample recorder
func (m *MCU) StartCollection(count int, mode closedloop.RecordingMode) error {
	return m.SendCommand("closed_loop_start_collection", int32(count), int32(mode))
}

// ReadSamples drains recorded samples until the controller has none left
// or max have been read
func (m *MCU) ReadSamples(max int) ([]closedloop.Sample, error) {
	var all []closedloop.Sample
	for len(all) < max {
		data, err := m.Query("closed_loop_read_samples", "closed_loop_samples",
			closedloop.SamplesPerResponse)
		if err != nil {
			return all, err
		}
		count, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			return all, err
		}
		raw, err := protocol.DecodeVLQBytes(&data)
		if err != nil {
			return all, err
		}
		samples, err := closedloop.DecodeSamples(raw)
		if err != nil {
			return all, err
		}
		if int(count) != len(samples) {
			return all, fmt.Errorf("sample count %d but %d bytes", count, len(raw))
		}
		if len(samples) == 0 {
			break
		}
		all = append(all, samples...)
	}
	if len(all) > max {
		all = all[:max]
	}
	return all, nil
}
