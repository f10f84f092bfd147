package core

import (
	"errors"
	"sync"

	"clstep/protocol"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrNoResponseSink   = errors.New("no response sink configured")
	ErrResponseNotFound = errors.New("response not registered")
)

// CommandHandler is a function that handles a command with raw frame data
// The handler is responsible for decoding its own arguments from the data pointer
type CommandHandler func(data *[]byte) error

// ResponseSink receives an encoded response payload (command ID + args)
type ResponseSink func(payload []byte)

// Command represents a registered command or response
type Command struct {
	ID      uint16
	Name    string
	Format  string // Format string for dictionary (e.g., "oid=%c pin=%u")
	Handler CommandHandler
}

// CommandRegistry holds all registered commands
type CommandRegistry struct {
	mu         sync.RWMutex
	commands   map[uint16]*Command
	nameToID   map[string]uint16
	nextID     uint16
	dictionary string // Serialized dictionary for host
	sink       ResponseSink
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[uint16]*Command),
		nameToID: make(map[string]uint16),
	}
}

// Register adds a command to the registry
// Registering an existing name returns the original ID
func (r *CommandRegistry) Register(name string, format string, handler CommandHandler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.nameToID[name]; exists {
		return id
	}

	id := r.nextID
	r.nextID++

	r.commands[id] = &Command{
		ID:      id,
		Name:    name,
		Format:  format,
		Handler: handler,
	}
	r.nameToID[name] = id

	r.rebuildDictionary()

	return id
}

// RegisterResponse registers a response message (MCU -> Host)
func (r *CommandRegistry) RegisterResponse(name string, format string) uint16 {
	return r.Register(name, format, nil)
}

// GetCommand retrieves a command by ID
func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// GetCommandByName retrieves a command by name
func (r *CommandRegistry) GetCommandByName(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	if !ok {
		return nil, false
	}
	return r.commands[id], true
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch calls the appropriate command handler
func (r *CommandRegistry) Dispatch(cmdID uint16, data *[]byte) error {
	cmd, ok := r.GetCommand(cmdID)
	if !ok || cmd.Handler == nil {
		DebugPrintln("[CMD] unknown command ID " + Itoa(int(cmdID)))
		return ErrUnknownCommand
	}

	return cmd.Handler(data)
}

// DispatchPayload decodes the command ID that prefixes payload and
// dispatches every command packed into it
func (r *CommandRegistry) DispatchPayload(payload []byte) error {
	data := payload
	for len(data) > 0 {
		id, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			return err
		}
		if err := r.Dispatch(uint16(id), &data); err != nil {
			return err
		}
	}
	return nil
}

// SetResponseSink installs the function that ships encoded responses
func (r *CommandRegistry) SetResponseSink(sink ResponseSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SendResponse encodes a registered response and hands it to the sink
func (r *CommandRegistry) SendResponse(name string, args func(output protocol.OutputBuffer)) error {
	cmd, ok := r.GetCommandByName(name)
	if !ok {
		return ErrResponseNotFound
	}

	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink == nil {
		return ErrNoResponseSink
	}

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, uint32(cmd.ID))
	if args != nil {
		args(output)
	}
	sink(output.Result())
	return nil
}

// GetDictionary returns the command dictionary string
func (r *CommandRegistry) GetDictionary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dictionary
}

// rebuildDictionary rebuilds the dictionary string
// Must be called with lock held
func (r *CommandRegistry) rebuildDictionary() {
	dict := ""
	for i := uint16(0); i < r.nextID; i++ {
		if cmd, ok := r.commands[i]; ok {
			if cmd.Format != "" {
				dict += cmd.Name + " " + cmd.Format + "\n"
			} else {
				dict += cmd.Name + "\n"
			}
		}
	}
	r.dictionary = dict
}
