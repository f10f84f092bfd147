// Package serial opens the byte stream to a controller: a serial port for
// firmware targets or a TCP socket for the Linux runner
package serial

import (
	"io"
	"strings"
	"time"
)

// Port is an open link to a controller
type Port interface {
	io.ReadWriteCloser

	// Flush discards unread input
	Flush() error
}

// Config holds link settings
type Config struct {
	// Device is a serial device path such as /dev/ttyACM0, or tcp://host:port
	Device string

	// Baud is ignored by USB CDC devices and TCP
	Baud int

	// ReadTimeout bounds each Read; zero blocks
	ReadTimeout time.Duration
}

// DefaultConfig returns settings for a USB CDC controller on device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// IsNetwork reports whether the device names a TCP endpoint
func (c *Config) IsNetwork() bool {
	return strings.HasPrefix(c.Device, "tcp://")
}
