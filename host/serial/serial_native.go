package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// NativePort wraps a tarm/serial port
type NativePort struct {
	port *serial.Port
	cfg  *Config
}

// Open opens the serial port or TCP endpoint named by cfg
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, errors.New("serial: config cannot be nil")
	}
	if cfg.IsNetwork() {
		return dialTCP(cfg)
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Device, err)
	}
	return &NativePort{port: port, cfg: cfg}, nil
}

// Read returns zero bytes and no error when the read timeout expires;
// the port reports that as io.EOF
func (p *NativePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (p *NativePort) Write(b []byte) (int, error) { return p.port.Write(b) }

func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

func (p *NativePort) Flush() error {
	return p.port.Flush()
}

// TCPPort is a link to a controller served over TCP
type TCPPort struct {
	conn    net.Conn
	timeout time.Duration
}

func dialTCP(cfg *Config) (Port, error) {
	addr := strings.TrimPrefix(cfg.Device, "tcp://")
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &TCPPort{conn: conn, timeout: cfg.ReadTimeout}, nil
}

// Read returns zero bytes and no error when the read timeout expires, as a
// serial port does
func (p *TCPPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.timeout))
	}
	n, err := p.conn.Read(b)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (p *TCPPort) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *TCPPort) Close() error                { return p.conn.Close() }
func (p *TCPPort) Flush() error                { return nil }
