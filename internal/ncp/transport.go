package ncp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	tcpScheme       = "tcp://"
	tcpDialTimeout  = 5 * time.Second
	tcpKeepAlive    = 15 * time.Second
	defaultBaudRate = 115200
)

// TransportConfig selects the coprocessor port. Path is a serial device or
// tcp://host:port for a network bridge.
type TransportConfig struct {
	Path     string
	BaudRate int
	// RTSCTS asserts the modem control lines after opening; USB CDC
	// firmware often waits for DTR before talking.
	RTSCTS bool
}

// Opener opens a fresh transport. The driver calls it on every Open.
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

// IsTCP reports whether path names a TCP bridge.
func IsTCP(path string) bool { return strings.HasPrefix(path, tcpScheme) }

// NewOpener returns an Opener for cfg.
func NewOpener(cfg TransportConfig) Opener {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return OpenTransport(ctx, cfg)
	}
}

// OpenTransport opens the serial port or TCP socket named by cfg.Path.
func OpenTransport(ctx context.Context, cfg TransportConfig) (io.ReadWriteCloser, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ncp: transport path is empty")
	}
	if IsTCP(cfg.Path) {
		return openTCP(ctx, strings.TrimPrefix(cfg.Path, tcpScheme))
	}
	return openSerial(cfg)
}

func openTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: tcpDialTimeout, KeepAlive: tcpKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ncp: dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func openSerial(cfg TransportConfig) (io.ReadWriteCloser, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("ncp: open %s: %w", cfg.Path, err)
	}
	if cfg.RTSCTS {
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
	}
	return port, nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("ncp: list ports: %w", err)
	}
	return ports, nil
}
