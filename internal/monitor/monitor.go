// Package monitor streams the board's serial console, where the firmware
// prints boot messages and crash dumps that never reach the BLE link.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

// ErrNoPorts is returned by Open when no port is named and none is found.
var ErrNoPorts = errors.New("monitor: no serial ports found")

// Ports lists the serial ports present on this machine.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("monitor: list ports: %w", err)
	}
	return ports, nil
}

// Open opens port at baud, 8N1. An empty port selects the first one found.
func Open(port string, baud int) (*Monitor, error) {
	if port == "" {
		ports, err := Ports()
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, ErrNoPorts
		}
		port = ports[0]
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("monitor: open %s: %w", port, err)
	}
	slog.Info("[SERIAL] opened", "port", port, "baud", baud)
	return New(port, p), nil
}

// Monitor reads lines from a serial port.
type Monitor struct {
	name string
	port io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

// New wraps an already open port.
func New(name string, port io.ReadCloser) *Monitor {
	return &Monitor{name: name, port: port}
}

// Name returns the port name.
func (m *Monitor) Name() string {
	return m.name
}

// Run calls fn for every line read until ctx is done or the port fails.
// Cancelling ctx closes the port and Run returns nil.
func (m *Monitor) Run(ctx context.Context, fn func(line string)) error {
	stop := context.AfterFunc(ctx, func() { _ = m.Close() })
	defer stop()

	scanner := bufio.NewScanner(m.port)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("monitor: read %s: %w", m.name, err)
	}
	return nil
}

// Close closes the port. It is safe to call more than once.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.port.Close()
	})
	return m.closeErr
}
