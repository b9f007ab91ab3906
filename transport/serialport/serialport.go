// Package serialport adapts a goburrow/serial port to the rtu.Transport
// interface.
//
// The engine's reader loop expects short read timeouts so it can observe
// shutdown promptly; the port is therefore opened with a read timeout and
// goburrow's timeout error is translated into rtu.ErrReadIdle, which the
// engine treats as "no bytes yet" rather than a transport failure.
package serialport

import (
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/serial"

	"github.com/ferrolab/rtubus/rtu"
)

// DefaultReadTimeout is the per-read deadline applied when Config.ReadTimeout
// is zero. It only bounds a single blocking read; it is unrelated to the
// engine's exchange timeouts.
const DefaultReadTimeout = 50 * time.Millisecond

// Config describes the serial line. The zero value is not usable; Device is
// required and the line parameters default to the common RTU setting of
// 9600 8N1.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0 or COM3.
	Device string
	// BaudRate defaults to 9600.
	BaudRate int
	// DataBits defaults to 8.
	DataBits int
	// StopBits defaults to 1.
	StopBits int
	// Parity is "N", "E" or "O"; defaults to "N".
	Parity string
	// ReadTimeout bounds a single blocking read. Defaults to
	// DefaultReadTimeout.
	ReadTimeout time.Duration
}

func (c *Config) withDefaults() serial.Config {
	sc := serial.Config{
		Address:  c.Device,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
		Timeout:  c.ReadTimeout,
	}

	if sc.BaudRate == 0 {
		sc.BaudRate = 9600
	}
	if sc.DataBits == 0 {
		sc.DataBits = 8
	}
	if sc.StopBits == 0 {
		sc.StopBits = 1
	}
	if sc.Parity == "" {
		sc.Parity = "N"
	}
	if sc.Timeout == 0 {
		sc.Timeout = DefaultReadTimeout
	}

	return sc
}

// Port wraps an open serial port as an rtu.Transport.
type Port struct {
	port serial.Port
}

var _ rtu.Transport = (*Port)(nil)

// Open opens the configured serial device.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serialport: device path required")
	}

	sc := cfg.withDefaults()

	port, err := serial.Open(&sc)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Device, err)
	}

	return &Port{port: port}, nil
}

// Read reads available bytes from the line. A read deadline expiring with no
// data is reported as rtu.ErrReadIdle.
func (p *Port) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if err != nil && errors.Is(err, serial.ErrTimeout) {
		if n > 0 {
			return n, nil
		}

		return 0, rtu.ErrReadIdle
	}

	return n, err
}

// Write transmits bytes on the line.
func (p *Port) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

// Close closes the serial device.
func (p *Port) Close() error {
	return p.port.Close()
}
