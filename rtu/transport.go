package rtu

import (
	"errors"
	"os"
)

// Transport is the injected duplex byte channel the engine runs over,
// typically an RS-485 serial port. The engine never opens or closes the
// underlying medium beyond Close; port setup is the owner's concern.
//
// Read must return within a bounded interval when the line is idle, either
// with data or with a timeout error satisfying IsIdleTimeout. This lets the
// bus reader task poll for incoming bytes while remaining responsive to
// shutdown, the same way a net.Conn read deadline would.
//
// The bus is the sole writer to the Transport; no other component may call
// Write while the bus is running.
type Transport interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// ErrReadIdle is the timeout error transports return from Read when no data
// arrived within their polling interval. os.ErrDeadlineExceeded and
// net.Error timeouts are also recognized.
var ErrReadIdle = errors.New("rtu: transport read idle")

// timeoutError matches net.Error without importing net for it.
type timeoutError interface {
	Timeout() bool
}

// IsIdleTimeout reports whether err is a benign read timeout rather than a
// transport failure.
func IsIdleTimeout(err error) bool {
	if errors.Is(err, ErrReadIdle) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var te timeoutError
	if errors.As(err, &te) {
		return te.Timeout()
	}

	return false
}
