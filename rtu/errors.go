package rtu

import (
	"errors"
	"fmt"
)

// Sentinel errors for the RTU engine.
var (
	// Codec errors.
	ErrInvalidArgument = errors.New("rtu: invalid argument")
	ErrFrameTooShort   = errors.New("rtu: frame too short")

	// Correlation errors.
	ErrTimeout         = errors.New("rtu: response timeout")
	ErrExchangePending = errors.New("rtu: another exchange is pending")

	// Bus-level errors.
	ErrBusStopped     = errors.New("rtu: bus stopped")
	ErrBusNotRunning  = errors.New("rtu: bus is not running")
	ErrDisconnected   = errors.New("rtu: transport disconnected")
	ErrQueueFull      = errors.New("rtu: command queue full")
	ErrUnknownDevice  = errors.New("rtu: unknown device address")
	ErrDeviceExists   = errors.New("rtu: device address already registered")

	// Firmware transfer errors.
	ErrTransferAborted = errors.New("rtu: firmware transfer aborted")
	ErrEraseTimeout    = errors.New("rtu: flash erase did not complete")
)

// ExceptionCode is a Modbus exception code returned by a device when the
// response function code has its high bit (0x80) set.
type ExceptionCode byte

const (
	ExceptionIllegalFunction    ExceptionCode = 0x01
	ExceptionIllegalDataAddress ExceptionCode = 0x02
	ExceptionIllegalDataValue   ExceptionCode = 0x03
	ExceptionDeviceFailure      ExceptionCode = 0x04
	ExceptionAcknowledge        ExceptionCode = 0x05
	ExceptionDeviceBusy         ExceptionCode = 0x06
)

// String returns the standard name of the exception code.
func (c ExceptionCode) String() string {
	switch c {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionDeviceFailure:
		return "device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionDeviceBusy:
		return "device busy"
	default:
		return fmt.Sprintf("unknown exception 0x%02X", byte(c))
	}
}

// ExceptionError is returned when a device answers a request with a Modbus
// exception response. It is a device-reported protocol error, not an engine
// failure, and is never retried automatically.
type ExceptionError struct {
	Slave    byte
	Function byte // original function code, high bit cleared
	Code     ExceptionCode
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("rtu: slave %d function 0x%02X: %s (0x%02X)",
		e.Slave, e.Function, e.Code, byte(e.Code))
}

// AsException returns the ExceptionError wrapped in err, if any.
func AsException(err error) (*ExceptionError, bool) {
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return exc, true
	}

	return nil, false
}
