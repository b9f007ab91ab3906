// Package rtu implements a Modbus RTU communication engine for a shared,
// half-duplex RS-485 bus.
//
// The engine is built around a Bus, which owns an injected byte Transport
// and enforces strict half-duplex discipline: exactly one outstanding
// request at any time. A Bus multiplexes three kinds of traffic onto the
// line:
//
//   - periodic round-robin polling of registered devices (status, telemetry,
//     and per-device monitor registers), with consecutive-failure debouncing
//     before a device is marked offline;
//   - a FIFO queue of user-issued commands, drained one entry between poll
//     steps so interactive writes see bounded latency;
//   - cooperative long-lived sessions (device discovery scans and firmware
//     transfers) that borrow the whole line while they run.
//
// Frame construction and parsing live in the codec (Build*, ParseResponse,
// CRC16, VerifyCRC). Incoming bytes are framed without delimiters by a
// state machine driven entirely by function-code length rules, which also
// absorbs RS-485 idle-line noise and CRC-corrupt frames without disturbing
// the scheduler.
package rtu
