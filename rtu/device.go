package rtu

import (
	"sync"
	"time"
)

// Device is the poll record for one known slave address.
//
// The scheduler mutates it after every poll attempt; external readers (the
// dashboard layer) take point-in-time copies via Snapshot. Offline is a
// derived state: a device goes offline only after the consecutive-failure
// count reaches the configured threshold, never on a single lost frame.
type Device struct {
	addr byte

	mu        sync.RWMutex
	status    uint16
	telemetry uint16
	monitors  []uint16
	monValues map[uint16]uint16
	lastSeen  time.Time
	failures  int
	online    bool
}

// DeviceSnapshot is a point-in-time copy of a Device's state.
type DeviceSnapshot struct {
	Addr      byte
	Status    uint16
	Telemetry uint16
	Monitors  map[uint16]uint16
	LastSeen  time.Time
	Failures  int
	Online    bool
}

func newDevice(addr byte) *Device {
	return &Device{
		addr:      addr,
		monValues: make(map[uint16]uint16),
	}
}

// Addr returns the device's slave address.
func (d *Device) Addr() byte { return d.addr }

// Online reports whether the device is currently considered online.
func (d *Device) Online() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.online
}

// Snapshot returns a copy of the device state safe for concurrent use.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	mon := make(map[uint16]uint16, len(d.monValues))
	for k, v := range d.monValues {
		mon[k] = v
	}

	return DeviceSnapshot{
		Addr:      d.addr,
		Status:    d.status,
		Telemetry: d.telemetry,
		Monitors:  mon,
		LastSeen:  d.lastSeen,
		Failures:  d.failures,
		Online:    d.online,
	}
}

// setMonitors replaces the set of extra registers polled for this device.
func (d *Device) setMonitors(regs []uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.monitors = append([]uint16(nil), regs...)
	d.monValues = make(map[uint16]uint16, len(regs))
}

// monitorRegs returns a copy of the monitor register list.
func (d *Device) monitorRegs() []uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]uint16(nil), d.monitors...)
}

func (d *Device) setStatus(v uint16) {
	d.mu.Lock()
	d.status = v
	d.mu.Unlock()
}

func (d *Device) setTelemetry(v uint16) {
	d.mu.Lock()
	d.telemetry = v
	d.mu.Unlock()
}

func (d *Device) setMonitorValue(reg, v uint16) {
	d.mu.Lock()
	d.monValues[reg] = v
	d.mu.Unlock()
}

// recordSuccess resets the failure counter and marks the device online.
// It returns true if the device transitioned from offline to online.
func (d *Device) recordSuccess() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasOffline := !d.online
	d.failures = 0
	d.online = true
	d.lastSeen = time.Now()

	return wasOffline
}

// recordFailure increments the consecutive-failure counter and, once the
// threshold is reached, marks the device offline. It returns true if the
// device transitioned from online to offline.
func (d *Device) recordFailure(threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures++
	if d.failures < threshold || !d.online {
		return false
	}

	d.online = false

	return true
}
