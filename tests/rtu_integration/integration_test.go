package rtuintegration

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrolab/rtubus/logger"
	"github.com/ferrolab/rtubus/rtu"
)

// slaveBank simulates a multi-drop RS-485 segment: several register-holding
// slaves plus one bootloader, all behind a single half-duplex transport.
type slaveBank struct {
	mu   sync.Mutex
	regs map[byte]map[uint16]uint16

	fwAddr     byte
	fwReceived []byte

	pending []byte
	notify  chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newSlaveBank(addrs ...byte) *slaveBank {
	bank := &slaveBank{
		regs:   make(map[byte]map[uint16]uint16),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	for _, addr := range addrs {
		bank.regs[addr] = make(map[uint16]uint16)
	}

	return bank
}

func (s *slaveBank) setRegister(addr byte, reg, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regs[addr][reg] = value
}

func (s *slaveBank) register(addr byte, reg uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.regs[addr][reg]
}

func (s *slaveBank) firmwareImage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.fwReceived...)
}

func (s *slaveBank) push(p []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, p...)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *slaveBank) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()

			return n, nil
		}
		s.mu.Unlock()

		idle := time.NewTimer(5 * time.Millisecond)

		select {
		case <-s.closed:
			idle.Stop()

			return 0, io.EOF
		case <-s.notify:
			idle.Stop()
		case <-idle.C:
			return 0, rtu.ErrReadIdle
		}
	}
}

func (s *slaveBank) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	req := rtu.Frame(append([]byte(nil), p...))

	if resp := s.handleFirmware(req); resp != nil {
		s.push(resp)

		return len(p), nil
	}

	if len(req) == 8 && rtu.VerifyCRC(req) {
		if resp := s.handleRTU(req); resp != nil {
			s.push(resp)
		}
	}

	return len(p), nil
}

func (s *slaveBank) Close() error {
	s.once.Do(func() { close(s.closed) })

	return nil
}

func (s *slaveBank) handleRTU(req rtu.Frame) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	regs, ok := s.regs[req.Slave()]
	if !ok {
		return nil // silent address, request times out
	}

	reg := binary.BigEndian.Uint16(req[2:4])

	switch req.Function() {
	case rtu.FuncReadHoldingRegisters:
		value := regs[reg]
		resp := []byte{req.Slave(), rtu.FuncReadHoldingRegisters, 0x02, byte(value >> 8), byte(value)}

		return withCRC(resp)

	case rtu.FuncWriteSingleRegister:
		regs[reg] = binary.BigEndian.Uint16(req[4:6])

		return append([]byte(nil), req...) // write echoes the request

	default:
		resp := []byte{req.Slave(), req.Function() | 0x80, 0x01}

		return withCRC(resp)
	}
}

// handleFirmware answers bootloader frames with fixed 65-byte CRC-less
// responses, or nil when the frame is not part of a transfer.
func (s *slaveBank) handleFirmware(req rtu.Frame) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fwAddr == 0 || req.Slave() != s.fwAddr {
		return nil
	}

	ack := func(opcode byte) []byte {
		resp := make([]byte, 65)
		resp[0] = s.fwAddr
		resp[1] = opcode
		binary.BigEndian.PutUint32(resp[2:6], uint32(len(s.fwReceived)))

		return resp
	}

	switch {
	case len(req) == 6 && req.Function() == rtu.FwOpInit:
		s.fwReceived = s.fwReceived[:0]

		return []byte{rtu.FwOpInit}

	case len(req) == 2 && req.Function() == rtu.FwOpErase:
		resp := ack(rtu.FwOpErase)
		resp[2] = 0x01 // erase completes immediately

		return resp

	case len(req) >= 4 && req.Function() == rtu.FwOpData && len(req) == 3+int(req[2]):
		s.fwReceived = append(s.fwReceived, req[3:3+int(req[2])]...)

		return ack(rtu.FwOpData)

	case len(req) == 2 && req.Function() == rtu.FwOpDone:
		return ack(rtu.FwOpDone)

	default:
		return nil
	}
}

func withCRC(payload []byte) []byte {
	crc := rtu.CRC16(payload)

	return append(payload, byte(crc), byte(crc>>8))
}

func newIntegrationBus(t *testing.T, bank *slaveBank) *rtu.Bus {
	t.Helper()

	cfg, err := rtu.NewBusConfig(
		rtu.WithLogger(logger.NewSlog(logger.ErrorLevel, false)),
		rtu.WithPollInterval(10*time.Millisecond),
		rtu.WithReadTimeout(50*time.Millisecond),
		rtu.WithWriteTimeout(100*time.Millisecond),
		rtu.WithScanTimeout(20*time.Millisecond),
		rtu.WithInterFrameGap(0),
	)
	require.NoError(t, err)

	bus, err := rtu.NewBus(context.Background(), bank, cfg)
	require.NoError(t, err)

	return bus
}

func TestIntegration_PollWriteReadBack(t *testing.T) {
	bank := newSlaveBank(1, 2)
	bank.setRegister(1, rtu.DefaultStatusRegister, 0x0001)
	bank.setRegister(1, rtu.DefaultTelemetryRegister, 0x1234)
	bank.setRegister(2, rtu.DefaultStatusRegister, 0x0002)

	bus := newIntegrationBus(t, bank)
	_, err := bus.AddDevice(1)
	require.NoError(t, err)
	_, err = bus.AddDevice(2)
	require.NoError(t, err)

	require.NoError(t, bus.Start())
	defer bus.Stop()

	// Both slaves come online with their polled values.
	require.Eventually(t, func() bool {
		d1, d2 := bus.Device(1), bus.Device(2)

		return d1.Online() && d2.Online()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint16(0x1234), bus.Device(1).Snapshot().Telemetry)
	assert.Equal(t, uint16(0x0002), bus.Device(2).Snapshot().Status)

	// A queued write lands on the slave and the next poll cycle reads it
	// back.
	req, err := rtu.BuildWriteSingleRegister(1, rtu.DefaultTelemetryRegister, 0x5678)
	require.NoError(t, err)

	done, err := bus.EnqueueWrite(req, 1)
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(0x5678), bank.register(1, rtu.DefaultTelemetryRegister))

	require.Eventually(t, func() bool {
		return bus.Device(1).Snapshot().Telemetry == 0x5678
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIntegration_ScanThenAdopt(t *testing.T) {
	bank := newSlaveBank(3, 17)
	bus := newIntegrationBus(t, bank)
	require.NoError(t, bus.Start())
	defer bus.Stop()

	found, err := bus.Scan(context.Background(), rtu.ScanOptions{From: 1, To: 32})
	require.NoError(t, err)

	var discovered []byte
	for addr := range found {
		discovered = append(discovered, addr)
	}
	require.Equal(t, []byte{3, 17}, discovered)

	// Adopt the discovered devices and verify they get polled.
	for _, addr := range discovered {
		_, err := bus.AddDevice(addr)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, addr := range discovered {
			if !bus.Device(addr).Online() {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIntegration_FirmwareUpdateAndResume(t *testing.T) {
	bank := newSlaveBank(1)
	bank.fwAddr = 9
	bank.setRegister(1, rtu.DefaultStatusRegister, 0x0001)

	bus := newIntegrationBus(t, bank)
	_, err := bus.AddDevice(1)
	require.NoError(t, err)
	require.NoError(t, bus.Start())
	defer bus.Stop()

	require.Eventually(t, func() bool {
		return bus.Device(1).Online()
	}, 5*time.Second, 10*time.Millisecond)

	image := make([]byte, 300)
	for i := range image {
		image[i] = byte(i * 7)
	}

	events, err := bus.StartFirmwareTransfer(context.Background(), 9, image, rtu.FirmwareOptions{
		ChunkSize:   64,
		ChunkDelay:  time.Millisecond,
		RespTimeout: 200 * time.Millisecond,
		EraseSettle: time.Millisecond,
	})
	require.NoError(t, err)

	var last rtu.FirmwareEvent
	for ev := range events {
		last = ev
	}
	require.NoError(t, last.Err)
	assert.Equal(t, rtu.PhaseDone, last.Phase)
	assert.Equal(t, image, bank.firmwareImage())

	// Polling picks back up after the transfer releases the line.
	cycles := bus.Metrics().PollCycleCount.Load()
	require.Eventually(t, func() bool {
		return bus.Metrics().PollCycleCount.Load() > cycles
	}, 5*time.Second, 10*time.Millisecond)
}
