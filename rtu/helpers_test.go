package rtu

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ferrolab/rtubus/internal/pool"
	"github.com/ferrolab/rtubus/logger"
)

// fakeTransport is an in-memory duplex byte channel with a scripted
// responder, standing in for an RS-485 serial port.
type fakeTransport struct {
	mu      sync.Mutex
	pending []byte   // bytes queued for the engine to read
	writes  []Frame  // frames the engine wrote, in order
	respond func(req Frame) [][]byte

	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(respond func(req Frame) [][]byte) *fakeTransport {
	return &fakeTransport{
		respond: respond,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// push queues bytes for the engine's reader, as if they arrived on the line.
func (ft *fakeTransport) push(p []byte) {
	ft.mu.Lock()
	ft.pending = append(ft.pending, p...)
	ft.mu.Unlock()

	select {
	case ft.notify <- struct{}{}:
	default:
	}
}

func (ft *fakeTransport) Read(p []byte) (int, error) {
	for {
		ft.mu.Lock()
		if len(ft.pending) > 0 {
			n := copy(p, ft.pending)
			ft.pending = ft.pending[n:]
			ft.mu.Unlock()

			return n, nil
		}
		ft.mu.Unlock()

		idle := pool.GetTimer(5 * time.Millisecond)

		select {
		case <-ft.closed:
			pool.PutTimer(idle)

			return 0, io.EOF
		case <-ft.notify:
			pool.PutTimer(idle)
		case <-idle.C:
			pool.PutTimer(idle)

			return 0, ErrReadIdle
		}
	}
}

func (ft *fakeTransport) Write(p []byte) (int, error) {
	select {
	case <-ft.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	req := make(Frame, len(p))
	copy(req, p)

	ft.mu.Lock()
	ft.writes = append(ft.writes, req)
	responder := ft.respond
	ft.mu.Unlock()

	if responder != nil {
		for _, reply := range responder(req) {
			ft.push(reply)
		}
	}

	return len(p), nil
}

func (ft *fakeTransport) Close() error {
	ft.once.Do(func() { close(ft.closed) })

	return nil
}

func (ft *fakeTransport) setResponder(respond func(req Frame) [][]byte) {
	ft.mu.Lock()
	ft.respond = respond
	ft.mu.Unlock()
}

func (ft *fakeTransport) writeLog() []Frame {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return append([]Frame(nil), ft.writes...)
}

// echoResponder answers register reads for the given addresses with the
// fixed value, and echoes writes back, like a well-behaved slave.
func echoResponder(values map[byte]uint16) func(req Frame) [][]byte {
	return func(req Frame) [][]byte {
		value, ok := values[req.Slave()]
		if !ok {
			return nil // silent address: the request times out
		}

		switch req.Function() {
		case FuncReadHoldingRegisters:
			resp := []byte{req.Slave(), FuncReadHoldingRegisters, 0x02, byte(value >> 8), byte(value)}

			return [][]byte{appendCRC(resp)}

		case FuncWriteSingleRegister, FuncWriteSingleCoil:
			// Write echoes mirror the request frame exactly.
			return [][]byte{req}

		default:
			return nil
		}
	}
}

func newTestBus(t *testing.T, ft *fakeTransport, opts ...BusOption) *Bus {
	t.Helper()

	base := []BusOption{
		WithLogger(logger.NewSlog(logger.ErrorLevel, false)),
		WithPollInterval(10 * time.Millisecond),
		WithReadTimeout(30 * time.Millisecond),
		WithWriteTimeout(50 * time.Millisecond),
		WithScanTimeout(20 * time.Millisecond),
		WithInterFrameGap(0),
	}

	cfg, err := NewBusConfig(append(base, opts...)...)
	if err != nil {
		t.Fatalf("bus config: %v", err)
	}

	b, err := NewBus(context.Background(), ft, cfg)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	return b
}
