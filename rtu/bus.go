package rtu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ferrolab/rtubus/internal/pool"
	"github.com/ferrolab/rtubus/internal/queue"
	"github.com/ferrolab/rtubus/internal/task"
	"github.com/ferrolab/rtubus/logger"
)

// readChunkSize is the scratch buffer size for each transport read. An RTU
// frame never exceeds 256 bytes, so one read can carry at most a frame and
// change.
const readChunkSize = 256

// CommandResult is the outcome of a queued user command.
type CommandResult struct {
	Resp *Response
	Err  error
}

// command is one entry in the user command queue. It is consumed exactly
// once by the scheduler between poll steps; its lifetime ends at resolution
// or at queue flush on stop/disconnect.
type command struct {
	frame Frame
	addr  byte
	done  chan CommandResult
}

// UnsolicitedHandler receives valid frames that matched no pending exchange.
type UnsolicitedHandler func(Frame)

// Bus multiplexes periodic device polling and user commands onto one
// half-duplex RS-485 channel.
//
// The Bus is the sole writer to the Transport and guarantees at most one
// in-flight request at any time. Three tasks run while the bus is open: a
// reader feeding the framing machine, a ticker posting poll signals, and
// the scheduler draining commands and polling devices round-robin.
//
// Discovery scans and firmware transfers borrow the line cooperatively: the
// scheduler skips poll ticks while either holds it.
type Bus struct {
	pctx   context.Context
	cfg    *BusConfig
	logger logger.Logger

	transport Transport
	framer    *framer
	slot      exchangeSlot
	taskMgr   *task.Manager
	metrics   BusMetrics

	// line serializes whole multi-exchange holders of the channel: a poll
	// step, a scan sweep, or a firmware session. The single-exchange
	// invariant is still enforced by the exchange slot; this lock only
	// keeps the longer-lived users from interleaving.
	line sync.Mutex

	devices *xsync.MapOf[byte, *Device]

	orderMu sync.Mutex
	order   []byte // round-robin poll order, rebuilt on add/remove
	rrIdx   int

	cmdMu sync.Mutex
	cmds  *queue.FIFO[*command]

	tickCh chan struct{}

	running  atomic.Bool
	stopping atomic.Bool

	unsolicited UnsolicitedHandler
}

// NewBus creates a Bus over the given transport. The transport must already
// be open; the bus never dials or re-opens it.
func NewBus(ctx context.Context, transport Transport, cfg *BusConfig) (*Bus, error) {
	if cfg == nil {
		return nil, errors.New("rtu: bus config is nil")
	}
	if transport == nil {
		return nil, errors.New("rtu: transport is nil")
	}

	b := &Bus{
		pctx:      ctx,
		cfg:       cfg,
		logger:    cfg.logger,
		transport: transport,
		taskMgr:   task.NewManager(ctx, cfg.logger),
		devices:   xsync.NewMapOf[byte, *Device](),
		cmds:      queue.New[*command](cfg.cmdQueueSize),
		tickCh:    make(chan struct{}, 1),
	}
	b.framer = newFramer(cfg.logger, &b.metrics, b.handleFrame)

	return b, nil
}

// Metrics returns the bus metrics.
func (b *Bus) Metrics() *BusMetrics {
	return &b.metrics
}

// SetUnsolicitedHandler registers a handler for valid frames that resolve no
// pending exchange. Must be called before Start.
func (b *Bus) SetUnsolicitedHandler(h UnsolicitedHandler) {
	b.unsolicited = h
}

// --- Device registry ---

// AddDevice registers a slave address for polling. Address 0 is the
// broadcast address and cannot be polled.
func (b *Bus) AddDevice(addr byte) (*Device, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: address 0 is broadcast", ErrInvalidArgument)
	}

	d := newDevice(addr)
	if _, loaded := b.devices.LoadOrStore(addr, d); loaded {
		return nil, ErrDeviceExists
	}

	b.rebuildOrder()
	b.logger.Debug("rtu: device added", "addr", addr)

	return d, nil
}

// RemoveDevice unregisters a slave address.
func (b *Bus) RemoveDevice(addr byte) error {
	if _, loaded := b.devices.LoadAndDelete(addr); !loaded {
		return ErrUnknownDevice
	}

	b.rebuildOrder()
	b.logger.Debug("rtu: device removed", "addr", addr)

	return nil
}

// Device returns the poll record for addr, or nil if unknown.
func (b *Bus) Device(addr byte) *Device {
	d, _ := b.devices.Load(addr)

	return d
}

// Devices returns snapshots of all registered devices, ordered by address.
func (b *Bus) Devices() []DeviceSnapshot {
	out := make([]DeviceSnapshot, 0, b.devices.Size())
	b.devices.Range(func(_ byte, d *Device) bool {
		out = append(out, d.Snapshot())

		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })

	return out
}

// SetMonitors replaces the extra registers polled for addr each cycle.
func (b *Bus) SetMonitors(addr byte, regs []uint16) error {
	d := b.Device(addr)
	if d == nil {
		return ErrUnknownDevice
	}

	d.setMonitors(regs)

	return nil
}

func (b *Bus) rebuildOrder() {
	addrs := make([]byte, 0, b.devices.Size())
	b.devices.Range(func(addr byte, _ *Device) bool {
		addrs = append(addrs, addr)

		return true
	})
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	b.orderMu.Lock()
	b.order = addrs
	if b.rrIdx >= len(addrs) {
		b.rrIdx = 0
	}
	b.orderMu.Unlock()
}

// nextPollAddr advances the round-robin index and returns the next address
// to poll, or 0 if no devices are registered.
func (b *Bus) nextPollAddr() byte {
	b.orderMu.Lock()
	defer b.orderMu.Unlock()

	if len(b.order) == 0 {
		return 0
	}

	addr := b.order[b.rrIdx%len(b.order)]
	b.rrIdx = (b.rrIdx + 1) % len(b.order)

	return addr
}

// --- Lifecycle ---

// Start launches the reader, ticker, and scheduler tasks.
func (b *Bus) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("rtu: bus already running")
	}
	b.stopping.Store(false)

	b.taskMgr.Start("reader", b.readerIteration, nil)
	b.taskMgr.Start("ticker", b.tickerIteration, nil)
	b.taskMgr.Start("scheduler", b.schedulerIteration, nil)

	b.logger.Info("rtu: bus started",
		"pollInterval", b.cfg.pollInterval,
		"readTimeout", b.cfg.readTimeout,
		"interFrameGap", b.cfg.interFrameGap)

	return nil
}

// Stop halts all tasks, rejects every queued command with ErrBusStopped,
// clears the pending exchange, resets the round-robin cursor, and discards
// buffered partial frames. The transport itself is left to its owner.
func (b *Bus) Stop() {
	b.stop(ErrBusStopped)
}

func (b *Bus) stop(cause error) {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.stopping.Store(true)

	b.taskMgr.Stop()
	b.slot.abort(cause)
	b.flushCommands(cause)
	b.framer.reset()

	b.orderMu.Lock()
	b.rrIdx = 0
	b.orderMu.Unlock()

	b.logger.Info("rtu: bus stopped", "cause", cause)
}

// handleDisconnect is invoked from the reader task when the transport dies.
// It must not call Stop synchronously: Stop waits for the reader task
// itself.
func (b *Bus) handleDisconnect(err error) {
	if b.stopping.Swap(true) {
		return
	}

	b.logger.Error("rtu: transport disconnected", "error", err)

	go b.stop(ErrDisconnected)
}

func (b *Bus) flushCommands(cause error) {
	b.cmdMu.Lock()
	pending := b.cmds.Drain()
	b.metrics.setQueueDepth(0)
	b.cmdMu.Unlock()

	for _, cmd := range pending {
		cmd.done <- CommandResult{Err: cause}
	}
}

// --- Reader task ---

// readerIteration performs one blocking transport read and feeds the bytes
// to the framing machine. Idle timeouts are normal; any other read error is
// a disconnect.
func (b *Bus) readerIteration() bool {
	buf := make([]byte, readChunkSize)

	n, err := b.transport.Read(buf)
	if n > 0 {
		b.framer.feed(buf[:n])
	}

	if err != nil {
		if IsIdleTimeout(err) {
			return true
		}

		b.handleDisconnect(err)

		return false
	}

	return true
}

// --- Ticker task ---

// tickerIteration posts one poll tick per poll interval. It runs on its own
// goroutine so scheduling never depends on a caller's timer context; ticks
// that arrive while the scheduler is busy coalesce into the buffered
// channel.
func (b *Bus) tickerIteration() bool {
	timer := pool.GetTimer(b.cfg.pollInterval)
	defer pool.PutTimer(timer)

	select {
	case <-b.taskMgr.Context().Done():
		return false
	case <-timer.C:
	}

	select {
	case b.tickCh <- struct{}{}:
	default:
		// Scheduler still busy with the previous tick.
	}

	return true
}

// --- Scheduler task ---

// schedulerIteration waits for a tick, then runs one cycle step: drain at
// most one queued command, then poll the next device in round-robin order.
func (b *Bus) schedulerIteration() bool {
	ctx := b.taskMgr.Context()

	select {
	case <-ctx.Done():
		return false
	case <-b.tickCh:
	}

	// A scan or firmware session holds the line; polling defers.
	if !b.line.TryLock() {
		return true
	}
	defer b.line.Unlock()

	b.drainOneCommand(ctx)

	addr := b.nextPollAddr()
	if addr == 0 {
		return true
	}

	d := b.Device(addr)
	if d == nil {
		return true
	}

	b.pollDevice(ctx, d)

	return true
}

// drainOneCommand services at most one queued user command, keeping
// interactive latency bounded without starving the poll cycle.
func (b *Bus) drainOneCommand(ctx context.Context) {
	b.cmdMu.Lock()
	cmd, ok := b.cmds.Pop()
	b.metrics.setQueueDepth(b.cmds.Len())
	b.cmdMu.Unlock()

	if !ok {
		return
	}

	resp, err := b.exchange(ctx, cmd.frame, cmd.addr, false, b.cfg.writeTimeout)
	cmd.done <- CommandResult{Resp: resp, Err: err}
	b.metrics.incCommandCount()

	b.waitGap(ctx)
}

// pollDevice runs one poll step for a device: status register, telemetry
// register, then each registered monitor register, separated by the
// inter-frame gap. The first failed read aborts the step and counts one
// failure; a fully successful step resets the failure counter.
func (b *Bus) pollDevice(ctx context.Context, d *Device) {
	addr := d.Addr()

	regs := []uint16{b.cfg.statusRegister, b.cfg.telemetryRegister}
	regs = append(regs, d.monitorRegs()...)

	for i, reg := range regs {
		if ctx.Err() != nil {
			return
		}

		value, err := b.readRegister(ctx, addr, reg, b.cfg.readTimeout)
		if err != nil {
			if wentOffline := d.recordFailure(b.cfg.offlineThreshold); wentOffline {
				b.logger.Warn("rtu: device offline",
					"addr", addr,
					"failures", d.Snapshot().Failures)
			} else {
				b.logger.Debug("rtu: poll read failed", "addr", addr, "reg", reg, "error", err)
			}

			return
		}

		switch i {
		case 0:
			d.setStatus(value)
		case 1:
			d.setTelemetry(value)
		default:
			d.setMonitorValue(reg, value)
		}

		b.waitGap(ctx)
	}

	if cameOnline := d.recordSuccess(); cameOnline {
		b.logger.Info("rtu: device online", "addr", addr)
	}

	b.metrics.incPollCycleCount()
}

// readRegister performs one FC 03 read of a single register.
func (b *Bus) readRegister(ctx context.Context, addr byte, reg uint16, timeout time.Duration) (uint16, error) {
	req, err := BuildReadHoldingRegisters(addr, reg, 1)
	if err != nil {
		return 0, err
	}

	resp, err := b.exchange(ctx, req, addr, false, timeout)
	if err != nil {
		return 0, err
	}

	return resp.Uint16()
}

// waitGap observes the inter-frame gap, the quiet period the half-duplex
// line needs between exchanges.
func (b *Bus) waitGap(ctx context.Context) {
	if b.cfg.interFrameGap <= 0 {
		return
	}

	timer := pool.GetTimer(b.cfg.interFrameGap)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// --- Command queue ---

// EnqueueWrite queues a user-built frame for transmission between poll
// steps. The returned channel receives exactly one CommandResult: the parsed
// response, a timeout/exception error, or ErrBusStopped/ErrDisconnected if
// the bus goes down first.
func (b *Bus) EnqueueWrite(frame Frame, addr byte) (<-chan CommandResult, error) {
	if !b.running.Load() {
		return nil, ErrBusNotRunning
	}
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: frame too short to queue", ErrInvalidArgument)
	}

	cmd := &command{frame: frame, addr: addr, done: make(chan CommandResult, 1)}

	b.cmdMu.Lock()
	if b.cmds.Len() >= b.cfg.cmdQueueSize {
		b.cmdMu.Unlock()

		return nil, ErrQueueFull
	}
	b.cmds.Push(cmd)
	b.metrics.setQueueDepth(b.cmds.Len())
	b.cmdMu.Unlock()

	// Closes the race with a concurrent Stop: a command pushed after the
	// final flush would otherwise be stranded.
	if !b.running.Load() {
		b.flushCommands(ErrBusStopped)
	}

	return cmd.done, nil
}

// --- Correlator ---

// SendAndAwait transmits a frame and waits for the matching response or the
// deadline, whichever comes first. The scheduler serializes all internal
// callers; external callers racing the scheduler receive ErrExchangePending
// rather than corrupting the half-duplex discipline.
func (b *Bus) SendAndAwait(ctx context.Context, frame Frame, expectAddr byte, timeout time.Duration) (*Response, error) {
	return b.exchange(ctx, frame, expectAddr, false, timeout)
}

// exchange is the single-slot request/response correlation primitive.
//
// It arms the pending exchange, writes the frame, and suspends until the
// reader task resolves the slot with a matching frame, the deadline fires,
// or ctx is cancelled. The slot is cleared before returning on every path.
func (b *Bus) exchange(ctx context.Context, frame Frame, expectAddr byte, raw bool, timeout time.Duration) (*Response, error) {
	p, err := b.slot.arm(expectAddr, raw)
	if err != nil {
		return nil, err
	}

	if _, err := b.transport.Write(frame); err != nil {
		b.slot.clear(p)

		if b.running.Load() {
			b.handleDisconnect(err)
		}

		return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	b.metrics.incFrameSendCount()

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		b.claimCancel(p)

		return nil, ctx.Err()

	case <-timer.C:
		if !p.claim() {
			// A reply won the race just before the deadline; take it.
			if reply, ok := <-p.replyCh; ok {
				return ParseResponse(reply)
			}

			return nil, p.abortCause()
		}
		b.slot.clear(p)
		b.metrics.incTimeoutCount()

		return nil, fmt.Errorf("%w: slave %d after %v", ErrTimeout, expectAddr, timeout)

	case reply, ok := <-p.replyCh:
		if !ok {
			// Slot aborted; the cause distinguishes user stop from a dead
			// transport.
			return nil, p.abortCause()
		}

		if raw {
			return &Response{Slave: reply.Slave(), Function: reply.Function(), Data: reply}, nil
		}

		return ParseResponse(reply)
	}
}

// exchangeRaw is the firmware-mode variant: the framing machine is in
// fixed-length mode and the next raw frame resolves the exchange. The
// Response's Data field carries the whole raw frame.
func (b *Bus) exchangeRaw(ctx context.Context, frame Frame, timeout time.Duration) (Frame, error) {
	resp, err := b.exchange(ctx, frame, 0, true, timeout)
	if err != nil {
		return nil, err
	}

	return Frame(resp.Data), nil
}

// claimCancel resolves a pending exchange on behalf of a cancelled caller.
func (b *Bus) claimCancel(p *pendingExchange) {
	if p.claim() {
		b.slot.clear(p)

		return
	}

	// Resolver won; drain the delivered frame so nothing leaks.
	select {
	case <-p.replyCh:
	default:
	}
}

// --- Frame dispatch ---

// handleFrame routes every validated frame from the framing machine: first
// to the pending exchange (which a scan sweep or firmware session shares),
// else to the unsolicited handler. Runs on the reader task.
func (b *Bus) handleFrame(frame Frame) {
	if b.slot.resolve(frame) {
		return
	}

	b.metrics.incUnsolicitedCount()
	b.logger.Debug("rtu: unsolicited frame",
		"slave", frame.Slave(),
		"function", fmt.Sprintf("0x%02X", frame.Function()),
		"len", len(frame))

	if b.unsolicited != nil {
		b.unsolicited(frame)
	}
}
