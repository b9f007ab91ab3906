package rtu

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ferrolab/rtubus/internal/pool"
)

// Firmware sub-protocol framing constants. The bootloader answers every
// frame with a fixed 65-byte response, except Init which echoes one byte.
// None of the firmware frames carry a CRC.
const (
	fwRespLen     = 65
	fwInitRespLen = 1

	// eraseDone is the erase-complete marker at payload byte 2 of the
	// erase status response.
	eraseDone byte = 0x01

	// erasePollInterval is the delay between erase status polls, after the
	// initial settle delay has elapsed.
	erasePollInterval = 200 * time.Millisecond

	// maxErasePolls bounds the erase wait; flash erase on these devices
	// takes a few seconds at most.
	maxErasePolls = 50
)

// FirmwarePhase identifies a stage of the firmware transfer sub-protocol.
type FirmwarePhase int

const (
	PhaseInit FirmwarePhase = iota + 1
	PhaseErase
	PhaseData
	PhaseDone
)

// String returns the phase name.
func (p FirmwarePhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseErase:
		return "erase"
	case PhaseData:
		return "data"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// FirmwareEvent reports transfer progress. Err is non-nil only on the final
// event of a failed transfer.
type FirmwareEvent struct {
	Phase FirmwarePhase
	Sent  int
	Total int
	Err   error
}

// FirmwareOptions overrides the bus defaults for one transfer. Zero fields
// keep the configured defaults.
type FirmwareOptions struct {
	ChunkSize   int
	ChunkDelay  time.Duration
	RespTimeout time.Duration
	EraseSettle time.Duration
}

func (b *Bus) fwOptions(opts FirmwareOptions) (FirmwareOptions, error) {
	out := FirmwareOptions{
		ChunkSize:   b.cfg.fwChunkSize,
		ChunkDelay:  b.cfg.fwChunkDelay,
		RespTimeout: b.cfg.fwRespTimeout,
		EraseSettle: b.cfg.fwEraseSettle,
	}

	if opts.ChunkSize != 0 {
		if opts.ChunkSize < 1 || opts.ChunkSize > MaxFwChunkSize {
			return out, fmt.Errorf("%w: firmware chunk size %d", ErrInvalidArgument, opts.ChunkSize)
		}
		out.ChunkSize = opts.ChunkSize
	}
	if opts.ChunkDelay != 0 {
		out.ChunkDelay = opts.ChunkDelay
	}
	if opts.RespTimeout != 0 {
		out.RespTimeout = opts.RespTimeout
	}
	if opts.EraseSettle != 0 {
		out.EraseSettle = opts.EraseSettle
	}

	return out, nil
}

// StartFirmwareTransfer runs the four-phase firmware exchange (Init,
// Erase-Confirm, chunked Data, Done) against the device at addr.
//
// The transfer holds the bus line for its whole duration and switches the
// framing machine into fixed-length mode; polling resumes once it finishes.
// Progress events are delivered on the returned channel, which is closed
// when the transfer ends. Any unexpected response opcode or timeout aborts
// the transfer; partial progress is not resumable and a new transfer must
// restart from Init.
func (b *Bus) StartFirmwareTransfer(ctx context.Context, addr byte, image []byte, opts FirmwareOptions) (<-chan FirmwareEvent, error) {
	if !b.running.Load() {
		return nil, ErrBusNotRunning
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty firmware image", ErrInvalidArgument)
	}

	o, err := b.fwOptions(opts)
	if err != nil {
		return nil, err
	}

	chunks := (len(image) + o.ChunkSize - 1) / o.ChunkSize

	// Sized so a transfer never blocks on a slow consumer: one event per
	// phase entry, one per chunk, one terminal.
	events := make(chan FirmwareEvent, chunks+8)

	go b.runFirmwareTransfer(ctx, addr, image, o, events)

	return events, nil
}

func (b *Bus) runFirmwareTransfer(ctx context.Context, addr byte, image []byte, o FirmwareOptions, events chan<- FirmwareEvent) {
	defer close(events)

	b.line.Lock()
	defer b.line.Unlock()

	// Firmware frames obey fixed-length framing; restore RTU rules on every
	// exit path so a failed transfer cannot wedge the framing machine.
	defer b.framer.setFixedLength(0)

	total := len(image)
	log := b.logger.With("addr", addr, "total", total)
	log.Info("rtu: firmware transfer started", "chunkSize", o.ChunkSize)

	fail := func(phase FirmwarePhase, sent int, err error) {
		log.Error("rtu: firmware transfer failed", "phase", phase.String(), "sent", sent, "error", err)
		events <- FirmwareEvent{Phase: phase, Sent: sent, Total: total, Err: err}
	}

	// --- Phase 1: Init ---
	events <- FirmwareEvent{Phase: PhaseInit, Total: total}

	b.framer.setFixedLength(fwInitRespLen)

	echo, err := b.exchangeRaw(ctx, BuildFirmwareInit(addr, uint32(total)), o.RespTimeout)
	if err != nil {
		fail(PhaseInit, 0, err)

		return
	}
	if len(echo) != fwInitRespLen || echo[0] == FwOpError {
		fail(PhaseInit, 0, fmt.Errorf("%w: init echo 0x%02X", ErrTransferAborted, echo[0]))

		return
	}

	// --- Phase 2: Erase-Confirm ---
	events <- FirmwareEvent{Phase: PhaseErase, Total: total}

	b.framer.setFixedLength(fwRespLen)

	// Flash erase needs a settle period before the device answers status
	// polls sensibly.
	if !b.sleep(ctx, o.EraseSettle) {
		fail(PhaseErase, 0, ctx.Err())

		return
	}

	if err := b.awaitEraseDone(ctx, addr, o.RespTimeout); err != nil {
		fail(PhaseErase, 0, err)

		return
	}

	// --- Phase 3: Data ---
	events <- FirmwareEvent{Phase: PhaseData, Total: total}

	sent := 0
	for sent < total {
		// Cooperative cancel, checked at each chunk boundary.
		if ctx.Err() != nil {
			fail(PhaseData, sent, ctx.Err())

			return
		}

		end := sent + o.ChunkSize
		if end > total {
			end = total
		}

		frame, err := BuildFirmwareData(addr, image[sent:end])
		if err != nil {
			fail(PhaseData, sent, err)

			return
		}

		resp, err := b.exchangeRaw(ctx, frame, o.RespTimeout)
		if err != nil {
			fail(PhaseData, sent, err)

			return
		}

		if resp[1] == FwOpError {
			fail(PhaseData, sent, fmt.Errorf("%w: device reported error during data phase", ErrTransferAborted))

			return
		}

		sent = end

		// The device acknowledges each chunk with its running received-byte
		// total. A mismatch against our own count is soft-logged; the
		// device is the authority on what it has flashed, and the transfer
		// only stops on an explicit error opcode.
		if got := binary.BigEndian.Uint32(resp[2:6]); got != uint32(sent) {
			log.Warn("rtu: firmware byte count mismatch", "device", got, "sent", sent)
		}

		events <- FirmwareEvent{Phase: PhaseData, Sent: sent, Total: total}

		if sent < total && !b.sleep(ctx, o.ChunkDelay) {
			fail(PhaseData, sent, ctx.Err())

			return
		}
	}

	// --- Phase 4: Done ---
	resp, err := b.exchangeRaw(ctx, BuildFirmwareDone(addr), o.RespTimeout)
	if err != nil {
		fail(PhaseDone, sent, err)

		return
	}
	if resp[1] == FwOpError {
		fail(PhaseDone, sent, fmt.Errorf("%w: device rejected finalize", ErrTransferAborted))

		return
	}

	log.Info("rtu: firmware transfer complete", "chunks", (total+o.ChunkSize-1)/o.ChunkSize)
	events <- FirmwareEvent{Phase: PhaseDone, Sent: sent, Total: total}
}

// awaitEraseDone polls the erase status until the device reports completion.
func (b *Bus) awaitEraseDone(ctx context.Context, addr byte, respTimeout time.Duration) error {
	for i := 0; i < maxErasePolls; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := b.exchangeRaw(ctx, BuildFirmwareEraseConfirm(addr), respTimeout)
		if err != nil {
			return err
		}

		if resp[1] == FwOpError {
			return fmt.Errorf("%w: device reported erase failure", ErrTransferAborted)
		}

		if resp[2] == eraseDone {
			return nil
		}

		if !b.sleep(ctx, erasePollInterval) {
			return ctx.Err()
		}
	}

	return ErrEraseTimeout
}

// sleep waits for d or until ctx is cancelled, reporting true if the full
// duration elapsed.
func (b *Bus) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
