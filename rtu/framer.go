package rtu

import (
	"fmt"
	"sync"

	"github.com/ferrolab/rtubus/logger"
)

// idleFillByte is the byte RS-485 transceivers commonly emit while the line
// turns around from transmit to receive (idle level is all-ones). Any run of
// leading 0xFF bytes is treated as noise and discarded before framing.
//
// This assumes no valid slave address equals 255. Conforming Modbus devices
// use addresses 1-247, so the assumption holds on a conforming bus; it is
// asserted rather than enforced.
const idleFillByte = 0xFF

// maxAccumulated bounds the receive buffer. RTU frames never exceed 256
// bytes; anything beyond a few frames of backlog means framing has lost
// sync, and the accumulator is discarded to resynchronize.
const maxAccumulated = 1024

// framer turns the raw incoming byte stream into discrete validated frames.
//
// RTU has no delimiters or length prefix: frame boundaries are derived
// entirely from function-code-driven length rules and byte counting. The
// framer owns the receive buffer exclusively; only the bus reader task
// appends to it via feed. A firmware session may switch the framing mode
// from its own goroutine, so buffer and mode are guarded by a mutex.
//
// While a firmware transfer is active, the framer is in fixed-length mode:
// frames are emitted as raw slices of exactly fixedLen bytes with no CRC
// check, per the firmware sub-protocol's framing rules.
type framer struct {
	mu       sync.Mutex
	buf      []byte
	fixedLen int
	onFrame  func(Frame)
	logger   logger.Logger
	metrics  *BusMetrics
}

func newFramer(l logger.Logger, m *BusMetrics, onFrame func(Frame)) *framer {
	return &framer{
		buf:     make([]byte, 0, 256),
		onFrame: onFrame,
		logger:  l,
		metrics: m,
	}
}

// setFixedLength switches the framer into fixed-length mode (n > 0) or back
// to RTU length rules (n == 0). Buffered bytes are discarded on a mode
// switch; they belong to the previous framing regime.
func (f *framer) setFixedLength(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fixedLen = n
	f.buf = f.buf[:0]
}

// reset discards all buffered bytes. Called on disconnect so no partial
// frame survives into a new transport.
func (f *framer) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = f.buf[:0]
}

// feed appends newly received bytes and drains every complete frame from the
// accumulator. Multiple frames arriving in one read are all emitted, in
// order.
func (f *framer) feed(p []byte) {
	if len(p) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = append(f.buf, p...)

	if len(f.buf) > maxAccumulated {
		f.logger.Warn("rtu: receive buffer overflow, resynchronizing", "discarded", len(f.buf))
		f.metrics.incDiscardedByteCount(uint64(len(f.buf)))
		f.buf = f.buf[:0]

		return
	}

	f.drain()
}

func (f *framer) drain() {
	for {
		if f.fixedLen > 0 {
			if !f.drainFixed() {
				return
			}

			continue
		}

		if !f.drainRTU() {
			return
		}
	}
}

// drainFixed extracts one fixed-length raw frame. Returns false when more
// bytes are needed.
func (f *framer) drainFixed() bool {
	if len(f.buf) < f.fixedLen {
		return false
	}

	frame := make(Frame, f.fixedLen)
	copy(frame, f.buf[:f.fixedLen])
	f.consume(f.fixedLen)

	f.metrics.incFrameRecvCount()
	f.onFrame(frame)

	return true
}

// drainRTU runs one pass of the RTU framing algorithm. Returns false when
// more bytes are needed to complete the next frame.
func (f *framer) drainRTU() bool {
	f.discardNoise()

	if len(f.buf) < 2 {
		return false
	}

	need, known := expectedLength(f.buf)
	if !known {
		// Read-type response: the byte count (byte 2) has not arrived yet.
		return false
	}

	if len(f.buf) < need {
		return false
	}

	frame := make(Frame, need)
	copy(frame, f.buf[:need])
	f.consume(need)

	if !VerifyCRC(frame) {
		// Corrupt frame: report and keep framing. Line noise must never
		// stall the engine.
		f.logger.Warn("rtu: discarding frame with bad CRC",
			"slave", frame.Slave(),
			"function", fmt.Sprintf("0x%02X", frame.Function()),
			"len", len(frame))
		f.metrics.incCRCErrorCount()

		return true
	}

	f.metrics.incFrameRecvCount()
	f.onFrame(frame)

	return true
}

// discardNoise drops a leading run of idle-fill bytes.
func (f *framer) discardNoise() {
	n := 0
	for n < len(f.buf) && f.buf[n] == idleFillByte {
		n++
	}

	if n > 0 {
		f.metrics.incDiscardedByteCount(uint64(n))
		f.consume(n)
	}
}

// consume removes n bytes from the front of the buffer, shifting the
// remainder down so the backing array is reused.
func (f *framer) consume(n int) {
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}

// expectedLength computes the full frame length implied by the function code
// at buf[1].
//
// Rules:
//   - exception responses (high bit set): fixed 5 bytes
//   - read responses (FC 01-04): 3 + declared byte count + 2, requiring
//     buf[2] to have arrived (known=false until then)
//   - write echoes (FC 05/06/15/16): fixed 8 bytes
//   - anything else: 5 bytes minimum, the shortest valid frame
func expectedLength(buf []byte) (need int, known bool) {
	fn := buf[1]

	switch {
	case fn&0x80 != 0:
		return errRespLen, true

	case fn >= FuncReadCoils && fn <= FuncReadInputRegisters:
		if len(buf) < 3 {
			return 0, false
		}

		return 3 + int(buf[2]) + crcSize, true

	case fn == FuncWriteSingleCoil, fn == FuncWriteSingleRegister,
		fn == FuncWriteMultipleCoils, fn == FuncWriteMultipleRegisters:
		return writeRespLen, true

	default:
		return errRespLen, true
	}
}
