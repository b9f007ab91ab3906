package rtu

import (
	"sync/atomic"
)

// BusMetrics contains atomic counters for a bus. Metrics can be used as the
// value of a prometheus CounterFunc or GaugeFunc.
type BusMetrics struct {
	// FrameSendCount is the number of frames written to the transport.
	FrameSendCount atomic.Uint64
	// FrameRecvCount is the number of complete frames emitted by the framer.
	FrameRecvCount atomic.Uint64
	// CRCErrorCount is the number of received frames discarded for a bad CRC.
	CRCErrorCount atomic.Uint64
	// DiscardedByteCount is the number of noise/overflow bytes discarded
	// before framing.
	DiscardedByteCount atomic.Uint64
	// TimeoutCount is the number of exchanges that expired without a reply.
	TimeoutCount atomic.Uint64
	// UnsolicitedCount is the number of valid frames that matched no pending
	// exchange.
	UnsolicitedCount atomic.Uint64
	// CommandCount is the number of queued commands serviced.
	CommandCount atomic.Uint64
	// PollCycleCount is the number of completed per-device poll steps.
	PollCycleCount atomic.Uint64
	// QueueDepth is the current command queue depth.
	QueueDepth atomic.Int64
}

func (m *BusMetrics) incFrameSendCount()  { m.FrameSendCount.Add(1) }
func (m *BusMetrics) incFrameRecvCount()  { m.FrameRecvCount.Add(1) }
func (m *BusMetrics) incCRCErrorCount()   { m.CRCErrorCount.Add(1) }
func (m *BusMetrics) incTimeoutCount()    { m.TimeoutCount.Add(1) }
func (m *BusMetrics) incUnsolicitedCount() { m.UnsolicitedCount.Add(1) }
func (m *BusMetrics) incCommandCount()    { m.CommandCount.Add(1) }
func (m *BusMetrics) incPollCycleCount()  { m.PollCycleCount.Add(1) }

func (m *BusMetrics) incDiscardedByteCount(n uint64) { m.DiscardedByteCount.Add(n) }

func (m *BusMetrics) setQueueDepth(n int) { m.QueueDepth.Store(int64(n)) }
