package rtu

import (
	"sync"
	"sync/atomic"
	"time"
)

// pendingExchange is the single in-flight request slot of a bus.
//
// At most one exists per physical channel at any time; the scheduler
// serializes all bus users, so by construction a second exchange is never
// armed while one is unresolved. Resolution (matching reply or deadline
// expiry) is claimed atomically so a racing timeout and reply cannot both
// win.
type pendingExchange struct {
	addr     byte
	raw      bool // firmware mode: accept the next raw frame regardless of address
	issuedAt time.Time
	claimed  atomic.Bool
	cause    error      // abort reason; written before replyCh is closed
	replyCh  chan Frame // buffered(1); written once by the winning resolver
}

// claim marks the exchange resolved. Exactly one caller wins.
func (p *pendingExchange) claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

// abortCause returns the error an aborted exchange resolves with. Safe to
// read once replyCh is observed closed; the close happens after the cause is
// stored.
func (p *pendingExchange) abortCause() error {
	if p.cause != nil {
		return p.cause
	}

	return ErrBusStopped
}

// exchangeSlot guards the pending exchange of one bus.
type exchangeSlot struct {
	mu      sync.Mutex
	pending *pendingExchange
}

// arm registers a new pending exchange. It fails with ErrExchangePending if
// one is already unresolved; that is a programming error in the caller, not
// a recoverable bus condition.
func (s *exchangeSlot) arm(addr byte, raw bool) (*pendingExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return nil, ErrExchangePending
	}

	p := &pendingExchange{
		addr:     addr,
		raw:      raw,
		issuedAt: time.Now(),
		replyCh:  make(chan Frame, 1),
	}
	s.pending = p

	return p, nil
}

// clear releases the slot if it still holds p. The slot is always cleared
// before the awaiting caller resumes, so no stale state leaks into the next
// exchange.
func (s *exchangeSlot) clear(p *pendingExchange) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

// resolve attempts to match a received frame to the pending exchange.
// It returns true if the frame resolved the exchange; false means the frame
// is unsolicited (or arrived after the deadline claimed resolution).
//
// Called from the bus reader task.
func (s *exchangeSlot) resolve(frame Frame) bool {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()

	if p == nil {
		return false
	}

	if !p.raw && frame.Slave() != p.addr {
		return false
	}

	if !p.claim() {
		// The timeout path won the race; treat the late reply as unsolicited.
		return false
	}

	p.replyCh <- frame
	s.clear(p)

	return true
}

// abort resolves a pending exchange with no frame; the awaiting caller
// receives cause instead (ErrBusStopped on user stop, ErrDisconnected when
// the transport died).
func (s *exchangeSlot) abort(cause error) {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()

	if p != nil && p.claim() {
		p.cause = cause
		close(p.replyCh)
	}
}
