package rtu

import (
	"context"
	"fmt"
)

// ScanOptions configures a device discovery sweep.
type ScanOptions struct {
	// From and To bound the address range, inclusive. Both must be in
	// [1, 247]; address 0 is broadcast and never probed.
	From, To byte

	// Register is the holding register probed at each address. Zero means
	// the configured status register.
	Register uint16
}

// Scan sweeps an address range, probing each address with a single register
// read under the (short) scan timeout. Discovered addresses are streamed on
// the returned channel, which is closed when the sweep completes or ctx is
// cancelled; an aborted sweep simply yields the partial results.
//
// The sweep holds the bus line for its duration, so the scheduler defers
// polling until it finishes.
func (b *Bus) Scan(ctx context.Context, opts ScanOptions) (<-chan byte, error) {
	if !b.running.Load() {
		return nil, ErrBusNotRunning
	}
	if opts.From < 1 || opts.To > 247 || opts.From > opts.To {
		return nil, fmt.Errorf("%w: scan range [%d, %d]", ErrInvalidArgument, opts.From, opts.To)
	}

	reg := opts.Register
	if reg == 0 {
		reg = b.cfg.statusRegister
	}

	found := make(chan byte, int(opts.To-opts.From)+1)

	go b.runScan(ctx, opts.From, opts.To, reg, found)

	return found, nil
}

func (b *Bus) runScan(ctx context.Context, from, to byte, reg uint16, found chan<- byte) {
	defer close(found)

	// Take the line so the sweep does not interleave with poll steps.
	b.line.Lock()
	defer b.line.Unlock()

	b.logger.Info("rtu: scan started", "from", from, "to", to, "reg", reg)

	probed, hits := 0, 0
	for addr := int(from); addr <= int(to); addr++ {
		// Cooperative abort: checked at the top of each probe.
		if ctx.Err() != nil {
			b.logger.Info("rtu: scan aborted", "probed", probed, "found", hits)

			return
		}

		if b.probeAddress(ctx, byte(addr), reg) {
			hits++
			found <- byte(addr)
		}
		probed++

		b.waitGap(ctx)
	}

	b.logger.Info("rtu: scan complete", "probed", probed, "found", hits)
}

// probeAddress sends one register read and reports whether a well-formed,
// non-exception response came back from that exact address. Timeouts are the
// common case and are not logged.
func (b *Bus) probeAddress(ctx context.Context, addr byte, reg uint16) bool {
	req, err := BuildReadHoldingRegisters(addr, reg, 1)
	if err != nil {
		return false
	}

	resp, err := b.exchange(ctx, req, addr, false, b.cfg.scanTimeout)
	if err != nil {
		// Timeouts and exception responses both mean "no usable device
		// here"; a probe only matches on a clean echo of the function code.
		return false
	}

	return resp.Function == FuncReadHoldingRegisters
}
