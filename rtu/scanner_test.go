package rtu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectScan(t *testing.T, found <-chan byte, wait time.Duration) []byte {
	t.Helper()

	var out []byte
	deadline := time.After(wait)
	for {
		select {
		case addr, ok := <-found:
			if !ok {
				return out
			}
			out = append(out, addr)
		case <-deadline:
			t.Fatal("scan did not complete in time")
		}
	}
}

func TestScan_FindsRespondingAddresses(t *testing.T) {
	ft := newFakeTransport(echoResponder(map[byte]uint16{5: 1, 9: 1}))
	b := newTestBus(t, ft)
	require.NoError(t, b.Start())
	defer b.Stop()

	found, err := b.Scan(context.Background(), ScanOptions{From: 1, To: 10})
	require.NoError(t, err)

	assert.Equal(t, []byte{5, 9}, collectScan(t, found, 10*time.Second))
}

func TestScan_InvalidRange(t *testing.T) {
	ft := newFakeTransport(nil)
	b := newTestBus(t, ft)
	require.NoError(t, b.Start())
	defer b.Stop()

	_, err := b.Scan(context.Background(), ScanOptions{From: 0, To: 5})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = b.Scan(context.Background(), ScanOptions{From: 10, To: 5})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = b.Scan(context.Background(), ScanOptions{From: 1, To: 248})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScan_NotRunning(t *testing.T) {
	ft := newFakeTransport(nil)
	b := newTestBus(t, ft)

	_, err := b.Scan(context.Background(), ScanOptions{From: 1, To: 5})
	assert.ErrorIs(t, err, ErrBusNotRunning)
}

func TestScan_ExceptionIsNotAMatch(t *testing.T) {
	ft := newFakeTransport(func(req Frame) [][]byte {
		if req.Slave() != 4 {
			return nil
		}
		resp := []byte{4, req.Function() | 0x80, byte(ExceptionIllegalFunction)}

		return [][]byte{appendCRC(resp)}
	})
	b := newTestBus(t, ft)
	require.NoError(t, b.Start())
	defer b.Stop()

	found, err := b.Scan(context.Background(), ScanOptions{From: 3, To: 5})
	require.NoError(t, err)

	assert.Empty(t, collectScan(t, found, 10*time.Second))
}

func TestScan_AbortYieldsPartialResults(t *testing.T) {
	ft := newFakeTransport(echoResponder(map[byte]uint16{2: 1, 200: 1}))
	b := newTestBus(t, ft)
	require.NoError(t, b.Start())
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	found, err := b.Scan(ctx, ScanOptions{From: 1, To: 247})
	require.NoError(t, err)

	// Take the first hit, then abort the sweep mid-flight.
	var got []byte
	select {
	case addr := <-found:
		got = append(got, addr)
		cancel()
	case <-time.After(10 * time.Second):
		t.Fatal("no address discovered")
	}

	got = append(got, collectScan(t, found, 10*time.Second)...)

	assert.Contains(t, got, byte(2))
	assert.NotContains(t, got, byte(200), "sweep aborted long before address 200")
}

func TestScan_PausesPolling(t *testing.T) {
	ft := newFakeTransport(echoResponder(map[byte]uint16{1: 1}))
	b := newTestBus(t, ft)

	_, err := b.AddDevice(1)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Eventually(t, func() bool {
		return b.Metrics().PollCycleCount.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// While the scan holds the line, poll steps must not run.
	found, err := b.Scan(context.Background(), ScanOptions{From: 100, To: 140})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	before := b.Metrics().PollCycleCount.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, b.Metrics().PollCycleCount.Load(), "polling deferred during scan")

	collectScan(t, found, 30*time.Second)

	require.Eventually(t, func() bool {
		return b.Metrics().PollCycleCount.Load() > before
	}, 5*time.Second, 10*time.Millisecond, "polling resumes after the sweep")
}
