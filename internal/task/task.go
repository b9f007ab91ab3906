// Package task manages the lifecycle of the engine's long-running goroutines.
//
// A Manager starts named loop tasks, signals them to stop by cancelling a
// shared context, and waits for all of them to terminate. It keeps goroutine
// ownership explicit: the bus starts its reader, scheduler, and ticker loops
// through one Manager and tears them all down in Stop.
package task

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ferrolab/rtubus/logger"
)

// Func is a single iteration of a loop task. It should return true to keep
// the loop running, or false to stop the goroutine.
type Func func() bool

// CancelFunc is called once when a loop task exits, for cleanup.
type CancelFunc func()

// Manager runs named loop tasks under a shared cancellable context.
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protects ctx and cancel across Stop/restart
}

// NewManager creates a Manager with the given parent context and logger.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the manager's current run context. Tasks use it to select
// on cancellation inside blocking waits.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches a loop task with the given name. fn is invoked repeatedly
// until it returns false or the manager is stopped. cleanup may be nil.
func (mgr *Manager) Start(name string, fn Func, cleanup CancelFunc) {
	mgr.logger.Debug("task: start", "name", name)

	ctx := mgr.Context()

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task: stopped", "name", name)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !fn() {
				return
			}
		}
	}()
}

// Stop cancels all running tasks and blocks until they have terminated.
// The manager can be reused afterwards: the next Start re-arms the context.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	mgr.cancel()
	mgr.mu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// Count returns the number of currently running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}
