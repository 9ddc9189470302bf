package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// dueDispatcher pushes due batches to the provider queue.
// *dispatch.Dispatcher satisfies it.
type dueDispatcher interface {
	DispatchDue(ctx context.Context, now time.Time, limit int) (int, error)
}

const dispatchBatchLimit = 200

// DispatchLoop periodically enqueues batches whose send instant has arrived.
// A distributed lock keeps multiple engine instances from double-dispatching
// the same tick; losing the lock just skips the tick.
type DispatchLoop struct {
	dispatcher   dueDispatcher
	backpressure *BackpressureMonitor
	locks        delivery.LockFactory
	interval     time.Duration

	now func() time.Time
}

func NewDispatchLoop(dispatcher dueDispatcher, backpressure *BackpressureMonitor, locks delivery.LockFactory, interval time.Duration) *DispatchLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DispatchLoop{
		dispatcher:   dispatcher,
		backpressure: backpressure,
		locks:        locks,
		interval:     interval,
		now:          time.Now,
	}
}

// Start runs the dispatch loop. It blocks until ctx is cancelled.
func (l *DispatchLoop) Start(ctx context.Context) {
	log.Printf("[DispatchLoop] started (interval=%s)", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

func (l *DispatchLoop) runOnce(ctx context.Context) {
	if l.backpressure != nil && l.backpressure.Paused() {
		return
	}

	lock := l.locks("dispatch:due-batches", l.interval)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[DispatchLoop] lock error: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer releaseLock(ctx, lock, "DispatchLoop")

	n, err := l.dispatcher.DispatchDue(ctx, l.now().UTC(), dispatchBatchLimit)
	if err != nil {
		log.Printf("[DispatchLoop] dispatch error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[DispatchLoop] dispatched %d due batches", n)
	}
}

func releaseLock(ctx context.Context, lock distlock.DistLock, component string) {
	if err := lock.Release(ctx); err != nil {
		log.Printf("[%s] lock release: %v", component, err)
	}
}
