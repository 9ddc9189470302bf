package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// depthSource reports the pending batch backlog. dispatch.BatchStore
// satisfies it.
type depthSource interface {
	PendingBatchCount(ctx context.Context) (int64, error)
}

// BackpressureMonitor checks the batch backlog and signals when to pause
// dispatching. If the provider queue is down, pending batches can pile up in
// PostgreSQL without bound. The monitor pauses dispatch when the backlog
// exceeds a configurable threshold and resumes when it drains to 50%
// (hysteresis to avoid flapping).
type BackpressureMonitor struct {
	store         depthSource
	maxDepth      int64
	checkInterval time.Duration
	paused        bool
	mu            sync.RWMutex
}

// NewBackpressureMonitor creates a monitor. maxDepth is the backlog at which
// dispatch is paused; <= 0 defaults to 10,000.
func NewBackpressureMonitor(store depthSource, maxDepth int64) *BackpressureMonitor {
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	return &BackpressureMonitor{
		store:         store,
		maxDepth:      maxDepth,
		checkInterval: 30 * time.Second,
	}
}

// Start runs the periodic depth check loop. It blocks until ctx is cancelled.
func (bp *BackpressureMonitor) Start(ctx context.Context) {
	bp.check(ctx)

	ticker := time.NewTicker(bp.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.check(ctx)
		}
	}
}

// Paused reports whether dispatch should hold off.
func (bp *BackpressureMonitor) Paused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}

// check queries the current backlog and updates the paused flag.
func (bp *BackpressureMonitor) check(ctx context.Context) {
	depth, err := bp.store.PendingBatchCount(ctx)
	if err != nil {
		log.Printf("[Backpressure] Check error: %v", err)
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	wasPaused := bp.paused
	// Pause at maxDepth, resume at 50% (hysteresis prevents flapping).
	if depth >= bp.maxDepth {
		bp.paused = true
		if !wasPaused {
			log.Printf("BACKPRESSURE: Backlog %d exceeds threshold %d, pausing dispatch", depth, bp.maxDepth)
		}
	} else if depth < bp.maxDepth/2 {
		bp.paused = false
		if wasPaused {
			log.Printf("BACKPRESSURE: Backlog %d below resume threshold %d, resuming dispatch", depth, bp.maxDepth/2)
		}
	}
	// Between 50% and 100% we keep whatever state we're in.
}
