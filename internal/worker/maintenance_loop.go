package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/delivery-engine/internal/dispatch"
)

// ExecutionSource lists executions the maintenance pass visits.
type ExecutionSource interface {
	// RunningExecutionIDs returns ids of running executions, oldest first.
	RunningExecutionIDs(ctx context.Context, limit int) ([]string, error)
}

// maintainer retries and finalizes executions. *delivery.Service satisfies
// it.
type maintainer interface {
	Retry(ctx context.Context, executionID string) (*dispatch.EnqueueResult, error)
	Finalize(ctx context.Context, executionID string) (bool, error)
}

const maintenanceExecutionLimit = 100

// MaintenanceLoop walks running executions on an interval: failed batches
// within their retry budget go back on the queue, and executions with no
// movable batches left are closed out.
type MaintenanceLoop struct {
	source   ExecutionSource
	svc      maintainer
	interval time.Duration
}

func NewMaintenanceLoop(source ExecutionSource, svc maintainer, interval time.Duration) *MaintenanceLoop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MaintenanceLoop{source: source, svc: svc, interval: interval}
}

// Start runs the maintenance loop. It blocks until ctx is cancelled.
func (l *MaintenanceLoop) Start(ctx context.Context) {
	log.Printf("[Maintenance] started (interval=%s)", l.interval)
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

func (l *MaintenanceLoop) runOnce(ctx context.Context) {
	ids, err := l.source.RunningExecutionIDs(ctx, maintenanceExecutionLimit)
	if err != nil {
		log.Printf("[Maintenance] list executions: %v", err)
		return
	}

	for _, id := range ids {
		if result, err := l.svc.Retry(ctx, id); err != nil {
			log.Printf("[Maintenance] retry execution %s: %v", id, err)
		} else if result.Queued > 0 {
			log.Printf("[Maintenance] execution %s: re-queued %d failed batches", id, result.Queued)
		}

		if _, err := l.svc.Finalize(ctx, id); err != nil {
			log.Printf("[Maintenance] finalize execution %s: %v", id, err)
		}
	}
}
