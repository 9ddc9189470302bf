package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// ErrExecutionNotFound is returned for progress queries on unknown executions.
var ErrExecutionNotFound = errors.New("execution not found")

// BatchStore defines the data access contract for batch dispatch records.
// Implementations must be safe for concurrent use: enqueue fan-out updates
// batches from multiple goroutines at once.
type BatchStore interface {
	// MarkBatchQueued transitions a batch to queued and records its queue
	// message. The message insert is idempotent on the dedup key: re-enqueue
	// of an already-queued batch must not create a duplicate row.
	MarkBatchQueued(ctx context.Context, batchID string, msg *domain.QueueMessage) error

	// MarkBatchFailed transitions a batch to failed with the provider's
	// failure reason attached.
	MarkBatchFailed(ctx context.Context, batchID, reason string) error

	// GetExecution returns the execution envelope.
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)

	// ExecutionBatches returns all batches of an execution ordered by
	// batch number.
	ExecutionBatches(ctx context.Context, executionID string) ([]domain.ExecutionBatch, error)

	// SelectRetryable returns failed batches with retry_count below the
	// limit, ordered by batch number.
	SelectRetryable(ctx context.Context, executionID string, maxRetries int) ([]domain.ExecutionBatch, error)

	// PrepareRetry atomically increments retry_count, clears the error, and
	// resets the batch to pending.
	PrepareRetry(ctx context.Context, batchID string) error

	// DueBatches returns pending batches whose scheduled_for has arrived,
	// across running executions, oldest first.
	DueBatches(ctx context.Context, now time.Time, limit int) ([]domain.ExecutionBatch, error)

	// PendingBatchCount returns the number of pending plus queued batches
	// (the backpressure signal).
	PendingBatchCount(ctx context.Context) (int64, error)

	// TerminalMessagesBefore returns terminal queue messages last updated
	// before the cutoff, up to limit rows.
	TerminalMessagesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.QueueMessage, error)

	// DeleteMessages removes queue message rows by id.
	DeleteMessages(ctx context.Context, ids []string) error
}
