package delivery

import (
	"context"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// Repository defines the data access contract for launches.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetStrategy returns a strategy by id. Returns ErrStrategyNotFound if it
	// doesn't exist.
	GetStrategy(ctx context.Context, businessID, id string) (*domain.DeliveryStrategy, error)

	// DefaultStrategy returns the business's default strategy, or
	// ErrStrategyNotFound when none is configured.
	DefaultStrategy(ctx context.Context, businessID string) (*domain.DeliveryStrategy, error)

	// CreateStrategy inserts a strategy and returns its id.
	CreateStrategy(ctx context.Context, s *domain.DeliveryStrategy) (string, error)

	// ListStrategies returns all strategies for a business.
	ListStrategies(ctx context.Context, businessID string) ([]domain.DeliveryStrategy, error)

	// CreateExecution persists the execution with all its batches and client
	// rows in one transaction.
	CreateExecution(ctx context.Context, exec *domain.Execution, batches []domain.ExecutionBatch, clients []domain.ExecutionClient) error

	// GetExecution returns an execution by id. Returns ErrExecutionNotFound
	// if it doesn't exist.
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)

	// UpdateExecutionStatus transitions an execution, setting completed_at for
	// terminal states.
	UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus, completedAt *time.Time) error

	// FilterBlacklisted returns the recipients not on the business's
	// blacklist, preserving input order.
	FilterBlacklisted(ctx context.Context, businessID string, recipients []domain.Recipient) ([]domain.Recipient, error)

	// PendingBatchCount returns the number of pending plus queued batches
	// across all executions.
	PendingBatchCount(ctx context.Context) (int64, error)
}
