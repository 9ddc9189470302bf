// Package planner turns a recipient list and a delivery strategy into an
// ordered sequence of time-scheduled batch drafts. Planning is a pure,
// synchronous computation: nothing is persisted or enqueued here.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// ErrUnknownStrategy rejects strategy types outside the known set. This is a
// configuration error: it surfaces to the launch caller before anything is
// persisted, never a silent fallback to a default algorithm.
var ErrUnknownStrategy = errors.New("unknown strategy type")

// PlanInput carries everything a planner needs for one campaign launch.
type PlanInput struct {
	ExecutionID string
	Recipients  []domain.Recipient
	Strategy    *domain.DeliveryStrategy
	Start       time.Time

	// TodayCapacity is the quota already reserved for the start day by the
	// caller's atomic reservation. The planner schedules at most this many
	// recipients on day zero; later days are projections from the strategy's
	// step table.
	TodayCapacity int
	// WarmupDay is the profile's warm-up day at the start instant.
	WarmupDay int
	// MaxDailyLimit caps projected day limits (the profile's max).
	MaxDailyLimit int

	// CustomBatchSize overrides Strategy.BatchSize for fixed-batch planners
	// when > 0.
	CustomBatchSize int
	// CustomIntervals overrides the per-batch spacing for fixed-batch
	// planners: CustomIntervals[i] is the delay of batch i+2 after batch i+1.
	CustomIntervals []time.Duration
}

// Planner produces batch drafts for one launch.
type Planner interface {
	Plan(in PlanInput) ([]domain.ExecutionBatch, error)
}

// For maps a strategy type to its planner. Four labels share two algorithms:
// ramp_up and conservative walk the quota calendar; batch and aggressive cut
// fixed-size batches at fixed intervals.
func For(st domain.StrategyType) (Planner, error) {
	switch st {
	case domain.StrategyRampUp, domain.StrategyConservative:
		return &rampUpPlanner{}, nil
	case domain.StrategyBatch, domain.StrategyAggressive:
		return &fixedBatchPlanner{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, st)
	}
}

// Plan validates the input and runs the planner selected by the strategy
// type. An empty recipient list yields an empty plan, not an error.
func Plan(in PlanInput) ([]domain.ExecutionBatch, error) {
	if in.Strategy == nil {
		return nil, fmt.Errorf("%w: no strategy", ErrUnknownStrategy)
	}
	p, err := For(in.Strategy.Type)
	if err != nil {
		return nil, err
	}
	if len(in.Recipients) == 0 {
		return []domain.ExecutionBatch{}, nil
	}
	return p.Plan(in)
}

// clampMonotonic guarantees scheduled_for never decreases across the
// sequence, even after weekend and send-window adjustments push individual
// batches around.
func clampMonotonic(t, prev time.Time) time.Time {
	if t.Before(prev) {
		return prev
	}
	return t
}
