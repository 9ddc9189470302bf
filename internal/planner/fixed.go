package planner

import (
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// fixedBatchPlanner cuts recipients into fixed-size batches spaced by the
// strategy's batch interval. The first batch has zero delay; an explicit
// interval list overrides the spacing per batch when supplied.
type fixedBatchPlanner struct{}

func (p *fixedBatchPlanner) Plan(in PlanInput) ([]domain.ExecutionBatch, error) {
	s := in.Strategy
	size := s.BatchSize
	if in.CustomBatchSize > 0 {
		size = in.CustomBatchSize
	}
	if size <= 0 {
		size = 50
	}

	var batches []domain.ExecutionBatch
	remaining := in.Recipients

	at := in.Start
	prev := time.Time{}
	for i := 0; len(remaining) > 0; i++ {
		if i > 0 {
			at = at.Add(p.interval(in, i-1))
		}

		n := size
		if n > len(remaining) {
			n = len(remaining)
		}

		scheduled := clampMonotonic(calculateSendTime(at, s), prev)
		prev = scheduled

		batches = append(batches, draftBatch(in.ExecutionID, len(batches)+1, remaining[:n], scheduled))
		remaining = remaining[n:]
	}

	return batches, nil
}

// interval returns the delay between batch i+1 and batch i+2.
func (p *fixedBatchPlanner) interval(in PlanInput, i int) time.Duration {
	if i < len(in.CustomIntervals) {
		return in.CustomIntervals[i]
	}
	return in.Strategy.BatchInterval()
}
