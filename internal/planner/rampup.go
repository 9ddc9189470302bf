package planner

import (
	"time"

	"github.com/google/uuid"
	"github.com/ignite/delivery-engine/internal/domain"
)

// rampUpPlanner walks recipients across the quota calendar. Day zero spends
// the capacity the caller reserved; each later day's limit is projected from
// the strategy's step table at the profile's advancing warm-up day. Batches
// within a day are spaced by the strategy's batch interval.
type rampUpPlanner struct{}

func (p *rampUpPlanner) Plan(in PlanInput) ([]domain.ExecutionBatch, error) {
	s := in.Strategy
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	var batches []domain.ExecutionBatch
	remaining := in.Recipients

	dayOffset := 0
	dayCapacity := in.TodayCapacity
	batchesToday := 0
	prev := time.Time{}

	nextDay := func() {
		dayOffset++
		day := in.WarmupDay + dayOffset
		dayCapacity = s.DayLimit(day, in.MaxDailyLimit)
		if dayCapacity <= 0 {
			// Misconfigured step table; fall back to one batch per day
			// rather than spinning forever.
			dayCapacity = batchSize
		}
		batchesToday = 0
	}

	for len(remaining) > 0 {
		if dayCapacity <= 0 || (s.MaxBatchesPerDay > 0 && batchesToday >= s.MaxBatchesPerDay) {
			nextDay()
			continue
		}

		size := batchSize
		if size > dayCapacity {
			size = dayCapacity
		}
		if size > len(remaining) {
			size = len(remaining)
		}

		at := in.Start.AddDate(0, 0, dayOffset)
		if batchesToday > 0 && s.BatchIntervalMinutes > 0 {
			at = at.Add(time.Duration(batchesToday) * s.BatchInterval())
		}
		at = clampMonotonic(calculateSendTime(at, s), prev)
		prev = at

		batches = append(batches, draftBatch(in.ExecutionID, len(batches)+1, remaining[:size], at))
		remaining = remaining[size:]
		dayCapacity -= size
		batchesToday++
	}

	return batches, nil
}

// draftBatch builds a pending batch draft. Client ids keep the recipients'
// input order, so ids partition exactly across the produced sequence.
func draftBatch(executionID string, number int, recipients []domain.Recipient, at time.Time) domain.ExecutionBatch {
	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}
	return domain.ExecutionBatch{
		ID:           uuid.New().String(),
		ExecutionID:  executionID,
		BatchNumber:  number,
		ClientIDs:    ids,
		TotalClients: len(ids),
		ScheduledFor: at,
		Status:       domain.BatchPending,
	}
}
