package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// ExecutionProgress is a live roll-up of one execution's batches.
type ExecutionProgress struct {
	ExecutionID string                 `json:"execution_id"`
	Status      domain.ExecutionStatus `json:"status"`

	TotalBatches     int `json:"total_batches"`
	PendingBatches   int `json:"pending_batches"`
	QueuedBatches    int `json:"queued_batches"`
	CompletedBatches int `json:"completed_batches"`
	FailedBatches    int `json:"failed_batches"`

	TotalRecipients int `json:"total_recipients"`
	EmailsSent      int `json:"emails_sent"`
	EmailsDelivered int `json:"emails_delivered"`
	EmailsOpened    int `json:"emails_opened"`
	EmailsBounced   int `json:"emails_bounced"`
	Complaints      int `json:"complaints"`

	// PercentComplete is emails sent by completed batches over total
	// recipients. EstimatedCompletion is the latest scheduled_for among
	// batches still waiting to run; nil once none remain.
	PercentComplete     float64    `json:"percent_complete"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Progress aggregates batch state for one execution.
func (d *Dispatcher) Progress(ctx context.Context, executionID string) (*ExecutionProgress, error) {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	batches, err := d.store.ExecutionBatches(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}

	p := &ExecutionProgress{
		ExecutionID:     executionID,
		Status:          exec.Status,
		TotalBatches:    len(batches),
		TotalRecipients: exec.TotalRecipients,
	}
	var sentCompleted int
	var lastScheduled time.Time
	for _, b := range batches {
		switch b.Status {
		case domain.BatchPending:
			p.PendingBatches++
		case domain.BatchQueued, domain.BatchProcessing:
			p.QueuedBatches++
		case domain.BatchCompleted:
			p.CompletedBatches++
			sentCompleted += b.EmailsSent
		case domain.BatchFailed:
			p.FailedBatches++
		}
		if waiting(b.Status) && b.ScheduledFor.After(lastScheduled) {
			lastScheduled = b.ScheduledFor
		}
		p.EmailsSent += b.EmailsSent
		p.EmailsDelivered += b.EmailsDelivered
		p.EmailsOpened += b.EmailsOpened
		p.EmailsBounced += b.EmailsBounced
		p.Complaints += b.Complaints
	}
	if p.TotalRecipients > 0 {
		p.PercentComplete = float64(sentCompleted) / float64(p.TotalRecipients) * 100
	}
	if !lastScheduled.IsZero() {
		p.EstimatedCompletion = &lastScheduled
	}
	return p, nil
}

func waiting(s domain.BatchStatus) bool {
	return s == domain.BatchPending || s == domain.BatchQueued || s == domain.BatchProcessing
}

// RetryFailedBatches resets failed batches that still have retry budget back
// to pending and re-enqueues them. Batches at or past maxRetries stay failed.
func (d *Dispatcher) RetryFailedBatches(ctx context.Context, executionID string, maxRetries int) (*EnqueueResult, error) {
	retryable, err := d.store.SelectRetryable(ctx, executionID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("select retryable: %w", err)
	}
	if len(retryable) == 0 {
		return &EnqueueResult{}, nil
	}

	prepared := make([]domain.ExecutionBatch, 0, len(retryable))
	for _, b := range retryable {
		if err := d.store.PrepareRetry(ctx, b.ID); err != nil {
			log.Printf("[Dispatcher] prepare retry for batch %s: %v", b.ID, err)
			continue
		}
		b.RetryCount++
		b.Status = domain.BatchPending
		b.LastError = ""
		prepared = append(prepared, b)
	}

	log.Printf("[Dispatcher] retrying %d failed batches for execution %s", len(prepared), executionID)
	return d.Enqueue(ctx, executionID, prepared)
}
