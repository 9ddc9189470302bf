package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/ignite/delivery-engine/internal/domain"
)

// providerChunkSize is the maximum entries per SendMessageBatch call.
const providerChunkSize = 10

const defaultChunkConcurrency = 4

// QueueAPI is the subset of the SQS client the dispatcher needs.
// *sqs.Client satisfies it.
type QueueAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// BatchPayload is the message body placed on the dispatch queue for each batch.
type BatchPayload struct {
	ExecutionID  string    `json:"execution_id"`
	BatchID      string    `json:"batch_id"`
	BatchNumber  int       `json:"batch_number"`
	ClientCount  int       `json:"client_count"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// EnqueueResult reports the outcome of a fan-out. Failed batches have been
// marked failed in the store and are candidates for RetryFailedBatches.
type EnqueueResult struct {
	Queued int
	Failed int
}

type DispatcherConfig struct {
	QueueURL         string
	ChunkConcurrency int
	SendTimeout      time.Duration
	RatePerMinute    int
}

// Dispatcher pushes planned batches onto the provider queue in chunks and
// records the per-batch outcome. A transport failure on one chunk never
// affects the others.
type Dispatcher struct {
	queue       QueueAPI
	store       BatchStore
	limiter     *RateLimiter
	queueURL    string
	concurrency int
	sendTimeout time.Duration
	rate        int
}

func NewDispatcher(queue QueueAPI, store BatchStore, limiter *RateLimiter, cfg DispatcherConfig) *Dispatcher {
	concurrency := cfg.ChunkConcurrency
	if concurrency <= 0 {
		concurrency = defaultChunkConcurrency
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:       queue,
		store:       store,
		limiter:     limiter,
		queueURL:    cfg.QueueURL,
		concurrency: concurrency,
		sendTimeout: sendTimeout,
		rate:        cfg.RatePerMinute,
	}
}

// Enqueue sends the given batches of one execution to the provider queue.
// Batches are chunked to the provider limit and chunks are sent on a bounded
// pool. Each batch ends up either queued (with its queue message recorded
// under a stable dedup key) or failed with the provider's reason.
func (d *Dispatcher) Enqueue(ctx context.Context, executionID string, batches []domain.ExecutionBatch) (*EnqueueResult, error) {
	result := &EnqueueResult{}
	if len(batches) == 0 {
		return result, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.concurrency)
	)

	for start := 0; start < len(batches); start += providerChunkSize {
		end := start + providerChunkSize
		if end > len(batches) {
			end = len(batches)
		}
		chunk := batches[start:end]

		if d.limiter != nil && d.rate > 0 {
			if err := d.limiter.Wait(ctx, "enqueue:"+executionID, d.rate); err != nil {
				wg.Wait()
				return result, err
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return result, ctx.Err()
		}

		wg.Add(1)
		go func(chunk []domain.ExecutionBatch) {
			defer wg.Done()
			defer func() { <-sem }()

			queued, failed := d.sendChunk(ctx, executionID, chunk)
			mu.Lock()
			result.Queued += queued
			result.Failed += failed
			mu.Unlock()
		}(chunk)
	}

	wg.Wait()
	return result, nil
}

// sendChunk performs one SendMessageBatch call and records per-batch outcomes.
func (d *Dispatcher) sendChunk(ctx context.Context, executionID string, chunk []domain.ExecutionBatch) (queued, failed int) {
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(chunk))
	byEntryID := make(map[string]*domain.ExecutionBatch, len(chunk))

	for i := range chunk {
		batch := &chunk[i]
		body, err := json.Marshal(BatchPayload{
			ExecutionID:  executionID,
			BatchID:      batch.ID,
			BatchNumber:  batch.BatchNumber,
			ClientCount:  len(batch.ClientIDs),
			ScheduledFor: batch.ScheduledFor,
		})
		if err != nil {
			d.markFailed(ctx, batch.ID, fmt.Sprintf("marshal payload: %v", err))
			failed++
			continue
		}

		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:                     aws.String(batch.ID),
			MessageBody:            aws.String(string(body)),
			MessageGroupId:         aws.String(executionID),
			MessageDeduplicationId: aws.String(domain.DedupKey(executionID, batch.BatchNumber, batch.ID)),
		})
		byEntryID[batch.ID] = batch
	}

	if len(entries) == 0 {
		return queued, failed
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	out, err := d.queue.SendMessageBatch(sendCtx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(d.queueURL),
		Entries:  entries,
	})
	if err != nil {
		// Transport failure: the whole chunk failed, nothing else did.
		log.Printf("[Dispatcher] chunk send failed for execution %s: %v", executionID, err)
		for id := range byEntryID {
			d.markFailed(ctx, id, fmt.Sprintf("send: %v", err))
			failed++
		}
		return queued, failed
	}

	for _, ok := range out.Successful {
		batch := byEntryID[aws.ToString(ok.Id)]
		if batch == nil {
			continue
		}
		now := time.Now().UTC()
		msg := &domain.QueueMessage{
			ID:                uuid.New().String(),
			ExecutionID:       executionID,
			BatchID:           batch.ID,
			BatchNumber:       batch.BatchNumber,
			ProviderMessageID: aws.ToString(ok.MessageId),
			DedupKey:          domain.DedupKey(executionID, batch.BatchNumber, batch.ID),
			Status:            domain.MessageQueued,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := d.store.MarkBatchQueued(ctx, batch.ID, msg); err != nil {
			log.Printf("[Dispatcher] mark queued failed for batch %s: %v", batch.ID, err)
		}
		queued++
	}

	for _, bad := range out.Failed {
		batch := byEntryID[aws.ToString(bad.Id)]
		if batch == nil {
			continue
		}
		reason := aws.ToString(bad.Message)
		if reason == "" {
			reason = aws.ToString(bad.Code)
		}
		d.markFailed(ctx, batch.ID, reason)
		failed++
	}

	return queued, failed
}

func (d *Dispatcher) markFailed(ctx context.Context, batchID, reason string) {
	if err := d.store.MarkBatchFailed(ctx, batchID, reason); err != nil {
		log.Printf("[Dispatcher] mark failed for batch %s: %v", batchID, err)
	}
}

// DispatchDue enqueues every pending batch whose send instant has arrived,
// grouped per execution so FIFO ordering keys stay correct. It returns the
// total queued count.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := d.store.DueBatches(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("select due batches: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	byExecution := make(map[string][]domain.ExecutionBatch)
	order := make([]string, 0)
	for _, b := range due {
		if _, seen := byExecution[b.ExecutionID]; !seen {
			order = append(order, b.ExecutionID)
		}
		byExecution[b.ExecutionID] = append(byExecution[b.ExecutionID], b)
	}

	total := 0
	for _, executionID := range order {
		result, err := d.Enqueue(ctx, executionID, byExecution[executionID])
		if err != nil {
			return total, err
		}
		total += result.Queued
	}
	return total, nil
}

// Acknowledge deletes a consumed provider message after its batch completed.
func (d *Dispatcher) Acknowledge(ctx context.Context, receiptHandle string) error {
	_, err := d.queue.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}
