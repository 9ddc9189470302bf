package domain

import (
	"fmt"
	"time"
)

// QueueMessageStatus enumerates the dispatch record lifecycle.
type QueueMessageStatus string

const (
	MessageQueued    QueueMessageStatus = "queued"
	MessageInFlight  QueueMessageStatus = "in_flight"
	MessageProcessed QueueMessageStatus = "processed"
	MessageFailed    QueueMessageStatus = "failed"
	MessageDLQ       QueueMessageStatus = "dlq"
)

// Terminal reports whether the message record is eligible for garbage
// collection once past the retention window.
func (s QueueMessageStatus) Terminal() bool {
	return s == MessageProcessed || s == MessageFailed || s == MessageDLQ
}

// QueueMessage links an ExecutionBatch to an external queue message id.
// Rows are owned exclusively by the execution that created them.
type QueueMessage struct {
	ID                string             `json:"id" db:"id"`
	ExecutionID       string             `json:"execution_id" db:"execution_id"`
	BatchID           string             `json:"batch_id" db:"batch_id"`
	BatchNumber       int                `json:"batch_number" db:"batch_number"`
	ProviderMessageID string             `json:"provider_message_id" db:"provider_message_id"`
	DedupKey          string             `json:"dedup_key" db:"dedup_key"`
	Status            QueueMessageStatus `json:"status" db:"status"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
}

// DedupKey builds the deduplication key that makes re-enqueue idempotent:
// the same (execution, batch number, batch id) always maps to one message.
func DedupKey(executionID string, batchNumber int, batchID string) string {
	return fmt.Sprintf("%s:%d:%s", executionID, batchNumber, batchID)
}
