package domain

import "time"

// ExecutionStatus enumerates the lifecycle states of a campaign execution.
type ExecutionStatus string

const (
	ExecutionRunning            ExecutionStatus = "running"
	ExecutionCompleted          ExecutionStatus = "completed"
	ExecutionCompletedWithError ExecutionStatus = "completed_with_errors"
	ExecutionFailed             ExecutionStatus = "failed"
)

// Execution is the envelope for one campaign launch: the strategy it ran
// with, the profile it drew quota from, and aggregate totals.
type Execution struct {
	ID         string          `json:"id" db:"id"`
	BusinessID string          `json:"business_id" db:"business_id"`
	ProfileID  string          `json:"profile_id" db:"profile_id"`
	StrategyID string          `json:"strategy_id" db:"strategy_id"`
	Name       string          `json:"name" db:"name"`
	Status     ExecutionStatus `json:"status" db:"status"`

	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	TotalBatches    int `json:"total_batches" db:"total_batches"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// BatchStatus enumerates the lifecycle of a scheduled batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Terminal reports whether the batch status is final. A failed batch is only
// effectively terminal once its retry budget is exhausted; that check lives
// with the dispatcher, which knows the strategy's MaxRetryAttempts.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// ExecutionBatch is one scheduled unit of work: an ordered slice of the
// execution's recipients with a send instant. Batch numbers are 1-based and
// contiguous within an execution; client ids never repeat across batches of
// the same execution.
type ExecutionBatch struct {
	ID          string      `json:"id" db:"id"`
	ExecutionID string      `json:"execution_id" db:"execution_id"`
	BatchNumber int         `json:"batch_number" db:"batch_number"`
	ClientIDs   []string    `json:"client_ids" db:"client_ids"`
	TotalClients int        `json:"total_clients" db:"total_clients"`
	ScheduledFor time.Time  `json:"scheduled_for" db:"scheduled_for"`
	Status      BatchStatus `json:"status" db:"status"`

	EmailsSent      int `json:"emails_sent" db:"emails_sent"`
	EmailsDelivered int `json:"emails_delivered" db:"emails_delivered"`
	EmailsOpened    int `json:"emails_opened" db:"emails_opened"`
	EmailsBounced   int `json:"emails_bounced" db:"emails_bounced"`
	Complaints      int `json:"complaints" db:"complaints"`

	RetryCount int    `json:"retry_count" db:"retry_count"`
	LastError  string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ClientStatus enumerates the per-recipient send state machine.
// Transient: pending → sent → opened. Terminal: delivered, bounced,
// complained, failed (opened is sticky but non-terminal for late bounces).
type ClientStatus string

const (
	ClientPending    ClientStatus = "pending"
	ClientSent       ClientStatus = "sent"
	ClientDelivered  ClientStatus = "delivered"
	ClientOpened     ClientStatus = "opened"
	ClientBounced    ClientStatus = "bounced"
	ClientComplained ClientStatus = "complained"
	ClientFailed     ClientStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s ClientStatus) Terminal() bool {
	switch s {
	case ClientBounced, ClientComplained, ClientFailed:
		return true
	}
	return false
}

// ExecutionClient is the per-recipient send record within a batch. It is the
// resolution target for inbound delivery events.
type ExecutionClient struct {
	ID          string       `json:"id" db:"id"`
	ExecutionID string       `json:"execution_id" db:"execution_id"`
	BatchID     string       `json:"batch_id" db:"batch_id"`
	RecipientID string       `json:"recipient_id" db:"recipient_id"`
	Email       string       `json:"email" db:"email"`
	MessageID   string       `json:"message_id,omitempty" db:"message_id"`
	Status      ClientStatus `json:"status" db:"status"`

	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at,omitempty" db:"opened_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Recipient is the minimal input the planner needs per target. The caller
// supplies a deduplicated, blacklist-filtered list.
type Recipient struct {
	ID    string `json:"recipient_id"`
	Email string `json:"email"`
}
