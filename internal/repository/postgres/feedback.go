package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/feedback"
	"github.com/ignite/delivery-engine/internal/reputation"
)

// FeedbackRepo implements feedback.EventStore against PostgreSQL.
type FeedbackRepo struct{ db *sql.DB }

// NewFeedbackRepo creates a Postgres-backed feedback event store.
func NewFeedbackRepo(db *sql.DB) *FeedbackRepo { return &FeedbackRepo{db: db} }

const clientColumns = `
	id, execution_id, batch_id, recipient_id, email, COALESCE(message_id, ''),
	status, sent_at, delivered_at, opened_at, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (*domain.ExecutionClient, error) {
	c := &domain.ExecutionClient{}
	err := row.Scan(
		&c.ID, &c.ExecutionID, &c.BatchID, &c.RecipientID, &c.Email, &c.MessageID,
		&c.Status, &c.SentAt, &c.DeliveredAt, &c.OpenedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *FeedbackRepo) FindClientByMessageID(ctx context.Context, messageID string) (*domain.ExecutionClient, error) {
	c, err := scanClient(r.db.QueryRowContext(ctx,
		`SELECT`+clientColumns+` FROM delivery_execution_clients WHERE message_id = $1`,
		messageID))
	if err == sql.ErrNoRows {
		return nil, feedback.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find client by message id: %w", err)
	}
	return c, nil
}

func (r *FeedbackRepo) FindLatestActiveClientByEmail(ctx context.Context, email string) (*domain.ExecutionClient, error) {
	c, err := scanClient(r.db.QueryRowContext(ctx, `
		SELECT`+clientColumns+`
		FROM delivery_execution_clients
		WHERE LOWER(email) = $1 AND status NOT IN ('bounced', 'complained', 'failed')
		ORDER BY created_at DESC
		LIMIT 1
	`, strings.ToLower(email)))
	if err == sql.ErrNoRows {
		return nil, feedback.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find client by email: %w", err)
	}
	return c, nil
}

// UpdateClientStatus sets the status and stamps the column matching the
// transition. Timestamps are written once; a replayed event does not move
// them.
func (r *FeedbackRepo) UpdateClientStatus(ctx context.Context, clientID string, status domain.ClientStatus, at time.Time) error {
	var column string
	switch status {
	case domain.ClientSent:
		column = "sent_at"
	case domain.ClientDelivered:
		column = "delivered_at"
	case domain.ClientOpened:
		column = "opened_at"
	}

	var err error
	if column == "" {
		_, err = r.db.ExecContext(ctx, `
			UPDATE delivery_execution_clients SET status = $2, updated_at = NOW() WHERE id = $1
		`, clientID, status)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE delivery_execution_clients
			SET status = $2, `+column+` = COALESCE(`+column+`, $3), updated_at = NOW()
			WHERE id = $1
		`, clientID, status, at)
	}
	if err != nil {
		return fmt.Errorf("update client status: %w", err)
	}
	return nil
}

func (r *FeedbackRepo) AddBatchCounters(ctx context.Context, batchID string, d reputation.CounterDelta) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_execution_batches
		SET emails_sent      = emails_sent + $2,
		    emails_delivered = emails_delivered + $3,
		    emails_opened    = emails_opened + $4,
		    emails_bounced   = emails_bounced + $5,
		    complaints       = complaints + $6,
		    updated_at       = NOW()
		WHERE id = $1
	`, batchID, d.Sent, d.Delivered, d.Opened, d.Bounced, d.Complaints)
	if err != nil {
		return fmt.Errorf("add batch counters: %w", err)
	}
	return nil
}

func (r *FeedbackRepo) AppendAudit(ctx context.Context, evt *domain.AuditEvent) error {
	metadata := []byte("{}")
	if len(evt.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_audit_events
			(id, client_id, execution_id, event_type, email, occurred_at, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, evt.ID, evt.ClientID, evt.ExecutionID, evt.EventType, evt.Email, evt.OccurredAt, metadata, evt.RecordedAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *FeedbackRepo) UpsertBlacklist(ctx context.Context, entry *domain.BlacklistEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_blacklist (id, business_id, email, bounce_type, reason, created_at)
		VALUES ($1, $2, LOWER($3), $4, $5, NOW())
		ON CONFLICT (business_id, email) DO NOTHING
	`, entry.ID, entry.BusinessID, entry.Email, entry.BounceType, entry.Reason)
	if err != nil {
		return fmt.Errorf("upsert blacklist: %w", err)
	}
	return nil
}

func (r *FeedbackRepo) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	e := &domain.Execution{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, business_id, profile_id, strategy_id, COALESCE(name, ''), status,
		       total_recipients, total_batches, started_at, completed_at, created_at
		FROM delivery_executions
		WHERE id = $1
	`, executionID).Scan(
		&e.ID, &e.BusinessID, &e.ProfileID, &e.StrategyID, &e.Name, &e.Status,
		&e.TotalRecipients, &e.TotalBatches, &e.StartedAt, &e.CompletedAt, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, feedback.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

var _ feedback.EventStore = (*FeedbackRepo)(nil)
