package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// ExecutionRepo implements delivery.Repository and dispatch.BatchStore
// against PostgreSQL.
type ExecutionRepo struct{ db *sql.DB }

// NewExecutionRepo creates a Postgres-backed execution repository.
func NewExecutionRepo(db *sql.DB) *ExecutionRepo { return &ExecutionRepo{db: db} }

const strategyColumns = `
	id, business_id, name, strategy_type,
	day1_limit, day2_limit, day3_to_5_limit, day6_plus_limit,
	batch_size, batch_interval_minutes, max_batches_per_day, concurrent_batches,
	max_retry_attempts, retry_interval_minutes,
	min_open_rate_threshold, min_delivery_rate_threshold,
	max_bounce_rate_threshold, max_complaint_rate_threshold,
	preferred_send_hour_start, preferred_send_hour_end,
	avoid_weekends, respect_timezone, is_default, created_at, updated_at`

func scanStrategy(row interface{ Scan(...any) error }) (*domain.DeliveryStrategy, error) {
	s := &domain.DeliveryStrategy{}
	err := row.Scan(
		&s.ID, &s.BusinessID, &s.Name, &s.Type,
		&s.Day1Limit, &s.Day2Limit, &s.Day3To5Limit, &s.Day6PlusLimit,
		&s.BatchSize, &s.BatchIntervalMinutes, &s.MaxBatchesPerDay, &s.ConcurrentBatches,
		&s.MaxRetryAttempts, &s.RetryIntervalMinutes,
		&s.MinOpenRate, &s.MinDeliveryRate,
		&s.MaxBounceRate, &s.MaxComplaintRate,
		&s.SendHourStart, &s.SendHourEnd,
		&s.AvoidWeekends, &s.RespectTimezone, &s.IsDefault, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ExecutionRepo) GetStrategy(ctx context.Context, businessID, id string) (*domain.DeliveryStrategy, error) {
	s, err := scanStrategy(r.db.QueryRowContext(ctx,
		`SELECT`+strategyColumns+` FROM delivery_strategies WHERE id = $1 AND business_id = $2`,
		id, businessID))
	if err == sql.ErrNoRows {
		return nil, delivery.ErrStrategyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	return s, nil
}

func (r *ExecutionRepo) DefaultStrategy(ctx context.Context, businessID string) (*domain.DeliveryStrategy, error) {
	s, err := scanStrategy(r.db.QueryRowContext(ctx,
		`SELECT`+strategyColumns+` FROM delivery_strategies WHERE business_id = $1 AND is_default = true LIMIT 1`,
		businessID))
	if err == sql.ErrNoRows {
		return nil, delivery.ErrStrategyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("default strategy: %w", err)
	}
	return s, nil
}

func (r *ExecutionRepo) CreateStrategy(ctx context.Context, s *domain.DeliveryStrategy) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_strategies (`+strings.TrimSpace(strategyColumns)+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW(), NOW())
	`, s.ID, s.BusinessID, s.Name, s.Type,
		s.Day1Limit, s.Day2Limit, s.Day3To5Limit, s.Day6PlusLimit,
		s.BatchSize, s.BatchIntervalMinutes, s.MaxBatchesPerDay, s.ConcurrentBatches,
		s.MaxRetryAttempts, s.RetryIntervalMinutes,
		s.MinOpenRate, s.MinDeliveryRate, s.MaxBounceRate, s.MaxComplaintRate,
		s.SendHourStart, s.SendHourEnd,
		s.AvoidWeekends, s.RespectTimezone, s.IsDefault)
	if err != nil {
		return "", fmt.Errorf("create strategy: %w", err)
	}
	return s.ID, nil
}

func (r *ExecutionRepo) ListStrategies(ctx context.Context, businessID string) ([]domain.DeliveryStrategy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+strategyColumns+` FROM delivery_strategies WHERE business_id = $1 ORDER BY created_at DESC`,
		businessID)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryStrategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CreateExecution persists the execution, its batches, and all client rows in
// one transaction. Clients go in via COPY; a launch can carry tens of
// thousands of rows.
func (r *ExecutionRepo) CreateExecution(ctx context.Context, exec *domain.Execution, batches []domain.ExecutionBatch, clients []domain.ExecutionClient) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer txn.Rollback()

	_, err = txn.ExecContext(ctx, `
		INSERT INTO delivery_executions
			(id, business_id, profile_id, strategy_id, name, status,
			 total_recipients, total_batches, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, exec.ID, exec.BusinessID, exec.ProfileID, exec.StrategyID, exec.Name, exec.Status,
		exec.TotalRecipients, exec.TotalBatches, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for _, b := range batches {
		_, err = txn.ExecContext(ctx, `
			INSERT INTO delivery_execution_batches
				(id, execution_id, batch_number, client_ids, total_clients,
				 scheduled_for, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		`, b.ID, b.ExecutionID, b.BatchNumber, pq.Array(b.ClientIDs), b.TotalClients,
			b.ScheduledFor, b.Status)
		if err != nil {
			return fmt.Errorf("insert batch %d: %w", b.BatchNumber, err)
		}
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(
		"delivery_execution_clients",
		"id", "execution_id", "batch_id", "recipient_id", "email",
		"status", "created_at", "updated_at",
	))
	if err != nil {
		return fmt.Errorf("prepare client copy: %w", err)
	}

	now := time.Now().UTC()
	for _, c := range clients {
		if _, err := stmt.ExecContext(ctx, c.ID, c.ExecutionID, c.BatchID, c.RecipientID,
			c.Email, c.Status, now, now); err != nil {
			stmt.Close()
			return fmt.Errorf("copy client row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush client copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close client copy: %w", err)
	}

	return txn.Commit()
}

func (r *ExecutionRepo) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	e := &domain.Execution{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, business_id, profile_id, strategy_id, COALESCE(name, ''), status,
		       total_recipients, total_batches, started_at, completed_at, created_at
		FROM delivery_executions
		WHERE id = $1
	`, id).Scan(
		&e.ID, &e.BusinessID, &e.ProfileID, &e.StrategyID, &e.Name, &e.Status,
		&e.TotalRecipients, &e.TotalBatches, &e.StartedAt, &e.CompletedAt, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, delivery.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (r *ExecutionRepo) UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus, completedAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_executions SET status = $2, completed_at = $3 WHERE id = $1
	`, id, status, completedAt)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) FilterBlacklisted(ctx context.Context, businessID string, recipients []domain.Recipient) ([]domain.Recipient, error) {
	if len(recipients) == 0 {
		return recipients, nil
	}
	emails := make([]string, len(recipients))
	for i, rec := range recipients {
		emails[i] = strings.ToLower(rec.Email)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT LOWER(email) FROM delivery_blacklist
		WHERE business_id = $1 AND LOWER(email) = ANY($2)
	`, businessID, pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("query blacklist: %w", err)
	}
	defer rows.Close()

	blocked := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		blocked[email] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Recipient, 0, len(recipients))
	for _, rec := range recipients {
		if !blocked[strings.ToLower(rec.Email)] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *ExecutionRepo) PendingBatchCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_execution_batches WHERE status IN ('pending', 'queued')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending batches: %w", err)
	}
	return n, nil
}

// RunningExecutionIDs returns ids of running executions, oldest first.
func (r *ExecutionRepo) RunningExecutionIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM delivery_executions WHERE status = 'running' ORDER BY started_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const batchColumns = `
	id, execution_id, batch_number, client_ids, total_clients, scheduled_for,
	status, emails_sent, emails_delivered, emails_opened, emails_bounced,
	complaints, retry_count, COALESCE(last_error, ''), created_at, updated_at`

func scanBatch(row interface{ Scan(...any) error }) (*domain.ExecutionBatch, error) {
	b := &domain.ExecutionBatch{}
	err := row.Scan(
		&b.ID, &b.ExecutionID, &b.BatchNumber, pq.Array(&b.ClientIDs), &b.TotalClients,
		&b.ScheduledFor, &b.Status, &b.EmailsSent, &b.EmailsDelivered, &b.EmailsOpened,
		&b.EmailsBounced, &b.Complaints, &b.RetryCount, &b.LastError, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *ExecutionRepo) ExecutionBatches(ctx context.Context, executionID string) ([]domain.ExecutionBatch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+batchColumns+` FROM delivery_execution_batches WHERE execution_id = $1 ORDER BY batch_number`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) DueBatches(ctx context.Context, now time.Time, limit int) ([]domain.ExecutionBatch, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+batchColumns+`
		FROM delivery_execution_batches
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due batches: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) SelectRetryable(ctx context.Context, executionID string, maxRetries int) ([]domain.ExecutionBatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+batchColumns+`
		FROM delivery_execution_batches
		WHERE execution_id = $1 AND status = 'failed' AND retry_count < $2
		ORDER BY batch_number
	`, executionID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("select retryable: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) PrepareRetry(ctx context.Context, batchID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_execution_batches
		SET retry_count = retry_count + 1, status = 'pending', last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, batchID)
	if err != nil {
		return fmt.Errorf("prepare retry: %w", err)
	}
	return nil
}

// MarkBatchQueued transitions the batch and records its queue message. The
// dedup key carries a unique constraint, so a re-enqueue of the same batch is
// a no-op insert.
func (r *ExecutionRepo) MarkBatchQueued(ctx context.Context, batchID string, msg *domain.QueueMessage) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer txn.Rollback()

	_, err = txn.ExecContext(ctx, `
		UPDATE delivery_execution_batches SET status = 'queued', updated_at = NOW() WHERE id = $1
	`, batchID)
	if err != nil {
		return fmt.Errorf("mark batch queued: %w", err)
	}

	_, err = txn.ExecContext(ctx, `
		INSERT INTO delivery_queue_messages
			(id, execution_id, batch_id, batch_number, provider_message_id, dedup_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (dedup_key) DO NOTHING
	`, msg.ID, msg.ExecutionID, msg.BatchID, msg.BatchNumber, msg.ProviderMessageID, msg.DedupKey, msg.Status)
	if err != nil {
		return fmt.Errorf("insert queue message: %w", err)
	}

	return txn.Commit()
}

func (r *ExecutionRepo) MarkBatchFailed(ctx context.Context, batchID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_execution_batches SET status = 'failed', last_error = $2, updated_at = NOW() WHERE id = $1
	`, batchID, reason)
	if err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) TerminalMessagesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.QueueMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, execution_id, batch_id, batch_number, COALESCE(provider_message_id, ''),
		       dedup_key, status, created_at, updated_at
		FROM delivery_queue_messages
		WHERE status IN ('processed', 'failed', 'dlq') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired messages: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueMessage
	for rows.Next() {
		var m domain.QueueMessage
		if err := rows.Scan(&m.ID, &m.ExecutionID, &m.BatchID, &m.BatchNumber, &m.ProviderMessageID,
			&m.DedupKey, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM delivery_queue_messages WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete queue messages: %w", err)
	}
	return nil
}

var (
	_ delivery.Repository = (*ExecutionRepo)(nil)
	_ dispatch.BatchStore = (*ExecutionRepo)(nil)
)
