package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/feedback"
	"github.com/ignite/delivery-engine/internal/reputation"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

var testDay = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func profileRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "business_id", "domain", "current_warmup_day", "daily_sending_limit",
		"max_sending_limit", "is_warmed_up",
		"total_emails_sent", "total_emails_delivered", "total_emails_opened",
		"total_emails_bounced", "total_complaints",
		"delivery_rate", "open_rate", "bounce_rate", "complaint_rate",
		"has_reputation_issues", "created_at", "updated_at",
	})
}

func addProfileRow(rows *sqlmock.Rows, id string) *sqlmock.Rows {
	return rows.AddRow(id, "biz-1", "mail.acme-collections.com", 1, 50,
		200, false, 0, 0, 0, 0, 0, 0.0, 0.0, 0.0, 0.0, false, testDay, testDay)
}

// =============================================================================
// REPUTATION STORE
// =============================================================================

func TestReputationStoreReserveQuotaGrantsRemainder(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("WITH prev AS").
		WithArgs("prof-1", "2025-06-02", 120).
		WillReturnRows(sqlmock.NewRows([]string{"least"}).AddRow(50))

	store := NewReputationStore(db)
	reserved, err := store.ReserveQuota(context.Background(), "prof-1", testDay, 120)
	require.NoError(t, err)
	assert.Equal(t, 50, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReputationStoreReserveQuotaExhaustedReturnsZero(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Paused or exhausted days match no row in the locking CTE.
	mock.ExpectQuery("WITH prev AS").
		WithArgs("prof-1", "2025-06-02", 30).
		WillReturnError(sql.ErrNoRows)

	store := NewReputationStore(db)
	reserved, err := store.ReserveQuota(context.Background(), "prof-1", testDay, 30)
	require.NoError(t, err)
	assert.Zero(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReputationStoreCreateProfileLosesConflictReturnsExisting(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO delivery_reputation_profiles").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM delivery_reputation_profiles WHERE business_id").
		WithArgs("biz-1", "mail.acme-collections.com").
		WillReturnRows(addProfileRow(profileRows(), "existing-id"))

	store := NewReputationStore(db)
	p, err := store.CreateProfile(context.Background(), &domain.ReputationProfile{
		BusinessID:        "biz-1",
		Domain:            "mail.acme-collections.com",
		CurrentWarmupDay:  1,
		DailySendingLimit: 50,
		MaxSendingLimit:   200,
	})
	require.NoError(t, err)
	assert.Equal(t, "existing-id", p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReputationStoreGetProfileNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM delivery_reputation_profiles WHERE id").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	store := NewReputationStore(db)
	_, err := store.GetProfile(context.Background(), "ghost")
	assert.ErrorIs(t, err, reputation.ErrProfileNotFound)
}

func TestReputationStoreAddDailyRelease(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{
		"id", "profile_id", "quota_date", "daily_limit", "emails_sent", "emails_delivered",
		"emails_opened", "emails_bounced", "limit_reached",
		"delivery_rate", "open_rate", "bounce_rate",
		"paused_until", "pause_reason", "created_at", "updated_at",
	}).AddRow("q-1", "prof-1", testDay, 50, 20, 0, 0, 0, false, 0.0, 0.0, 0.0, nil, "", testDay, testDay)

	mock.ExpectQuery("UPDATE delivery_daily_quotas").
		WithArgs("prof-1", "2025-06-02", -30, 0, 0, 0).
		WillReturnRows(rows)

	store := NewReputationStore(db)
	q, err := store.AddDaily(context.Background(), "prof-1", testDay, reputation.CounterDelta{Sent: -30})
	require.NoError(t, err)
	assert.Equal(t, 20, q.EmailsSent)
	assert.False(t, q.LimitReached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// EXECUTION REPO
// =============================================================================

func TestExecutionRepoMarkBatchQueuedTransactional(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE delivery_execution_batches SET status = 'queued'").
		WithArgs("batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO delivery_queue_messages").
		WithArgs("msg-1", "exec-1", "batch-1", 3, "prov-77", "exec-1:3:batch-1", "queued").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewExecutionRepo(db)
	err := repo.MarkBatchQueued(context.Background(), "batch-1", &domain.QueueMessage{
		ID:                "msg-1",
		ExecutionID:       "exec-1",
		BatchID:           "batch-1",
		BatchNumber:       3,
		ProviderMessageID: "prov-77",
		DedupKey:          "exec-1:3:batch-1",
		Status:            domain.MessageQueued,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepoMarkBatchQueuedRollsBackOnInsertFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE delivery_execution_batches SET status = 'queued'").
		WithArgs("batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO delivery_queue_messages").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	repo := NewExecutionRepo(db)
	err := repo.MarkBatchQueued(context.Background(), "batch-1", &domain.QueueMessage{ID: "msg-1"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepoFilterBlacklistedPreservesOrder(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT LOWER.email. FROM delivery_blacklist").
		WithArgs("biz-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("blocked@example.com"))

	repo := NewExecutionRepo(db)
	out, err := repo.FilterBlacklisted(context.Background(), "biz-1", []domain.Recipient{
		{ID: "r1", Email: "first@example.com"},
		{ID: "r2", Email: "Blocked@Example.com"},
		{ID: "r3", Email: "third@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "r1", out[0].ID)
	assert.Equal(t, "r3", out[1].ID)
}

func TestExecutionRepoGetStrategyNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM delivery_strategies WHERE id").
		WithArgs("strat-x", "biz-1").
		WillReturnError(sql.ErrNoRows)

	repo := NewExecutionRepo(db)
	_, err := repo.GetStrategy(context.Background(), "biz-1", "strat-x")
	assert.ErrorIs(t, err, delivery.ErrStrategyNotFound)
}

func TestExecutionRepoGetExecutionNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM delivery_executions").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	repo := NewExecutionRepo(db)
	_, err := repo.GetExecution(context.Background(), "ghost")
	assert.ErrorIs(t, err, delivery.ErrExecutionNotFound)
}

func TestExecutionRepoPendingBatchCount(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT.*delivery_execution_batches").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	repo := NewExecutionRepo(db)
	n, err := repo.PendingBatchCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestExecutionRepoDeleteMessagesEmptyIsNoop(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewExecutionRepo(db)
	require.NoError(t, repo.DeleteMessages(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// FEEDBACK REPO
// =============================================================================

func TestFeedbackRepoFindLatestActiveClientLowercasesEmail(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{
		"id", "execution_id", "batch_id", "recipient_id", "email", "message_id",
		"status", "sent_at", "delivered_at", "opened_at", "created_at", "updated_at",
	}).AddRow("client-1", "exec-1", "batch-1", "r1", "debtor@example.com", "msg-001",
		"sent", testDay, nil, nil, testDay, testDay)

	mock.ExpectQuery("SELECT (.+) FROM delivery_execution_clients").
		WithArgs("debtor@example.com").
		WillReturnRows(rows)

	repo := NewFeedbackRepo(db)
	c, err := repo.FindLatestActiveClientByEmail(context.Background(), "Debtor@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "client-1", c.ID)
	assert.Equal(t, domain.ClientSent, c.Status)
}

func TestFeedbackRepoFindClientByMessageIDNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM delivery_execution_clients WHERE message_id").
		WithArgs("ghost-msg").
		WillReturnError(sql.ErrNoRows)

	repo := NewFeedbackRepo(db)
	_, err := repo.FindClientByMessageID(context.Background(), "ghost-msg")
	assert.ErrorIs(t, err, feedback.ErrClientNotFound)
}

func TestFeedbackRepoUpdateClientStatusStampsColumn(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE delivery_execution_clients").
		WithArgs("client-1", "delivered", testDay).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewFeedbackRepo(db)
	err := repo.UpdateClientStatus(context.Background(), "client-1", domain.ClientDelivered, testDay)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedbackRepoUpdateClientStatusTerminalHasNoStamp(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE delivery_execution_clients").
		WithArgs("client-1", "bounced").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewFeedbackRepo(db)
	err := repo.UpdateClientStatus(context.Background(), "client-1", domain.ClientBounced, testDay)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedbackRepoAddBatchCounters(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE delivery_execution_batches").
		WithArgs("batch-1", 0, 1, 0, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewFeedbackRepo(db)
	err := repo.AddBatchCounters(context.Background(), "batch-1", reputation.CounterDelta{Delivered: 1})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedbackRepoUpsertBlacklistLowercases(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO delivery_blacklist").
		WithArgs("bl-1", "biz-1", "Debtor@Example.com", "hard", "hard bounce").
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewFeedbackRepo(db)
	err := repo.UpsertBlacklist(context.Background(), &domain.BlacklistEntry{
		ID:         "bl-1",
		BusinessID: "biz-1",
		Email:      "Debtor@Example.com",
		BounceType: domain.BounceHard,
		Reason:     "hard bounce",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
