package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/distlock"
)

// launchMonday is a Monday inside the default 9-17 send window.
var launchMonday = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu         sync.Mutex
	strategies map[string]*domain.DeliveryStrategy
	executions map[string]*domain.Execution
	batches    map[string][]domain.ExecutionBatch
	clients    map[string][]domain.ExecutionClient
	blacklist  map[string]bool // lowercased emails
	pending    int64

	createErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		strategies: make(map[string]*domain.DeliveryStrategy),
		executions: make(map[string]*domain.Execution),
		batches:    make(map[string][]domain.ExecutionBatch),
		clients:    make(map[string][]domain.ExecutionClient),
		blacklist:  make(map[string]bool),
	}
}

func (r *memRepo) GetStrategy(ctx context.Context, businessID, id string) (*domain.DeliveryStrategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[id]
	if !ok || s.BusinessID != businessID {
		return nil, ErrStrategyNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) DefaultStrategy(ctx context.Context, businessID string) (*domain.DeliveryStrategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.strategies {
		if s.BusinessID == businessID && s.IsDefault {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrStrategyNotFound
}

func (r *memRepo) CreateStrategy(ctx context.Context, s *domain.DeliveryStrategy) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	cp := *s
	r.strategies[s.ID] = &cp
	return s.ID, nil
}

func (r *memRepo) ListStrategies(ctx context.Context, businessID string) ([]domain.DeliveryStrategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryStrategy
	for _, s := range r.strategies {
		if s.BusinessID == businessID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memRepo) CreateExecution(ctx context.Context, exec *domain.Execution, batches []domain.ExecutionBatch, clients []domain.ExecutionClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *exec
	r.executions[exec.ID] = &cp
	r.batches[exec.ID] = append([]domain.ExecutionBatch(nil), batches...)
	r.clients[exec.ID] = append([]domain.ExecutionClient(nil), clients...)
	return nil
}

func (r *memRepo) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	e.Status = status
	e.CompletedAt = completedAt
	return nil
}

func (r *memRepo) FilterBlacklisted(ctx context.Context, businessID string, recipients []domain.Recipient) ([]domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Recipient, 0, len(recipients))
	for _, rec := range recipients {
		if !r.blacklist[strings.ToLower(rec.Email)] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) PendingBatchCount(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, nil
}

// fakeTracker is a scripted reputationTracker.
type fakeTracker struct {
	mu       sync.Mutex
	profile  domain.ReputationProfile
	quota    domain.QuotaStatus
	reserved int
	released int
	recorded int
}

func (f *fakeTracker) GetOrCreateProfile(ctx context.Context, businessID, sendingDomain string) (*domain.ReputationProfile, error) {
	cp := f.profile
	return &cp, nil
}

func (f *fakeTracker) RemainingQuota(ctx context.Context, profileID string, date time.Time) (*domain.QuotaStatus, error) {
	cp := f.quota
	return &cp, nil
}

func (f *fakeTracker) ReserveQuota(ctx context.Context, profileID string, date time.Time, n int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	granted := f.quota.Remaining
	if granted > n {
		granted = n
	}
	if granted < 0 {
		granted = 0
	}
	f.reserved += granted
	return granted, nil
}

func (f *fakeTracker) ReleaseQuota(ctx context.Context, profileID string, date time.Time, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released += n
	return nil
}

func (f *fakeTracker) RecordScheduledSends(ctx context.Context, profileID string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded += n
	return nil
}

func (f *fakeTracker) ListProfiles(ctx context.Context, businessID string) ([]domain.ReputationProfile, error) {
	return []domain.ReputationProfile{f.profile}, nil
}

// fakeDispatcher records enqueues and serves scripted progress.
type fakeDispatcher struct {
	mu         sync.Mutex
	enqueued   [][]domain.ExecutionBatch
	progress   *dispatch.ExecutionProgress
	maxRetries int
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, executionID string, batches []domain.ExecutionBatch) (*dispatch.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, batches)
	return &dispatch.EnqueueResult{Queued: len(batches)}, nil
}

func (f *fakeDispatcher) Progress(ctx context.Context, executionID string) (*dispatch.ExecutionProgress, error) {
	if f.progress == nil {
		return nil, dispatch.ErrExecutionNotFound
	}
	cp := *f.progress
	cp.ExecutionID = executionID
	return &cp, nil
}

func (f *fakeDispatcher) RetryFailedBatches(ctx context.Context, executionID string, maxRetries int) (*dispatch.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxRetries = maxRetries
	return &dispatch.EnqueueResult{Queued: 1}, nil
}

type fakeProcessor struct{ events []domain.DeliveryEvent }

func (f *fakeProcessor) Process(ctx context.Context, evt domain.DeliveryEvent) error {
	f.events = append(f.events, evt)
	return nil
}

// fakeLock is a process-local DistLock.
type fakeLock struct {
	mu   sync.Mutex
	held bool
	deny bool
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny || l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

type env struct {
	repo       *memRepo
	tracker    *fakeTracker
	dispatcher *fakeDispatcher
	processor  *fakeProcessor
	lock       *fakeLock
	svc        *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:       newMemRepo(),
		dispatcher: &fakeDispatcher{},
		processor:  &fakeProcessor{},
		lock:       &fakeLock{},
	}
	e.tracker = &fakeTracker{
		profile: domain.ReputationProfile{
			ID:                "prof-1",
			BusinessID:        "biz-1",
			Domain:            "mail.acme-collections.com",
			CurrentWarmupDay:  1,
			DailySendingLimit: 50,
			MaxSendingLimit:   200,
		},
		quota: domain.QuotaStatus{CanSend: true, Remaining: 50, DailyLimit: 50},
	}
	locks := func(key string, ttl time.Duration) distlock.DistLock { return e.lock }
	e.svc = NewService(e.repo, e.tracker, e.dispatcher, e.processor, locks, Config{MaxPendingBatches: 100})
	e.svc.now = func() time.Time { return launchMonday }
	return e
}

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{ID: uuid.New().String(), Email: uuid.New().String() + "@example.com"}
	}
	return out
}

func TestLaunchPlansPersistsAndDispatchesDue(t *testing.T) {
	e := newEnv(t)

	result, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID:    "biz-1",
		Name:          "June collections wave",
		SendingDomain: "mail.acme-collections.com",
		Recipients:    recipients(120),
		Start:         launchMonday,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalBatches, "50 today, then 50+20 on the next day")
	assert.Equal(t, 50, result.ReservedToday)
	assert.Equal(t, 1, result.QueuedNow, "only the first batch is due at launch")
	assert.Equal(t, 2, result.ScheduledLater)

	exec := result.Execution
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionRunning, exec.Status)
	assert.Equal(t, 120, exec.TotalRecipients)
	assert.Len(t, e.repo.batches[exec.ID], 3)
	assert.Len(t, e.repo.clients[exec.ID], 120)
	assert.Equal(t, 50, e.tracker.recorded)
	assert.False(t, e.lock.held, "launch lock released")

	// Every client row is pending and belongs to a planned batch.
	byBatch := make(map[string]bool)
	for _, b := range e.repo.batches[exec.ID] {
		byBatch[b.ID] = true
	}
	for _, c := range e.repo.clients[exec.ID] {
		assert.Equal(t, domain.ClientPending, c.Status)
		assert.True(t, byBatch[c.BatchID])
	}
}

func TestLaunchNoRecipients(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Launch(context.Background(), LaunchInput{BusinessID: "biz-1"})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestLaunchAllBlacklisted(t *testing.T) {
	e := newEnv(t)
	recs := recipients(3)
	for _, r := range recs {
		e.repo.blacklist[strings.ToLower(r.Email)] = true
	}

	_, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		Recipients: recs,
	})
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.Zero(t, e.tracker.reserved, "nothing reserved for an empty launch")
}

func TestLaunchSkipsBlacklistedRecipients(t *testing.T) {
	e := newEnv(t)
	recs := recipients(10)
	e.repo.blacklist[strings.ToLower(recs[0].Email)] = true
	e.repo.blacklist[strings.ToLower(recs[1].Email)] = true

	result, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		Recipients: recs,
		Start:      launchMonday,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SkippedBlacklisted)
	assert.Equal(t, 8, result.Execution.TotalRecipients)
}

func TestLaunchBackpressure(t *testing.T) {
	e := newEnv(t)
	e.repo.pending = 100

	_, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		Recipients: recipients(5),
	})
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestLaunchLockContention(t *testing.T) {
	e := newEnv(t)
	e.lock.deny = true

	_, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		Recipients: recipients(5),
	})
	assert.ErrorIs(t, err, ErrPlanInProgress)
}

func TestLaunchPausedProfile(t *testing.T) {
	e := newEnv(t)
	e.tracker.quota = domain.QuotaStatus{CanSend: false, Remaining: 30, DailyLimit: 50, Reason: "bounce rate spike"}

	_, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		Recipients: recipients(5),
	})
	assert.ErrorIs(t, err, ErrSendingPaused)
}

func TestLaunchExhaustedQuotaSchedulesForward(t *testing.T) {
	e := newEnv(t)
	e.tracker.quota = domain.QuotaStatus{CanSend: false, Remaining: 0, DailyLimit: 50, EmailsSent: 50, Reason: "daily limit reached"}

	result, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		Recipients: recipients(40),
		Start:      launchMonday,
	})
	require.NoError(t, err)
	assert.Zero(t, result.ReservedToday)
	assert.Zero(t, result.QueuedNow, "nothing is due when today is exhausted")
	assert.Equal(t, result.TotalBatches, result.ScheduledLater)
	for _, b := range e.repo.batches[result.Execution.ID] {
		assert.True(t, b.ScheduledFor.After(launchMonday))
	}
}

func TestLaunchPersistFailureReleasesReservation(t *testing.T) {
	e := newEnv(t)
	e.repo.createErr = errors.New("deadlock detected")

	_, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		Recipients: recipients(30),
		Start:      launchMonday,
	})
	require.Error(t, err)
	assert.Equal(t, 30, e.tracker.reserved)
	assert.Equal(t, 30, e.tracker.released, "failed launch returns its reservation")
	assert.Zero(t, e.tracker.recorded)
	assert.False(t, e.lock.held)
}

func TestLaunchCustomStrategy(t *testing.T) {
	e := newEnv(t)
	st := domain.DefaultRampUpStrategy("biz-1")
	st.Type = domain.StrategyBatch
	st.BatchSize = 10
	st.AvoidWeekends = false
	st.SendHourStart, st.SendHourEnd = 0, 0
	id, err := e.repo.CreateStrategy(context.Background(), st)
	require.NoError(t, err)

	result, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		StrategyID: id,
		Recipients: recipients(25),
		Start:      launchMonday,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalBatches, "25 recipients in batches of 10")
}

func TestLaunchUnknownStrategy(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Launch(context.Background(), LaunchInput{
		BusinessID: "biz-1",
		StrategyID: "nope",
		Recipients: recipients(5),
	})
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestRetryUsesStrategyBudget(t *testing.T) {
	e := newEnv(t)
	st := domain.DefaultRampUpStrategy("biz-1")
	st.MaxRetryAttempts = 5
	id, _ := e.repo.CreateStrategy(context.Background(), st)
	e.repo.executions["exec-1"] = &domain.Execution{
		ID: "exec-1", BusinessID: "biz-1", StrategyID: id, Status: domain.ExecutionRunning,
	}

	_, err := e.svc.Retry(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 5, e.dispatcher.maxRetries)
}

func TestRetryUnknownExecution(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestFinalizeCompleted(t *testing.T) {
	e := newEnv(t)
	e.repo.executions["exec-1"] = &domain.Execution{ID: "exec-1", Status: domain.ExecutionRunning}
	e.dispatcher.progress = &dispatch.ExecutionProgress{TotalBatches: 4, CompletedBatches: 4}

	changed, err := e.svc.Finalize(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.ExecutionCompleted, e.repo.executions["exec-1"].Status)
	assert.NotNil(t, e.repo.executions["exec-1"].CompletedAt)
}

func TestFinalizeWithErrors(t *testing.T) {
	e := newEnv(t)
	e.repo.executions["exec-1"] = &domain.Execution{ID: "exec-1", Status: domain.ExecutionRunning}
	e.dispatcher.progress = &dispatch.ExecutionProgress{TotalBatches: 4, CompletedBatches: 3, FailedBatches: 1}

	changed, err := e.svc.Finalize(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.ExecutionCompletedWithError, e.repo.executions["exec-1"].Status)
}

func TestFinalizeStillRunning(t *testing.T) {
	e := newEnv(t)
	e.repo.executions["exec-1"] = &domain.Execution{ID: "exec-1", Status: domain.ExecutionRunning}
	e.dispatcher.progress = &dispatch.ExecutionProgress{TotalBatches: 4, CompletedBatches: 2, QueuedBatches: 2}

	changed, err := e.svc.Finalize(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.ExecutionRunning, e.repo.executions["exec-1"].Status)
}

func TestFinalizeAlreadyTerminal(t *testing.T) {
	e := newEnv(t)
	e.repo.executions["exec-1"] = &domain.Execution{ID: "exec-1", Status: domain.ExecutionCompleted}

	changed, err := e.svc.Finalize(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReputationSummary(t *testing.T) {
	e := newEnv(t)
	summaries, err := e.svc.ReputationSummary(context.Background(), "biz-1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "prof-1", summaries[0].Profile.ID)
	assert.True(t, summaries[0].Today.CanSend)
}

func TestProcessEventDelegates(t *testing.T) {
	e := newEnv(t)
	evt := domain.DeliveryEvent{MessageID: "m-1", EventType: domain.EventDelivered}
	require.NoError(t, e.svc.ProcessEvent(context.Background(), evt))
	require.Len(t, e.processor.events, 1)
	assert.Equal(t, domain.EventDelivered, e.processor.events[0].EventType)
}
