package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/planner"
)

// batchDispatcher is the queue-side contract the service drives.
// *dispatch.Dispatcher satisfies it.
type batchDispatcher interface {
	Enqueue(ctx context.Context, executionID string, batches []domain.ExecutionBatch) (*dispatch.EnqueueResult, error)
	Progress(ctx context.Context, executionID string) (*dispatch.ExecutionProgress, error)
	RetryFailedBatches(ctx context.Context, executionID string, maxRetries int) (*dispatch.EnqueueResult, error)
}

// reputationTracker is the quota-side contract. *reputation.Tracker satisfies
// it.
type reputationTracker interface {
	GetOrCreateProfile(ctx context.Context, businessID, sendingDomain string) (*domain.ReputationProfile, error)
	RemainingQuota(ctx context.Context, profileID string, date time.Time) (*domain.QuotaStatus, error)
	ReserveQuota(ctx context.Context, profileID string, date time.Time, n int) (int, error)
	ReleaseQuota(ctx context.Context, profileID string, date time.Time, n int) error
	RecordScheduledSends(ctx context.Context, profileID string, n int) error
	ListProfiles(ctx context.Context, businessID string) ([]domain.ReputationProfile, error)
}

// eventProcessor applies provider feedback. *feedback.Processor satisfies it.
type eventProcessor interface {
	Process(ctx context.Context, evt domain.DeliveryEvent) error
}

// LockFactory builds a distributed lock for a key. Production wiring passes
// distlock.NewLock closed over the redis client and database handle.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Config tunes launch admission.
type Config struct {
	// MaxPendingBatches rejects new launches while the pending backlog is at
	// or above this depth. Zero disables the check.
	MaxPendingBatches int64
	// LockTTL bounds how long a crashed launch can hold its profile lock.
	LockTTL time.Duration
}

// Service implements launch business logic. It coordinates quota reservation,
// planning, persistence, and dispatch. All public methods are safe for
// concurrent use if the collaborators are.
type Service struct {
	repo       Repository
	tracker    reputationTracker
	dispatcher batchDispatcher
	events     eventProcessor
	locks      LockFactory
	cfg        Config

	now func() time.Time
}

// NewService creates a delivery service.
func NewService(repo Repository, tracker reputationTracker, dispatcher batchDispatcher, events eventProcessor, locks LockFactory, cfg Config) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Service{
		repo:       repo,
		tracker:    tracker,
		dispatcher: dispatcher,
		events:     events,
		locks:      locks,
		cfg:        cfg,
		now:        time.Now,
	}
}

// LaunchInput holds the fields for starting a campaign execution.
type LaunchInput struct {
	BusinessID    string             `json:"business_id"`
	StrategyID    string             `json:"strategy_id"`
	Name          string             `json:"name"`
	SendingDomain string             `json:"sending_domain"`
	Recipients    []domain.Recipient `json:"recipients"`

	// Start defaults to now when zero.
	Start time.Time `json:"start,omitempty"`

	// CustomBatchSize and CustomIntervalsMinutes override fixed-batch
	// strategies per launch.
	CustomBatchSize        int   `json:"custom_batch_size,omitempty"`
	CustomIntervalsMinutes []int `json:"custom_intervals_minutes,omitempty"`
}

// LaunchResult summarizes what a launch produced.
type LaunchResult struct {
	Execution          *domain.Execution `json:"execution"`
	TotalBatches       int               `json:"total_batches"`
	QueuedNow          int               `json:"queued_now"`
	ScheduledLater     int               `json:"scheduled_later"`
	ReservedToday      int               `json:"reserved_today"`
	SkippedBlacklisted int               `json:"skipped_blacklisted"`
}

// Launch runs the full launch sequence for one campaign: admission checks,
// profile lock, blacklist filter, atomic quota reservation, planning,
// persistence, and immediate dispatch of batches already due. Exactly one
// launch per profile proceeds at a time; concurrent callers get
// ErrPlanInProgress rather than a double-planned day.
func (s *Service) Launch(ctx context.Context, input LaunchInput) (*LaunchResult, error) {
	if len(input.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if input.BusinessID == "" {
		return nil, fmt.Errorf("business_id is required")
	}

	strategy, err := s.resolveStrategy(ctx, input.BusinessID, input.StrategyID)
	if err != nil {
		return nil, err
	}

	if s.cfg.MaxPendingBatches > 0 {
		pending, err := s.repo.PendingBatchCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("check backlog: %w", err)
		}
		if pending >= s.cfg.MaxPendingBatches {
			return nil, fmt.Errorf("%w: %d pending", ErrBackpressure, pending)
		}
	}

	profile, err := s.tracker.GetOrCreateProfile(ctx, input.BusinessID, input.SendingDomain)
	if err != nil {
		return nil, fmt.Errorf("resolve reputation profile: %w", err)
	}

	lock := s.locks("launch:profile:"+profile.ID, s.cfg.LockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire launch lock: %w", err)
	}
	if !acquired {
		return nil, ErrPlanInProgress
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("[delivery.Service] release launch lock for profile %s: %v", profile.ID, err)
		}
	}()

	start := input.Start
	if start.IsZero() {
		start = s.now().UTC()
	}

	quota, err := s.tracker.RemainingQuota(ctx, profile.ID, start)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if !quota.CanSend && quota.Remaining > 0 {
		// Remaining capacity but no permission means an operator pause, not
		// an exhausted day.
		return nil, fmt.Errorf("%w: %s", ErrSendingPaused, quota.Reason)
	}

	recipients, err := s.repo.FilterBlacklisted(ctx, input.BusinessID, dedupeRecipients(input.Recipients))
	if err != nil {
		return nil, fmt.Errorf("filter blacklist: %w", err)
	}
	skipped := len(dedupeRecipients(input.Recipients)) - len(recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	reserved, err := s.tracker.ReserveQuota(ctx, profile.ID, start, len(recipients))
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	executionID := uuid.New().String()
	batches, err := planner.Plan(planner.PlanInput{
		ExecutionID:     executionID,
		Recipients:      recipients,
		Strategy:        strategy,
		Start:           start,
		TodayCapacity:   reserved,
		WarmupDay:       profile.CurrentWarmupDay,
		MaxDailyLimit:   profile.MaxSendingLimit,
		CustomBatchSize: input.CustomBatchSize,
		CustomIntervals: minutesToDurations(input.CustomIntervalsMinutes),
	})
	if err != nil {
		s.releaseReservation(ctx, profile.ID, start, reserved)
		return nil, fmt.Errorf("plan batches: %w", err)
	}

	now := s.now().UTC()
	exec := &domain.Execution{
		ID:              executionID,
		BusinessID:      input.BusinessID,
		ProfileID:       profile.ID,
		StrategyID:      strategy.ID,
		Name:            input.Name,
		Status:          domain.ExecutionRunning,
		TotalRecipients: len(recipients),
		TotalBatches:    len(batches),
		StartedAt:       start,
		CreatedAt:       now,
	}
	clients := buildClients(exec, batches, recipients)

	if err := s.repo.CreateExecution(ctx, exec, batches, clients); err != nil {
		s.releaseReservation(ctx, profile.ID, start, reserved)
		return nil, fmt.Errorf("persist execution: %w", err)
	}
	if err := s.tracker.RecordScheduledSends(ctx, profile.ID, reserved); err != nil {
		log.Printf("[delivery.Service] record scheduled sends for profile %s: %v", profile.ID, err)
	}

	due := make([]domain.ExecutionBatch, 0, len(batches))
	for _, b := range batches {
		if !b.ScheduledFor.After(now) {
			due = append(due, b)
		}
	}
	result := &LaunchResult{
		Execution:          exec,
		TotalBatches:       len(batches),
		ScheduledLater:     len(batches) - len(due),
		ReservedToday:      reserved,
		SkippedBlacklisted: skipped,
	}
	if len(due) > 0 {
		enq, err := s.dispatcher.Enqueue(ctx, executionID, due)
		if err != nil {
			// The execution is persisted; the dispatch loop picks the due
			// batches up on its next tick.
			log.Printf("[delivery.Service] immediate enqueue for execution %s: %v", executionID, err)
		} else {
			result.QueuedNow = enq.Queued
		}
	}

	log.Printf("[delivery.Service] Execution %s: %d recipients, %d batches (%d due now, %d reserved today)",
		executionID, len(recipients), len(batches), len(due), reserved)
	return result, nil
}

// Progress returns the live batch roll-up for an execution.
func (s *Service) Progress(ctx context.Context, executionID string) (*dispatch.ExecutionProgress, error) {
	p, err := s.dispatcher.Progress(ctx, executionID)
	if errors.Is(err, dispatch.ErrExecutionNotFound) {
		return nil, ErrExecutionNotFound
	}
	return p, err
}

// ProcessEvent applies one provider feedback event.
func (s *Service) ProcessEvent(ctx context.Context, evt domain.DeliveryEvent) error {
	return s.events.Process(ctx, evt)
}

// Retry re-enqueues an execution's failed batches within the strategy's retry
// budget.
func (s *Service) Retry(ctx context.Context, executionID string) (*dispatch.EnqueueResult, error) {
	exec, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	strategy, err := s.resolveStrategy(ctx, exec.BusinessID, exec.StrategyID)
	if err != nil {
		return nil, err
	}
	maxRetries := strategy.MaxRetryAttempts
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return s.dispatcher.RetryFailedBatches(ctx, executionID, maxRetries)
}

// Finalize closes an execution once no batch can still move: completed when
// every batch succeeded, completed_with_errors when any failed. It reports
// whether the execution transitioned.
func (s *Service) Finalize(ctx context.Context, executionID string) (bool, error) {
	exec, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status != domain.ExecutionRunning {
		return false, nil
	}
	p, err := s.dispatcher.Progress(ctx, executionID)
	if err != nil {
		return false, err
	}
	if p.TotalBatches == 0 || p.PendingBatches+p.QueuedBatches > 0 {
		return false, nil
	}

	status := domain.ExecutionCompleted
	if p.FailedBatches > 0 {
		status = domain.ExecutionCompletedWithError
	}
	completedAt := s.now().UTC()
	if err := s.repo.UpdateExecutionStatus(ctx, executionID, status, &completedAt); err != nil {
		return false, fmt.Errorf("finalize execution: %w", err)
	}
	log.Printf("[delivery.Service] Execution %s finalized as %s (%d/%d batches failed)",
		executionID, status, p.FailedBatches, p.TotalBatches)
	return true, nil
}

// ProfileSummary pairs a reputation profile with its quota for today.
type ProfileSummary struct {
	Profile domain.ReputationProfile `json:"profile"`
	Today   domain.QuotaStatus       `json:"today"`
}

// ReputationSummary reports every profile of a business with today's quota.
func (s *Service) ReputationSummary(ctx context.Context, businessID string) ([]ProfileSummary, error) {
	profiles, err := s.tracker.ListProfiles(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]ProfileSummary, 0, len(profiles))
	today := s.now().UTC()
	for _, p := range profiles {
		q, err := s.tracker.RemainingQuota(ctx, p.ID, today)
		if err != nil {
			return nil, fmt.Errorf("quota for profile %s: %w", p.ID, err)
		}
		out = append(out, ProfileSummary{Profile: p, Today: *q})
	}
	return out, nil
}

// CreateStrategy validates and persists a delivery strategy.
func (s *Service) CreateStrategy(ctx context.Context, strategy *domain.DeliveryStrategy) (*domain.DeliveryStrategy, error) {
	if !strategy.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", planner.ErrUnknownStrategy, strategy.Type)
	}
	if strategy.ID == "" {
		strategy.ID = uuid.New().String()
	}
	id, err := s.repo.CreateStrategy(ctx, strategy)
	if err != nil {
		return nil, err
	}
	strategy.ID = id
	return strategy, nil
}

// ListStrategies returns the business's strategies.
func (s *Service) ListStrategies(ctx context.Context, businessID string) ([]domain.DeliveryStrategy, error) {
	return s.repo.ListStrategies(ctx, businessID)
}

// resolveStrategy loads the requested strategy, falling back to the default
// and then to the built-in ramp-up profile when nothing is configured.
func (s *Service) resolveStrategy(ctx context.Context, businessID, strategyID string) (*domain.DeliveryStrategy, error) {
	if strategyID != "" {
		st, err := s.repo.GetStrategy(ctx, businessID, strategyID)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := s.repo.DefaultStrategy(ctx, businessID)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, ErrStrategyNotFound) {
		return domain.DefaultRampUpStrategy(businessID), nil
	}
	return nil, err
}

func (s *Service) releaseReservation(ctx context.Context, profileID string, date time.Time, n int) {
	if err := s.tracker.ReleaseQuota(ctx, profileID, date, n); err != nil {
		log.Printf("[delivery.Service] release reservation for profile %s: %v", profileID, err)
	}
}

// buildClients expands the planned batches into per-recipient send rows.
func buildClients(exec *domain.Execution, batches []domain.ExecutionBatch, recipients []domain.Recipient) []domain.ExecutionClient {
	emailByID := make(map[string]string, len(recipients))
	for _, r := range recipients {
		emailByID[r.ID] = strings.ToLower(r.Email)
	}
	clients := make([]domain.ExecutionClient, 0, len(recipients))
	for _, b := range batches {
		for _, recipientID := range b.ClientIDs {
			clients = append(clients, domain.ExecutionClient{
				ID:          uuid.New().String(),
				ExecutionID: exec.ID,
				BatchID:     b.ID,
				RecipientID: recipientID,
				Email:       emailByID[recipientID],
				Status:      domain.ClientPending,
				CreatedAt:   exec.CreatedAt,
				UpdatedAt:   exec.CreatedAt,
			})
		}
	}
	return clients
}

// dedupeRecipients drops repeated recipient ids and emails, keeping first
// occurrence order.
func dedupeRecipients(in []domain.Recipient) []domain.Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]domain.Recipient, 0, len(in))
	for _, r := range in {
		key := r.ID + "|" + strings.ToLower(r.Email)
		if r.ID == "" || r.Email == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func minutesToDurations(minutes []int) []time.Duration {
	if len(minutes) == 0 {
		return nil
	}
	out := make([]time.Duration, len(minutes))
	for i, m := range minutes {
		out[i] = time.Duration(m) * time.Minute
	}
	return out
}
