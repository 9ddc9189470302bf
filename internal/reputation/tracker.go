package reputation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
)

// Tracker computes quota availability, advances warm-up, and keeps derived
// rates consistent with the canonical counters. All methods are safe for
// concurrent use when the underlying store is; counter mutations go through
// the store's atomic primitives.
type Tracker struct {
	store      Store
	thresholds Thresholds
	maxLimit   int

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker creates a reputation tracker. maxLimit caps the step function;
// zero means the built-in warmed-up limit.
func NewTracker(store Store, thresholds Thresholds, maxLimit int) *Tracker {
	if maxLimit <= 0 {
		maxLimit = warmedUpLimit
	}
	return &Tracker{
		store:      store,
		thresholds: thresholds,
		maxLimit:   maxLimit,
		now:        time.Now,
	}
}

// GetOrCreateProfile returns the reputation profile for a (business, domain)
// pair, creating it on first send attempt: warm-up day 1, limit 50.
func (t *Tracker) GetOrCreateProfile(ctx context.Context, businessID, sendingDomain string) (*domain.ReputationProfile, error) {
	p, err := t.store.FindProfile(ctx, businessID, sendingDomain)
	if err == nil {
		return p, nil
	}
	if err != ErrProfileNotFound {
		return nil, fmt.Errorf("find profile: %w", err)
	}

	fresh := &domain.ReputationProfile{
		ID:                uuid.New().String(),
		BusinessID:        businessID,
		Domain:            sendingDomain,
		CurrentWarmupDay:  1,
		DailySendingLimit: LimitForDay(1, t.maxLimit),
		MaxSendingLimit:   t.maxLimit,
	}
	created, err := t.store.CreateProfile(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return created, nil
}

// RemainingQuota reports whether the profile can send on the given date and
// how much capacity is left. A missing day record means nothing has been
// scheduled: full quota at the profile's current daily limit.
func (t *Tracker) RemainingQuota(ctx context.Context, profileID string, date time.Time) (*domain.QuotaStatus, error) {
	p, err := t.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	q, err := t.store.GetQuota(ctx, profileID, date)
	if err == ErrQuotaNotFound {
		return &domain.QuotaStatus{
			CanSend:    p.DailySendingLimit > 0,
			Remaining:  p.DailySendingLimit,
			DailyLimit: p.DailySendingLimit,
			EmailsSent: 0,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}

	status := &domain.QuotaStatus{
		Remaining:  q.Remaining(),
		DailyLimit: q.DailyLimit,
		EmailsSent: q.EmailsSent,
	}
	switch {
	case q.PausedAt(t.now()):
		status.Reason = q.PauseReason
		if status.Reason == "" {
			status.Reason = "sending paused"
		}
	case q.LimitReached || status.Remaining <= 0:
		status.Reason = "daily limit reached"
	default:
		status.CanSend = true
	}
	return status, nil
}

// ReserveQuota atomically reserves up to n sends for the date, creating the
// day record at the profile's current limit if needed. Returns the reserved
// count, which may be less than n (including zero).
func (t *Tracker) ReserveQuota(ctx context.Context, profileID string, date time.Time, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	p, err := t.store.GetProfile(ctx, profileID)
	if err != nil {
		return 0, err
	}
	if _, err := t.store.EnsureQuota(ctx, profileID, date, p.DailySendingLimit); err != nil {
		return 0, fmt.Errorf("ensure quota: %w", err)
	}
	reserved, err := t.store.ReserveQuota(ctx, profileID, date, n)
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	return reserved, nil
}

// RecordScheduledSends adds reserved sends to the profile's lifetime counters
// and re-derives its rates. Daily counters are untouched; the reservation
// already incremented them.
func (t *Tracker) RecordScheduledSends(ctx context.Context, profileID string, n int) error {
	if n <= 0 {
		return nil
	}
	p, err := t.store.AddLifetime(ctx, profileID, CounterDelta{Sent: n})
	if err != nil {
		return fmt.Errorf("add lifetime counters: %w", err)
	}
	rates := deriveRates(p.TotalEmailsSent, p.TotalEmailsDelivered, p.TotalEmailsOpened, p.TotalEmailsBounced, p.TotalComplaints)
	if err := t.store.SetProfileRates(ctx, profileID, rates); err != nil {
		return fmt.Errorf("set profile rates: %w", err)
	}
	return nil
}

// ReleaseQuota returns n reserved sends to the date's quota after a failed
// launch, so an aborted plan does not burn the day's capacity.
func (t *Tracker) ReleaseQuota(ctx context.Context, profileID string, date time.Time, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := t.store.AddDaily(ctx, profileID, date, CounterDelta{Sent: -n}); err != nil {
		return fmt.Errorf("release daily quota: %w", err)
	}
	return nil
}

// EvaluateWarmupProgression decides whether the profile advances to the next
// warm-up day based on the evaluated day's rates. Threshold precedence is
// fixed: open rate, then delivery rate, then bounce rate — the first miss is
// the reported reason.
func (t *Tracker) EvaluateWarmupProgression(ctx context.Context, profileID string, date time.Time) (*ProgressionDecision, error) {
	p, err := t.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	q, err := t.store.GetQuota(ctx, profileID, date)
	if err == ErrQuotaNotFound {
		return &ProgressionDecision{
			Reason:     "no sending activity for evaluated day",
			WarmupDay:  p.CurrentWarmupDay,
			DailyLimit: p.DailySendingLimit,
			IsWarmedUp: p.IsWarmedUp,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}

	rates := deriveRates(int64(q.EmailsSent), int64(q.EmailsDelivered), int64(q.EmailsOpened), int64(q.EmailsBounced), 0)
	decision := &ProgressionDecision{
		WarmupDay:    p.CurrentWarmupDay,
		DailyLimit:   p.DailySendingLimit,
		IsWarmedUp:   p.IsWarmedUp,
		OpenRate:     rates.Open,
		DeliveryRate: rates.Delivery,
		BounceRate:   rates.Bounce,
	}

	switch {
	case rates.Open < t.thresholds.RequiredOpenRate:
		decision.Reason = fmt.Sprintf("open rate %.1f%% below required %.1f%%", rates.Open, t.thresholds.RequiredOpenRate)
		return decision, nil
	case rates.Delivery < t.thresholds.RequiredDeliveryRate:
		decision.Reason = fmt.Sprintf("delivery rate %.1f%% below required %.1f%%", rates.Delivery, t.thresholds.RequiredDeliveryRate)
		return decision, nil
	case rates.Bounce > t.thresholds.MaxBounceRate:
		decision.Reason = fmt.Sprintf("bounce rate %.1f%% exceeds %.1f%% threshold", rates.Bounce, t.thresholds.MaxBounceRate)
		return decision, nil
	}

	maxLimit := p.MaxSendingLimit
	if maxLimit <= 0 {
		maxLimit = t.maxLimit
	}
	nextDay := p.CurrentWarmupDay + 1
	nextLimit := LimitForDay(nextDay, maxLimit)
	warmedUp := nextDay >= warmedUpDay && nextLimit >= warmedUpLimit

	if err := t.store.UpdateWarmup(ctx, profileID, nextDay, nextLimit, warmedUp); err != nil {
		return nil, fmt.Errorf("advance warmup: %w", err)
	}

	decision.Advanced = true
	decision.WarmupDay = nextDay
	decision.DailyLimit = nextLimit
	decision.IsWarmedUp = warmedUp
	logger.Info("warmup advanced",
		"profile_id", profileID, "day", nextDay, "daily_limit", nextLimit, "warmed_up", warmedUp)
	return decision, nil
}

// PauseSending pauses the profile's current quota day for the given number of
// minutes and flags the profile. Counters are not reset by a pause.
func (t *Tracker) PauseSending(ctx context.Context, profileID, reason string, minutes int) error {
	now := t.now()
	until := now.Add(time.Duration(minutes) * time.Minute)
	p, err := t.store.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}
	if _, err := t.store.EnsureQuota(ctx, profileID, now, p.DailySendingLimit); err != nil {
		return fmt.Errorf("ensure quota: %w", err)
	}
	if err := t.store.PauseQuota(ctx, profileID, now, until, reason); err != nil {
		return fmt.Errorf("pause quota: %w", err)
	}
	if err := t.store.SetReputationIssue(ctx, profileID, true); err != nil {
		return fmt.Errorf("flag profile: %w", err)
	}
	logger.Warn("sending paused", "profile_id", profileID, "reason", reason, "until", until.Format(time.RFC3339))
	return nil
}

// ResumeSending clears the pause on the profile's current quota day and the
// reputation-issue flag.
func (t *Tracker) ResumeSending(ctx context.Context, profileID string) error {
	if err := t.store.ResumeQuota(ctx, profileID, t.now()); err != nil {
		return fmt.Errorf("resume quota: %w", err)
	}
	if err := t.store.SetReputationIssue(ctx, profileID, false); err != nil {
		return fmt.Errorf("unflag profile: %w", err)
	}
	logger.Info("sending resumed", "profile_id", profileID)
	return nil
}

// ApplyDelta atomically applies counter increments to the profile's lifetime
// counters and the date's quota row, then re-derives both rate sets from the
// fresh counters. Rates are never incremented in place.
func (t *Tracker) ApplyDelta(ctx context.Context, profileID string, date time.Time, d CounterDelta) error {
	if d.IsZero() {
		return nil
	}

	p, err := t.store.AddLifetime(ctx, profileID, d)
	if err != nil {
		return fmt.Errorf("add lifetime counters: %w", err)
	}
	rates := deriveRates(p.TotalEmailsSent, p.TotalEmailsDelivered, p.TotalEmailsOpened, p.TotalEmailsBounced, p.TotalComplaints)
	if err := t.store.SetProfileRates(ctx, profileID, rates); err != nil {
		return fmt.Errorf("set profile rates: %w", err)
	}

	if _, err := t.store.EnsureQuota(ctx, profileID, date, p.DailySendingLimit); err != nil {
		return fmt.Errorf("ensure quota: %w", err)
	}
	q, err := t.store.AddDaily(ctx, profileID, date, d)
	if err != nil {
		return fmt.Errorf("add daily counters: %w", err)
	}
	dayRates := deriveRates(int64(q.EmailsSent), int64(q.EmailsDelivered), int64(q.EmailsOpened), int64(q.EmailsBounced), 0)
	if err := t.store.SetQuotaRates(ctx, profileID, date, dayRates); err != nil {
		return fmt.Errorf("set quota rates: %w", err)
	}
	return nil
}

// Recalculate re-derives the profile's lifetime rates from its canonical
// counters with no new events. If the stored rates have drifted from the
// derived values the desync is logged and corrected in place; it is never an
// error. Calling this twice with no new events yields identical rates.
func (t *Tracker) Recalculate(ctx context.Context, profileID string) (*domain.ReputationProfile, error) {
	p, err := t.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	rates := deriveRates(p.TotalEmailsSent, p.TotalEmailsDelivered, p.TotalEmailsOpened, p.TotalEmailsBounced, p.TotalComplaints)
	warnOnDrift(profileID, p.DeliveryRate, rates.Delivery)
	warnOnDrift(profileID, p.OpenRate, rates.Open)
	if err := t.store.SetProfileRates(ctx, profileID, rates); err != nil {
		return nil, fmt.Errorf("set profile rates: %w", err)
	}
	p.DeliveryRate = rates.Delivery
	p.OpenRate = rates.Open
	p.BounceRate = rates.Bounce
	p.ComplaintRate = rates.Complaint
	return p, nil
}

// ListProfiles returns all reputation profiles for a business.
func (t *Tracker) ListProfiles(ctx context.Context, businessID string) ([]domain.ReputationProfile, error) {
	return t.store.ListProfiles(ctx, businessID)
}

// deriveRates recomputes percentage rates from canonical counters. The
// denominator is max(sent, delivered) to tolerate delivered-before-sent event
// races; every rate is clamped to [0,100].
func deriveRates(sent, delivered, opened, bounced, complaints int64) Rates {
	denom := sent
	if delivered > denom {
		denom = delivered
	}
	if denom == 0 {
		return Rates{}
	}
	pct := func(n int64) float64 {
		v := float64(n) / float64(denom) * 100
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 100
		}
		return v
	}
	return Rates{
		Delivery:  pct(delivered),
		Open:      pct(opened),
		Bounce:    pct(bounced),
		Complaint: pct(complaints),
	}
}

// warnOnDrift logs when a stored rate has desynced from its derived value by
// more than rounding noise. The derived value wins; this is corrective, not
// fatal.
func warnOnDrift(profileID string, stored, derived float64) {
	if math.Abs(stored-derived) > 1.0 {
		logger.Warn("rate drift corrected",
			"profile_id", profileID,
			"stored", fmt.Sprintf("%.2f", stored),
			"derived", fmt.Sprintf("%.2f", derived))
	}
}
