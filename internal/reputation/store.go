package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// Sentinel errors for the reputation layer.
var (
	ErrProfileNotFound = errors.New("reputation profile not found")
	ErrQuotaNotFound   = errors.New("daily quota not found")
)

// CounterDelta is a set of counter increments applied atomically at the
// storage layer. Increments are never computed client-side from a read row;
// that read-modify-write pattern loses updates under concurrent events.
type CounterDelta struct {
	Sent       int
	Delivered  int
	Opened     int
	Bounced    int
	Complaints int
}

// IsZero reports whether the delta changes nothing.
func (d CounterDelta) IsZero() bool {
	return d.Sent == 0 && d.Delivered == 0 && d.Opened == 0 && d.Bounced == 0 && d.Complaints == 0
}

// Rates is the derived percentage set written back after recalculation.
type Rates struct {
	Delivery  float64
	Open      float64
	Bounce    float64
	Complaint float64
}

// Store defines the data access contract for reputation profiles and daily
// quotas. Implementations must be safe for concurrent use, and all counter
// mutations must be atomic increments (SET x = x + n), not read-then-write.
type Store interface {
	// GetProfile returns a profile by id. Returns ErrProfileNotFound if absent.
	GetProfile(ctx context.Context, id string) (*domain.ReputationProfile, error)

	// FindProfile returns the profile for a (business, domain) pair.
	FindProfile(ctx context.Context, businessID, sendingDomain string) (*domain.ReputationProfile, error)

	// CreateProfile inserts a profile if none exists for its (business,
	// domain) pair and returns the stored row either way (idempotent).
	CreateProfile(ctx context.Context, p *domain.ReputationProfile) (*domain.ReputationProfile, error)

	// ListProfiles returns all profiles for a business.
	ListProfiles(ctx context.Context, businessID string) ([]domain.ReputationProfile, error)

	// UpdateWarmup sets the warm-up day, daily limit, and warmed-up flag.
	UpdateWarmup(ctx context.Context, profileID string, day, dailyLimit int, warmedUp bool) error

	// AddLifetime atomically increments lifetime counters and returns the
	// fresh row.
	AddLifetime(ctx context.Context, profileID string, d CounterDelta) (*domain.ReputationProfile, error)

	// SetProfileRates writes back derived lifetime rates.
	SetProfileRates(ctx context.Context, profileID string, r Rates) error

	// SetReputationIssue flags or clears has_reputation_issues.
	SetReputationIssue(ctx context.Context, profileID string, has bool) error

	// GetQuota returns the quota row for a profile and date.
	// Returns ErrQuotaNotFound if the day has no record yet.
	GetQuota(ctx context.Context, profileID string, date time.Time) (*domain.DailyQuota, error)

	// EnsureQuota creates the quota row for the date with the given limit if
	// missing and returns the stored row (idempotent; the date key is
	// immutable and an existing row's limit is not rewritten).
	EnsureQuota(ctx context.Context, profileID string, date time.Time, dailyLimit int) (*domain.DailyQuota, error)

	// ReserveQuota atomically reserves up to n sends against the day's limit
	// and returns how many were actually reserved (0 when the day is paused,
	// the limit is reached, or nothing remains). The reservation is a single
	// conditional update; two concurrent callers can never both take the
	// same remainder.
	ReserveQuota(ctx context.Context, profileID string, date time.Time, n int) (int, error)

	// AddDaily atomically increments the day's counters and returns the
	// fresh row.
	AddDaily(ctx context.Context, profileID string, date time.Time, d CounterDelta) (*domain.DailyQuota, error)

	// SetQuotaRates writes back derived per-day rates.
	SetQuotaRates(ctx context.Context, profileID string, date time.Time, r Rates) error

	// PauseQuota sets paused_until and pause_reason on the day's row.
	PauseQuota(ctx context.Context, profileID string, date, until time.Time, reason string) error

	// ResumeQuota clears paused_until and pause_reason.
	ResumeQuota(ctx context.Context, profileID string, date time.Time) error
}
