package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/reputation"
)

const quotaDateLayout = "2006-01-02"

// ReputationStore implements reputation.Store against PostgreSQL.
type ReputationStore struct{ db *sql.DB }

// NewReputationStore creates a Postgres-backed reputation store.
func NewReputationStore(db *sql.DB) *ReputationStore { return &ReputationStore{db: db} }

const profileColumns = `
	id, business_id, domain, current_warmup_day, daily_sending_limit,
	max_sending_limit, is_warmed_up,
	total_emails_sent, total_emails_delivered, total_emails_opened,
	total_emails_bounced, total_complaints,
	delivery_rate, open_rate, bounce_rate, complaint_rate,
	has_reputation_issues, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*domain.ReputationProfile, error) {
	p := &domain.ReputationProfile{}
	err := row.Scan(
		&p.ID, &p.BusinessID, &p.Domain, &p.CurrentWarmupDay, &p.DailySendingLimit,
		&p.MaxSendingLimit, &p.IsWarmedUp,
		&p.TotalEmailsSent, &p.TotalEmailsDelivered, &p.TotalEmailsOpened,
		&p.TotalEmailsBounced, &p.TotalComplaints,
		&p.DeliveryRate, &p.OpenRate, &p.BounceRate, &p.ComplaintRate,
		&p.HasReputationIssues, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ReputationStore) GetProfile(ctx context.Context, id string) (*domain.ReputationProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT`+profileColumns+` FROM delivery_reputation_profiles WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, reputation.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *ReputationStore) FindProfile(ctx context.Context, businessID, sendingDomain string) (*domain.ReputationProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT`+profileColumns+` FROM delivery_reputation_profiles WHERE business_id = $1 AND domain = $2`,
		businessID, sendingDomain))
	if err == sql.ErrNoRows {
		return nil, reputation.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return p, nil
}

func (s *ReputationStore) CreateProfile(ctx context.Context, p *domain.ReputationProfile) (*domain.ReputationProfile, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_reputation_profiles
			(id, business_id, domain, current_warmup_day, daily_sending_limit,
			 max_sending_limit, is_warmed_up, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (business_id, domain) DO NOTHING
	`, p.ID, p.BusinessID, p.Domain, p.CurrentWarmupDay, p.DailySendingLimit,
		p.MaxSendingLimit, p.IsWarmedUp)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	// A concurrent creator may have won the conflict; return the stored row.
	return s.FindProfile(ctx, p.BusinessID, p.Domain)
}

func (s *ReputationStore) ListProfiles(ctx context.Context, businessID string) ([]domain.ReputationProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+profileColumns+` FROM delivery_reputation_profiles WHERE business_id = $1 ORDER BY created_at`,
		businessID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.ReputationProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// AllProfileIDs returns every profile id. Used by the warm-up evaluation loop.
func (s *ReputationStore) AllProfileIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM delivery_reputation_profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list profile ids: %w", err)
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

func (s *ReputationStore) UpdateWarmup(ctx context.Context, profileID string, day, dailyLimit int, warmedUp bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_reputation_profiles
		SET current_warmup_day = $2, daily_sending_limit = $3, is_warmed_up = $4, updated_at = NOW()
		WHERE id = $1
	`, profileID, day, dailyLimit, warmedUp)
	if err != nil {
		return fmt.Errorf("update warmup: %w", err)
	}
	return nil
}

func (s *ReputationStore) AddLifetime(ctx context.Context, profileID string, d reputation.CounterDelta) (*domain.ReputationProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `
		UPDATE delivery_reputation_profiles
		SET total_emails_sent      = total_emails_sent + $2,
		    total_emails_delivered = total_emails_delivered + $3,
		    total_emails_opened    = total_emails_opened + $4,
		    total_emails_bounced   = total_emails_bounced + $5,
		    total_complaints       = total_complaints + $6,
		    updated_at             = NOW()
		WHERE id = $1
		RETURNING`+profileColumns,
		profileID, d.Sent, d.Delivered, d.Opened, d.Bounced, d.Complaints))
	if err == sql.ErrNoRows {
		return nil, reputation.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("add lifetime counters: %w", err)
	}
	return p, nil
}

func (s *ReputationStore) SetProfileRates(ctx context.Context, profileID string, r reputation.Rates) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_reputation_profiles
		SET delivery_rate = $2, open_rate = $3, bounce_rate = $4, complaint_rate = $5, updated_at = NOW()
		WHERE id = $1
	`, profileID, r.Delivery, r.Open, r.Bounce, r.Complaint)
	if err != nil {
		return fmt.Errorf("set profile rates: %w", err)
	}
	return nil
}

func (s *ReputationStore) SetReputationIssue(ctx context.Context, profileID string, has bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_reputation_profiles
		SET has_reputation_issues = $2, updated_at = NOW()
		WHERE id = $1
	`, profileID, has)
	if err != nil {
		return fmt.Errorf("set reputation issue: %w", err)
	}
	return nil
}

const quotaColumns = `
	id, profile_id, quota_date, daily_limit, emails_sent, emails_delivered,
	emails_opened, emails_bounced, limit_reached,
	delivery_rate, open_rate, bounce_rate,
	paused_until, COALESCE(pause_reason, ''), created_at, updated_at`

func scanQuota(row interface{ Scan(...any) error }) (*domain.DailyQuota, error) {
	q := &domain.DailyQuota{}
	err := row.Scan(
		&q.ID, &q.ProfileID, &q.Date, &q.DailyLimit, &q.EmailsSent, &q.EmailsDelivered,
		&q.EmailsOpened, &q.EmailsBounced, &q.LimitReached,
		&q.DeliveryRate, &q.OpenRate, &q.BounceRate,
		&q.PausedUntil, &q.PauseReason, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *ReputationStore) GetQuota(ctx context.Context, profileID string, date time.Time) (*domain.DailyQuota, error) {
	q, err := scanQuota(s.db.QueryRowContext(ctx,
		`SELECT`+quotaColumns+` FROM delivery_daily_quotas WHERE profile_id = $1 AND quota_date = $2`,
		profileID, date.UTC().Format(quotaDateLayout)))
	if err == sql.ErrNoRows {
		return nil, reputation.ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

func (s *ReputationStore) EnsureQuota(ctx context.Context, profileID string, date time.Time, dailyLimit int) (*domain.DailyQuota, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_daily_quotas (id, profile_id, quota_date, daily_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (profile_id, quota_date) DO NOTHING
	`, uuid.New().String(), profileID, date.UTC().Format(quotaDateLayout), dailyLimit)
	if err != nil {
		return nil, fmt.Errorf("ensure quota: %w", err)
	}
	return s.GetQuota(ctx, profileID, date)
}

// ReserveQuota takes up to n sends from the day's remaining capacity in one
// conditional update. Concurrent reservations serialize on the row lock, so
// the sum of grants can never exceed the daily limit.
func (s *ReputationStore) ReserveQuota(ctx context.Context, profileID string, date time.Time, n int) (int, error) {
	var reserved int
	err := s.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT profile_id, quota_date, emails_sent, daily_limit
			FROM delivery_daily_quotas
			WHERE profile_id = $1 AND quota_date = $2
			  AND emails_sent < daily_limit
			  AND (paused_until IS NULL OR paused_until <= NOW())
			FOR UPDATE
		)
		UPDATE delivery_daily_quotas q
		SET emails_sent   = prev.emails_sent + LEAST($3, prev.daily_limit - prev.emails_sent),
		    limit_reached = prev.emails_sent + LEAST($3, prev.daily_limit - prev.emails_sent) >= prev.daily_limit,
		    updated_at    = NOW()
		FROM prev
		WHERE q.profile_id = prev.profile_id AND q.quota_date = prev.quota_date
		RETURNING LEAST($3, prev.daily_limit - prev.emails_sent)
	`, profileID, date.UTC().Format(quotaDateLayout), n).Scan(&reserved)
	if err == sql.ErrNoRows {
		// Paused, exhausted, or missing day: nothing reserved.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	return reserved, nil
}

func (s *ReputationStore) AddDaily(ctx context.Context, profileID string, date time.Time, d reputation.CounterDelta) (*domain.DailyQuota, error) {
	q, err := scanQuota(s.db.QueryRowContext(ctx, `
		UPDATE delivery_daily_quotas
		SET emails_sent      = GREATEST(0, emails_sent + $3),
		    emails_delivered = emails_delivered + $4,
		    emails_opened    = emails_opened + $5,
		    emails_bounced   = emails_bounced + $6,
		    limit_reached    = GREATEST(0, emails_sent + $3) >= daily_limit,
		    updated_at       = NOW()
		WHERE profile_id = $1 AND quota_date = $2
		RETURNING`+quotaColumns,
		profileID, date.UTC().Format(quotaDateLayout), d.Sent, d.Delivered, d.Opened, d.Bounced))
	if err == sql.ErrNoRows {
		return nil, reputation.ErrQuotaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("add daily counters: %w", err)
	}
	return q, nil
}

func (s *ReputationStore) SetQuotaRates(ctx context.Context, profileID string, date time.Time, r reputation.Rates) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_daily_quotas
		SET delivery_rate = $3, open_rate = $4, bounce_rate = $5, updated_at = NOW()
		WHERE profile_id = $1 AND quota_date = $2
	`, profileID, date.UTC().Format(quotaDateLayout), r.Delivery, r.Open, r.Bounce)
	if err != nil {
		return fmt.Errorf("set quota rates: %w", err)
	}
	return nil
}

func (s *ReputationStore) PauseQuota(ctx context.Context, profileID string, date, until time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_daily_quotas
		SET paused_until = $3, pause_reason = $4, updated_at = NOW()
		WHERE profile_id = $1 AND quota_date = $2
	`, profileID, date.UTC().Format(quotaDateLayout), until, reason)
	if err != nil {
		return fmt.Errorf("pause quota: %w", err)
	}
	return nil
}

func (s *ReputationStore) ResumeQuota(ctx context.Context, profileID string, date time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_daily_quotas
		SET paused_until = NULL, pause_reason = NULL, updated_at = NOW()
		WHERE profile_id = $1 AND quota_date = $2
	`, profileID, date.UTC().Format(quotaDateLayout))
	if err != nil {
		return fmt.Errorf("resume quota: %w", err)
	}
	return nil
}

var _ reputation.Store = (*ReputationStore)(nil)
