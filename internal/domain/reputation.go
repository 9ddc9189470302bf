package domain

import "time"

// ReputationProfile tracks the sending history and quota state of one
// (business, sending domain) pair. Created lazily on first send attempt;
// never deleted, only superseded.
type ReputationProfile struct {
	ID         string `json:"id" db:"id"`
	BusinessID string `json:"business_id" db:"business_id"`
	Domain     string `json:"domain" db:"domain"`

	CurrentWarmupDay  int  `json:"current_warmup_day" db:"current_warmup_day"`
	DailySendingLimit int  `json:"daily_sending_limit" db:"daily_sending_limit"`
	MaxSendingLimit   int  `json:"max_sending_limit" db:"max_sending_limit"`
	IsWarmedUp        bool `json:"is_warmed_up" db:"is_warmed_up"`

	// Lifetime counters. Only ever mutated through atomic increments at the
	// storage layer; rates below are re-derived from these, never patched.
	TotalEmailsSent      int64 `json:"total_emails_sent" db:"total_emails_sent"`
	TotalEmailsDelivered int64 `json:"total_emails_delivered" db:"total_emails_delivered"`
	TotalEmailsOpened    int64 `json:"total_emails_opened" db:"total_emails_opened"`
	TotalEmailsBounced   int64 `json:"total_emails_bounced" db:"total_emails_bounced"`
	TotalComplaints      int64 `json:"total_complaints" db:"total_complaints"`

	// Derived rates, percentages clamped to [0,100].
	DeliveryRate  float64 `json:"delivery_rate" db:"delivery_rate"`
	OpenRate      float64 `json:"open_rate" db:"open_rate"`
	BounceRate    float64 `json:"bounce_rate" db:"bounce_rate"`
	ComplaintRate float64 `json:"complaint_rate" db:"complaint_rate"`

	HasReputationIssues bool `json:"has_reputation_issues" db:"has_reputation_issues"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DailyQuota is the per-day ledger for a reputation profile. The date key is
// immutable; rows are created on demand.
type DailyQuota struct {
	ID        string    `json:"id" db:"id"`
	ProfileID string    `json:"profile_id" db:"profile_id"`
	Date      time.Time `json:"date" db:"date"`

	DailyLimit      int  `json:"daily_limit" db:"daily_limit"`
	EmailsSent      int  `json:"emails_sent" db:"emails_sent"`
	EmailsDelivered int  `json:"emails_delivered" db:"emails_delivered"`
	EmailsOpened    int  `json:"emails_opened" db:"emails_opened"`
	EmailsBounced   int  `json:"emails_bounced" db:"emails_bounced"`
	LimitReached    bool `json:"limit_reached" db:"limit_reached"`

	DeliveryRate float64 `json:"delivery_rate" db:"delivery_rate"`
	OpenRate     float64 `json:"open_rate" db:"open_rate"`
	BounceRate   float64 `json:"bounce_rate" db:"bounce_rate"`

	PausedUntil *time.Time `json:"paused_until,omitempty" db:"paused_until"`
	PauseReason string     `json:"pause_reason,omitempty" db:"pause_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PausedAt reports whether the quota day is paused at the given instant.
func (q *DailyQuota) PausedAt(now time.Time) bool {
	return q.PausedUntil != nil && now.Before(*q.PausedUntil)
}

// Remaining returns the unreserved capacity for the day, never negative.
func (q *DailyQuota) Remaining() int {
	r := q.DailyLimit - q.EmailsSent
	if r < 0 {
		return 0
	}
	return r
}

// QuotaStatus is the answer to "can this profile send right now, and how much".
type QuotaStatus struct {
	CanSend    bool   `json:"can_send"`
	Remaining  int    `json:"remaining"`
	DailyLimit int    `json:"daily_limit"`
	EmailsSent int    `json:"emails_sent"`
	Reason     string `json:"reason,omitempty"`
}
