package domain

import "time"

// StrategyType selects the scheduling algorithm for a campaign launch.
type StrategyType string

const (
	StrategyRampUp       StrategyType = "ramp_up"
	StrategyBatch        StrategyType = "batch"
	StrategyConservative StrategyType = "conservative"
	StrategyAggressive   StrategyType = "aggressive"
)

// Valid reports whether the strategy type is one of the known labels.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyRampUp, StrategyBatch, StrategyConservative, StrategyAggressive:
		return true
	}
	return false
}

// DeliveryStrategy is the immutable-per-run configuration for a campaign
// launch. Owned by the business account; exactly one strategy per business
// may hold IsDefault at a time (enforced by the repository).
type DeliveryStrategy struct {
	ID         string       `json:"id" db:"id"`
	BusinessID string       `json:"business_id" db:"business_id"`
	Name       string       `json:"name" db:"name"`
	Type       StrategyType `json:"strategy_type" db:"strategy_type"`

	// Ramp-up day limits
	Day1Limit     int `json:"day1_limit" db:"day1_limit"`
	Day2Limit     int `json:"day2_limit" db:"day2_limit"`
	Day3To5Limit  int `json:"day3_to_5_limit" db:"day3_to_5_limit"`
	Day6PlusLimit int `json:"day6_plus_limit" db:"day6_plus_limit"`

	// Batch parameters
	BatchSize            int `json:"batch_size" db:"batch_size"`
	BatchIntervalMinutes int `json:"batch_interval_minutes" db:"batch_interval_minutes"`
	MaxBatchesPerDay     int `json:"max_batches_per_day" db:"max_batches_per_day"`
	ConcurrentBatches    int `json:"concurrent_batches" db:"concurrent_batches"`

	// Retry parameters
	MaxRetryAttempts     int `json:"max_retry_attempts" db:"max_retry_attempts"`
	RetryIntervalMinutes int `json:"retry_interval_minutes" db:"retry_interval_minutes"`

	// Engagement guardrails (percentages, 0-100)
	MinOpenRate      float64 `json:"min_open_rate_threshold" db:"min_open_rate_threshold"`
	MinDeliveryRate  float64 `json:"min_delivery_rate_threshold" db:"min_delivery_rate_threshold"`
	MaxBounceRate    float64 `json:"max_bounce_rate_threshold" db:"max_bounce_rate_threshold"`
	MaxComplaintRate float64 `json:"max_complaint_rate_threshold" db:"max_complaint_rate_threshold"`

	// Scheduling preferences
	SendHourStart   int  `json:"preferred_send_hour_start" db:"preferred_send_hour_start"`
	SendHourEnd     int  `json:"preferred_send_hour_end" db:"preferred_send_hour_end"`
	AvoidWeekends   bool `json:"avoid_weekends" db:"avoid_weekends"`
	RespectTimezone bool `json:"respect_timezone" db:"respect_timezone"`

	IsDefault bool      `json:"is_default" db:"is_default"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RetryInterval returns the retry spacing as a duration.
func (s *DeliveryStrategy) RetryInterval() time.Duration {
	return time.Duration(s.RetryIntervalMinutes) * time.Minute
}

// BatchInterval returns the inter-batch spacing as a duration.
func (s *DeliveryStrategy) BatchInterval() time.Duration {
	return time.Duration(s.BatchIntervalMinutes) * time.Minute
}

// DayLimit returns the strategy's ramp-up limit for a warm-up day, capped at
// maxLimit when maxLimit > 0. Days index the same step table the reputation
// tracker uses: day 1, day 2, days 3-5, day 6+.
func (s *DeliveryStrategy) DayLimit(day, maxLimit int) int {
	var limit int
	switch {
	case day <= 1:
		limit = s.Day1Limit
	case day == 2:
		limit = s.Day2Limit
	case day <= 5:
		limit = s.Day3To5Limit
	default:
		limit = s.Day6PlusLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// DefaultRampUpStrategy returns the engine's built-in ramp-up configuration,
// used when a business has not created a strategy of its own.
func DefaultRampUpStrategy(businessID string) *DeliveryStrategy {
	return &DeliveryStrategy{
		BusinessID:           businessID,
		Name:                 "Default Ramp-Up",
		Type:                 StrategyRampUp,
		Day1Limit:            50,
		Day2Limit:            100,
		Day3To5Limit:         150,
		Day6PlusLimit:        200,
		BatchSize:            50,
		BatchIntervalMinutes: 30,
		MaxBatchesPerDay:     10,
		ConcurrentBatches:    1,
		MaxRetryAttempts:     3,
		RetryIntervalMinutes: 15,
		MinOpenRate:          10,
		MinDeliveryRate:      90,
		MaxBounceRate:        5,
		MaxComplaintRate:     0.1,
		SendHourStart:        9,
		SendHourEnd:          17,
		AvoidWeekends:        true,
		IsDefault:            true,
	}
}
