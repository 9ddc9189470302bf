package reputation

// Warm-up step function: the daily sending limit a domain earns at each
// warm-up day. Day 6 is also the graduation point — a profile at day >= 6
// whose limit has reached warmedUpLimit is considered warmed up.
const (
	day1Limit     = 50
	day2Limit     = 100
	day3To5Limit  = 150
	day6PlusLimit = 200

	warmedUpDay   = 6
	warmedUpLimit = 200
)

// LimitForDay returns the daily sending limit the step function assigns to a
// warm-up day, capped at maxLimit when maxLimit > 0.
func LimitForDay(day, maxLimit int) int {
	var limit int
	switch {
	case day <= 1:
		limit = day1Limit
	case day == 2:
		limit = day2Limit
	case day <= 5:
		limit = day3To5Limit
	default:
		limit = day6PlusLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// Thresholds are the engagement gates a day must pass for the warm-up to
// advance. Rates are percentages.
type Thresholds struct {
	RequiredOpenRate     float64
	RequiredDeliveryRate float64
	MaxBounceRate        float64
}

// DefaultThresholds returns the engine's built-in progression gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RequiredOpenRate:     10,
		RequiredDeliveryRate: 90,
		MaxBounceRate:        5,
	}
}

// ProgressionDecision is the outcome of a warm-up evaluation. When the day
// did not advance, Reason names the single unmet threshold: open rate is
// checked first, then delivery rate, then bounce rate, and the first failure
// wins — the decision never guesses among multiple failing gates.
type ProgressionDecision struct {
	Advanced     bool    `json:"advanced"`
	Reason       string  `json:"reason,omitempty"`
	WarmupDay    int     `json:"warmup_day"`
	DailyLimit   int     `json:"daily_limit"`
	IsWarmedUp   bool    `json:"is_warmed_up"`
	OpenRate     float64 `json:"open_rate"`
	DeliveryRate float64 `json:"delivery_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}
