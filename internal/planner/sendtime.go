package planner

import (
	"time"

	"github.com/ignite/delivery-engine/internal/domain"
)

// calculateSendTime adjusts a raw send instant to the strategy's scheduling
// preferences. Weekend avoidance first: a Saturday or Sunday send is pushed
// to the next Monday. Then the hour is clamped into the preferred window:
// below the window rounds up to window start the same day; above it rolls to
// window start the next day (re-checking the weekend rule after the roll).
func calculateSendTime(t time.Time, s *domain.DeliveryStrategy) time.Time {
	t = skipWeekend(t, s)

	if s.SendHourEnd <= 0 || s.SendHourEnd <= s.SendHourStart {
		// No usable window configured; weekend rule alone applies.
		return t
	}

	switch h := t.Hour(); {
	case h < s.SendHourStart:
		t = atHour(t, s.SendHourStart)
	case h > s.SendHourEnd:
		t = atHour(t.AddDate(0, 0, 1), s.SendHourStart)
		t = skipWeekend(t, s)
	}
	return t
}

func skipWeekend(t time.Time, s *domain.DeliveryStrategy) time.Time {
	if !s.AvoidWeekends {
		return t
	}
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, 2)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

func atHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}
