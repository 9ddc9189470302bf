package domain

import "time"

// BounceType classifies why a recipient was blacklisted.
type BounceType string

const (
	BounceHard      BounceType = "hard"
	BounceSoft      BounceType = "soft"
	BounceComplaint BounceType = "complaint"
	BounceManual    BounceType = "manual"
)

// Valid reports whether the bounce type is a known label.
func (b BounceType) Valid() bool {
	switch b {
	case BounceHard, BounceSoft, BounceComplaint, BounceManual:
		return true
	}
	return false
}

// BlacklistEntry records an exclusion of a recipient address for a business.
// Inserted by the feedback processor on bounce/complaint events; consulted
// upstream to filter recipients before scheduling.
type BlacklistEntry struct {
	ID         string     `json:"id" db:"id"`
	BusinessID string     `json:"business_id" db:"business_id"`
	Email      string     `json:"email" db:"email"`
	BounceType BounceType `json:"bounce_type" db:"bounce_type"`
	Reason     string     `json:"reason" db:"reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
