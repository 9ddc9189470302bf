package domain

import "time"

// EventType enumerates the normalized delivery feedback events. Provider
// webhook payloads are parsed upstream; by the time an event reaches this
// engine it is already in this canonical shape.
type EventType string

const (
	EventDelivered  EventType = "delivered"
	EventBounced    EventType = "bounced"
	EventOpened     EventType = "opened"
	EventComplained EventType = "complained"
	EventFailed     EventType = "failed"
	EventClicked    EventType = "clicked"
)

// Valid reports whether the event type is a known label.
func (e EventType) Valid() bool {
	switch e {
	case EventDelivered, EventBounced, EventOpened, EventComplained, EventFailed, EventClicked:
		return true
	}
	return false
}

// DeliveryEvent is a normalized feedback event from the mail provider.
type DeliveryEvent struct {
	MessageID string            `json:"message_id"`
	EventType EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Email     string            `json:"email"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditEvent is one row of the append-only delivery event log. Audit rows are
// written for every recognized event, including duplicates that cause no
// state change; they are never updated or deleted.
type AuditEvent struct {
	ID          string            `json:"id" db:"id"`
	ClientID    string            `json:"client_id" db:"client_id"`
	ExecutionID string            `json:"execution_id" db:"execution_id"`
	EventType   EventType         `json:"event_type" db:"event_type"`
	Email       string            `json:"email" db:"email"`
	OccurredAt  time.Time         `json:"occurred_at" db:"occurred_at"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`
	RecordedAt  time.Time         `json:"recorded_at" db:"recorded_at"`
}

// StatusAfterEvent applies the send-status transition table. It returns the
// next status and whether the event causes a state change. Unknown events and
// disallowed transitions leave the status untouched.
//
//	delivered           → delivered (not once opened or terminal)
//	bounced             → bounced
//	complained          → complained
//	opened / clicked    → opened, only from pending, sent, or delivered
//	failed              → failed
func StatusAfterEvent(current ClientStatus, event EventType) (ClientStatus, bool) {
	switch event {
	case EventDelivered:
		if current == ClientPending || current == ClientSent {
			return ClientDelivered, true
		}
	case EventBounced:
		if current != ClientBounced {
			return ClientBounced, true
		}
	case EventComplained:
		if current != ClientComplained {
			return ClientComplained, true
		}
	case EventFailed:
		if current != ClientFailed {
			return ClientFailed, true
		}
	case EventOpened, EventClicked:
		if current == ClientPending || current == ClientSent || current == ClientDelivered {
			return ClientOpened, true
		}
	}
	return current, false
}
