package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/reputation"
)

// ErrClientNotFound is returned by EventStore lookups with no match.
var ErrClientNotFound = errors.New("execution client not found")

// EventStore defines the data access contract for resolving and applying
// delivery feedback.
type EventStore interface {
	// FindClientByMessageID resolves a send record by provider message id.
	FindClientByMessageID(ctx context.Context, messageID string) (*domain.ExecutionClient, error)

	// FindLatestActiveClientByEmail resolves the most recently created
	// non-terminal send record for an email address.
	FindLatestActiveClientByEmail(ctx context.Context, email string) (*domain.ExecutionClient, error)

	// UpdateClientStatus sets the client's status and the matching timestamp
	// column for the transition.
	UpdateClientStatus(ctx context.Context, clientID string, status domain.ClientStatus, at time.Time) error

	// AddBatchCounters atomically increments the batch's result counters.
	AddBatchCounters(ctx context.Context, batchID string, d reputation.CounterDelta) error

	// AppendAudit inserts one row into the append-only event log.
	AppendAudit(ctx context.Context, evt *domain.AuditEvent) error

	// UpsertBlacklist inserts a blacklist entry, keeping the existing row on
	// (business, email) conflict.
	UpsertBlacklist(ctx context.Context, entry *domain.BlacklistEntry) error

	// GetExecution returns the execution envelope a client belongs to.
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
}

// reputationSink receives the counter fan-out. *reputation.Tracker satisfies
// it.
type reputationSink interface {
	ApplyDelta(ctx context.Context, profileID string, date time.Time, d reputation.CounterDelta) error
}

// Processor applies normalized provider feedback to send records: it resolves
// the target client, appends the audit log, runs the status transition, and
// fans the resulting counter delta out to the batch and the reputation
// profile. Unmatched events are dropped without error; providers replay
// webhooks for addresses long since purged.
type Processor struct {
	store      EventStore
	reputation reputationSink

	now func() time.Time
}

func NewProcessor(store EventStore, tracker *reputation.Tracker) *Processor {
	return &Processor{store: store, reputation: tracker, now: time.Now}
}

// Process handles one delivery event end to end. It returns an error only for
// storage failures; malformed or unmatched events are consumed silently so the
// queue never wedges on them.
func (p *Processor) Process(ctx context.Context, evt domain.DeliveryEvent) error {
	if !evt.EventType.Valid() {
		logger.Warn("dropping event with unknown type", "event_type", string(evt.EventType))
		return nil
	}

	client, err := p.resolve(ctx, evt)
	if err == ErrClientNotFound {
		logger.Debug("dropping unmatched event",
			"event_type", string(evt.EventType), "message_id", evt.MessageID, "email", evt.Email)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve event target: %w", err)
	}

	occurredAt := evt.Timestamp
	if occurredAt.IsZero() {
		occurredAt = p.now().UTC()
	}
	audit := &domain.AuditEvent{
		ID:          uuid.New().String(),
		ClientID:    client.ID,
		ExecutionID: client.ExecutionID,
		EventType:   evt.EventType,
		Email:       client.Email,
		OccurredAt:  occurredAt,
		Metadata:    evt.Metadata,
		RecordedAt:  p.now().UTC(),
	}
	if err := p.store.AppendAudit(ctx, audit); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	next, changed := domain.StatusAfterEvent(client.Status, evt.EventType)
	if !changed {
		return nil
	}

	if err := p.store.UpdateClientStatus(ctx, client.ID, next, occurredAt); err != nil {
		return fmt.Errorf("update client status: %w", err)
	}

	delta := deltaFor(evt.EventType)
	if !delta.IsZero() {
		if err := p.store.AddBatchCounters(ctx, client.BatchID, delta); err != nil {
			return fmt.Errorf("update batch counters: %w", err)
		}
		exec, err := p.store.GetExecution(ctx, client.ExecutionID)
		if err != nil {
			return fmt.Errorf("load execution: %w", err)
		}
		if err := p.reputation.ApplyDelta(ctx, exec.ProfileID, occurredAt, delta); err != nil {
			return fmt.Errorf("apply reputation delta: %w", err)
		}
		if err := p.blacklistIfNeeded(ctx, exec.BusinessID, client.Email, evt); err != nil {
			return fmt.Errorf("update blacklist: %w", err)
		}
	}

	return nil
}

// resolve finds the send record an event belongs to. Message id match wins;
// the email fallback covers providers that strip custom headers from
// asynchronous bounces.
func (p *Processor) resolve(ctx context.Context, evt domain.DeliveryEvent) (*domain.ExecutionClient, error) {
	if id := normalizeMessageID(evt.MessageID); id != "" {
		// Providers disagree on whether the RFC 5322 angle brackets belong
		// to the id, so the stored record may carry either form.
		for _, candidate := range []string{id, "<" + id + ">"} {
			client, err := p.store.FindClientByMessageID(ctx, candidate)
			if err == nil {
				return client, nil
			}
			if err != ErrClientNotFound {
				return nil, err
			}
		}
	}
	if evt.Email != "" {
		return p.store.FindLatestActiveClientByEmail(ctx, strings.ToLower(evt.Email))
	}
	return nil, ErrClientNotFound
}

// blacklistIfNeeded inserts a blacklist entry for bounce and complaint events.
func (p *Processor) blacklistIfNeeded(ctx context.Context, businessID, email string, evt domain.DeliveryEvent) error {
	var bounceType domain.BounceType
	switch evt.EventType {
	case domain.EventBounced:
		bounceType = domain.BounceHard
		if evt.Metadata["bounce_type"] == string(domain.BounceSoft) {
			bounceType = domain.BounceSoft
		}
	case domain.EventComplained:
		bounceType = domain.BounceComplaint
	default:
		return nil
	}

	reason := evt.Metadata["reason"]
	if reason == "" {
		reason = fmt.Sprintf("%s event from provider", evt.EventType)
	}
	return p.store.UpsertBlacklist(ctx, &domain.BlacklistEntry{
		ID:         uuid.New().String(),
		BusinessID: businessID,
		Email:      email,
		BounceType: bounceType,
		Reason:     reason,
		CreatedAt:  p.now().UTC(),
	})
}

// deltaFor maps a status-changing event to its counter increments.
func deltaFor(event domain.EventType) reputation.CounterDelta {
	switch event {
	case domain.EventDelivered:
		return reputation.CounterDelta{Delivered: 1}
	case domain.EventOpened, domain.EventClicked:
		return reputation.CounterDelta{Opened: 1}
	case domain.EventBounced:
		return reputation.CounterDelta{Bounced: 1}
	case domain.EventComplained:
		return reputation.CounterDelta{Complaints: 1}
	}
	return reputation.CounterDelta{}
}

// normalizeMessageID strips the RFC 5322 angle brackets some providers keep
// around message ids.
func normalizeMessageID(id string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(id), "<>"))
}
