package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/httputil"
	"github.com/ignite/delivery-engine/internal/planner"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// Service is the delivery surface the handlers expose over HTTP.
// *delivery.Service satisfies it.
type Service interface {
	Launch(ctx context.Context, input delivery.LaunchInput) (*delivery.LaunchResult, error)
	Progress(ctx context.Context, executionID string) (*dispatch.ExecutionProgress, error)
	Retry(ctx context.Context, executionID string) (*dispatch.EnqueueResult, error)
	ProcessEvent(ctx context.Context, evt domain.DeliveryEvent) error
	ReputationSummary(ctx context.Context, businessID string) ([]delivery.ProfileSummary, error)
	CreateStrategy(ctx context.Context, strategy *domain.DeliveryStrategy) (*domain.DeliveryStrategy, error)
	ListStrategies(ctx context.Context, businessID string) ([]domain.DeliveryStrategy, error)
}

// Handlers holds the HTTP handlers for the engine API.
type Handlers struct {
	svc Service
}

func NewHandlers(svc Service) *Handlers {
	return &Handlers{svc: svc}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateExecution launches a campaign execution.
// POST /api/executions
func (h *Handlers) CreateExecution(w http.ResponseWriter, r *http.Request) {
	var input delivery.LaunchInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	result, err := h.svc.Launch(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrNoRecipients),
			errors.Is(err, delivery.ErrStrategyNotFound),
			errors.Is(err, planner.ErrUnknownStrategy):
			httputil.BadRequest(w, err.Error())
		case errors.Is(err, delivery.ErrSendingPaused),
			errors.Is(err, delivery.ErrPlanInProgress):
			httputil.Error(w, http.StatusConflict, err.Error())
		case errors.Is(err, delivery.ErrBackpressure):
			httputil.Error(w, http.StatusTooManyRequests, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.Created(w, result)
}

// GetProgress returns the live batch roll-up for an execution.
// GET /api/executions/{id}/progress
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.svc.Progress(r.Context(), id)
	if err != nil {
		if errors.Is(err, delivery.ErrExecutionNotFound) {
			httputil.NotFound(w, "execution not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, p)
}

// RetryExecution re-enqueues an execution's failed batches.
// POST /api/executions/{id}/retry
func (h *Handlers) RetryExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		if errors.Is(err, delivery.ErrExecutionNotFound) {
			httputil.NotFound(w, "execution not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"queued": result.Queued,
		"failed": result.Failed,
	})
}

// IngestEvents accepts provider feedback, either a single event object or a
// JSON array of them.
// POST /api/events
func (h *Handlers) IngestEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !httputil.Decode(w, r, &raw) {
		return
	}

	var events []domain.DeliveryEvent
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			httputil.BadRequest(w, "invalid event array: "+err.Error())
			return
		}
	} else {
		var evt domain.DeliveryEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			httputil.BadRequest(w, "invalid event: "+err.Error())
			return
		}
		events = append(events, evt)
	}

	accepted := 0
	for _, evt := range events {
		if err := h.svc.ProcessEvent(r.Context(), evt); err != nil {
			httputil.InternalError(w, err)
			return
		}
		accepted++
	}
	httputil.JSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

// GetReputation returns every reputation profile of a business with today's
// quota.
// GET /api/reputation?business_id=...
func (h *Handlers) GetReputation(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		httputil.BadRequest(w, "business_id is required")
		return
	}
	summaries, err := h.svc.ReputationSummary(r.Context(), businessID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"profiles": summaries})
}

// CreateStrategy persists a delivery strategy.
// POST /api/strategies
func (h *Handlers) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var strategy domain.DeliveryStrategy
	if !httputil.Decode(w, r, &strategy) {
		return
	}
	if strategy.BusinessID == "" {
		httputil.BadRequest(w, "business_id is required")
		return
	}
	created, err := h.svc.CreateStrategy(r.Context(), &strategy)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.Created(w, created)
}

// ListStrategies returns a business's strategies.
// GET /api/strategies?business_id=...
func (h *Handlers) ListStrategies(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		httputil.BadRequest(w, "business_id is required")
		return
	}
	strategies, err := h.svc.ListStrategies(r.Context(), businessID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"strategies": strategies})
}
