package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/planner"
	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// fakeService is a scripted Service for handler tests.
type fakeService struct {
	launchResult *delivery.LaunchResult
	launchErr    error
	progress     *dispatch.ExecutionProgress
	progressErr  error
	events       []domain.DeliveryEvent
	strategies   []domain.DeliveryStrategy
	summaries    []delivery.ProfileSummary
}

func (f *fakeService) Launch(ctx context.Context, input delivery.LaunchInput) (*delivery.LaunchResult, error) {
	return f.launchResult, f.launchErr
}

func (f *fakeService) Progress(ctx context.Context, executionID string) (*dispatch.ExecutionProgress, error) {
	return f.progress, f.progressErr
}

func (f *fakeService) Retry(ctx context.Context, executionID string) (*dispatch.EnqueueResult, error) {
	return &dispatch.EnqueueResult{Queued: 2}, nil
}

func (f *fakeService) ProcessEvent(ctx context.Context, evt domain.DeliveryEvent) error {
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeService) ReputationSummary(ctx context.Context, businessID string) ([]delivery.ProfileSummary, error) {
	return f.summaries, nil
}

func (f *fakeService) CreateStrategy(ctx context.Context, strategy *domain.DeliveryStrategy) (*domain.DeliveryStrategy, error) {
	return strategy, nil
}

func (f *fakeService) ListStrategies(ctx context.Context, businessID string) ([]domain.DeliveryStrategy, error) {
	return f.strategies, nil
}

func newTestServer(svc *fakeService) *httptest.Server {
	return httptest.NewServer(SetupRoutes(NewHandlers(svc), nil))
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateExecution(t *testing.T) {
	svc := &fakeService{
		launchResult: &delivery.LaunchResult{
			Execution:    &domain.Execution{ID: "exec-1", Status: domain.ExecutionRunning},
			TotalBatches: 3,
		},
	}
	srv := newTestServer(svc)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/executions", delivery.LaunchInput{
		BusinessID: "biz-1",
		Recipients: []domain.Recipient{{ID: "r1", Email: "a@example.com"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result delivery.LaunchResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "exec-1", result.Execution.ID)
	assert.Equal(t, 3, result.TotalBatches)
}

func TestCreateExecutionErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"no recipients", delivery.ErrNoRecipients, http.StatusBadRequest},
		{"unknown strategy", delivery.ErrStrategyNotFound, http.StatusBadRequest},
		{"bad strategy type", fmt.Errorf("resolve strategy: %w", planner.ErrUnknownStrategy), http.StatusBadRequest},
		{"paused", delivery.ErrSendingPaused, http.StatusConflict},
		{"launch in progress", delivery.ErrPlanInProgress, http.StatusConflict},
		{"backpressure", delivery.ErrBackpressure, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeService{launchErr: tt.err})
			defer srv.Close()

			resp := postJSON(t, srv.URL+"/api/executions", delivery.LaunchInput{BusinessID: "biz-1"})
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestGetProgress(t *testing.T) {
	svc := &fakeService{
		progress: &dispatch.ExecutionProgress{
			ExecutionID:      "exec-1",
			TotalBatches:     4,
			CompletedBatches: 2,
			PercentComplete:  50,
		},
	}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/executions/exec-1/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p dispatch.ExecutionProgress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, 4, p.TotalBatches)
	assert.InDelta(t, 50.0, p.PercentComplete, 0.01)
}

func TestGetProgressNotFound(t *testing.T) {
	srv := newTestServer(&fakeService{progressErr: delivery.ErrExecutionNotFound})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/executions/missing/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryExecution(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/executions/exec-1/retry", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body["queued"])
}

func TestIngestSingleEvent(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/events", domain.DeliveryEvent{
		MessageID: "m-1",
		EventType: domain.EventBounced,
		Email:     "debtor@example.com",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, svc.events, 1)
	assert.Equal(t, domain.EventBounced, svc.events[0].EventType)
}

func TestIngestEventArray(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/events", []domain.DeliveryEvent{
		{MessageID: "m-1", EventType: domain.EventDelivered},
		{MessageID: "m-2", EventType: domain.EventOpened},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body["accepted"])
	assert.Len(t, svc.events, 2)
}

func TestGetReputationRequiresBusinessID(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/reputation")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetReputation(t *testing.T) {
	svc := &fakeService{
		summaries: []delivery.ProfileSummary{{
			Profile: domain.ReputationProfile{ID: "prof-1", CurrentWarmupDay: 3},
			Today:   domain.QuotaStatus{CanSend: true, Remaining: 120, DailyLimit: 150},
		}},
	}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/reputation?business_id=biz-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Profiles []delivery.ProfileSummary `json:"profiles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Profiles, 1)
	assert.Equal(t, 3, body.Profiles[0].Profile.CurrentWarmupDay)
	assert.Equal(t, 120, body.Profiles[0].Today.Remaining)
}

func TestCreateStrategyValidation(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/strategies", domain.DeliveryStrategy{Name: "no business"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
