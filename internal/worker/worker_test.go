package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/reputation"
)

type fakeDepth struct {
	mu    sync.Mutex
	depth int64
	err   error
}

func (f *fakeDepth) PendingBatchCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth, f.err
}

func (f *fakeDepth) set(d int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth = d
}

func TestBackpressureHysteresis(t *testing.T) {
	depth := &fakeDepth{}
	bp := NewBackpressureMonitor(depth, 100)
	ctx := context.Background()

	bp.check(ctx)
	assert.False(t, bp.Paused())

	// Cross the pause threshold.
	depth.set(100)
	bp.check(ctx)
	assert.True(t, bp.Paused())

	// Draining into the hysteresis band keeps the pause.
	depth.set(70)
	bp.check(ctx)
	assert.True(t, bp.Paused(), "inside the hysteresis band stays paused")

	// Below 50% resumes.
	depth.set(49)
	bp.check(ctx)
	assert.False(t, bp.Paused())

	// Climbing back into the band does not re-pause.
	depth.set(70)
	bp.check(ctx)
	assert.False(t, bp.Paused())
}

func TestBackpressureCheckErrorKeepsState(t *testing.T) {
	depth := &fakeDepth{depth: 100}
	bp := NewBackpressureMonitor(depth, 100)
	ctx := context.Background()

	bp.check(ctx)
	require.True(t, bp.Paused())

	depth.err = errors.New("connection refused")
	depth.set(0)
	bp.check(ctx)
	assert.True(t, bp.Paused(), "a failed check never flips the state")
}

type fakeDue struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDue) DispatchDue(ctx context.Context, now time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 3, nil
}

type stubLock struct{ deny bool }

func (l *stubLock) Acquire(ctx context.Context) (bool, error) { return !l.deny, nil }
func (l *stubLock) Release(ctx context.Context) error         { return nil }

func stubLocks(deny bool) func(key string, ttl time.Duration) distlock.DistLock {
	return func(key string, ttl time.Duration) distlock.DistLock { return &stubLock{deny: deny} }
}

func TestDispatchLoopRunOnce(t *testing.T) {
	due := &fakeDue{}
	l := NewDispatchLoop(due, nil, stubLocks(false), time.Second)

	l.runOnce(context.Background())
	assert.Equal(t, 1, due.calls)
}

func TestDispatchLoopSkipsWhenPaused(t *testing.T) {
	due := &fakeDue{}
	depth := &fakeDepth{depth: 1000}
	bp := NewBackpressureMonitor(depth, 100)
	bp.check(context.Background())
	require.True(t, bp.Paused())

	l := NewDispatchLoop(due, bp, stubLocks(false), time.Second)
	l.runOnce(context.Background())
	assert.Zero(t, due.calls)
}

func TestDispatchLoopSkipsWithoutLock(t *testing.T) {
	due := &fakeDue{}
	l := NewDispatchLoop(due, nil, stubLocks(true), time.Second)
	l.runOnce(context.Background())
	assert.Zero(t, due.calls)
}

type fakeMaintainer struct {
	retried   []string
	finalized []string
}

func (f *fakeMaintainer) Retry(ctx context.Context, executionID string) (*dispatch.EnqueueResult, error) {
	f.retried = append(f.retried, executionID)
	return &dispatch.EnqueueResult{}, nil
}

func (f *fakeMaintainer) Finalize(ctx context.Context, executionID string) (bool, error) {
	f.finalized = append(f.finalized, executionID)
	return true, nil
}

type fakeExecSource struct{ ids []string }

func (f *fakeExecSource) RunningExecutionIDs(ctx context.Context, limit int) ([]string, error) {
	return f.ids, nil
}

func TestMaintenanceLoopVisitsRunningExecutions(t *testing.T) {
	m := &fakeMaintainer{}
	l := NewMaintenanceLoop(&fakeExecSource{ids: []string{"e1", "e2"}}, m, time.Minute)

	l.runOnce(context.Background())
	assert.Equal(t, []string{"e1", "e2"}, m.retried)
	assert.Equal(t, []string{"e1", "e2"}, m.finalized)
}

type fakeWarmup struct {
	decisions map[string]*reputation.ProgressionDecision
	paused    []string
}

func (f *fakeWarmup) EvaluateWarmupProgression(ctx context.Context, profileID string, date time.Time) (*reputation.ProgressionDecision, error) {
	d, ok := f.decisions[profileID]
	if !ok {
		return nil, errors.New("unknown profile")
	}
	return d, nil
}

func (f *fakeWarmup) PauseSending(ctx context.Context, profileID, reason string, minutes int) error {
	f.paused = append(f.paused, profileID)
	return nil
}

type fakeProfiles struct{ ids []string }

func (f *fakeProfiles) AllProfileIDs(ctx context.Context) ([]string, error) { return f.ids, nil }

func TestWarmupLoopPausesHighBounceProfiles(t *testing.T) {
	tracker := &fakeWarmup{decisions: map[string]*reputation.ProgressionDecision{
		"healthy":  {Advanced: true, BounceRate: 1.2},
		"held":     {Advanced: false, BounceRate: 3.0, Reason: "open rate 4.0% below required 10.0%"},
		"bouncing": {Advanced: false, BounceRate: 9.5, Reason: "bounce rate 9.5% exceeds 5.0% threshold"},
	}}
	l := NewWarmupLoop(&fakeProfiles{ids: []string{"healthy", "held", "bouncing"}}, tracker, time.Hour, 5.0, 60)

	l.runOnce(context.Background())
	assert.Equal(t, []string{"bouncing"}, tracker.paused)
}

type fakeSweeper struct{ counts []int }

func (f *fakeSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	if len(f.counts) == 0 {
		return 0, nil
	}
	n := f.counts[0]
	f.counts = f.counts[1:]
	return n, nil
}

func TestJanitorLoopDrainsUntilEmpty(t *testing.T) {
	s := &fakeSweeper{counts: []int{500, 500, 120}}
	l := NewJanitorLoop(s, time.Hour)

	l.runOnce(context.Background())
	assert.Empty(t, s.counts, "loop keeps sweeping until a sweep returns zero")
}
