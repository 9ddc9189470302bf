package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/delivery-engine/internal/reputation"
)

// ProfileSource lists reputation profiles across all businesses.
type ProfileSource interface {
	AllProfileIDs(ctx context.Context) ([]string, error)
}

// warmupEvaluator advances warm-up and pauses degraded profiles.
// *reputation.Tracker satisfies it.
type warmupEvaluator interface {
	EvaluateWarmupProgression(ctx context.Context, profileID string, date time.Time) (*reputation.ProgressionDecision, error)
	PauseSending(ctx context.Context, profileID, reason string, minutes int) error
}

// WarmupLoop evaluates every profile's previous sending day on an interval.
// Profiles that met the engagement thresholds step to the next warm-up day;
// profiles whose bounce rate blew past the gate are paused outright.
type WarmupLoop struct {
	profiles ProfileSource
	tracker  warmupEvaluator
	interval time.Duration

	// maxBounceRate above which a profile is paused, and for how long.
	maxBounceRate float64
	pauseMinutes  int

	now func() time.Time
}

func NewWarmupLoop(profiles ProfileSource, tracker warmupEvaluator, interval time.Duration, maxBounceRate float64, pauseMinutes int) *WarmupLoop {
	if interval <= 0 {
		interval = time.Hour
	}
	if pauseMinutes <= 0 {
		pauseMinutes = 24 * 60
	}
	return &WarmupLoop{
		profiles:      profiles,
		tracker:       tracker,
		interval:      interval,
		maxBounceRate: maxBounceRate,
		pauseMinutes:  pauseMinutes,
		now:           time.Now,
	}
}

// Start runs the evaluation loop. It blocks until ctx is cancelled.
func (l *WarmupLoop) Start(ctx context.Context) {
	log.Printf("[Warmup] evaluator started (interval=%s)", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

func (l *WarmupLoop) runOnce(ctx context.Context) {
	ids, err := l.profiles.AllProfileIDs(ctx)
	if err != nil {
		log.Printf("[Warmup] list profiles: %v", err)
		return
	}

	yesterday := l.now().UTC().AddDate(0, 0, -1)
	for _, id := range ids {
		decision, err := l.tracker.EvaluateWarmupProgression(ctx, id, yesterday)
		if err != nil {
			log.Printf("[Warmup] evaluate profile %s: %v", id, err)
			continue
		}
		if decision.Advanced {
			continue
		}
		if l.maxBounceRate > 0 && decision.BounceRate > l.maxBounceRate {
			if err := l.tracker.PauseSending(ctx, id, decision.Reason, l.pauseMinutes); err != nil {
				log.Printf("[Warmup] pause profile %s: %v", id, err)
			}
		}
	}
}
