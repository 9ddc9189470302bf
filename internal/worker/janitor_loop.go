package worker

import (
	"context"
	"log"
	"time"
)

// sweeper garbage-collects expired dispatch records. *dispatch.Janitor
// satisfies it.
type sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// JanitorLoop runs retention sweeps on an interval, draining all expired rows
// each tick.
type JanitorLoop struct {
	janitor  sweeper
	interval time.Duration

	now func() time.Time
}

func NewJanitorLoop(janitor sweeper, interval time.Duration) *JanitorLoop {
	if interval <= 0 {
		interval = time.Hour
	}
	return &JanitorLoop{janitor: janitor, interval: interval, now: time.Now}
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (l *JanitorLoop) Start(ctx context.Context) {
	log.Printf("[Janitor] loop started (interval=%s)", l.interval)
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

func (l *JanitorLoop) runOnce(ctx context.Context) {
	for {
		n, err := l.janitor.Sweep(ctx, l.now().UTC())
		if err != nil {
			log.Printf("[Janitor] sweep error: %v", err)
			return
		}
		if n == 0 {
			return
		}
	}
}
