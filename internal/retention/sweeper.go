// Package retention removes conversations that have been idle too long.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes conversations whose last message is older than idleFor.
type Purger interface {
	PurgeIdle(ctx context.Context, idleFor time.Duration) (int, error)
}

// Sweeper periodically purges idle conversations.
type Sweeper struct {
	purger   Purger
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper that purges conversations idle for longer than maxAge.
func NewSweeper(purger Purger, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{purger: purger, maxAge: maxAge, interval: interval}
}

// Start runs the sweeper in a background goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run blocks, sweeping once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("Retention sweeper started", "interval", s.interval, "max_age", s.maxAge)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("Retention sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Sweep performs one purge pass and returns the number of conversations removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	removed, err := s.purger.PurgeIdle(ctx, s.maxAge)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention sweep canceled", "error", err)
			return removed
		}
		slog.Error("Retention sweep failed", "error", err)
		return removed
	}
	if removed > 0 {
		slog.Info("Retention sweep completed", "removed", removed)
	}
	return removed
}
