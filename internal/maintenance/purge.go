// Package maintenance runs the retention sweep that hard-deletes
// soft-deleted sessions once their recovery window has passed.
package maintenance

import (
	"context"
	"time"

	"github.com/mfaulkner/reviewbench/internal/session"
	"github.com/rs/zerolog/log"
)

// Runner executes retention purges. It holds no state of its own and is
// safe to run on any schedule or on demand.
type Runner struct {
	sessions      *session.Service
	retentionDays int
}

// NewRunner creates a purge runner with the given retention window
func NewRunner(sessions *session.Service, retentionDays int) *Runner {
	return &Runner{sessions: sessions, retentionDays: retentionDays}
}

// RunOnce performs a single purge sweep and returns the count removed
func (r *Runner) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	purged, err := r.sessions.Purge(ctx, r.retentionDays)
	if err != nil {
		log.Error().Err(err).Msg("retention purge failed")
		return 0, err
	}

	log.Info().
		Int64("purged", purged).
		Int("retention_days", r.retentionDays).
		Dur("duration", time.Since(start)).
		Msg("retention purge finished")
	return purged, nil
}

// RunEvery purges on the given interval until the context is cancelled.
// A failed sweep is logged and retried at the next tick.
func (r *Runner) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
