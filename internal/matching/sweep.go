package matching

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often StartSweeper runs Sweep.
const DefaultSweepInterval = 5 * time.Second

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("sweep loop stopped")
			return
		case <-ticker.C:
			if removed := e.Sweep(); removed > 0 {
				e.log.Info().Int("removed", removed).Msg("sweep: removed queue entries")
			}
		}
	}
}
