package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunEvery runs an update immediately and then once per interval until ctx
// is cancelled. Failed runs are logged; the loop keeps going.
func (p *Pipeline) RunEvery(ctx context.Context, interval time.Duration) {
	log := zap.L().With(zap.String("component", "pipeline.scheduler"))
	log.Info("scheduled updates enabled", zap.Duration("interval", interval))

	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("scheduled update failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("scheduled updates stopped")
			return
		case <-ticker.Chan():
		}
	}
}
