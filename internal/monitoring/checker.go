package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/floodwatch/floodwatch-cli/internal/config"
)

// Checker runs periodic health checks in the background and keeps the
// warning-level gauges current.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	cfg       config.MonitoringConfig
	clock     clockwork.Clock
}

// NewChecker creates a background checker. metrics may be nil.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitoringConfig, clock clockwork.Clock) *Checker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		cfg:       cfg,
		clock:     clock,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.Chan():
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, refreshes gauges and sends any alerts.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect snapshot", zap.Error(err))
		return nil
	}

	if c.metrics != nil {
		for level, n := range snap.CitiesByLevel {
			c.metrics.CitiesByLevel.WithLabelValues(level).Set(float64(n))
		}
	}

	alerts := c.alerter.Evaluate(snap)
	if c.metrics != nil {
		bySeverity := map[string]int{SeverityHigh: 0, SeverityInfo: 0}
		for _, a := range alerts {
			bySeverity[a.Severity]++
		}
		for sev, n := range bySeverity {
			c.metrics.ActiveAlerts.WithLabelValues(sev).Set(float64(n))
		}
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
