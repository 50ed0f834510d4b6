package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/floodwatch/floodwatch-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPipelineFailureRate AlertType = "pipeline_failure_rate"
	AlertStaleData           AlertType = "stale_data"
	AlertRedWarnings         AlertType = "red_warnings"
)

// Alert severities.
const (
	SeverityHigh = "high"
	SeverityInfo = "info"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= 3 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPipelineFailureRate,
			Severity: SeverityHigh,
			Message: fmt.Sprintf(
				"Pipeline failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleAfterHours > 0 {
		staleAfter := time.Duration(a.cfg.StaleAfterHours) * time.Hour
		switch {
		case snap.LastSuccessAt == nil:
			alerts = append(alerts, Alert{
				Type:      AlertStaleData,
				Severity:  SeverityHigh,
				Message:   "No successful pipeline run recorded",
				Timestamp: now,
			})
		case now.Sub(*snap.LastSuccessAt) > staleAfter:
			age := now.Sub(*snap.LastSuccessAt)
			alerts = append(alerts, Alert{
				Type:     AlertStaleData,
				Severity: SeverityHigh,
				Message: fmt.Sprintf("Last successful run was %s ago (threshold %s)",
					age.Truncate(time.Minute), staleAfter),
				Details: map[string]any{
					"last_success_at": snap.LastSuccessAt.Format(time.RFC3339),
					"stale_after":     staleAfter.String(),
				},
				Timestamp: now,
			})
		}
	}

	if red := snap.CitiesByLevel["red"]; red > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRedWarnings,
			Severity: SeverityInfo,
			Message: fmt.Sprintf("%d cities and %d watersheds at red warning",
				red, snap.WatershedsByLevel["red"]),
			Details: map[string]any{
				"cities_red":     red,
				"watersheds_red": snap.WatershedsByLevel["red"],
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
