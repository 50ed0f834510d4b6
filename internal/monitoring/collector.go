package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/store"
)

// Snapshot holds a point-in-time view of pipeline health and warning state.
type Snapshot struct {
	// Runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`

	CitiesByLevel     map[string]int `json:"cities_by_level"`
	WatershedsByLevel map[string]int `json:"watersheds_by_level"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read surface the collector needs.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	WarningCounts(ctx context.Context) (*store.WarningCounts, error)
}

// Collector gathers snapshots from the store.
type Collector struct {
	src   Source
	clock clockwork.Clock
}

// NewCollector creates a collector; a nil clock means the real clock.
func NewCollector(src Source, clock clockwork.Clock) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{src: src, clock: clock}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.clock.Now().UTC()
	snap := &Snapshot{
		CitiesByLevel:     levelCounts(),
		WatershedsByLevel: levelCounts(),
		LookbackHours:     lookbackHours,
		CollectedAt:       now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.Status == model.RunStatusComplete && snap.LastSuccessAt == nil {
			completed := r.StartedAt
			if r.CompletedAt != nil {
				completed = *r.CompletedAt
			}
			snap.LastSuccessAt = &completed
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	counts, err := c.src.WarningCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: warning counts")
	}
	for level, n := range counts.Cities {
		snap.CitiesByLevel[level.String()] += n
	}
	for level, n := range counts.Watersheds {
		snap.WatershedsByLevel[level.String()] += n
	}

	return snap, nil
}

func levelCounts() map[string]int {
	m := make(map[string]int, len(model.AllWarningLevels))
	for _, l := range model.AllWarningLevels {
		m[l.String()] = 0
	}
	return m
}
