// Package pipeline runs the daily flood-risk update: fetch forecasts, persist
// them, prune the retention window and reclassify warning levels.
package pipeline

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/floodwatch/floodwatch-cli/internal/config"
	"github.com/floodwatch/floodwatch-cli/internal/fetcher"
	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/monitoring"
	"github.com/floodwatch/floodwatch-cli/internal/notify"
	"github.com/floodwatch/floodwatch-cli/internal/risk"
	"github.com/floodwatch/floodwatch-cli/internal/store"
)

// Store is the persistence surface an update run needs.
type Store interface {
	ListCities(ctx context.Context) ([]model.City, error)
	StartRun(ctx context.Context, startedAt time.Time) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats) error
	FailRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats, runErr error) error
	InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

// Fetcher retrieves forecasts for a batch of cities.
type Fetcher interface {
	FetchAll(ctx context.Context, cities []model.City) (*fetcher.Result, error)
}

// Report summarizes one update run.
type Report struct {
	RunID       string                `json:"run_id"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
	Stats       model.RunStats        `json:"stats"`
	Changes     []model.WarningChange `json:"changes,omitempty"`
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Pipeline orchestrates an update run.
type Pipeline struct {
	store      Store
	fetcher    Fetcher
	publisher  notify.Publisher
	metrics    *monitoring.Metrics
	clock      clockwork.Clock
	retention  config.RetentionConfig
	thresholds risk.Thresholds
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithPublisher sends warning changes after each committed run.
func WithPublisher(p notify.Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

// WithMetrics records run metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithClock overrides the clock used for "today" and run timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(pl *Pipeline) { pl.clock = c }
}

// New creates a Pipeline.
func New(cfg *config.Config, st Store, f Fetcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		fetcher:    f,
		publisher:  notify.Nop{},
		clock:      clockwork.NewRealClock(),
		retention:  cfg.Retention,
		thresholds: cfg.Risk,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one update. Fetching happens outside the transaction; every
// write happens inside a single transaction, so a failure leaves stored data
// exactly as it was.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	log := zap.L().With(zap.String("component", "pipeline"))
	start := p.clock.Now().UTC()
	log.Info("pipeline: update started", zap.Time("started_at", start))

	run, err := p.store.StartRun(ctx, start)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	report := &Report{RunID: run.ID, StartedAt: start}

	err = p.update(ctx, report)
	report.CompletedAt = p.clock.Now().UTC()

	// The run log is finalized even when ctx was cancelled.
	logCtx := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := p.store.FailRun(logCtx, run.ID, report.CompletedAt, report.Stats, err); ferr != nil {
			log.Warn("pipeline: failed to record run failure", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		p.recordRun(report, false)
		log.Error("pipeline: update failed",
			zap.String("run_id", run.ID),
			zap.Duration("elapsed", report.Duration()),
			zap.Error(err),
		)
		return report, err
	}

	if cerr := p.store.CompleteRun(logCtx, run.ID, report.CompletedAt, report.Stats); cerr != nil {
		log.Warn("pipeline: failed to record run completion", zap.String("run_id", run.ID), zap.Error(cerr))
	}
	p.recordRun(report, true)

	if len(report.Changes) > 0 {
		if perr := p.publisher.Publish(logCtx, report.Changes); perr != nil {
			log.Warn("pipeline: failed to publish warning changes",
				zap.Int("changes", len(report.Changes)), zap.Error(perr))
		}
	}

	s := report.Stats
	log.Info("pipeline: update complete",
		zap.String("run_id", run.ID),
		zap.Time("started_at", report.StartedAt),
		zap.Time("completed_at", report.CompletedAt),
		zap.Duration("elapsed", report.Duration()),
		zap.Int("cities_attempted", s.CitiesAttempted),
		zap.Int("cities_succeeded", s.CitiesSucceeded),
		zap.Int("cities_failed", s.CitiesFailed),
		zap.Int64("records_upserted", s.RecordsUpserted),
		zap.Int64("records_pruned", s.RecordsPruned),
		zap.Int("cities_changed", s.CitiesChanged),
		zap.Int("watersheds_changed", s.WatershedsChanged),
	)
	return report, nil
}

func (p *Pipeline) update(ctx context.Context, report *Report) error {
	cities, err := p.store.ListCities(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: list cities")
	}

	res, err := p.fetcher.FetchAll(ctx, cities)
	if res != nil {
		report.Stats.CitiesAttempted = res.Attempted
		report.Stats.CitiesSucceeded = res.Count(fetcher.OutcomeSuccess)
		report.Stats.CitiesEmpty = res.Count(fetcher.OutcomeEmpty)
		report.Stats.CitiesSkipped = res.Count(fetcher.OutcomeSkipped)
		report.Stats.CitiesFailed = res.Count(fetcher.OutcomeFailed)
		report.Stats.RecordsFetched = len(res.Records)
		p.recordFetch(res)
	}
	if err != nil {
		return eris.Wrap(err, "pipeline: fetch forecasts")
	}

	today := model.Day(report.StartedAt)
	lower := today.AddDate(0, 0, -p.retention.PastDays)
	upper := today.AddDate(0, 0, p.retention.FutureDays)
	now := report.StartedAt

	var stats model.RunStats
	var changes []model.WarningChange
	err = p.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stats, changes = model.RunStats{}, nil

		n, err := tx.UpsertPrecipitation(ctx, res.Records)
		if err != nil {
			return err
		}
		stats.RecordsUpserted = n

		if stats.RecordsPruned, err = tx.Prune(ctx, lower, upper); err != nil {
			return err
		}
		if stats.PopulationsUpdated, err = tx.UpdatePopulations(ctx, res.Populations); err != nil {
			return err
		}

		changes, err = Reclassify(ctx, tx, p.thresholds, now)
		return err
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: persist update")
	}

	report.Stats.RecordsUpserted = stats.RecordsUpserted
	report.Stats.RecordsPruned = stats.RecordsPruned
	report.Stats.PopulationsUpdated = stats.PopulationsUpdated
	report.Changes = changes
	for _, c := range changes {
		if c.Kind == KindCity {
			report.Stats.CitiesChanged++
		} else {
			report.Stats.WatershedsChanged++
		}
	}
	return nil
}

func (p *Pipeline) recordFetch(res *fetcher.Result) {
	if p.metrics == nil {
		return
	}
	for outcome, n := range res.Outcomes {
		p.metrics.ForecastFetches.WithLabelValues(string(outcome)).Add(float64(n))
	}
}

func (p *Pipeline) recordRun(r *Report, ok bool) {
	if p.metrics == nil {
		return
	}
	status := string(model.RunStatusFailed)
	if ok {
		status = string(model.RunStatusComplete)
		p.metrics.LastSuccess.Set(float64(r.CompletedAt.Unix()))
		p.metrics.RecordsUpserted.Add(float64(r.Stats.RecordsUpserted))
		p.metrics.RecordsPruned.Add(float64(r.Stats.RecordsPruned))
		for _, c := range r.Changes {
			p.metrics.WarningChanges.WithLabelValues(c.Kind, c.To.String()).Inc()
		}
	}
	p.metrics.RunsTotal.WithLabelValues(status).Inc()
	p.metrics.RunDuration.Observe(r.Duration().Seconds())
}
