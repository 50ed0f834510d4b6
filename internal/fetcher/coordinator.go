// Package fetcher fans forecast requests out across cities under a
// concurrency ceiling and launch pacing.
package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/resilience"
	"github.com/floodwatch/floodwatch-cli/pkg/owm"
)

// Config controls the fetch fan-out.
type Config struct {
	MaxConcurrent  int
	LaunchInterval time.Duration
	Timeout        time.Duration
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
}

// DefaultConfig returns 50 in flight, 20ms between launches, 10s per call.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  50,
		LaunchInterval: 20 * time.Millisecond,
		Timeout:        10 * time.Second,
		Retry:          resilience.DefaultRetryConfig(),
	}
}

// Outcome labels a single city's fetch result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeEmpty   Outcome = "empty"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is the merged output of a fetch batch.
type Result struct {
	Records     []model.PrecipitationRecord
	Populations map[int64]int64
	Outcomes    map[Outcome]int
	Attempted   int
}

// Count returns the number of cities with the given outcome.
func (r *Result) Count(o Outcome) int { return r.Outcomes[o] }

// Coordinator fetches forecasts for many cities.
type Coordinator struct {
	client  owm.Client
	cfg     Config
	limiter *AdaptiveLimiter
	breaker *resilience.CircuitBreaker
}

// NewCoordinator creates a Coordinator. A nil clock uses real time.
func NewCoordinator(client owm.Client, cfg Config, clock clockwork.Clock) *Coordinator {
	d := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("forecast circuit breaker state change",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}
	}
	return &Coordinator{
		client:  client,
		cfg:     cfg,
		limiter: NewAdaptiveLimiter(cfg.LaunchInterval),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker, clock),
	}
}

// FetchAll requests a forecast for every city and waits for all of them.
// Individual failures are logged and excluded; the returned error is
// non-nil only when ctx ends before every launch happened.
func (c *Coordinator) FetchAll(ctx context.Context, cities []model.City) (*Result, error) {
	log := zap.L().With(zap.String("component", "fetcher.coordinator"))

	res := &Result{
		Populations: make(map[int64]int64),
		Outcomes:    make(map[Outcome]int),
		Attempted:   len(cities),
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrent)

	var launchErr error
	skipped := 0
	for _, city := range cities {
		if !city.HasValidLocation() {
			log.Debug("skipping city without valid coordinates",
				zap.Int64("city_id", city.ID), zap.String("city", city.Name))
			skipped++
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			launchErr = err
			break
		}
		g.Go(func() error {
			fc, err := c.fetchOne(ctx, city)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				log.Warn("forecast fetch failed",
					zap.Int64("city_id", city.ID),
					zap.String("city", city.Name),
					zap.String("country", city.Country),
					zap.Error(err),
				)
				res.Outcomes[OutcomeFailed]++
				return nil
			case len(fc.Days) == 0:
				res.Outcomes[OutcomeEmpty]++
			default:
				res.Outcomes[OutcomeSuccess]++
				for _, d := range fc.Days {
					res.Records = append(res.Records, model.PrecipitationRecord{
						CityID:        city.ID,
						Date:          d.Date,
						Precipitation: model.Float(d.Rain),
					})
				}
			}
			if fc.Population != nil {
				res.Populations[city.ID] = *fc.Population
			}
			return nil
		})
	}

	_ = g.Wait()
	if skipped > 0 {
		res.Outcomes[OutcomeSkipped] = skipped
	}

	log.Info("forecast fetch complete",
		zap.Int("cities", res.Attempted),
		zap.Int("succeeded", res.Outcomes[OutcomeSuccess]),
		zap.Int("empty", res.Outcomes[OutcomeEmpty]),
		zap.Int("skipped", res.Outcomes[OutcomeSkipped]),
		zap.Int("failed", res.Outcomes[OutcomeFailed]),
		zap.Int("records", len(res.Records)),
	)

	if launchErr != nil {
		return res, launchErr
	}
	return res, nil
}

func (c *Coordinator) fetchOne(ctx context.Context, city model.City) (*owm.Forecast, error) {
	retry := c.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("forecast fetch",
		zap.Int64("city_id", city.ID), zap.String("city", city.Name))

	attempt := 0
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*owm.Forecast, error) {
		// The first launch was paced by FetchAll; retries wait their turn too.
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		attempt++

		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*owm.Forecast, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()

			fc, err := c.client.DailyForecast(callCtx, city.Location.Lat, city.Location.Lon)
			switch {
			case err == nil:
				c.limiter.OnSuccess()
			case resilience.IsRateLimited(err):
				c.limiter.OnRateLimit()
			}
			return fc, err
		})
	})
}
