package main

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/floodwatch/floodwatch-cli/internal/config"
	"github.com/floodwatch/floodwatch-cli/internal/fetcher"
	"github.com/floodwatch/floodwatch-cli/internal/monitoring"
	"github.com/floodwatch/floodwatch-cli/internal/notify"
	"github.com/floodwatch/floodwatch-cli/internal/pipeline"
	"github.com/floodwatch/floodwatch-cli/internal/resilience"
	"github.com/floodwatch/floodwatch-cli/internal/store"
	"github.com/floodwatch/floodwatch-cli/pkg/owm"
)

// pipelineEnv holds the store, publisher and pipeline used by the update and
// serve commands.
type pipelineEnv struct {
	Store     store.Store
	Publisher notify.Publisher
	Metrics   *monitoring.Metrics
	Pipeline  *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Publisher != nil {
		_ = pe.Publisher.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

var (
	metricsOnce sync.Once
	appMetrics  *monitoring.Metrics
)

// processMetrics returns the metrics registered with the default registry.
func processMetrics() *monitoring.Metrics {
	metricsOnce.Do(func() { appMetrics = monitoring.NewMetrics() })
	return appMetrics
}

// newCoordinator builds the forecast fan-out from config.
func newCoordinator(fc config.ForecastConfig) *fetcher.Coordinator {
	client := owm.NewClient(fc.APIKey,
		owm.WithBaseURL(fc.BaseURL),
		owm.WithDays(fc.Days),
	)

	retry := resilience.DefaultRetryConfig()
	if fc.RetryAttempts > 0 {
		retry.MaxAttempts = fc.RetryAttempts
	}
	return fetcher.NewCoordinator(client, fetcher.Config{
		MaxConcurrent:  fc.MaxConcurrent,
		LaunchInterval: fc.LaunchInterval,
		Timeout:        fc.Timeout,
		Retry:          retry,
		Breaker:        resilience.CircuitBreakerConfig{FailureThreshold: fc.BreakerThreshold},
	}, nil)
}

// initPipeline validates config for mode, opens and migrates the store, and
// builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	pub, err := notify.New(cfg.Notify)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init publisher")
	}

	metrics := processMetrics()
	p := pipeline.New(cfg, st, newCoordinator(cfg.Forecast),
		pipeline.WithPublisher(pub),
		pipeline.WithMetrics(metrics),
	)

	return &pipelineEnv{
		Store:     st,
		Publisher: pub,
		Metrics:   metrics,
		Pipeline:  p,
	}, nil
}
