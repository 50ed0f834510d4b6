package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/resilience"
	"github.com/floodwatch/floodwatch-cli/pkg/owm"
)

// fakeClient answers DailyForecast from a function and tracks concurrency.
type fakeClient struct {
	fn       func(ctx context.Context, lat, lon float64) (*owm.Forecast, error)
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeClient) DailyForecast(ctx context.Context, lat, lon float64) (*owm.Forecast, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	return f.fn(ctx, lat, lon)
}

var day1 = time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)

func forecastOf(rain ...float64) *owm.Forecast {
	fc := &owm.Forecast{}
	for i, r := range rain {
		fc.Days = append(fc.Days, owm.Day{Date: day1.AddDate(0, 0, i), Rain: r})
	}
	return fc
}

func city(id int64, lat float64) model.City {
	return model.City{ID: id, Name: "city", Location: &model.Point{Lon: 2, Lat: lat}}
}

func testConfig() Config {
	return Config{MaxConcurrent: 4, Timeout: time.Second, Retry: resilience.RetryConfig{MaxAttempts: 1}}
}

func TestFetchAll_MergesResults(t *testing.T) {
	fc := &fakeClient{fn: func(_ context.Context, lat, _ float64) (*owm.Forecast, error) {
		f := forecastOf(lat, 0)
		f.Population = model.Int64(int64(lat) * 1000)
		return f, nil
	}}

	res, err := NewCoordinator(fc, testConfig(), nil).FetchAll(context.Background(),
		[]model.City{city(1, 1), city(2, 2), city(3, 3)})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Count(OutcomeSuccess))
	assert.Len(t, res.Records, 6)
	assert.Equal(t, map[int64]int64{1: 1000, 2: 2000, 3: 3000}, res.Populations)

	byCity := map[int64]float64{}
	for _, r := range res.Records {
		byCity[r.CityID] += *r.Precipitation
	}
	assert.Equal(t, map[int64]float64{1: 1, 2: 2, 3: 3}, byCity)
}

func TestFetchAll_FailureIsolated(t *testing.T) {
	fc := &fakeClient{fn: func(_ context.Context, lat, _ float64) (*owm.Forecast, error) {
		if lat == 1 {
			return nil, errors.New("owm: status 500")
		}
		return forecastOf(5, 6, 7), nil
	}}

	res, err := NewCoordinator(fc, testConfig(), nil).FetchAll(context.Background(),
		[]model.City{city(1, 1), city(2, 2)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count(OutcomeFailed))
	assert.Equal(t, 1, res.Count(OutcomeSuccess))
	require.Len(t, res.Records, 3)
	for _, r := range res.Records {
		assert.Equal(t, int64(2), r.CityID)
	}
}

func TestFetchAll_SkipsInvalidCoordinates(t *testing.T) {
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		return forecastOf(1), nil
	}}

	cities := []model.City{
		{ID: 1, Name: "no location"},
		{ID: 2, Name: "out of range", Location: &model.Point{Lon: 500, Lat: 0}},
		city(3, 3),
	}
	res, err := NewCoordinator(fc, testConfig(), nil).FetchAll(context.Background(), cities)
	require.NoError(t, err)

	assert.Equal(t, int32(1), fc.calls.Load())
	assert.Equal(t, 2, res.Count(OutcomeSkipped))
	assert.Equal(t, 3, res.Attempted)
}

func TestFetchAll_EmptyForecastExcluded(t *testing.T) {
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		return &owm.Forecast{Population: model.Int64(10)}, nil
	}}

	res, err := NewCoordinator(fc, testConfig(), nil).FetchAll(context.Background(), []model.City{city(1, 1)})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Count(OutcomeEmpty))
	assert.Equal(t, map[int64]int64{1: 10}, res.Populations)
}

func TestFetchAll_RespectsConcurrencyCeiling(t *testing.T) {
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		time.Sleep(15 * time.Millisecond)
		return forecastOf(1), nil
	}}

	cfg := testConfig()
	cfg.MaxConcurrent = 3
	var cities []model.City
	for i := int64(1); i <= 20; i++ {
		cities = append(cities, city(i, 1))
	}

	res, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), cities)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Count(OutcomeSuccess))
	assert.LessOrEqual(t, fc.maxSeen.Load(), int32(3))
	assert.Equal(t, int32(0), fc.inFlight.Load(), "all requests finished before return")
}

func TestFetchAll_PacesLaunches(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return forecastOf(1), nil
	}}

	cfg := testConfig()
	cfg.LaunchInterval = 10 * time.Millisecond
	cities := []model.City{city(1, 1), city(2, 1), city(3, 1), city(4, 1), city(5, 1)}

	begin := time.Now()
	_, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), cities)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 35*time.Millisecond)
	assert.Len(t, starts, 5)
}

func TestFetchAll_PerCallTimeout(t *testing.T) {
	fc := &fakeClient{fn: func(ctx context.Context, lat, _ float64) (*owm.Forecast, error) {
		if lat == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return forecastOf(2), nil
	}}

	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	res, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), []model.City{city(1, 1), city(2, 2)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeFailed))
	assert.Equal(t, 1, res.Count(OutcomeSuccess))
}

func TestFetchAll_RetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		if attempts.Add(1) == 1 {
			return nil, resilience.NewTransientError(errors.New("owm: status 503"), 503)
		}
		return forecastOf(3), nil
	}}

	cfg := testConfig()
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}
	res, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), []model.City{city(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeSuccess))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFetchAll_BreakerStopsCalls(t *testing.T) {
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		return nil, resilience.NewTransientError(errors.New("owm: status 503"), 503)
	}}

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	var cities []model.City
	for i := int64(1); i <= 6; i++ {
		cities = append(cities, city(i, 1))
	}

	res, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), cities)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Count(OutcomeFailed))
	assert.Equal(t, int32(2), fc.calls.Load())
}

func TestFetchAll_PermanentErrorsDoNotTripBreaker(t *testing.T) {
	fc := &fakeClient{fn: func(_ context.Context, lat, _ float64) (*owm.Forecast, error) {
		if lat == 1 {
			return nil, errors.New("owm: status 400")
		}
		return forecastOf(2), nil
	}}

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	cities := []model.City{city(1, 1), city(2, 1), city(3, 2), city(4, 2), city(5, 2)}

	res, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), cities)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(OutcomeFailed))
	assert.Equal(t, 3, res.Count(OutcomeSuccess))
	assert.Equal(t, int32(5), fc.calls.Load())
}

func TestFetchAll_InterleavedSkipsAreCounted(t *testing.T) {
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		return forecastOf(1), nil
	}}

	cfg := testConfig()
	cfg.MaxConcurrent = 8
	var cities []model.City
	for i := int64(1); i <= 400; i++ {
		if i%2 == 0 {
			cities = append(cities, model.City{ID: i, Name: "no location"})
			continue
		}
		cities = append(cities, city(i, 1))
	}

	res, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), cities)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Count(OutcomeSkipped))
	assert.Equal(t, 200, res.Count(OutcomeSuccess))
	assert.Len(t, res.Records, 200)
	assert.Equal(t, int32(200), fc.calls.Load())
}

func TestFetchAll_RetriesArePaced(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()
		if n == 1 {
			return nil, resilience.NewTransientError(errors.New("owm: status 503"), 503)
		}
		return forecastOf(1), nil
	}}

	cfg := testConfig()
	cfg.LaunchInterval = 40 * time.Millisecond
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	res, err := NewCoordinator(fc, cfg, nil).FetchAll(context.Background(), []model.City{city(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeSuccess))
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 30*time.Millisecond)
}

func TestFetchAll_CancelledContext(t *testing.T) {
	fc := &fakeClient{fn: func(context.Context, float64, float64) (*owm.Forecast, error) {
		return forecastOf(1), nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	cfg.LaunchInterval = time.Hour
	_, err := NewCoordinator(fc, cfg, nil).FetchAll(ctx, []model.City{city(1, 1), city(2, 2)})
	require.Error(t, err)
}
