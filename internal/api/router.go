// Package api serves the read-only flood-risk API consumed by the map
// dashboard.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/monitoring"
	"github.com/floodwatch/floodwatch-cli/internal/store"
)

// Store is the read surface the API needs.
type Store interface {
	ListCities(ctx context.Context) ([]model.City, error)
	GetCity(ctx context.Context, id int64) (*model.City, error)
	Forecast(ctx context.Context, cityID int64) ([]model.PrecipitationRecord, error)
	ListWatersheds(ctx context.Context) ([]model.Watershed, error)
	GetWatershed(ctx context.Context, id int64) (*model.Watershed, error)
	AveragePrecipitation(ctx context.Context, watershedID int64, date time.Time) (*float64, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	Ping(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	store     Store
	metrics   *monitoring.Metrics
	collector *monitoring.Collector
	alerter   *monitoring.Alerter
	lookback  int
	clock     clockwork.Clock
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithMetrics counts requests per route and status.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMonitoring adds a pipeline health snapshot and active alerts to /health.
func WithMonitoring(c *monitoring.Collector, a *monitoring.Alerter, lookbackHours int) Option {
	return func(s *Server) {
		s.collector, s.alerter, s.lookback = c, a, lookbackHours
	}
}

// WithClock sets the clock used for the default precipitation date.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer creates a Server.
func NewServer(st Store, opts ...Option) *Server {
	s := &Server{store: st, clock: clockwork.NewRealClock(), lookback: 24}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP handler. An empty origin list allows any origin.
func (s *Server) Router(corsOrigins []string) http.Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/cities", s.handleCities)
		r.Get("/cities/{id}/forecast", s.handleForecast)
		r.Get("/watersheds", s.handleWatersheds)
		r.Get("/watersheds/{id}/precipitation", s.handleWatershedPrecipitation)
		r.Get("/runs", s.handleRuns)
	})
	return r
}

// instrument logs each request and counts it by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		}
		zap.L().Debug("api request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
