package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "floodwatch"

// Metrics holds the Prometheus collectors for the update pipeline and API.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec // labels: status={complete,failed}
	RunDuration     prometheus.Histogram
	LastSuccess     prometheus.Gauge
	ForecastFetches *prometheus.CounterVec // labels: outcome={success,empty,skipped,failed}
	RecordsUpserted prometheus.Counter
	RecordsPruned   prometheus.Counter
	WarningChanges  *prometheus.CounterVec // labels: kind={city,watershed}, level
	CitiesByLevel   *prometheus.GaugeVec   // labels: level
	HTTPRequests    *prometheus.CounterVec // labels: route, status
	ActiveAlerts    *prometheus.GaugeVec   // labels: severity
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of a complete update run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_last_success_timestamp_seconds",
			Help:      "Unix time of the last committed run.",
		}),
		ForecastFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_fetches_total",
			Help:      "Per-city forecast fetches by outcome.",
		}, []string{"outcome"}),
		RecordsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precipitation_records_upserted_total",
			Help:      "Precipitation records inserted or overwritten.",
		}),
		RecordsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precipitation_records_pruned_total",
			Help:      "Precipitation records deleted outside the retention window.",
		}),
		WarningChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warning_changes_total",
			Help:      "Warning level transitions by entity kind and new level.",
		}, []string{"kind", "level"}),
		CitiesByLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cities_by_warning_level",
			Help:      "Current number of cities at each warning level.",
		}, []string{"level"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route pattern and status code.",
		}, []string{"route", "status"}),
		ActiveAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Alerts raised by the last health check, by severity.",
		}, []string{"severity"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunsTotal,
		m.RunDuration,
		m.LastSuccess,
		m.ForecastFetches,
		m.RecordsUpserted,
		m.RecordsPruned,
		m.WarningChanges,
		m.CitiesByLevel,
		m.HTTPRequests,
		m.ActiveAlerts,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsWithRegistry registers the metrics with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
