package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/floodwatch/floodwatch-cli/internal/config"
	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/monitoring"
	"github.com/floodwatch/floodwatch-cli/internal/store"
)

var july3 = time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	cities     []model.City
	watersheds []model.Watershed
	records    map[int64][]model.PrecipitationRecord
	averages   map[string]*float64
	runs       []model.Run
	pingErr    error
	listErr    error
	lastFilter store.RunFilter
}

func (f *fakeStore) ListCities(context.Context) ([]model.City, error) {
	return f.cities, f.listErr
}

func (f *fakeStore) GetCity(_ context.Context, id int64) (*model.City, error) {
	for _, c := range f.cities {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) Forecast(_ context.Context, cityID int64) ([]model.PrecipitationRecord, error) {
	return f.records[cityID], nil
}

func (f *fakeStore) ListWatersheds(context.Context) ([]model.Watershed, error) {
	return f.watersheds, f.listErr
}

func (f *fakeStore) GetWatershed(_ context.Context, id int64) (*model.Watershed, error) {
	for _, w := range f.watersheds {
		if w.ID == id {
			return &w, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) AveragePrecipitation(_ context.Context, id int64, date time.Time) (*float64, error) {
	return f.averages[date.Format(dateLayout)], nil
}

func (f *fakeStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.lastFilter = filter
	return f.runs, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) WarningCounts(context.Context) (*store.WarningCounts, error) {
	wc := &store.WarningCounts{
		Cities:     map[model.WarningLevel]int{},
		Watersheds: map[model.WarningLevel]int{},
	}
	for _, c := range f.cities {
		wc.Cities[c.WarningLevel]++
	}
	for _, w := range f.watersheds {
		wc.Watersheds[w.WarningLevel]++
	}
	return wc, nil
}

func squareEWKB(t *testing.T) []byte {
	t.Helper()
	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	poly := geom.NewPolygonFlat(geom.XY, []float64{0, 0, 1, 0, 1, 1, 0, 1, 0, 0}, []int{10})
	require.NoError(t, mp.Push(poly))
	data, err := ewkb.Marshal(mp, ewkb.NDR)
	require.NoError(t, err)
	return data
}

func newFixture(t *testing.T) *fakeStore {
	return &fakeStore{
		cities: []model.City{
			{ID: 1, Name: "Lagos", CountryCode: "NG", Country: "Nigeria",
				Location: &model.Point{Lon: 3.39, Lat: 6.45}, Population: model.Int64(15000000),
				WatershedID: model.Int64(10), WarningLevel: model.WarningRed},
		},
		watersheds: []model.Watershed{
			{ID: 10, Name: "BV_Niger", Geometry: squareEWKB(t), WarningLevel: model.WarningRed},
			{ID: 11, Name: "BV_Empty"},
		},
		records: map[int64][]model.PrecipitationRecord{
			1: {
				{CityID: 1, Date: july3, Precipitation: model.Float(12.5)},
				{CityID: 1, Date: july3.AddDate(0, 0, 1), Precipitation: nil},
			},
		},
		averages: map[string]*float64{"2025-07-03": model.Float(7.25)},
		runs:     []model.Run{{ID: "r1", Status: model.RunStatusComplete, StartedAt: july3}},
	}
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCities(t *testing.T) {
	h := NewServer(newFixture(t)).Router(nil)
	rec := serve(t, h, "/api/cities")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Lagos", got[0]["city"])
	assert.Equal(t, "red", got[0]["warning_level"])
	assert.Equal(t, 15000000.0, got[0]["population"])
	assert.Equal(t, map[string]any{"lon": 3.39, "lat": 6.45}, got[0]["location"])
}

func TestCities_EmptyIsArray(t *testing.T) {
	h := NewServer(&fakeStore{}).Router(nil)
	rec := serve(t, h, "/api/cities")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCities_StoreError(t *testing.T) {
	h := NewServer(&fakeStore{listErr: errors.New("connection reset")}).Router(nil)
	rec := serve(t, h, "/api/cities")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestForecast(t *testing.T) {
	h := NewServer(newFixture(t)).Router(nil)

	tests := []struct {
		name string
		path string
		code int
		body string
	}{
		{"known city", "/api/cities/1/forecast", http.StatusOK,
			`[{"date":"2025-07-03","precipitation":12.5},{"date":"2025-07-04","precipitation":null}]`},
		{"unknown city", "/api/cities/99/forecast", http.StatusNotFound, `{"error":"city not found"}`},
		{"non-numeric id", "/api/cities/lagos/forecast", http.StatusBadRequest, `{"error":"id must be an integer"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestForecast_NoRecords(t *testing.T) {
	st := newFixture(t)
	st.records = nil
	rec := serve(t, NewServer(st).Router(nil), "/api/cities/1/forecast")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestWatersheds_GeoJSON(t *testing.T) {
	h := NewServer(newFixture(t)).Router(nil)
	rec := serve(t, h, "/api/watersheds")
	require.Equal(t, http.StatusOK, rec.Code)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Type     string `json:"type"`
			ID       int64  `json:"id"`
			Geometry *struct {
				Type        string          `json:"type"`
				Coordinates [][][][]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)

	niger := fc.Features[0]
	assert.Equal(t, "Feature", niger.Type)
	assert.Equal(t, int64(10), niger.ID)
	assert.Equal(t, "BV_Niger", niger.Properties["name"])
	assert.Equal(t, "red", niger.Properties["warning_level"])
	require.NotNil(t, niger.Geometry)
	assert.Equal(t, "MultiPolygon", niger.Geometry.Type)
	assert.Equal(t, []float64{1, 1}, niger.Geometry.Coordinates[0][0][2])

	assert.Nil(t, fc.Features[1].Geometry)
	assert.Equal(t, "green", fc.Features[1].Properties["warning_level"])
}

func TestWatersheds_BadGeometryStillListed(t *testing.T) {
	st := newFixture(t)
	st.watersheds[0].Geometry = []byte{0x01, 0x02}
	rec := serve(t, NewServer(st).Router(nil), "/api/watersheds")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"geometry":null`)
	assert.Contains(t, rec.Body.String(), "BV_Niger")
}

func TestWatershedPrecipitation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(july3.Add(9 * time.Hour))
	h := NewServer(newFixture(t), WithClock(clock)).Router(nil)

	tests := []struct {
		name string
		path string
		code int
		body string
	}{
		{"explicit date", "/api/watersheds/10/precipitation?date=2025-07-03", http.StatusOK,
			`{"watershed_id":10,"date":"2025-07-03","precipitation":7.25}`},
		{"defaults to today", "/api/watersheds/10/precipitation", http.StatusOK,
			`{"watershed_id":10,"date":"2025-07-03","precipitation":7.25}`},
		{"no records", "/api/watersheds/10/precipitation?date=2025-07-09", http.StatusOK,
			`{"watershed_id":10,"date":"2025-07-09","precipitation":null}`},
		{"bad date", "/api/watersheds/10/precipitation?date=03-07-2025", http.StatusBadRequest,
			`{"error":"date must be YYYY-MM-DD"}`},
		{"unknown watershed", "/api/watersheds/99/precipitation", http.StatusNotFound,
			`{"error":"watershed not found"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestRuns(t *testing.T) {
	st := newFixture(t)
	h := NewServer(st).Router(nil)

	rec := serve(t, h, "/api/runs?status=failed&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.RunFilter{Status: model.RunStatusFailed, Limit: 5}, st.lastFilter)
	assert.Contains(t, rec.Body.String(), `"id":"r1"`)

	rec = serve(t, h, "/api/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rec := serve(t, NewServer(newFixture(t)).Router(nil), "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok","store":"ok"}`, rec.Body.String())
	})

	t.Run("store down", func(t *testing.T) {
		st := newFixture(t)
		st.pingErr = errors.New("dial tcp: refused")
		rec := serve(t, NewServer(st).Router(nil), "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"unavailable"`)
	})

	t.Run("with monitoring", func(t *testing.T) {
		st := newFixture(t)
		cfg := config.MonitoringConfig{FailureRateThreshold: 0.25, StaleAfterHours: 26, LookbackWindowHours: 24}

		tests := []struct {
			name   string
			now    time.Time
			status string
			alerts []monitoring.AlertType
		}{
			{"fresh", july3.Add(6 * time.Hour), "ok", []monitoring.AlertType{monitoring.AlertRedWarnings}},
			{"stale", july3.Add(48 * time.Hour), "degraded",
				[]monitoring.AlertType{monitoring.AlertStaleData, monitoring.AlertRedWarnings}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				clock := clockwork.NewFakeClockAt(tt.now)
				srv := NewServer(st, WithMonitoring(monitoring.NewCollector(st, clock), monitoring.NewAlerter(cfg), 24))

				rec := serve(t, srv.Router(nil), "/health")
				require.Equal(t, http.StatusOK, rec.Code)

				var body healthResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				require.NotNil(t, body.Pipeline)
				assert.Equal(t, 1, body.Pipeline.CitiesByLevel["red"])
				assert.Equal(t, tt.status, body.Status)

				var types []monitoring.AlertType
				for _, a := range body.Alerts {
					types = append(types, a.Type)
				}
				assert.Equal(t, tt.alerts, types)
			})
		}
	})
}

func TestRouter_CORS(t *testing.T) {
	h := NewServer(newFixture(t)).Router([]string{"https://dashboard.example.org"})

	req := httptest.NewRequest(http.MethodGet, "/api/cities", nil)
	req.Header.Set("Origin", "https://dashboard.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://dashboard.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/cities", nil)
	req.Header.Set("Origin", "https://elsewhere.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_CountsRequestsByRoute(t *testing.T) {
	metrics := monitoring.NewMetricsForTesting()
	h := NewServer(newFixture(t), WithMetrics(metrics)).Router(nil)

	serve(t, h, "/api/cities/1/forecast")
	serve(t, h, "/api/cities/2/forecast")
	serve(t, h, "/api/cities/x/forecast")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/api/cities/{id}/forecast", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/api/cities/{id}/forecast", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/api/cities/{id}/forecast", "400")))
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	rec := serve(t, NewServer(newFixture(t)).Router(nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
