package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/monitoring"
	"github.com/floodwatch/floodwatch-cli/internal/store"
)

const dateLayout = "2006-01-02"

type forecastDay struct {
	Date          string   `json:"date"`
	Precipitation *float64 `json:"precipitation"`
}

type watershedProperties struct {
	Name         string             `json:"name"`
	WarningLevel model.WarningLevel `json:"warning_level"`
}

type watershedFeature struct {
	Type       string              `json:"type"`
	ID         int64               `json:"id"`
	Geometry   *geojson.Geometry   `json:"geometry"`
	Properties watershedProperties `json:"properties"`
}

type featureCollection struct {
	Type     string             `json:"type"`
	Features []watershedFeature `json:"features"`
}

type precipitationResponse struct {
	WatershedID   int64    `json:"watershed_id"`
	Date          string   `json:"date"`
	Precipitation *float64 `json:"precipitation"`
}

type healthResponse struct {
	Status   string               `json:"status"`
	Store    string               `json:"store"`
	Pipeline *monitoring.Snapshot `json:"pipeline,omitempty"`
	Alerts   []monitoring.Alert   `json:"alerts,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status, resp.Store = "unavailable", err.Error()
		code = http.StatusServiceUnavailable
	}

	if s.collector != nil && code == http.StatusOK {
		snap, err := s.collector.Collect(r.Context(), s.lookback)
		if err != nil {
			zap.L().Warn("api: health snapshot failed", zap.Error(err))
		} else {
			resp.Pipeline = snap
			if s.alerter != nil {
				resp.Alerts = s.alerter.Evaluate(snap)
			}
			for _, a := range resp.Alerts {
				if a.Severity == monitoring.SeverityHigh {
					resp.Status = "degraded"
				}
			}
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	cities, err := s.store.ListCities(r.Context())
	if err != nil {
		s.internalError(w, "list cities", err)
		return
	}
	if cities == nil {
		cities = []model.City{}
	}
	writeJSON(w, http.StatusOK, cities)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetCity(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "city not found")
			return
		}
		s.internalError(w, "get city", err)
		return
	}

	records, err := s.store.Forecast(r.Context(), id)
	if err != nil {
		s.internalError(w, "forecast", err)
		return
	}
	days := make([]forecastDay, 0, len(records))
	for _, rec := range records {
		days = append(days, forecastDay{Date: rec.Date.Format(dateLayout), Precipitation: rec.Precipitation})
	}
	writeJSON(w, http.StatusOK, days)
}

func (s *Server) handleWatersheds(w http.ResponseWriter, r *http.Request) {
	watersheds, err := s.store.ListWatersheds(r.Context())
	if err != nil {
		s.internalError(w, "list watersheds", err)
		return
	}

	fc := featureCollection{Type: "FeatureCollection", Features: make([]watershedFeature, 0, len(watersheds))}
	for _, ws := range watersheds {
		f := watershedFeature{
			Type:       "Feature",
			ID:         ws.ID,
			Properties: watershedProperties{Name: ws.Name, WarningLevel: ws.WarningLevel},
		}
		if len(ws.Geometry) > 0 {
			g, err := ewkb.Unmarshal(ws.Geometry)
			if err != nil {
				zap.L().Warn("api: undecodable watershed geometry",
					zap.Int64("watershed_id", ws.ID), zap.Error(err))
			} else if f.Geometry, err = geojson.Encode(g); err != nil {
				zap.L().Warn("api: watershed geometry not encodable as GeoJSON",
					zap.Int64("watershed_id", ws.ID), zap.Error(err))
			}
		}
		fc.Features = append(fc.Features, f)
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleWatershedPrecipitation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	date := model.Day(s.clock.Now())
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}

	if _, err := s.store.GetWatershed(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "watershed not found")
			return
		}
		s.internalError(w, "get watershed", err)
		return
	}

	avg, err := s.store.AveragePrecipitation(r.Context(), id, date)
	if err != nil {
		s.internalError(w, "average precipitation", err)
		return
	}
	writeJSON(w, http.StatusOK, precipitationResponse{
		WatershedID:   id,
		Date:          date.Format(dateLayout),
		Precipitation: avg,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Status: model.RunStatus(q.Get("status"))}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}
