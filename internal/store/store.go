package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/floodwatch/floodwatch-cli/internal/model"
)

// ErrNotFound is returned when a city, watershed or run does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrUnsupported is returned by backends that lack a spatial capability.
var ErrUnsupported = eris.New("store: operation not supported by this backend")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// WarningCounts is the number of cities and watersheds at each level.
type WarningCounts struct {
	Cities     map[model.WarningLevel]int
	Watersheds map[model.WarningLevel]int
}

const warningCountsSQL = `SELECT 'city', warning_level, COUNT(*) FROM cities GROUP BY warning_level
UNION ALL
SELECT 'watershed', warning_level, COUNT(*) FROM watersheds GROUP BY warning_level`

func newWarningCounts() *WarningCounts {
	return &WarningCounts{
		Cities:     make(map[model.WarningLevel]int),
		Watersheds: make(map[model.WarningLevel]int),
	}
}

func (wc *WarningCounts) add(kind, level string, n int64) error {
	l, err := model.ParseWarningLevel(level)
	if err != nil {
		return err
	}
	if kind == "watershed" {
		wc.Watersheds[l] += int(n)
	} else {
		wc.Cities[l] += int(n)
	}
	return nil
}

// Store defines the persistence interface for the flood-risk pipeline.
type Store interface {
	// Reads
	ListCities(ctx context.Context) ([]model.City, error)
	GetCity(ctx context.Context, id int64) (*model.City, error)
	ListWatersheds(ctx context.Context) ([]model.Watershed, error)
	GetWatershed(ctx context.Context, id int64) (*model.Watershed, error)
	Forecast(ctx context.Context, cityID int64) ([]model.PrecipitationRecord, error)
	SeriesFor(ctx context.Context, cityID int64) ([]float64, error)
	AveragePrecipitation(ctx context.Context, watershedID int64, date time.Time) (*float64, error)
	WarningCounts(ctx context.Context) (*WarningCounts, error)

	// Run log
	StartRun(ctx context.Context, startedAt time.Time) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats) error
	FailRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats, runErr error) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Reference data
	InsertCities(ctx context.Context, cities []model.City) (int64, error)
	WatershedExists(ctx context.Context, name string) (bool, error)
	InsertWatershed(ctx context.Context, name string, geometry []byte) error
	AssignCities(ctx context.Context) (int64, error)

	// InTx runs fn inside a single transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the write surface of one pipeline update. Everything done through a
// Tx becomes visible atomically at commit.
type Tx interface {
	// UpsertPrecipitation inserts or overwrites records keyed by (city, date).
	UpsertPrecipitation(ctx context.Context, records []model.PrecipitationRecord) (int64, error)
	// Prune deletes records dated strictly before lower or strictly after upper.
	Prune(ctx context.Context, lower, upper time.Time) (int64, error)
	UpdatePopulations(ctx context.Context, populations map[int64]int64) (int64, error)

	ListCities(ctx context.Context) ([]model.City, error)
	ListWatersheds(ctx context.Context) ([]model.Watershed, error)
	// AllSeries returns every city's non-null precipitation values in
	// ascending date order, keyed by city id.
	AllSeries(ctx context.Context) (map[int64][]float64, error)

	SetCityWarning(ctx context.Context, cityID int64, level model.WarningLevel) error
	SetWatershedWarning(ctx context.Context, watershedID int64, level model.WarningLevel) error
}

// dedupeRecords keeps the last record for each (city, date) key so a batch
// never touches the same row twice.
func dedupeRecords(records []model.PrecipitationRecord) []model.PrecipitationRecord {
	type key struct {
		city int64
		date time.Time
	}
	idx := make(map[key]int, len(records))
	out := make([]model.PrecipitationRecord, 0, len(records))
	for _, r := range records {
		r.Date = model.Day(r.Date)
		k := key{r.CityID, r.Date}
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

func runLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
