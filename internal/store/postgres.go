package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/floodwatch/floodwatch-cli/internal/db"
	"github.com/floodwatch/floodwatch-cli/internal/model"
)

// PostgresStore implements Store on PostgreSQL with PostGIS.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS watersheds (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	geom          geometry(MultiPolygon, 4326),
	warning_level TEXT NOT NULL DEFAULT 'green' CHECK (warning_level IN ('green', 'orange', 'red'))
);

CREATE TABLE IF NOT EXISTS cities (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL,
	country_code  TEXT NOT NULL DEFAULT 'N/A',
	country       TEXT NOT NULL,
	location      geometry(Point, 4326),
	population    BIGINT,
	watershed_id  BIGINT REFERENCES watersheds(id) ON DELETE SET NULL,
	warning_level TEXT NOT NULL DEFAULT 'green' CHECK (warning_level IN ('green', 'orange', 'red')),
	UNIQUE (name, country_code)
);

CREATE TABLE IF NOT EXISTS precipitation_records (
	city_id       BIGINT NOT NULL REFERENCES cities(id) ON DELETE CASCADE,
	date          DATE NOT NULL,
	precipitation DOUBLE PRECISION,
	PRIMARY KEY (city_id, date)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	stats        JSONB NOT NULL DEFAULT '{}',
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_watersheds_geom ON watersheds USING gist (geom);
CREATE INDEX IF NOT EXISTS idx_cities_location ON cities USING gist (location);
CREATE INDEX IF NOT EXISTS idx_cities_watershed ON cities(watershed_id);
CREATE INDEX IF NOT EXISTS idx_precipitation_date ON precipitation_records(date);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at DESC);
`

var precipitationUpsert = db.UpsertConfig{
	Table:        "precipitation_records",
	Columns:      []string{"city_id", "date", "precipitation"},
	ConflictKeys: []string{"city_id", "date"},
}

const (
	selectCities = `SELECT id, name, country_code, country, ST_X(location), ST_Y(location), population, watershed_id, warning_level FROM cities`
	selectRuns   = `SELECT id, status, started_at, completed_at, stats, error FROM pipeline_runs`
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx runs fn in a transaction; the deferred rollback is a no-op after commit.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func (s *PostgresStore) ListCities(ctx context.Context) ([]model.City, error) {
	return listCities(ctx, s.pool)
}

func (s *PostgresStore) GetCity(ctx context.Context, id int64) (*model.City, error) {
	row := s.pool.QueryRow(ctx, selectCities+` WHERE id = $1`, id)
	c, err := scanCity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: city %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get city %d", id)
	}
	return c, nil
}

func (s *PostgresStore) ListWatersheds(ctx context.Context) ([]model.Watershed, error) {
	return listWatersheds(ctx, s.pool, true)
}

func (s *PostgresStore) GetWatershed(ctx context.Context, id int64) (*model.Watershed, error) {
	var w model.Watershed
	var level string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, ST_AsEWKB(geom), warning_level FROM watersheds WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.Geometry, &level)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: watershed %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get watershed %d", id)
	}
	if w.WarningLevel, err = model.ParseWarningLevel(level); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) Forecast(ctx context.Context, cityID int64) ([]model.PrecipitationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT city_id, date, precipitation FROM precipitation_records WHERE city_id = $1 ORDER BY date`, cityID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: forecast for city %d", cityID)
	}
	defer rows.Close()

	var out []model.PrecipitationRecord
	for rows.Next() {
		var r model.PrecipitationRecord
		if err := rows.Scan(&r.CityID, &r.Date, &r.Precipitation); err != nil {
			return nil, eris.Wrap(err, "postgres: scan precipitation record")
		}
		r.Date = model.Day(r.Date)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: forecast iterate")
}

func (s *PostgresStore) SeriesFor(ctx context.Context, cityID int64) ([]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT precipitation FROM precipitation_records WHERE city_id = $1 AND precipitation IS NOT NULL ORDER BY date`, cityID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: series for city %d", cityID)
	}
	defer rows.Close()

	series := []float64{}
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan series value")
		}
		series = append(series, v)
	}
	return series, eris.Wrap(rows.Err(), "postgres: series iterate")
}

func (s *PostgresStore) AveragePrecipitation(ctx context.Context, watershedID int64, date time.Time) (*float64, error) {
	var avg *float64
	err := s.pool.QueryRow(ctx,
		`SELECT AVG(p.precipitation) FROM precipitation_records p JOIN cities c ON c.id = p.city_id WHERE c.watershed_id = $1 AND p.date = $2`,
		watershedID, model.Day(date),
	).Scan(&avg)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: average precipitation for watershed %d", watershedID)
	}
	return avg, nil
}

func (s *PostgresStore) WarningCounts(ctx context.Context) (*WarningCounts, error) {
	rows, err := s.pool.Query(ctx, warningCountsSQL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: warning counts")
	}
	defer rows.Close()

	wc := newWarningCounts()
	for rows.Next() {
		var kind, level string
		var n int64
		if err := rows.Scan(&kind, &level, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan warning count")
		}
		if err := wc.add(kind, level, n); err != nil {
			return nil, err
		}
	}
	return wc, eris.Wrap(rows.Err(), "postgres: warning counts iterate")
}

func (s *PostgresStore) StartRun(ctx context.Context, startedAt time.Time) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		StartedAt: startedAt.UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, status, started_at) VALUES ($1, $2, $3)`,
		run.ID, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, completedAt, stats, nil)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats, runErr error) error {
	msg := "unknown error"
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.finishRun(ctx, runID, model.RunStatusFailed, completedAt, stats, &msg)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, at time.Time, stats model.RunStats, msg *string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, completed_at = $2, stats = $3, error = $4 WHERE id = $5`,
		string(status), at.UTC(), statsJSON, msg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := selectRuns + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, runLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var statsJSON []byte
		var msg *string
		if err := rows.Scan(&r.ID, &r.Status, &r.StartedAt, &r.CompletedAt, &statsJSON, &msg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &r.Stats); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run stats")
			}
		}
		if msg != nil {
			r.Error = *msg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// InsertCities adds cities that are not yet present, matched on
// (name, country_code). Existing rows are left untouched.
func (s *PostgresStore) InsertCities(ctx context.Context, cities []model.City) (int64, error) {
	if len(cities) == 0 {
		return 0, nil
	}
	names := make([]string, len(cities))
	codes := make([]string, len(cities))
	countries := make([]string, len(cities))
	lons := make([]*float64, len(cities))
	lats := make([]*float64, len(cities))
	for i, c := range cities {
		names[i], codes[i], countries[i] = c.Name, c.CountryCode, c.Country
		if c.Location != nil {
			lons[i], lats[i] = model.Float(c.Location.Lon), model.Float(c.Location.Lat)
		}
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO cities (name, country_code, country, location)
SELECT n, cc, c, CASE WHEN lon IS NULL OR lat IS NULL THEN NULL ELSE ST_SetSRID(ST_MakePoint(lon, lat), 4326) END
FROM unnest($1::text[], $2::text[], $3::text[], $4::float8[], $5::float8[]) AS t(n, cc, c, lon, lat)
ON CONFLICT (name, country_code) DO NOTHING`,
		names, codes, countries, lons, lats,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert cities")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) WatershedExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM watersheds WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: watershed exists %s", name)
	}
	return exists, nil
}

// InsertWatershed stores a boundary given as EWKB MultiPolygon.
func (s *PostgresStore) InsertWatershed(ctx context.Context, name string, geometry []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watersheds (name, geom) VALUES ($1, ST_SetSRID(ST_Multi(ST_GeomFromEWKB($2)), 4326)) ON CONFLICT (name) DO NOTHING`,
		name, geometry,
	)
	return eris.Wrapf(err, "postgres: insert watershed %s", name)
}

// AssignCities links each located city to the watershed containing it.
// Cities outside every watershed get no watershed.
func (s *PostgresStore) AssignCities(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE cities AS c SET watershed_id = (
	SELECT w.id FROM watersheds w WHERE ST_Contains(w.geom, c.location) ORDER BY w.id LIMIT 1
) WHERE c.location IS NOT NULL`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: assign cities")
	}
	return tag.RowsAffected(), nil
}

// pgTx implements Tx over an open pgx transaction.
type pgTx struct {
	q db.Querier
}

func (t *pgTx) UpsertPrecipitation(ctx context.Context, records []model.PrecipitationRecord) (int64, error) {
	records = dedupeRecords(records)
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.CityID, r.Date, r.Precipitation}
	}
	n, err := db.BulkUpsert(ctx, t.q, precipitationUpsert, rows)
	return n, eris.Wrap(err, "postgres: upsert precipitation")
}

func (t *pgTx) Prune(ctx context.Context, lower, upper time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx,
		`DELETE FROM precipitation_records WHERE date < $1 OR date > $2`,
		model.Day(lower), model.Day(upper),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune precipitation")
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) UpdatePopulations(ctx context.Context, populations map[int64]int64) (int64, error) {
	if len(populations) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(populations))
	for id := range populations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pops := make([]int64, len(ids))
	for i, id := range ids {
		pops[i] = populations[id]
	}

	tag, err := t.q.Exec(ctx,
		`UPDATE cities AS c SET population = v.population FROM unnest($1::bigint[], $2::bigint[]) AS v(id, population) WHERE c.id = v.id`,
		ids, pops,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: update populations")
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ListCities(ctx context.Context) ([]model.City, error) {
	return listCities(ctx, t.q)
}

func (t *pgTx) ListWatersheds(ctx context.Context) ([]model.Watershed, error) {
	return listWatersheds(ctx, t.q, false)
}

func (t *pgTx) AllSeries(ctx context.Context) (map[int64][]float64, error) {
	rows, err := t.q.Query(ctx,
		`SELECT city_id, precipitation FROM precipitation_records WHERE precipitation IS NOT NULL ORDER BY city_id, date`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: all series")
	}
	defer rows.Close()

	series := make(map[int64][]float64)
	for rows.Next() {
		var id int64
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan series row")
		}
		series[id] = append(series[id], v)
	}
	return series, eris.Wrap(rows.Err(), "postgres: all series iterate")
}

func (t *pgTx) SetCityWarning(ctx context.Context, cityID int64, level model.WarningLevel) error {
	_, err := t.q.Exec(ctx, `UPDATE cities SET warning_level = $1 WHERE id = $2`, level.String(), cityID)
	return eris.Wrapf(err, "postgres: set city %d warning", cityID)
}

func (t *pgTx) SetWatershedWarning(ctx context.Context, watershedID int64, level model.WarningLevel) error {
	_, err := t.q.Exec(ctx, `UPDATE watersheds SET warning_level = $1 WHERE id = $2`, level.String(), watershedID)
	return eris.Wrapf(err, "postgres: set watershed %d warning", watershedID)
}

func listCities(ctx context.Context, q db.Querier) ([]model.City, error) {
	rows, err := q.Query(ctx, selectCities+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cities")
	}
	defer rows.Close()

	var cities []model.City
	for rows.Next() {
		c, err := scanCity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan city")
		}
		cities = append(cities, *c)
	}
	return cities, eris.Wrap(rows.Err(), "postgres: list cities iterate")
}

func scanCity(row pgx.Row) (*model.City, error) {
	var c model.City
	var lon, lat *float64
	var level string
	if err := row.Scan(&c.ID, &c.Name, &c.CountryCode, &c.Country, &lon, &lat, &c.Population, &c.WatershedID, &level); err != nil {
		return nil, err
	}
	if lon != nil && lat != nil {
		c.Location = &model.Point{Lon: *lon, Lat: *lat}
	}
	var err error
	if c.WarningLevel, err = model.ParseWarningLevel(level); err != nil {
		return nil, err
	}
	return &c, nil
}

func listWatersheds(ctx context.Context, q db.Querier, withGeometry bool) ([]model.Watershed, error) {
	query := `SELECT id, name, NULL::bytea, warning_level FROM watersheds ORDER BY id`
	if withGeometry {
		query = `SELECT id, name, ST_AsEWKB(geom), warning_level FROM watersheds ORDER BY id`
	}
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list watersheds")
	}
	defer rows.Close()

	var out []model.Watershed
	for rows.Next() {
		var w model.Watershed
		var level string
		if err := rows.Scan(&w.ID, &w.Name, &w.Geometry, &level); err != nil {
			return nil, eris.Wrap(err, "postgres: scan watershed")
		}
		if w.WarningLevel, err = model.ParseWarningLevel(level); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list watersheds iterate")
}
