package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/floodwatch/floodwatch-cli/internal/model"
)

const dateLayout = "2006-01-02"

// sqliteBatchSize bounds rows per multi-row INSERT to stay under the
// bound-parameter limit.
const sqliteBatchSize = 500

// SQLiteStore implements Store using modernc.org/sqlite. It has no spatial
// functions: locations are plain columns and AssignCities is unsupported.
type SQLiteStore struct {
	db *sql.DB
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection is used so per-connection pragmas hold for every query.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS watersheds (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	geom          BLOB,
	warning_level TEXT NOT NULL DEFAULT 'green'
);

CREATE TABLE IF NOT EXISTS cities (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	country_code  TEXT NOT NULL DEFAULT 'N/A',
	country       TEXT NOT NULL,
	lon           REAL,
	lat           REAL,
	population    INTEGER,
	watershed_id  INTEGER REFERENCES watersheds(id) ON DELETE SET NULL,
	warning_level TEXT NOT NULL DEFAULT 'green',
	UNIQUE (name, country_code)
);

CREATE TABLE IF NOT EXISTS precipitation_records (
	city_id       INTEGER NOT NULL REFERENCES cities(id) ON DELETE CASCADE,
	date          TEXT NOT NULL,
	precipitation REAL,
	PRIMARY KEY (city_id, date)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	stats        TEXT NOT NULL DEFAULT '{}',
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_cities_watershed ON cities(watershed_id);
CREATE INDEX IF NOT EXISTS idx_precipitation_date ON precipitation_records(date);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
`

const sqliteSelectCities = `SELECT id, name, country_code, country, lon, lat, population, watershed_id, warning_level FROM cities`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(ctx, &sqliteTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) ListCities(ctx context.Context) ([]model.City, error) {
	return sqliteListCities(ctx, s.db)
}

func (s *SQLiteStore) GetCity(ctx context.Context, id int64) (*model.City, error) {
	c, err := sqliteScanCity(s.db.QueryRowContext(ctx, sqliteSelectCities+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: city %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get city %d", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListWatersheds(ctx context.Context) ([]model.Watershed, error) {
	return sqliteListWatersheds(ctx, s.db)
}

func (s *SQLiteStore) GetWatershed(ctx context.Context, id int64) (*model.Watershed, error) {
	var w model.Watershed
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, geom, warning_level FROM watersheds WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &w.Geometry, &w.WarningLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: watershed %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get watershed %d", id)
	}
	return &w, nil
}

func (s *SQLiteStore) Forecast(ctx context.Context, cityID int64) ([]model.PrecipitationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT city_id, date, precipitation FROM precipitation_records WHERE city_id = ? ORDER BY date`, cityID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: forecast for city %d", cityID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PrecipitationRecord
	for rows.Next() {
		var r model.PrecipitationRecord
		var date string
		if err := rows.Scan(&r.CityID, &date, &r.Precipitation); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan precipitation record")
		}
		if r.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date %q", date)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: forecast iterate")
}

func (s *SQLiteStore) SeriesFor(ctx context.Context, cityID int64) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT precipitation FROM precipitation_records WHERE city_id = ? AND precipitation IS NOT NULL ORDER BY date`, cityID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: series for city %d", cityID)
	}
	defer rows.Close() //nolint:errcheck

	series := []float64{}
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan series value")
		}
		series = append(series, v)
	}
	return series, eris.Wrap(rows.Err(), "sqlite: series iterate")
}

func (s *SQLiteStore) AveragePrecipitation(ctx context.Context, watershedID int64, date time.Time) (*float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(p.precipitation) FROM precipitation_records p JOIN cities c ON c.id = p.city_id WHERE c.watershed_id = ? AND p.date = ?`,
		watershedID, model.Day(date).Format(dateLayout),
	).Scan(&avg)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: average precipitation for watershed %d", watershedID)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

func (s *SQLiteStore) WarningCounts(ctx context.Context) (*WarningCounts, error) {
	rows, err := s.db.QueryContext(ctx, warningCountsSQL)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: warning counts")
	}
	defer rows.Close() //nolint:errcheck

	wc := newWarningCounts()
	for rows.Next() {
		var kind, level string
		var n int64
		if err := rows.Scan(&kind, &level, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan warning count")
		}
		if err := wc.add(kind, level, n); err != nil {
			return nil, err
		}
	}
	return wc, eris.Wrap(rows.Err(), "sqlite: warning counts iterate")
}

func (s *SQLiteStore) StartRun(ctx context.Context, startedAt time.Time) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		StartedAt: startedAt.UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, status, started_at) VALUES (?, ?, ?)`,
		run.ID, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, completedAt, stats, nil)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, completedAt time.Time, stats model.RunStats, runErr error) error {
	msg := "unknown error"
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.finishRun(ctx, runID, model.RunStatusFailed, completedAt, stats, &msg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, at time.Time, stats model.RunStats, msg *string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, completed_at = ?, stats = ?, error = ? WHERE id = ?`,
		string(status), at.UTC(), string(statsJSON), msg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, started_at, completed_at, stats, error FROM pipeline_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, runLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status, statsJSON string
		var completed sql.NullTime
		var msg sql.NullString
		if err := rows.Scan(&r.ID, &status, &r.StartedAt, &completed, &statsJSON, &msg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		if err := json.Unmarshal([]byte(statsJSON), &r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run stats")
		}
		r.Error = msg.String
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) InsertCities(ctx context.Context, cities []model.City) (int64, error) {
	var total int64
	for start := 0; start < len(cities); start += sqliteBatchSize {
		end := min(start+sqliteBatchSize, len(cities))
		batch := cities[start:end]

		args := make([]any, 0, len(batch)*5)
		for _, c := range batch {
			var lon, lat *float64
			if c.Location != nil {
				lon, lat = model.Float(c.Location.Lon), model.Float(c.Location.Lat)
			}
			args = append(args, c.Name, c.CountryCode, c.Country, lon, lat)
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO cities (name, country_code, country, lon, lat) VALUES `+placeholders(len(batch), 5)+
				` ON CONFLICT (name, country_code) DO NOTHING`,
			args...,
		)
		if err != nil {
			return total, eris.Wrap(err, "sqlite: insert cities")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLiteStore) WatershedExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM watersheds WHERE name = ?)`, name).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: watershed exists %s", name)
	}
	return exists, nil
}

func (s *SQLiteStore) InsertWatershed(ctx context.Context, name string, geometry []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watersheds (name, geom) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`, name, geometry)
	return eris.Wrapf(err, "sqlite: insert watershed %s", name)
}

// AssignCities needs point-in-polygon support, which SQLite lacks.
func (s *SQLiteStore) AssignCities(context.Context) (int64, error) {
	return 0, eris.Wrap(ErrUnsupported, "sqlite: assign cities")
}

type sqliteTx struct {
	q sqlQuerier
}

func (t *sqliteTx) UpsertPrecipitation(ctx context.Context, records []model.PrecipitationRecord) (int64, error) {
	records = dedupeRecords(records)
	var total int64
	for start := 0; start < len(records); start += sqliteBatchSize {
		end := min(start+sqliteBatchSize, len(records))
		batch := records[start:end]

		args := make([]any, 0, len(batch)*3)
		for _, r := range batch {
			args = append(args, r.CityID, r.Date.Format(dateLayout), r.Precipitation)
		}
		res, err := t.q.ExecContext(ctx,
			`INSERT INTO precipitation_records (city_id, date, precipitation) VALUES `+placeholders(len(batch), 3)+
				` ON CONFLICT (city_id, date) DO UPDATE SET precipitation = excluded.precipitation`,
			args...,
		)
		if err != nil {
			return total, eris.Wrap(err, "sqlite: upsert precipitation")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *sqliteTx) Prune(ctx context.Context, lower, upper time.Time) (int64, error) {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM precipitation_records WHERE date < ? OR date > ?`,
		model.Day(lower).Format(dateLayout), model.Day(upper).Format(dateLayout),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune precipitation")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (t *sqliteTx) UpdatePopulations(ctx context.Context, populations map[int64]int64) (int64, error) {
	var total int64
	for id, pop := range populations {
		res, err := t.q.ExecContext(ctx, `UPDATE cities SET population = ? WHERE id = ?`, pop, id)
		if err != nil {
			return total, eris.Wrapf(err, "sqlite: update population for city %d", id)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *sqliteTx) ListCities(ctx context.Context) ([]model.City, error) {
	return sqliteListCities(ctx, t.q)
}

func (t *sqliteTx) ListWatersheds(ctx context.Context) ([]model.Watershed, error) {
	return sqliteListWatersheds(ctx, t.q)
}

func (t *sqliteTx) AllSeries(ctx context.Context) (map[int64][]float64, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT city_id, precipitation FROM precipitation_records WHERE precipitation IS NOT NULL ORDER BY city_id, date`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: all series")
	}
	defer rows.Close() //nolint:errcheck

	series := make(map[int64][]float64)
	for rows.Next() {
		var id int64
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan series row")
		}
		series[id] = append(series[id], v)
	}
	return series, eris.Wrap(rows.Err(), "sqlite: all series iterate")
}

func (t *sqliteTx) SetCityWarning(ctx context.Context, cityID int64, level model.WarningLevel) error {
	_, err := t.q.ExecContext(ctx, `UPDATE cities SET warning_level = ? WHERE id = ?`, level.String(), cityID)
	return eris.Wrapf(err, "sqlite: set city %d warning", cityID)
}

func (t *sqliteTx) SetWatershedWarning(ctx context.Context, watershedID int64, level model.WarningLevel) error {
	_, err := t.q.ExecContext(ctx, `UPDATE watersheds SET warning_level = ? WHERE id = ?`, level.String(), watershedID)
	return eris.Wrapf(err, "sqlite: set watershed %d warning", watershedID)
}

func sqliteListCities(ctx context.Context, q sqlQuerier) ([]model.City, error) {
	rows, err := q.QueryContext(ctx, sqliteSelectCities+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cities")
	}
	defer rows.Close() //nolint:errcheck

	var cities []model.City
	for rows.Next() {
		c, err := sqliteScanCity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan city")
		}
		cities = append(cities, *c)
	}
	return cities, eris.Wrap(rows.Err(), "sqlite: list cities iterate")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteScanCity(row rowScanner) (*model.City, error) {
	var c model.City
	var lon, lat sql.NullFloat64
	var pop, watershed sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &c.CountryCode, &c.Country, &lon, &lat, &pop, &watershed, &c.WarningLevel); err != nil {
		return nil, err
	}
	if lon.Valid && lat.Valid {
		c.Location = &model.Point{Lon: lon.Float64, Lat: lat.Float64}
	}
	if pop.Valid {
		c.Population = model.Int64(pop.Int64)
	}
	if watershed.Valid {
		c.WatershedID = model.Int64(watershed.Int64)
	}
	return &c, nil
}

func sqliteListWatersheds(ctx context.Context, q sqlQuerier) ([]model.Watershed, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, geom, warning_level FROM watersheds ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list watersheds")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Watershed
	for rows.Next() {
		var w model.Watershed
		if err := rows.Scan(&w.ID, &w.Name, &w.Geometry, &w.WarningLevel); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan watershed")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list watersheds iterate")
}

// placeholders renders n groups of width "?" markers: (?, ?), (?, ?).
func placeholders(n, width int) string {
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	return strings.TrimSuffix(strings.Repeat(group+", ", n), ", ")
}
