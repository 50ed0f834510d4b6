// Package geodata loads the reference data the pipeline runs against: the
// African subset of the OpenWeatherMap city list and the BV_* watershed
// shapefiles.
package geodata

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/floodwatch/floodwatch-cli/internal/model"
)

// Store is the write surface the importers need.
type Store interface {
	InsertCities(ctx context.Context, cities []model.City) (int64, error)
	WatershedExists(ctx context.Context, name string) (bool, error)
	InsertWatershed(ctx context.Context, name string, geometry []byte) error
	AssignCities(ctx context.Context) (int64, error)
}

// cityBatchSize bounds one InsertCities call.
const cityBatchSize = 5000

type owmCity struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
	Coord   struct {
		Lon float64 `json:"lon"`
		Lat float64 `json:"lat"`
	} `json:"coord"`
}

// CityImport reports the outcome of ImportCities.
type CityImport struct {
	Matched  int   `json:"matched"`
	Inserted int64 `json:"inserted"`
}

// ImportCitiesFile opens path and imports it with ImportCities.
func ImportCitiesFile(ctx context.Context, st Store, path string) (*CityImport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ImportCities(ctx, st, f)
}

// ImportCities streams an OWM city.list.json array and inserts every entry
// whose country is African. Existing (name, country code) pairs are left
// alone, so the import can be repeated.
func ImportCities(ctx context.Context, st Store, r io.Reader) (*CityImport, error) {
	log := zap.L().With(zap.String("component", "geodata.cities"))

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrap(err, "geodata: read city list")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, eris.New("geodata: city list must be a JSON array")
	}

	res := &CityImport{}
	batch := make([]model.City, 0, cityBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := st.InsertCities(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "geodata: insert cities")
		}
		res.Inserted += n
		batch = batch[:0]
		return nil
	}

	for i := 0; dec.More(); i++ {
		var c owmCity
		if err := dec.Decode(&c); err != nil {
			return nil, eris.Wrapf(err, "geodata: decode city entry %d", i)
		}
		country, ok := CountryName(c.Country)
		if !ok {
			continue
		}
		res.Matched++
		batch = append(batch, model.City{
			Name:        c.Name,
			CountryCode: c.Country,
			Country:     country,
			Location:    &model.Point{Lon: c.Coord.Lon, Lat: c.Coord.Lat},
		})
		if len(batch) == cityBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	log.Info("african cities imported",
		zap.Int("matched", res.Matched),
		zap.Int64("inserted", res.Inserted),
	)
	return res, nil
}

// AssignCities links every city to the watershed containing it.
func AssignCities(ctx context.Context, st Store) (int64, error) {
	n, err := st.AssignCities(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "geodata: assign cities")
	}
	zap.L().Info("cities assigned to watersheds", zap.Int64("assigned", n))
	return n, nil
}
