package pipeline

import (
	"context"
	"time"

	"github.com/floodwatch/floodwatch-cli/internal/model"
	"github.com/floodwatch/floodwatch-cli/internal/risk"
	"github.com/floodwatch/floodwatch-cli/internal/store"
)

// Entity kinds reported in warning changes.
const (
	KindCity      = "city"
	KindWatershed = "watershed"
)

// Reclassify recomputes every city's level from its stored series, then every
// watershed's level from its member cities. Only levels that changed are
// written. It must run after the precipitation writes of the same transaction.
func Reclassify(ctx context.Context, tx store.Tx, t risk.Thresholds, at time.Time) ([]model.WarningChange, error) {
	cities, err := tx.ListCities(ctx)
	if err != nil {
		return nil, err
	}
	series, err := tx.AllSeries(ctx)
	if err != nil {
		return nil, err
	}

	var changes []model.WarningChange
	members := make(map[int64][]model.WarningLevel)
	for _, c := range cities {
		level := t.Classify(series[c.ID])
		if level != c.WarningLevel {
			if err := tx.SetCityWarning(ctx, c.ID, level); err != nil {
				return nil, err
			}
			changes = append(changes, model.WarningChange{
				Kind: KindCity, ID: c.ID, Name: c.Name, From: c.WarningLevel, To: level, At: at,
			})
		}
		if c.WatershedID != nil {
			members[*c.WatershedID] = append(members[*c.WatershedID], level)
		}
	}

	watersheds, err := tx.ListWatersheds(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range watersheds {
		level := risk.Aggregate(members[w.ID])
		if level == w.WarningLevel {
			continue
		}
		if err := tx.SetWatershedWarning(ctx, w.ID, level); err != nil {
			return nil, err
		}
		changes = append(changes, model.WarningChange{
			Kind: KindWatershed, ID: w.ID, Name: w.Name, From: w.WarningLevel, To: level, At: at,
		})
	}
	return changes, nil
}
