package geodata

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
)

const watershedPrefix = "BV_"

// WatershedImport reports the outcome of ImportWatersheds.
type WatershedImport struct {
	Found    int      `json:"found"`
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
}

// FindWatershedFiles lists the BV_*.shp files in dir in name order. Prefix
// and extension match case-insensitively.
func FindWatershedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: read dir %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if !strings.EqualFold(ext, ".shp") {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSuffix(name, ext)), watershedPrefix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ImportWatersheds imports every BV_*.shp in dir as one watershed named after
// the file. Names already present are skipped. A file that cannot be read is
// logged and recorded as failed; the import continues with the next file.
func ImportWatersheds(ctx context.Context, st Store, dir string) (*WatershedImport, error) {
	log := zap.L().With(zap.String("component", "geodata.watersheds"))

	files, err := FindWatershedFiles(dir)
	if err != nil {
		return nil, err
	}
	res := &WatershedImport{Found: len(files)}
	if len(files) == 0 {
		log.Warn("no BV_*.shp files found", zap.String("dir", dir))
		return res, nil
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		exists, err := st.WatershedExists(ctx, name)
		if err != nil {
			return res, eris.Wrapf(err, "geodata: check watershed %s", name)
		}
		if exists {
			log.Info("watershed already imported", zap.String("watershed", name))
			res.Skipped = append(res.Skipped, name)
			continue
		}

		data, features, err := ReadWatershed(path)
		if err == nil {
			err = st.InsertWatershed(ctx, name, data)
		}
		if err != nil {
			log.Error("watershed import failed", zap.String("watershed", name), zap.Error(err))
			res.Failed = append(res.Failed, name)
			continue
		}
		log.Info("watershed imported", zap.String("watershed", name), zap.Int("features", features))
		res.Imported = append(res.Imported, name)
	}

	log.Info("watershed import complete",
		zap.Int("found", res.Found),
		zap.Int("imported", len(res.Imported)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// ReadWatershed merges every polygon feature of a shapefile into one
// MultiPolygon (SRID 4326) and returns it as EWKB with the feature count.
// Coordinates are taken as-is; the files are expected in WGS84.
func ReadWatershed(path string) ([]byte, int, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "geodata: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	var features int
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil {
			continue
		}
		if appendPolygon(mp, poly) > 0 {
			features++
		}
	}
	if err := reader.Err(); err != nil {
		return nil, 0, eris.Wrapf(err, "geodata: read shapefile %s", path)
	}
	if mp.NumPolygons() == 0 {
		return nil, 0, eris.Errorf("geodata: no polygon features in %s", path)
	}

	data, err := ewkb.Marshal(mp, ewkb.NDR)
	if err != nil {
		return nil, 0, eris.Wrap(err, "geodata: encode EWKB")
	}
	return data, features, nil
}

// appendPolygon pushes each part of p onto mp as its own polygon and returns
// the number of parts added.
func appendPolygon(mp *geom.MultiPolygon, p *shp.Polygon) int {
	var added int
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			zap.L().Debug("geodata: skipping degenerate ring", zap.Int32("part", i))
			continue
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("geodata: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("geodata: skipping malformed polygon", zap.Int32("part", i), zap.Error(err))
			continue
		}
		added++
	}
	return added
}
