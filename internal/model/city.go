package model

import "time"

// Point is a WGS84 (SRID 4326) coordinate.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Valid reports whether the point lies within longitude/latitude bounds.
func (p Point) Valid() bool {
	return p.Lon >= -180 && p.Lon <= 180 && p.Lat >= -90 && p.Lat <= 90
}

// City is an African city tracked for flood risk.
type City struct {
	ID           int64        `json:"id"`
	Name         string       `json:"city"`
	CountryCode  string       `json:"country_code"`
	Country      string       `json:"country"`
	Location     *Point       `json:"location,omitempty"`
	Population   *int64       `json:"population,omitempty"`
	WatershedID  *int64       `json:"watershed_id,omitempty"`
	WarningLevel WarningLevel `json:"warning_level"`
}

// HasValidLocation reports whether a forecast can be requested for the city.
func (c City) HasValidLocation() bool {
	return c.Location != nil && c.Location.Valid()
}

// Watershed is a drainage basin grouping cities for aggregate reporting.
// Geometry holds the boundary as EWKB (MultiPolygon, SRID 4326).
type Watershed struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Geometry     []byte       `json:"-"`
	WarningLevel WarningLevel `json:"warning_level"`
}

// PrecipitationRecord is one city's rainfall for one calendar day.
// A nil Precipitation means no data.
type PrecipitationRecord struct {
	CityID        int64     `json:"city_id"`
	Date          time.Time `json:"date"`
	Precipitation *float64  `json:"precipitation"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
