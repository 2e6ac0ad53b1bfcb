// Package geo resolves coordinates to KMA observation stations and forecast grid cells.
package geo

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/kjstillabower/air-advisory-service/internal/models"
)

// Unresolved is the station id returned when no station can be matched.
const Unresolved = 0

//go:embed data/stations.json
var defaultStationsJSON []byte

// Resolver holds an immutable station table. Safe for concurrent use.
type Resolver struct {
	stations []models.Station
}

// NewResolver returns a Resolver over a private copy of stations. Table order is kept
// because it breaks distance ties.
func NewResolver(stations []models.Station) *Resolver {
	cp := make([]models.Station, len(stations))
	copy(cp, stations)
	return &Resolver{stations: cp}
}

// DefaultResolver returns a Resolver over the embedded ASOS station table.
func DefaultResolver() (*Resolver, error) {
	stations, err := ParseStations(defaultStationsJSON)
	if err != nil {
		return nil, fmt.Errorf("embedded station table: %w", err)
	}
	return NewResolver(stations), nil
}

// LoadResolver reads a JSON station table from path. An empty path returns DefaultResolver.
func LoadResolver(path string) (*Resolver, error) {
	if path == "" {
		return DefaultResolver()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read station table: %w", err)
	}
	stations, err := ParseStations(data)
	if err != nil {
		return nil, fmt.Errorf("station table %s: %w", path, err)
	}
	return NewResolver(stations), nil
}

// ParseStations decodes a JSON array of {stn_id, lon, lat, stn_ko}.
func ParseStations(data []byte) ([]models.Station, error) {
	var stations []models.Station
	if err := json.Unmarshal(data, &stations); err != nil {
		return nil, fmt.Errorf("parse stations: %w", err)
	}
	return stations, nil
}

// Stations returns a copy of the table.
func (r *Resolver) Stations() []models.Station {
	cp := make([]models.Station, len(r.stations))
	copy(cp, r.stations)
	return cp
}

// Station looks up a station by id.
func (r *Resolver) Station(id int) (models.Station, bool) {
	for _, s := range r.stations {
		if s.ID == id {
			return s, true
		}
	}
	return models.Station{}, false
}

// NearestStation returns the id of the station closest to (lat, lon) by planar
// Euclidean distance over raw degrees. The metric is not geodesic and must stay that
// way: changing it changes which station wins near boundaries. Ties keep the first
// station in table order. Returns Unresolved for an empty table.
func (r *Resolver) NearestStation(lat, lon float64) int {
	nearest := Unresolved
	minDist := math.Inf(1)
	for _, s := range r.stations {
		d := distance(lat, lon, s.Lat, s.Lon)
		if d < minDist {
			minDist = d
			nearest = s.ID
		}
	}
	return nearest
}

func distance(lat1, lon1, lat2, lon2 float64) float64 {
	return math.Sqrt((lat1-lat2)*(lat1-lat2) + (lon1-lon2)*(lon1-lon2))
}
