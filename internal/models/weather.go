package models

import "time"

// Station is a fixed KMA surface observation site.
type Station struct {
	ID   int     `json:"stn_id"`
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
	Name string  `json:"stn_ko"`
}

// Grid is a KMA village-forecast grid cell.
type Grid struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Conditions is one hourly surface observation. Values are raw KMA values; missing
// measurements are reported by KMA as negative sentinels (-9, -99.9 ...).
type Conditions struct {
	Station     int       `json:"stn"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Rainfall    float64   `json:"rainfall"`
	WindSpeed   float64   `json:"windSpeed"`
	ObservedAt  time.Time `json:"observedAt"`
}

// ClampedRainfall returns rainfall floored at zero.
func (c Conditions) ClampedRainfall() float64 {
	if c.Rainfall < 0 {
		return 0
	}
	return c.Rainfall
}

// Particulate is the hourly PM10 concentration in µg/m³.
type Particulate struct {
	Station int     `json:"stn"`
	PM10    float64 `json:"pm10"`
}

// DailySummary is the daily surface statistics for one station.
type DailySummary struct {
	Station     int     `json:"stn"`
	Date        string  `json:"date"`
	AvgTemp     float64 `json:"avgTemp"`
	MaxTemp     float64 `json:"maxTemp"`
	MinTemp     float64 `json:"minTemp"`
	AvgHumidity float64 `json:"avgHumidity"`
}

// ForecastItem is one category value of the village forecast.
type ForecastItem struct {
	Category string `json:"category"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Value    string `json:"value"`
}
