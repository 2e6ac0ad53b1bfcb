package models

// CurrentAir is the payload of the "current" collection.
type CurrentAir struct {
	PM10        float64 `json:"pm10"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Ventilation is the payload of the "ventilation" collection.
type Ventilation struct {
	Score       int    `json:"score"`
	Status      string `json:"status"`
	Emoji       string `json:"emoji"`
	Description string `json:"description"`
}

// OutdoorGuide is the payload of the "outdoor" collection.
type OutdoorGuide struct {
	Advisability    string   `json:"advisability"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

// ApplianceAdvice is a usage tip for one household appliance.
type ApplianceAdvice struct {
	Appliance string `json:"appliance"`
	Advice    string `json:"advice"`
	Hours     string `json:"hours,omitempty"`
}

// DayOutlook aggregates the village forecast of one civil day.
type DayOutlook struct {
	Date            string  `json:"date"`
	MinTemp         float64 `json:"minTemp"`
	MaxTemp         float64 `json:"maxTemp"`
	MaxPrecipChance int     `json:"maxPrecipChance"`
	AvgHumidity     float64 `json:"avgHumidity"`
	HasObservations bool    `json:"-"`
}

// DayGuide is the generated advice for one DayOutlook.
type DayGuide struct {
	Date    string `json:"date"`
	Summary string `json:"summary"`
	Advice  string `json:"advice"`
}

// Forecast is the multi-day outlook with one guide per day, both in date order.
type Forecast struct {
	Days   []DayOutlook `json:"days"`
	Guides []DayGuide   `json:"guides"`
}
