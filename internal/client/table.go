package client

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/air-advisory-service/internal/models"
)

// Column offsets in the typ01 whitespace tables. Column 0 is TM, column 1 is STN.
const (
	colStation = 1

	colSurfaceWS = 3
	colSurfaceTA = 11
	colSurfaceHM = 13
	colSurfaceRN = 15

	colPM10 = 2

	colDailyTAAvg = 10
	colDailyTAMax = 11
	colDailyTAMin = 13
	colDailyHMAvg = 18
)

// findRow returns the fields of the first data row for station. Comment lines start
// with '#'.
func findRow(body []byte, station int) ([]string, error) {
	want := strconv.Itoa(station)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		if len(fields) > colStation && fields[colStation] == want {
			return fields, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return nil, ErrStationNotFound
}

func floatAt(fields []string, col int, name string) (float64, error) {
	if col >= len(fields) {
		return 0, fmt.Errorf("parse response: %s column %d missing (row has %d)", name, col, len(fields))
	}
	v, err := strconv.ParseFloat(fields[col], 64)
	if err != nil {
		return 0, fmt.Errorf("parse response: %s: %w", name, err)
	}
	return v, nil
}

func parseConditions(fields []string, station int, observedAt time.Time) (models.Conditions, error) {
	c := models.Conditions{Station: station, ObservedAt: observedAt}
	var err error
	if c.WindSpeed, err = floatAt(fields, colSurfaceWS, "WS"); err != nil {
		return models.Conditions{}, err
	}
	if c.Temperature, err = floatAt(fields, colSurfaceTA, "TA"); err != nil {
		return models.Conditions{}, err
	}
	if c.Humidity, err = floatAt(fields, colSurfaceHM, "HM"); err != nil {
		return models.Conditions{}, err
	}
	if c.Rainfall, err = floatAt(fields, colSurfaceRN, "RN"); err != nil {
		return models.Conditions{}, err
	}
	return c, nil
}

func parseParticulate(fields []string, station int) models.Particulate {
	pm10, err := floatAt(fields, colPM10, "PM10")
	if err != nil {
		pm10 = 0
	}
	return models.Particulate{Station: station, PM10: pm10}
}

func parseDailySummary(fields []string, station int, date string) (models.DailySummary, error) {
	d := models.DailySummary{Station: station, Date: date}
	var err error
	if d.AvgTemp, err = floatAt(fields, colDailyTAAvg, "TA_AVG"); err != nil {
		return models.DailySummary{}, err
	}
	if d.MaxTemp, err = floatAt(fields, colDailyTAMax, "TA_MAX"); err != nil {
		return models.DailySummary{}, err
	}
	if d.MinTemp, err = floatAt(fields, colDailyTAMin, "TA_MIN"); err != nil {
		return models.DailySummary{}, err
	}
	if d.AvgHumidity, err = floatAt(fields, colDailyHMAvg, "HM_AVG"); err != nil {
		return models.DailySummary{}, err
	}
	return d, nil
}
