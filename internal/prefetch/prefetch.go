// Package prefetch refreshes the cached advisories of a fixed station list.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-advisory-service/internal/advisory"
	"github.com/kjstillabower/air-advisory-service/internal/cache"
	"github.com/kjstillabower/air-advisory-service/internal/models"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
)

// DefaultStations is the sweep list.
var DefaultStations = []models.Station{
	{ID: 108, Lon: 126.9658, Lat: 37.57142, Name: "서울"},
	{ID: 112, Lon: 126.6249, Lat: 37.47772, Name: "인천"},
	{ID: 119, Lon: 126.983, Lat: 37.25746, Name: "수원"},
}

// ReadingSource fetches the live generator input for a station. Implemented by the
// service layer.
type ReadingSource interface {
	Reading(ctx context.Context, station int) (advisory.Reading, error)
}

// Writer stores a payload for (collection, station) with a fresh updatedAt.
type Writer interface {
	Upsert(ctx context.Context, collection string, station int, payload interface{}) (time.Time, error)
}

// StationResult is the outcome for one station. Err is nil on success.
type StationResult struct {
	Station int    `json:"stn"`
	Name    string `json:"name"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// Summary reports which stations were refreshed.
type Summary struct {
	Succeeded []StationResult `json:"succeeded"`
	Failed    []StationResult `json:"failed"`
}

// Sweeper runs the prefetch sweep.
type Sweeper struct {
	source    ReadingSource
	generator advisory.Generator
	writer    Writer
	stations  []models.Station
	logger    *zap.Logger
}

// NewSweeper creates a Sweeper over stations; DefaultStations when stations is empty.
func NewSweeper(source ReadingSource, generator advisory.Generator, writer Writer, stations []models.Station, logger *zap.Logger) *Sweeper {
	if len(stations) == 0 {
		stations = DefaultStations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		source:    source,
		generator: generator,
		writer:    writer,
		stations:  append([]models.Station(nil), stations...),
		logger:    logger,
	}
}

// Run fetches and stores current, ventilation and outdoor records for every station, one
// station at a time. It never consults cached data. A station failure is logged and
// the sweep moves on; Run only returns early when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	logger := observability.LoggerFrom(ctx, s.logger)
	start := time.Now()
	observability.PrefetchRunsTotal.Inc()
	logger.Info("prefetch started", zap.Int("stations", len(s.stations)))

	summary := Summary{Succeeded: []StationResult{}, Failed: []StationResult{}}
	for _, st := range s.stations {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res := StationResult{Station: st.ID, Name: st.Name}
		if err := s.refresh(ctx, st.ID); err != nil {
			res.Err = err
			res.Error = err.Error()
			summary.Failed = append(summary.Failed, res)
			observability.PrefetchFailuresTotal.WithLabelValues(strconv.Itoa(st.ID)).Inc()
			logger.Error("prefetch station failed",
				zap.Int("stn", st.ID),
				zap.String("name", st.Name),
				zap.Error(err))
			continue
		}
		summary.Succeeded = append(summary.Succeeded, res)
		logger.Info("prefetch station done", zap.Int("stn", st.ID), zap.String("name", st.Name))
	}

	duration := time.Since(start).Seconds()
	observability.PrefetchDurationSeconds.Observe(duration)
	logger.Info("prefetch complete",
		zap.Int("succeeded", len(summary.Succeeded)),
		zap.Int("failed", len(summary.Failed)),
		zap.Float64("duration_seconds", duration))
	return summary, nil
}

func (s *Sweeper) refresh(ctx context.Context, station int) error {
	r, err := s.source.Reading(ctx, station)
	if err != nil {
		return fmt.Errorf("fetch reading: %w", err)
	}
	current := models.CurrentAir{PM10: r.PM10, Temperature: r.Temperature, Humidity: r.Humidity}
	if _, err := s.writer.Upsert(ctx, cache.CollectionCurrent, station, current); err != nil {
		return err
	}

	vent, err := s.generator.VentilationScore(ctx, r)
	if err != nil {
		return fmt.Errorf("ventilation score: %w", err)
	}
	if _, err := s.writer.Upsert(ctx, cache.CollectionVentilation, station, vent); err != nil {
		return err
	}

	outdoor, err := s.generator.OutdoorGuide(ctx, r)
	if err != nil {
		return fmt.Errorf("outdoor guide: %w", err)
	}
	if _, err := s.writer.Upsert(ctx, cache.CollectionOutdoor, station, outdoor); err != nil {
		return err
	}
	return nil
}

// StoreFailures counts failed stations whose error was a store write.
func (s Summary) StoreFailures() int {
	n := 0
	for _, f := range s.Failed {
		if errors.Is(f.Err, cache.ErrStoreUnavailable) {
			n++
		}
	}
	return n
}
