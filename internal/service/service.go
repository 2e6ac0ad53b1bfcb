package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/air-advisory-service/internal/advisory"
	"github.com/kjstillabower/air-advisory-service/internal/cache"
	"github.com/kjstillabower/air-advisory-service/internal/client"
	"github.com/kjstillabower/air-advisory-service/internal/geo"
	"github.com/kjstillabower/air-advisory-service/internal/kst"
	"github.com/kjstillabower/air-advisory-service/internal/models"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
)

// MaxForecastDays bounds the forecast route; the village forecast covers three days.
const MaxForecastDays = 3

var (
	// ErrUpstream wraps any weather client or advisory generator failure.
	ErrUpstream = errors.New("upstream unavailable")
	// ErrInvalidDays is returned by Forecast for a day count outside 1..MaxForecastDays.
	ErrInvalidDays = errors.New("invalid forecast day count")
)

// StationResolver maps coordinates to the nearest observation station.
type StationResolver interface {
	NearestStation(lat, lon float64) int
}

// RecordCache is the freshness-gated cache the read paths go through.
type RecordCache interface {
	Lookup(ctx context.Context, collection string, station int) (cache.Hit, bool, error)
	Upsert(ctx context.Context, collection string, station int, payload interface{}) (time.Time, error)
}

// Result is a read-path outcome. ObservedAt is the cached record's timestamp on a hit and
// the write time otherwise. StoreErr carries a failed cache write; Data is still valid.
type Result[T any] struct {
	Data       T
	Station    int
	ObservedAt time.Time
	Cached     bool
	StoreErr   error
}

// AdvisoryService serves the advisory read paths: resolve the station, consult the
// freshness-gated cache and fill misses from the weather client and generator.
type AdvisoryService struct {
	resolver  StationResolver
	client    client.WeatherClient
	generator advisory.Generator
	cache     RecordCache
	group     *singleflight.Group // nil unless miss coalescing is enabled
	now       func() time.Time
	logger    *zap.Logger
}

// NewAdvisoryService creates an AdvisoryService. When coalesce is true, concurrent misses
// for the same collection and station share one upstream fetch.
func NewAdvisoryService(resolver StationResolver, weather client.WeatherClient, generator advisory.Generator, records RecordCache, coalesce bool, logger *zap.Logger) *AdvisoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AdvisoryService{
		resolver:  resolver,
		client:    weather,
		generator: generator,
		cache:     records,
		now:       kst.Now,
		logger:    logger,
	}
	if coalesce {
		s.group = &singleflight.Group{}
	}
	return s
}

// Station resolves coordinates and counts the query for the tracked-station metric.
func (s *AdvisoryService) Station(lat, lon float64) int {
	station := s.resolver.NearestStation(lat, lon)
	observability.RecordStationQuery(station)
	return station
}

// Current returns PM10, temperature and humidity for the station nearest (lat, lon).
func (s *AdvisoryService) Current(ctx context.Context, lat, lon float64) (Result[models.CurrentAir], error) {
	station := s.Station(lat, lon)
	return readThrough(ctx, s, cache.CollectionCurrent, station, func(ctx context.Context) (models.CurrentAir, error) {
		cond, pm, err := s.fetchReading(ctx, station)
		if err != nil {
			return models.CurrentAir{}, err
		}
		return models.CurrentAir{PM10: pm.PM10, Temperature: cond.Temperature, Humidity: cond.Humidity}, nil
	})
}

// Ventilation returns the ventilation score for the station nearest (lat, lon).
func (s *AdvisoryService) Ventilation(ctx context.Context, lat, lon float64) (Result[models.Ventilation], error) {
	station := s.Station(lat, lon)
	return readThrough(ctx, s, cache.CollectionVentilation, station, func(ctx context.Context) (models.Ventilation, error) {
		r, err := s.Reading(ctx, station)
		if err != nil {
			return models.Ventilation{}, err
		}
		v, err := s.generator.VentilationScore(ctx, r)
		if err != nil {
			return models.Ventilation{}, upstream("ventilation score", err)
		}
		return v, nil
	})
}

// Outdoor returns the outdoor activity guide for the station nearest (lat, lon).
func (s *AdvisoryService) Outdoor(ctx context.Context, lat, lon float64) (Result[models.OutdoorGuide], error) {
	station := s.Station(lat, lon)
	return readThrough(ctx, s, cache.CollectionOutdoor, station, func(ctx context.Context) (models.OutdoorGuide, error) {
		r, err := s.Reading(ctx, station)
		if err != nil {
			return models.OutdoorGuide{}, err
		}
		g, err := s.generator.OutdoorGuide(ctx, r)
		if err != nil {
			return models.OutdoorGuide{}, upstream("outdoor guide", err)
		}
		return g, nil
	})
}

// Daily returns today's daily summary for the station nearest (lat, lon). A fresh cached
// summary of an earlier day is refetched.
func (s *AdvisoryService) Daily(ctx context.Context, lat, lon float64) (Result[models.DailySummary], error) {
	station := s.Station(lat, lon)
	today := kst.TodayDateString(s.now())
	res, ok := lookup[models.DailySummary](ctx, s, cache.CollectionDaily, station)
	if ok && res.Data.Date == today {
		return res, nil
	}
	return fill(ctx, s, cache.CollectionDaily, station, func(ctx context.Context) (models.DailySummary, error) {
		d, err := s.client.FetchDailySummary(ctx, station)
		if err != nil {
			return models.DailySummary{}, upstream("daily summary", err)
		}
		return d, nil
	})
}

// Appliances returns appliance usage advice from today's hourly forecast. Not cached.
func (s *AdvisoryService) Appliances(ctx context.Context, lat, lon float64) ([]models.ApplianceAdvice, error) {
	items, err := s.client.FetchHourlyForecast(ctx, geo.ToGrid(lat, lon))
	if err != nil {
		return nil, upstream("hourly forecast", err)
	}
	today := kst.TodayDateString(s.now())
	var todays []models.ForecastItem
	for _, it := range items {
		if it.Date == today {
			todays = append(todays, it)
		}
	}
	advice, err := s.generator.ApplianceGuide(ctx, todays)
	if err != nil {
		return nil, upstream("appliance guide", err)
	}
	return advice, nil
}

// Forecast returns the outlook and guide for days consecutive days starting today. Not cached.
func (s *AdvisoryService) Forecast(ctx context.Context, lat, lon float64, days int) (models.Forecast, error) {
	if days < 1 || days > MaxForecastDays {
		return models.Forecast{}, fmt.Errorf("%w: %d", ErrInvalidDays, days)
	}
	items, err := s.client.FetchHourlyForecast(ctx, geo.ToGrid(lat, lon))
	if err != nil {
		return models.Forecast{}, upstream("hourly forecast", err)
	}
	outlook := Outlook(items, kst.FutureDateStrings(s.now(), days))
	guides, err := s.generator.ForecastGuide(ctx, outlook)
	if err != nil {
		return models.Forecast{}, upstream("forecast guide", err)
	}
	return models.Forecast{Days: outlook, Guides: guides}, nil
}

// Outlook groups forecast items into one DayOutlook per date: TMP min and max, POP max,
// REH mean. Dates without any TMP/REH/POP item have HasObservations false.
func Outlook(items []models.ForecastItem, dates []string) []models.DayOutlook {
	type acc struct {
		minT, maxT float64
		hasT       bool
		maxPOP     int
		rehSum     float64
		rehN       int
		seen       bool
	}
	byDate := make(map[string]*acc, len(dates))
	for _, d := range dates {
		byDate[d] = &acc{}
	}
	for _, it := range items {
		a, ok := byDate[it.Date]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(it.Value, 64)
		if err != nil {
			continue
		}
		switch it.Category {
		case "TMP":
			if !a.hasT || v < a.minT {
				a.minT = v
			}
			if !a.hasT || v > a.maxT {
				a.maxT = v
			}
			a.hasT = true
		case "POP":
			if int(v) > a.maxPOP {
				a.maxPOP = int(v)
			}
		case "REH":
			a.rehSum += v
			a.rehN++
		default:
			continue
		}
		a.seen = true
	}

	out := make([]models.DayOutlook, 0, len(dates))
	for _, d := range dates {
		a := byDate[d]
		day := models.DayOutlook{
			Date:            d,
			MinTemp:         a.minT,
			MaxTemp:         a.maxT,
			MaxPrecipChance: a.maxPOP,
			HasObservations: a.seen,
		}
		if a.rehN > 0 {
			day.AvgHumidity = a.rehSum / float64(a.rehN)
		}
		out = append(out, day)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Reading fetches conditions and particulate concurrently and builds the generator input
// with rainfall clamped at zero.
func (s *AdvisoryService) Reading(ctx context.Context, station int) (advisory.Reading, error) {
	cond, pm, err := s.fetchReading(ctx, station)
	if err != nil {
		return advisory.Reading{}, err
	}
	return advisory.Reading{
		Temperature: cond.Temperature,
		Humidity:    cond.Humidity,
		Rainfall:    cond.ClampedRainfall(),
		PM10:        pm.PM10,
	}, nil
}

func (s *AdvisoryService) fetchReading(ctx context.Context, station int) (models.Conditions, models.Particulate, error) {
	var (
		cond models.Conditions
		pm   models.Particulate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cond, err = s.client.FetchCurrentConditions(gctx, station)
		if err != nil {
			return upstream("current conditions", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		pm, err = s.client.FetchParticulateLevel(gctx, station)
		if err != nil {
			return upstream("particulate level", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.Conditions{}, models.Particulate{}, err
	}
	return cond, pm, nil
}

// upstream wraps err in ErrUpstream. Caller cancellation is passed through unchanged.
func upstream(what string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, what, err)
}

// readThrough serves a fresh cached record or fills the miss with fetch.
func readThrough[T any](ctx context.Context, s *AdvisoryService, collection string, station int, fetch func(context.Context) (T, error)) (Result[T], error) {
	if res, ok := lookup[T](ctx, s, collection, station); ok {
		return res, nil
	}
	return fill(ctx, s, collection, station, fetch)
}

// lookup returns a servable cached record. Store failures and undecodable payloads are
// logged and reported as a miss.
func lookup[T any](ctx context.Context, s *AdvisoryService, collection string, station int) (Result[T], bool) {
	logger := observability.LoggerFrom(ctx, s.logger)
	hit, ok, err := s.cache.Lookup(ctx, collection, station)
	if err != nil {
		logger.Warn("cache lookup failed; fetching live",
			zap.String("operation", "lookup"),
			zap.String("collection", collection),
			zap.Int("stn", station),
			zap.Error(err))
		return Result[T]{}, false
	}
	if !ok {
		return Result[T]{}, false
	}
	var data T
	if err := hit.Decode(&data); err != nil {
		logger.Warn("cached record not decodable; fetching live",
			zap.String("collection", collection),
			zap.Int("stn", station),
			zap.Error(err))
		return Result[T]{}, false
	}
	return Result[T]{Data: data, Station: station, ObservedAt: hit.ObservedAt, Cached: true}, true
}

// sharedFillTimeout bounds a coalesced fill when the caller that started it has no
// deadline of its own.
const sharedFillTimeout = 30 * time.Second

// fill fetches live data and writes it back. With coalescing on, concurrent fills of the
// same key share one fetch and one write. The shared fetch is detached from the
// starting caller's cancellation; each caller stops waiting when its own ctx is done.
func fill[T any](ctx context.Context, s *AdvisoryService, collection string, station int, fetch func(context.Context) (T, error)) (Result[T], error) {
	do := func(ctx context.Context) (interface{}, error) {
		data, err := fetch(ctx)
		if err != nil {
			observability.LoggerFrom(ctx, s.logger).Warn("live fetch failed",
				zap.String("operation", "fetch"),
				zap.String("collection", collection),
				zap.Int("stn", station),
				zap.Error(err))
			return Result[T]{}, err
		}
		res := Result[T]{Data: data, Station: station}
		at, err := s.cache.Upsert(ctx, collection, station, data)
		if err != nil {
			res.StoreErr = err
			at = s.now()
		}
		res.ObservedAt = at
		return res, nil
	}

	if s.group == nil {
		v, err := do(ctx)
		return v.(Result[T]), err
	}
	ch := s.group.DoChan(collection+":"+strconv.Itoa(station), func() (interface{}, error) {
		shared, cancel := detach(ctx)
		defer cancel()
		return do(shared)
	})
	select {
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result[T]{}, r.Err
		}
		return r.Val.(Result[T]), nil
	}
}

// detach keeps ctx's values (logger, correlation ID) and deadline but not its
// cancellation.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(base, deadline)
	}
	return context.WithTimeout(base, sharedFillTimeout)
}
