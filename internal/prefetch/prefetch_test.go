package prefetch

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kjstillabower/air-advisory-service/internal/advisory"
	"github.com/kjstillabower/air-advisory-service/internal/cache"
	"github.com/kjstillabower/air-advisory-service/internal/models"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
)

type mockSource struct {
	fail  map[int]bool
	calls []int
}

func (m *mockSource) Reading(ctx context.Context, station int) (advisory.Reading, error) {
	m.calls = append(m.calls, station)
	if m.fail[station] {
		return advisory.Reading{}, errors.New("upstream unavailable")
	}
	return advisory.Reading{Temperature: 20, Humidity: 50, PM10: float64(station)}, nil
}

type mockGenerator struct{}

func (mockGenerator) VentilationScore(ctx context.Context, r advisory.Reading) (models.Ventilation, error) {
	return models.Ventilation{Score: 70, Status: "좋음"}, nil
}

func (mockGenerator) OutdoorGuide(ctx context.Context, r advisory.Reading) (models.OutdoorGuide, error) {
	return models.OutdoorGuide{Advisability: "추천"}, nil
}

func (mockGenerator) ApplianceGuide(ctx context.Context, items []models.ForecastItem) ([]models.ApplianceAdvice, error) {
	return nil, nil
}

func (mockGenerator) ForecastGuide(ctx context.Context, days []models.DayOutlook) ([]models.DayGuide, error) {
	return nil, nil
}

type brokenStore struct{}

func (brokenStore) FindLatest(ctx context.Context, collection string, station int) (cache.Record, bool, error) {
	return cache.Record{}, false, errors.New("no connection")
}

func (brokenStore) Upsert(ctx context.Context, collection string, rec cache.Record) error {
	return errors.New("no connection")
}

func TestRun_WritesAllCollections(t *testing.T) {
	store := cache.NewInMemoryStore()
	c := cache.New(store, nil)
	s := NewSweeper(&mockSource{}, mockGenerator{}, c, nil, nil)

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(summary.Succeeded) != 3 || len(summary.Failed) != 0 {
		t.Fatalf("Run() summary = %+v, want 3 succeeded", summary)
	}
	for _, st := range DefaultStations {
		for _, coll := range []string{cache.CollectionCurrent, cache.CollectionVentilation, cache.CollectionOutdoor} {
			if _, ok, err := c.Lookup(context.Background(), coll, st.ID); err != nil || !ok {
				t.Errorf("Lookup(%s, %d) = %v, %v; want fresh hit", coll, st.ID, ok, err)
			}
		}
	}

	hit, _, _ := c.Lookup(context.Background(), cache.CollectionCurrent, 112)
	var cur models.CurrentAir
	if err := hit.Decode(&cur); err != nil || cur.PM10 != 112 {
		t.Errorf("current 112 = %+v, %v", cur, err)
	}
}

func TestRun_ContinuesAfterStationFailure(t *testing.T) {
	source := &mockSource{fail: map[int]bool{112: true}}
	before := testutil.ToFloat64(observability.PrefetchFailuresTotal.WithLabelValues("112"))
	s := NewSweeper(source, mockGenerator{}, cache.New(cache.NewInMemoryStore(), nil), nil, nil)

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(summary.Succeeded) != 2 || len(summary.Failed) != 1 {
		t.Fatalf("Run() summary = %+v, want 2 succeeded and 1 failed", summary)
	}
	if summary.Failed[0].Station != 112 || summary.Failed[0].Error == "" {
		t.Errorf("failed = %+v, want station 112 with error text", summary.Failed[0])
	}
	if len(source.calls) != 3 || source.calls[2] != 119 {
		t.Errorf("stations visited = %v, want all three in order", source.calls)
	}
	if got := testutil.ToFloat64(observability.PrefetchFailuresTotal.WithLabelValues("112")) - before; got != 1 {
		t.Errorf("prefetch failures for 112 increased by %v, want 1", got)
	}
}

func TestRun_StoreUnavailableFailsEveryStation(t *testing.T) {
	s := NewSweeper(&mockSource{}, mockGenerator{}, cache.New(brokenStore{}, nil), nil, nil)

	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(summary.Failed) != 3 || summary.StoreFailures() != 3 {
		t.Errorf("Run() summary = %+v, want 3 store failures", summary)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	source := &mockSource{}
	s := NewSweeper(source, mockGenerator{}, cache.New(cache.NewInMemoryStore(), nil), nil, nil)

	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(source.calls) != 0 {
		t.Errorf("stations visited = %v, want none", source.calls)
	}
}

func TestNewSweeper_CustomStations(t *testing.T) {
	source := &mockSource{}
	s := NewSweeper(source, mockGenerator{}, cache.New(cache.NewInMemoryStore(), nil), []models.Station{{ID: 133, Name: "대전"}}, nil)
	summary, _ := s.Run(context.Background())
	if len(summary.Succeeded) != 1 || summary.Succeeded[0].Station != 133 {
		t.Errorf("Run() summary = %+v", summary)
	}
}
