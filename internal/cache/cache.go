package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-advisory-service/internal/kst"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
)

// TTL is the maximum age of a record that may still be served.
const TTL = 3 * time.Hour

// Collection names. One record per (collection, station) is current.
const (
	CollectionCurrent     = "current"
	CollectionVentilation = "ventilation"
	CollectionOutdoor     = "outdoor"
	CollectionDaily       = "daily"
)

// Miss reasons, used as log fields and metric labels.
const (
	ReasonNoRecord     = "no_record"
	ReasonUnknownAge   = "unknown_age"
	ReasonStale        = "stale"
	ReasonFuture       = "future_timestamp"
	ReasonStoreFailure = "store_unavailable"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

// Record is one stored document: {stn, ...payload, updatedAt}. Timestamp is the legacy
// timestamp field some rows carry instead of updatedAt.
type Record struct {
	Station   int
	Payload   json.RawMessage
	UpdatedAt time.Time
	Timestamp time.Time
}

// StoredAt returns updatedAt if set, else timestamp. ok is false when neither is set.
func (r Record) StoredAt() (time.Time, bool) {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt, true
	}
	if !r.Timestamp.IsZero() {
		return r.Timestamp, true
	}
	return time.Time{}, false
}

// Store persists records addressed by (collection, station).
// FindLatest returns the record with the newest StoredAt among all rows for the key;
// rows without any timestamp sort last. Upsert overwrites the current row for the key.
type Store interface {
	FindLatest(ctx context.Context, collection string, station int) (Record, bool, error)
	Upsert(ctx context.Context, collection string, rec Record) error
}

// Backend is a Store that owns a connection.
type Backend interface {
	Store
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Hit is a servable cached payload.
type Hit struct {
	Payload    json.RawMessage
	ObservedAt time.Time
}

// Decode unmarshals the cached payload into v.
func (h Hit) Decode(v interface{}) error {
	if err := json.Unmarshal(h.Payload, v); err != nil {
		return fmt.Errorf("decode cached payload: %w", err)
	}
	return nil
}

// Cache gates store reads by record age. Lookup and Upsert for the same key may run
// concurrently; the last write wins.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// New returns a Cache over store with the fixed TTL and the KST clock.
func New(store Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		ttl:    TTL,
		now:    kst.Now,
		logger: logger,
	}
}

// Lookup returns the newest record for (collection, station) if it is at most TTL old.
// A false result with nil error is a miss. On store failure the error wraps
// ErrStoreUnavailable and callers should fall back to a live fetch.
func (c *Cache) Lookup(ctx context.Context, collection string, station int) (Hit, bool, error) {
	logger := observability.LoggerFrom(ctx, c.logger).With(
		zap.String("collection", collection),
		zap.Int("stn", station),
	)

	start := time.Now()
	rec, ok, err := c.store.FindLatest(ctx, collection, station)
	duration := time.Since(start).Seconds()
	if err != nil {
		observability.CacheOperationDurationSeconds.WithLabelValues("lookup", "error").Observe(duration)
		observability.CacheErrorsTotal.WithLabelValues("lookup").Inc()
		observability.CacheLookupsTotal.WithLabelValues(collection, "miss", ReasonStoreFailure).Inc()
		logger.Warn("cache lookup failed", zap.String("operation", "lookup"), zap.Error(err))
		return Hit{}, false, fmt.Errorf("lookup %s/%d: %w", collection, station, asUnavailable(err))
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("lookup", "success").Observe(duration)

	if !ok {
		c.miss(logger, collection, ReasonNoRecord)
		return Hit{}, false, nil
	}

	storedAt, ok := rec.StoredAt()
	if !ok {
		c.miss(logger, collection, ReasonUnknownAge)
		return Hit{}, false, nil
	}

	age := kst.Age(c.now(), storedAt)
	if age < 0 {
		c.miss(logger, collection, ReasonFuture, zap.Duration("age", age))
		return Hit{}, false, nil
	}
	if age > c.ttl {
		c.miss(logger, collection, ReasonStale, zap.Duration("age", age))
		return Hit{}, false, nil
	}

	observability.CacheLookupsTotal.WithLabelValues(collection, "hit", "").Inc()
	logger.Debug("cache hit", zap.Duration("age", age))
	return Hit{Payload: rec.Payload, ObservedAt: storedAt}, true, nil
}

func (c *Cache) miss(logger *zap.Logger, collection, reason string, fields ...zap.Field) {
	observability.CacheLookupsTotal.WithLabelValues(collection, "miss", reason).Inc()
	logger.Debug("cache miss", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

// Upsert stores payload for (collection, station) with updatedAt set to now, replacing
// the current record. payload must encode to a JSON object. Returns the updatedAt written.
func (c *Cache) Upsert(ctx context.Context, collection string, station int, payload interface{}) (time.Time, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("upsert %s/%d: encode payload: %w", collection, station, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return time.Time{}, fmt.Errorf("upsert %s/%d: payload must be a JSON object", collection, station)
	}

	updatedAt := c.now()
	rec := Record{
		Station:   station,
		Payload:   raw,
		UpdatedAt: updatedAt,
	}

	start := time.Now()
	if err := c.store.Upsert(ctx, collection, rec); err != nil {
		observability.CacheOperationDurationSeconds.WithLabelValues("upsert", "error").Observe(time.Since(start).Seconds())
		observability.CacheErrorsTotal.WithLabelValues("upsert").Inc()
		observability.LoggerFrom(ctx, c.logger).Error("cache upsert failed",
			zap.String("collection", collection),
			zap.Int("stn", station),
			zap.Error(err))
		return time.Time{}, fmt.Errorf("upsert %s/%d: %w", collection, station, asUnavailable(err))
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("upsert", "success").Observe(time.Since(start).Seconds())
	return updatedAt, nil
}

// asUnavailable wraps err in ErrStoreUnavailable unless it already is, or it is a
// caller cancellation.
func asUnavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
