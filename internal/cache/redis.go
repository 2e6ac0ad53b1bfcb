package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Backend with one JSON document per key, written without expiry.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisStore creates a RedisStore. The client connects lazily; call Ping to verify.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client}
}

// FindLatest implements Store.FindLatest. redis.Nil is a miss.
func (s *RedisStore) FindLatest(ctx context.Context, collection string, station int) (Record, bool, error) {
	val, err := s.client.Get(ctx, kvKey(collection, station)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := unmarshalRecord(val)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Upsert implements Store.Upsert.
func (s *RedisStore) Upsert(ctx context.Context, collection string, rec Record) error {
	raw, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, kvKey(collection, rec.Station), raw, 0).Err()
}

// Ping checks if redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client pool.
func (s *RedisStore) Close(ctx context.Context) error {
	return s.client.Close()
}
