package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "advisory:"

// MemcachedStore implements Backend with one JSON document per key. Items never
// expire; memcached may still evict them under memory pressure, which reads as a miss.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func kvKey(collection string, station int) string {
	return keyPrefix + collection + ":" + strconv.Itoa(station)
}

// FindLatest implements Store.FindLatest.
func (s *MemcachedStore) FindLatest(ctx context.Context, collection string, station int) (Record, bool, error) {
	if ctx.Err() != nil {
		return Record{}, false, ctx.Err()
	}
	item, err := s.client.Get(kvKey(collection, station))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec, err := unmarshalRecord(item.Value)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Upsert implements Store.Upsert.
func (s *MemcachedStore) Upsert(ctx context.Context, collection string, rec Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return s.client.Set(&memcache.Item{
		Key:   kvKey(collection, rec.Station),
		Value: raw,
	})
}

// Ping checks if memcached is reachable.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	return s.client.Ping()
}

// Close closes the memcached client connections.
func (s *MemcachedStore) Close(ctx context.Context) error {
	return s.client.Close()
}
