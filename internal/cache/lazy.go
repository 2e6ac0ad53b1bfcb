package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Backend names accepted by NewBackend.
const (
	BackendMongo     = "mongo"
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendInMemory  = "in_memory"
)

// Dialer opens a backend connection.
type Dialer func(ctx context.Context) (Backend, error)

// Lazy is a Backend that dials on first use and reuses the connection afterwards.
// At most one connection is live. A failed dial is not cached, so the next call
// dials again. Safe for concurrent use.
type Lazy struct {
	dial Dialer

	mu      sync.Mutex
	backend Backend
}

// NewLazy returns a Lazy that opens its connection with dial.
func NewLazy(dial Dialer) *Lazy {
	return &Lazy{dial: dial}
}

// get returns the live backend, dialling if needed. Concurrent first callers wait on
// the same dial.
func (l *Lazy) get(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend != nil {
		return l.backend, nil
	}
	b, err := l.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrStoreUnavailable, err)
	}
	l.backend = b
	return b, nil
}

// FindLatest implements Store.FindLatest.
func (l *Lazy) FindLatest(ctx context.Context, collection string, station int) (Record, bool, error) {
	b, err := l.get(ctx)
	if err != nil {
		return Record{}, false, err
	}
	return b.FindLatest(ctx, collection, station)
}

// Upsert implements Store.Upsert.
func (l *Lazy) Upsert(ctx context.Context, collection string, rec Record) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}
	return b.Upsert(ctx, collection, rec)
}

// Ping dials if needed, then pings the backend.
func (l *Lazy) Ping(ctx context.Context) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}
	return b.Ping(ctx)
}

// Close closes the live connection, if any. A later call dials again.
func (l *Lazy) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == nil {
		return nil
	}
	err := l.backend.Close(ctx)
	l.backend = nil
	return err
}

// BackendOptions selects and configures a store backend.
type BackendOptions struct {
	Backend string

	MongoURI      string
	MongoDatabase string

	Redis RedisOptions

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
}

// NewBackend returns a Lazy over the backend named in opts. Nothing is dialled until
// first use.
func NewBackend(opts BackendOptions) (*Lazy, error) {
	switch opts.Backend {
	case BackendMongo:
		return NewLazy(func(ctx context.Context) (Backend, error) {
			return ConnectMongo(ctx, opts.MongoURI, opts.MongoDatabase)
		}), nil
	case BackendRedis:
		return NewLazy(func(ctx context.Context) (Backend, error) {
			s := NewRedisStore(opts.Redis)
			if err := s.Ping(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, fmt.Errorf("redis ping failed: %w", err)
			}
			return s, nil
		}), nil
	case BackendMemcached:
		return NewLazy(func(ctx context.Context) (Backend, error) {
			s := NewMemcachedStore(opts.MemcachedAddrs, opts.MemcachedTimeout, opts.MemcachedMaxIdleConns)
			if err := s.Ping(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, fmt.Errorf("memcached ping failed: %w", err)
			}
			return s, nil
		}), nil
	case BackendInMemory, "":
		mem := NewInMemoryStore()
		return NewLazy(func(ctx context.Context) (Backend, error) {
			return mem, nil
		}), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
