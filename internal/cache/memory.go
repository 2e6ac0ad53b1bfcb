package cache

import (
	"context"
	"strconv"
	"sync"
)

// InMemoryStore implements Backend with a process-local map. Rows are never expired;
// freshness is decided by Cache. Safe for concurrent use.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[string][]Record
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows: make(map[string][]Record),
	}
}

func memoryKey(collection string, station int) string {
	return collection + ":" + strconv.Itoa(station)
}

// FindLatest implements Store.FindLatest. History rows appended with Insert are
// considered; the newest StoredAt wins.
func (s *InMemoryStore) FindLatest(ctx context.Context, collection string, station int) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.rows[memoryKey(collection, station)]
	if len(rows) == 0 {
		return Record{}, false, nil
	}
	return latest(rows), true, nil
}

// Upsert implements Store.Upsert by replacing every row for the key.
func (s *InMemoryStore) Upsert(ctx context.Context, collection string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[memoryKey(collection, rec.Station)] = []Record{rec}
	return nil
}

// Insert appends rec as an additional history row for its key.
func (s *InMemoryStore) Insert(ctx context.Context, collection string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey(collection, rec.Station)
	s.rows[key] = append(s.rows[key], rec)
	return nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close(ctx context.Context) error {
	return nil
}

// latest picks the row with the newest StoredAt. Rows without a timestamp only win
// when no row has one.
func latest(rows []Record) Record {
	best := rows[0]
	bestAt, bestOK := best.StoredAt()
	for _, r := range rows[1:] {
		at, ok := r.StoredAt()
		if !ok {
			continue
		}
		if !bestOK || at.After(bestAt) {
			best, bestAt, bestOK = r, at, true
		}
	}
	return best
}
