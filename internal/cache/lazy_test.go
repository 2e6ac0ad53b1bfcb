package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLazy_DialsOnceAndReuses(t *testing.T) {
	var dials int32
	mem := NewInMemoryStore()
	l := NewLazy(func(ctx context.Context) (Backend, error) {
		atomic.AddInt32(&dials, 1)
		return mem, nil
	})

	if atomic.LoadInt32(&dials) != 0 {
		t.Fatal("NewLazy() should not dial")
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = l.FindLatest(ctx, CollectionCurrent, 108)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestLazy_RetriesFailedDial(t *testing.T) {
	var dials int32
	mem := NewInMemoryStore()
	l := NewLazy(func(ctx context.Context) (Backend, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return nil, errors.New("connection refused")
		}
		return mem, nil
	})

	ctx := context.Background()
	_, _, err := l.FindLatest(ctx, CollectionCurrent, 108)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("first FindLatest() error = %v, want ErrStoreUnavailable", err)
	}
	if err := l.Upsert(ctx, CollectionCurrent, Record{Station: 108, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("second call error = %v, want redial to succeed", err)
	}
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestLazy_CloseThenRedial(t *testing.T) {
	var dials int32
	l := NewLazy(func(ctx context.Context) (Backend, error) {
		atomic.AddInt32(&dials, 1)
		return NewInMemoryStore(), nil
	})
	ctx := context.Background()

	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close() before dial error = %v", err)
	}
	_ = l.Ping(ctx)
	_ = l.Close(ctx)
	_ = l.Ping(ctx)
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestNewBackend(t *testing.T) {
	for _, name := range []string{BackendMongo, BackendRedis, BackendMemcached, BackendInMemory, ""} {
		if _, err := NewBackend(BackendOptions{Backend: name}); err != nil {
			t.Errorf("NewBackend(%q) error = %v", name, err)
		}
	}
	if _, err := NewBackend(BackendOptions{Backend: "postgres"}); err == nil {
		t.Error("NewBackend(postgres) expected error")
	}
}

func TestNewBackend_InMemorySharesState(t *testing.T) {
	l, err := NewBackend(BackendOptions{Backend: BackendInMemory})
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	ctx := context.Background()
	_ = l.Upsert(ctx, CollectionDaily, Record{Station: 108, Payload: []byte(`{"a":1}`)})
	_ = l.Close(ctx)
	if _, ok, _ := l.FindLatest(ctx, CollectionDaily, 108); !ok {
		t.Error("in-memory backend should keep rows across Close")
	}
}
