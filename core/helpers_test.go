package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SamuelRCrider/pii-guard/kv"
)

var errStoreDown = errors.New("store unavailable")

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// spyStore wraps a kv.Store, counting reads and optionally failing calls
type spyStore struct {
	kv.Store
	gets    atomic.Int32
	failGet atomic.Bool
	failSet atomic.Bool
	failAll atomic.Bool
}

func newSpyStore() *spyStore {
	return &spyStore{Store: kv.NewMemory()}
}

func (s *spyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	if s.failGet.Load() || s.failAll.Load() {
		return nil, errStoreDown
	}
	return s.Store.Get(ctx, key)
}

func (s *spyStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failSet.Load() || s.failAll.Load() {
		return errStoreDown
	}
	return s.Store.Set(ctx, key, value)
}

func (s *spyStore) Delete(ctx context.Context, key string) error {
	if s.failAll.Load() {
		return errStoreDown
	}
	return s.Store.Delete(ctx, key)
}

func (s *spyStore) Query(ctx context.Context, prefix string, limit int) ([]kv.Record, error) {
	if s.failAll.Load() {
		return nil, errStoreDown
	}
	return s.Store.Query(ctx, prefix, limit)
}

func (s *spyStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	if s.failSet.Load() || s.failAll.Load() {
		return false, errStoreDown
	}
	return s.Store.CompareAndSwap(ctx, key, prev, next)
}
