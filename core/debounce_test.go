package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebounceSuppressesWithinWindow(t *testing.T) {
	store := newSpyStore()
	clock := newFakeClock()
	d := NewDebouncer(store, 0, nil)
	d.SetClock(clock.Now)
	ctx := context.Background()

	assert.True(t, d.Allow(ctx, "page-1"))
	clock.Advance(2 * time.Second)
	assert.False(t, d.Allow(ctx, "page-1"))
	assert.True(t, d.Allow(ctx, "page-2"), "other documents are independent")

	clock.Advance(DefaultDebounceWindow)
	assert.True(t, d.Allow(ctx, "page-1"))
}

func TestDebounceFailsOpen(t *testing.T) {
	store := newSpyStore()
	d := NewDebouncer(store, time.Minute, nil)
	ctx := context.Background()

	store.failGet.Store(true)
	assert.True(t, d.Allow(ctx, "page-1"))
	assert.True(t, d.Allow(ctx, "page-1"))

	store.failGet.Store(false)
	store.failSet.Store(true)
	assert.True(t, d.Allow(ctx, "page-1"))
}

func TestDebounceIgnoresCorruptMarker(t *testing.T) {
	store := newSpyStore()
	d := NewDebouncer(store, time.Minute, nil)
	ctx := context.Background()

	_ = store.Set(ctx, DebounceKeyPrefix+"page-1", []byte("yesterday"))
	assert.True(t, d.Allow(ctx, "page-1"))
	assert.False(t, d.Allow(ctx, "page-1"))
}

func TestDebounceSingleWinnerUnderContention(t *testing.T) {
	d := NewDebouncer(newSpyStore(), time.Minute, nil)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Allow(ctx, "hot-page") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestDebounceEmptyID(t *testing.T) {
	d := NewDebouncer(newSpyStore(), time.Minute, nil)
	assert.True(t, d.Allow(context.Background(), ""))
	assert.True(t, d.Allow(context.Background(), ""))
}
