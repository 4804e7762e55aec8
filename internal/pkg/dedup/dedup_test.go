package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimOnce(t *testing.T) {
	d := NewMemory(time.Minute)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "pay-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Claim(ctx, "pay-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRelease(t *testing.T) {
	d := NewMemory(time.Minute)
	ctx := context.Background()

	ok, _ := d.Claim(ctx, "k")
	require.True(t, ok)
	require.NoError(t, d.Release(ctx, "k"))

	ok, _ = d.Claim(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newMemoryDeduper(time.Minute, func() time.Time { return now })
	ctx := context.Background()

	ok, _ := d.Claim(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = d.Claim(ctx, "k")
	assert.True(t, ok, "claim expires after ttl")

	ok, _ = d.Claim(ctx, "other")
	require.True(t, ok)
	now = now.Add(5 * time.Minute)
	_, _ = d.Claim(ctx, "trigger-gc")
	d.mu.Lock()
	assert.Len(t, d.seen, 1)
	d.mu.Unlock()
}

func TestMemoryConcurrentClaims(t *testing.T) {
	d := NewMemory(time.Minute)
	var won int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := d.Claim(context.Background(), "same"); ok {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won)
}

func TestNewWithoutRedis(t *testing.T) {
	d, err := New("", "", 0, "", 0)
	require.NoError(t, err)
	_, ok := d.(*memoryDeduper)
	assert.True(t, ok)
}
