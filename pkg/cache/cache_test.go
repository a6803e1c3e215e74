// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-auth/caldera/pkg/vstore"
)

func hotTier(t *testing.T) (*Hot, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewHot(vstore.NewRedisWithClient(client, "")), mr
}

func TestHotGetSetDelete(t *testing.T) {
	h, mr := hotTier(t)
	ctx := context.Background()

	_, found, err := h.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.Set(ctx, "k", "v", time.Minute))
	val, found, err := h.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	mr.FastForward(2 * time.Minute)
	_, found, err = h.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "expired entries are misses")

	require.NoError(t, h.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, h.Delete(ctx, "k"))
	_, found, err = h.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHotDeletePattern(t *testing.T) {
	h, _ := hotTier(t)
	ctx := context.Background()

	require.NoError(t, h.Set(ctx, "permissions:user:1", "a", time.Minute))
	require.NoError(t, h.Set(ctx, "permissions:user:2", "b", time.Minute))
	require.NoError(t, h.Set(ctx, "profile:user:1", "c", time.Minute))

	n, err := h.DeletePattern(ctx, "permissions:user:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, found, err := h.Get(ctx, "profile:user:1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestHotStats(t *testing.T) {
	h, _ := hotTier(t)
	ctx := context.Background()

	require.NoError(t, h.Set(ctx, "k", "v", time.Minute))
	_, _, _ = h.Get(ctx, "k")
	_, _, _ = h.Get(ctx, "absent")

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

// countingCache counts CleanupExpired calls for the cleaner test.
type countingCache struct {
	Cache
	calls atomic.Int64
}

func (c *countingCache) CleanupExpired(context.Context) (int64, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestCleanerRunsUntilCancelled(t *testing.T) {
	fake := &countingCache{}
	cleaner := NewCleaner(fake, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return fake.calls.Load() >= 2 },
		time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop on cancellation")
	}
}
