// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/caldera-auth/caldera/pkg/vstore"
)

// Hot is the volatile-store tier for frequently read, short-lived
// projections such as per-principal permissions.
type Hot struct {
	store  vstore.Store
	hits   atomic.Int64
	misses atomic.Int64
}

// NewHot wraps the volatile store as a cache tier.
func NewHot(store vstore.Store) *Hot {
	return &Hot{store: store}
}

// Get returns the cached value; a missing key is a miss, not an error.
func (h *Hot) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := h.store.Get(ctx, key)
	if errors.Is(err, vstore.ErrNotFound) {
		h.misses.Add(1)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	h.hits.Add(1)
	return val, true, nil
}

// Set upserts a value with a TTL.
func (h *Hot) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return h.store.SetEx(ctx, key, value, ttl)
}

// Delete removes a key.
func (h *Hot) Delete(ctx context.Context, key string) error {
	return h.store.Delete(ctx, key)
}

// DeletePattern removes every key matching pattern.
func (h *Hot) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	return h.store.ScanDelete(ctx, pattern)
}

// CleanupExpired is a no-op: the store expires keys natively.
func (h *Hot) CleanupExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// Stats returns hit/miss counters. Entry counts are not tracked for the hot
// tier; the store owns its keyspace.
func (h *Hot) Stats(_ context.Context) (Stats, error) {
	return Stats{Hits: h.hits.Load(), Misses: h.misses.Load()}, nil
}
