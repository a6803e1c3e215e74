// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the two cache tiers used for read projections: a
// hot tier over the volatile store and a cold tier over the
// solid_cache_entries table. Both speak the same operational interface, and
// every reader treats a miss as authoritative "re-resolve from source".
package cache

import (
	"context"
	"time"
)

// Cache is the operational interface shared by both tiers.
type Cache interface {
	// Get returns the cached value. found=false is a miss, never an error.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set upserts a value with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching pattern and returns the
	// number removed. Pattern syntax is glob-style ("permissions:user:*").
	DeletePattern(ctx context.Context, pattern string) (int64, error)

	// CleanupExpired removes expired entries where expiry is not native.
	CleanupExpired(ctx context.Context) (int64, error)

	// Stats returns counters for observability.
	Stats(ctx context.Context) (Stats, error)
}

// Stats summarizes a tier's state.
type Stats struct {
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
