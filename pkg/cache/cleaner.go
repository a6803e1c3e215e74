// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCleanupInterval is how often expired solid-cache rows are purged.
const DefaultCleanupInterval = time.Hour

// Cleaner periodically purges expired entries from a tier.
type Cleaner struct {
	cache    Cache
	interval time.Duration
	logger   *slog.Logger
}

// NewCleaner creates a cleaner for the given tier.
func NewCleaner(c Cache, interval time.Duration, logger *slog.Logger) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{cache: c, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, purging on each tick. Callers start it
// on its own goroutine.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.cache.CleanupExpired(ctx)
			if err != nil {
				c.logger.Error("cache cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				c.logger.Info("cache cleanup removed expired entries", "removed", removed)
			}
		}
	}
}
