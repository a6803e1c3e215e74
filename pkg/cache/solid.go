// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the solid tier needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Solid is the relational tier, a key/value table with explicit expiration.
// It suits colder reads (principal projections) where a round-trip to the
// database is acceptable and the volatile store should stay lean. Expired
// rows are removed by the cleanup loop, not by the reads.
type Solid struct {
	db     DB
	hits   atomic.Int64
	misses atomic.Int64
}

// NewSolid wraps the relational store as a cache tier.
func NewSolid(db DB) *Solid {
	return &Solid{db: db}
}

// Get returns the cached value if present and unexpired.
func (s *Solid) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM solid_cache_entries WHERE key = $1 AND expires_at > NOW()`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		s.misses.Add(1)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	s.hits.Add(1)
	return value, true, nil
}

// Set upserts a value with a TTL.
func (s *Solid) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO solid_cache_entries (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   expires_at = EXCLUDED.expires_at`,
		key, value, time.Now().UTC().Add(ttl),
	)
	return err
}

// Delete removes a key.
func (s *Solid) Delete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM solid_cache_entries WHERE key = $1`, key)
	return err
}

// DeletePattern removes every key matching a glob-style pattern. The glob is
// translated to a SQL LIKE pattern so both tiers accept the same argument.
func (s *Solid) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	like := strings.NewReplacer("%", `\%`, "_", `\_`, "*", "%").Replace(pattern)
	tag, err := s.db.Exec(ctx, `DELETE FROM solid_cache_entries WHERE key LIKE $1`, like)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CleanupExpired removes rows whose expiry has passed.
func (s *Solid) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM solid_cache_entries WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats returns entry counts plus process-local hit/miss counters.
func (s *Solid) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE expires_at <= NOW()) FROM solid_cache_entries`,
	).Scan(&stats.Entries, &stats.Expired)
	return stats, err
}
