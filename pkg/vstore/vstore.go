// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package vstore defines the named operations the service needs from a
// key-value store with TTLs, sets and counters, and provides the Redis
// implementation. Injecting the interface keeps failure-injection tests
// straightforward and lets the rate limiter fail closed when the backing
// store is down.
package vstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("key not found")

// OpKind names a pipelined operation.
type OpKind int

// Pipelined operation kinds.
const (
	OpSetEx OpKind = iota
	OpDelete
	OpSetAdd
	OpSetRemove
	OpSetExpire
)

// Op is one operation in a pipeline.
type Op struct {
	Kind   OpKind
	Key    string
	Value  string
	Member string
	TTL    time.Duration
}

// Store is the volatile-store interface.
type Store interface {
	// SetEx upserts a key with an expiration.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lifetime of key. Zero means no expiry or
	// absent key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrWithInitialTTL atomically increments key and returns the new
	// count. The writer that observes count 1 sets ttl on the key; the
	// increment itself is atomic, so exactly one writer does.
	IncrWithInitialTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetAdd adds members to the set at key.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetRemove removes a member from the set at key.
	SetRemove(ctx context.Context, key, member string) error

	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetIsMember reports membership in the set at key.
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	// SetExpire refreshes the TTL of the set at key.
	SetExpire(ctx context.Context, key string, ttl time.Duration) error

	// ScanDelete removes every key matching pattern using cursor-based
	// scanning and returns the number deleted.
	ScanDelete(ctx context.Context, pattern string) (int64, error)

	// Pipeline executes ops in a single round-trip.
	Pipeline(ctx context.Context, ops []Op) error

	// Ping probes liveness.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
