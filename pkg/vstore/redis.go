// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package vstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

const scanBatch = 100

// RedisStore implements Store over a Redis client.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis connects to the Redis URL and verifies the connection.
func NewRedis(ctx context.Context, url, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: keyPrefix}, nil
}

// NewRedisWithClient wraps a pre-configured client. This is useful for
// testing with miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// SetEx upserts a key with an expiration.
func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// Get returns the value for key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	return n > 0, err
}

// TTL returns the remaining lifetime of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		// -1 (no expiry) and -2 (no key) both normalize to zero.
		return 0, nil
	}
	return ttl, nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// IncrWithInitialTTL atomically increments key; the first writer sets ttl.
// INCR and EXPIRE NX travel in one transactional pipeline, so the counter
// can never be left behind without an expiry.
func (s *RedisStore) IncrWithInitialTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.key(key))
		pipe.ExpireNX(ctx, s.key(key), ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// SetAdd adds members to the set at key.
func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, s.key(key), args...).Err()
}

// SetRemove removes a member from the set at key.
func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, s.key(key), member).Err()
}

// SetMembers returns all members of the set at key.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, s.key(key)).Result()
}

// SetIsMember reports membership in the set at key.
func (s *RedisStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, s.key(key), member).Result()
}

// SetExpire refreshes the TTL of the set at key.
func (s *RedisStore) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.key(key), ttl).Err()
}

// ScanDelete removes every key matching pattern with cursor-based SCAN.
func (s *RedisStore) ScanDelete(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.key(pattern), scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Pipeline executes ops in a single round-trip.
func (s *RedisStore) Pipeline(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, op := range ops {
		switch op.Kind {
		case OpSetEx:
			pipe.Set(ctx, s.key(op.Key), op.Value, op.TTL)
		case OpDelete:
			pipe.Del(ctx, s.key(op.Key))
		case OpSetAdd:
			pipe.SAdd(ctx, s.key(op.Key), op.Member)
		case OpSetRemove:
			pipe.SRem(ctx, s.key(op.Key), op.Member)
		case OpSetExpire:
			pipe.Expire(ctx, s.key(op.Key), op.TTL)
		default:
			return fmt.Errorf("unknown pipeline op kind %d", op.Kind)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Ping probes liveness.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
