// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission is the request admission layer: client identity, fixed
// window rate limiting, and load-shedding backpressure. It runs before any
// handler and speaks a short error envelope of its own, since rejected
// requests never reach the API's renderer.
package admission

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/caldera-auth/caldera/pkg/errors"
	"github.com/caldera-auth/caldera/pkg/vstore"
)

// Bucket is one fixed-window rate limit.
type Bucket struct {
	Limit  int64
	Window time.Duration
}

// Per-route buckets. Longest prefix wins; credential endpoints get tight
// budgets, everything else falls to the API-wide or global default.
var defaultBuckets = []struct {
	prefix string
	bucket Bucket
}{
	{"/api/v1/auth/login", Bucket{Limit: 5, Window: time.Minute}},
	{"/api/v1/auth/refresh", Bucket{Limit: 10, Window: time.Minute}},
	{"/api/v1/auth/logout", Bucket{Limit: 10, Window: time.Minute}},
	{"/api/v1/users/register", Bucket{Limit: 3, Window: time.Hour}},
	{"/api/v1/users/password", Bucket{Limit: 5, Window: time.Hour}},
	{"/api/", Bucket{Limit: 100, Window: time.Minute}},
	{"/", Bucket{Limit: 1000, Window: time.Minute}},
}

// shortError is the admission-layer envelope. It deliberately differs from
// the API envelope: admission rejections are cheap to produce and cheap to
// parse.
type shortError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeShortError(w http.ResponseWriter, status int, code, message string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(shortError{ErrorCode: code, Message: message})
}

// RateLimiter enforces per-client fixed windows backed by the volatile
// store. Store trouble trips a breaker and the limiter fails closed: an
// unprotected window during an outage is worse than shed traffic.
type RateLimiter struct {
	store   vstore.Store
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewRateLimiter creates the limiter.
func NewRateLimiter(store vstore.Store, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rate-limit-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("rate limit store breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return &RateLimiter{store: store, breaker: breaker, logger: logger}
}

func bucketFor(path string) Bucket {
	for _, entry := range defaultBuckets {
		if strings.HasPrefix(path, entry.prefix) {
			return entry.bucket
		}
	}
	return Bucket{Limit: 1000, Window: time.Minute}
}

// Middleware enforces the per-route bucket. CORS preflights and the
// operational endpoints pass through uncounted.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		bucket := bucketFor(r.URL.Path)
		key := fmt.Sprintf("rate_limit:%s:%s", ClientIP(r), r.URL.Path)

		result, err := rl.breaker.Execute(func() (any, error) {
			return rl.store.IncrWithInitialTTL(r.Context(), key, bucket.Window)
		})
		if err != nil {
			rl.logger.Error("rate limit check failed, rejecting", "error", err)
			rl.setLimitHeaders(w, bucket)
			writeShortError(w, http.StatusTooManyRequests, errors.CodeRateLimited,
				"rate limit unavailable, please retry", int(bucket.Window.Seconds()))
			return
		}

		count, _ := result.(int64)
		if count > bucket.Limit {
			rl.setLimitHeaders(w, bucket)
			writeShortError(w, http.StatusTooManyRequests, errors.CodeRateLimited,
				"too many requests, please slow down", int(bucket.Window.Seconds()))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) setLimitHeaders(w http.ResponseWriter, bucket Bucket) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(bucket.Limit, 10))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(int(bucket.Window.Seconds())))
}
