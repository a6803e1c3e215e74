// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/caldera-auth/caldera/pkg/errors"
)

// Health states reported by the backpressure gate.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Queue dispositions reported in the X-Queue-Status response header.
const (
	queueStatusProcessed = "processed"
	queueStatusRejected  = "rejected"
	queueStatusFull      = "full"
	queueStatusTimeout   = "timeout"
)

// BackpressureConfig tunes the gate.
type BackpressureConfig struct {
	// MaxConcurrent is the number of requests allowed in flight at once.
	MaxConcurrent int64

	// QueueCapacity bounds how many requests may wait for a slot.
	QueueCapacity int64

	// WaitTimeout bounds how long a queued request waits before shedding.
	WaitTimeout time.Duration

	// RejectThreshold sheds immediately once inflight+queued demand
	// reaches this count. Zero means MaxConcurrent+QueueCapacity.
	RejectThreshold int64
}

// DefaultBackpressureConfig matches a single mid-size instance.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxConcurrent: 100,
		QueueCapacity: 1000,
		WaitTimeout:   2 * time.Second,
	}
}

// bpMetrics are the gate's instruments, registered per instance so tests
// can use throwaway registries.
type bpMetrics struct {
	inflight  prometheus.Gauge
	queued    prometheus.Gauge
	rejected  *prometheus.CounterVec
	queueWait prometheus.Histogram
}

func newBPMetrics(reg prometheus.Registerer) *bpMetrics {
	m := &bpMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caldera_inflight_requests",
			Help: "Requests currently being handled.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caldera_queued_requests",
			Help: "Requests waiting for a concurrency slot.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caldera_shed_requests_total",
			Help: "Requests shed by the backpressure gate.",
		}, []string{"reason"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caldera_queue_wait_seconds",
			Help:    "Time spent waiting for a concurrency slot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inflight, m.queued, m.rejected, m.queueWait)
	}
	return m
}

// Backpressure is the load-shedding gate: a bounded concurrency semaphore
// with a bounded, time-limited wait queue in front of it.
type Backpressure struct {
	cfg     BackpressureConfig
	sem     *semaphore.Weighted
	queued  atomic.Int64
	running atomic.Int64
	metrics *bpMetrics
	logger  *slog.Logger
}

// NewBackpressure creates the gate. reg may be nil to skip metric
// registration.
func NewBackpressure(cfg BackpressureConfig, reg prometheus.Registerer, logger *slog.Logger) *Backpressure {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RejectThreshold <= 0 {
		cfg.RejectThreshold = cfg.MaxConcurrent + cfg.QueueCapacity
	}
	return &Backpressure{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics: newBPMetrics(reg),
		logger:  logger,
	}
}

// Middleware applies the gate. Health and metrics endpoints bypass it so
// operators can still see an overloaded instance.
func (b *Backpressure) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		demand := b.running.Load() + b.queued.Load()
		if demand >= b.cfg.RejectThreshold {
			b.reject(w, queueStatusRejected, errors.CodeSystemOverload,
				"system is overloaded, please retry later", 5)
			return
		}
		if b.queued.Load() >= b.cfg.QueueCapacity {
			b.reject(w, queueStatusFull, errors.CodeQueueFull,
				"request queue is full", 1)
			return
		}

		b.queued.Add(1)
		b.metrics.queued.Inc()
		start := time.Now()

		ctx, cancel := context.WithTimeout(r.Context(), b.cfg.WaitTimeout)
		err := b.sem.Acquire(ctx, 1)
		cancel()

		wait := time.Since(start)
		b.queued.Add(-1)
		b.metrics.queued.Dec()
		b.metrics.queueWait.Observe(wait.Seconds())

		if err != nil {
			b.reject(w, queueStatusTimeout, errors.CodeQueueTimeout,
				"timed out waiting for capacity", 2)
			return
		}

		b.running.Add(1)
		b.metrics.inflight.Inc()
		defer func() {
			b.running.Add(-1)
			b.metrics.inflight.Dec()
			b.sem.Release(1)
		}()

		if wait > 100*time.Millisecond {
			w.Header().Set("X-Queue-Wait-Time", strconv.FormatInt(wait.Milliseconds(), 10))
		}
		w.Header().Set("X-Queue-Status", queueStatusProcessed)
		next.ServeHTTP(w, r)
	})
}

func (b *Backpressure) reject(w http.ResponseWriter, disposition, code, message string, retryAfter int) {
	b.metrics.rejected.WithLabelValues(code).Inc()
	b.logger.Warn("request shed", "reason", code,
		"inflight", b.running.Load(), "queued", b.queued.Load())
	w.Header().Set("X-Queue-Status", disposition)
	writeShortError(w, http.StatusServiceUnavailable, code, message, retryAfter)
}

// Health classifies current utilization.
func (b *Backpressure) Health() string {
	utilization := float64(b.running.Load()) / float64(b.cfg.MaxConcurrent)
	switch {
	case utilization < 0.70:
		return HealthHealthy
	case utilization < 0.85:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// Snapshot reports the gate's counters for the health endpoint.
func (b *Backpressure) Snapshot() map[string]any {
	return map[string]any{
		"status":         b.Health(),
		"inflight":       b.running.Load(),
		"queued":         b.queued.Load(),
		"max_concurrent": b.cfg.MaxConcurrent,
		"utilization":    fmt.Sprintf("%.2f", float64(b.running.Load())/float64(b.cfg.MaxConcurrent)),
	}
}
