// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the HTTP surface: routing, middleware order, and
// request/response handling for the authentication service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caldera-auth/caldera/pkg/admission"
	"github.com/caldera-auth/caldera/pkg/audit"
	"github.com/caldera-auth/caldera/pkg/authn"
	"github.com/caldera-auth/caldera/pkg/gate"
	"github.com/caldera-auth/caldera/pkg/tokens"
	"github.com/caldera-auth/caldera/pkg/users"
)

// Config tunes the HTTP server.
type Config struct {
	Address            string
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
}

// Deps are the wired services the API needs.
type Deps struct {
	Authn        *authn.Service
	Users        *users.Service
	Codec        *tokens.Codec
	Gate         *gate.Gate
	RateLimiter  *admission.RateLimiter
	Backpressure *admission.Backpressure
	Audit        *audit.Logger
	Registry     prometheus.Gatherer
	Health       []HealthCheck
	Logger       *slog.Logger
}

// HealthCheck probes one dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the router and the server around it.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	h := &handlers{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	// Backpressure sits outside the rate limiter: a shedding instance
	// should not spend store round-trips on requests it will drop.
	if deps.Backpressure != nil {
		r.Use(deps.Backpressure.Middleware)
	}
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware)
	}

	r.Get("/health", h.health)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/.well-known/jwks.json", h.jwks)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.login)
			r.Post("/refresh", h.refresh)
			r.Post("/logout", h.logout)
			r.Post("/verify", h.verify)
			r.Post("/introspect", h.introspect)

			r.Group(func(r chi.Router) {
				r.Use(deps.Gate.Middleware)
				r.Get("/sessions", h.sessions)
				r.Delete("/sessions", h.revokeAll)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Post("/register", h.register)

			r.Group(func(r chi.Router) {
				r.Use(deps.Gate.Middleware)
				r.Get("/me", h.me)
				r.Put("/password", h.changePassword)
			})
		})
	})

	return &Server{
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the assembled router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "address", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
