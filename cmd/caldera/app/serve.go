// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caldera-auth/caldera/pkg/admission"
	"github.com/caldera-auth/caldera/pkg/api"
	"github.com/caldera-auth/caldera/pkg/audit"
	"github.com/caldera-auth/caldera/pkg/authn"
	"github.com/caldera-auth/caldera/pkg/cache"
	"github.com/caldera-auth/caldera/pkg/config"
	"github.com/caldera-auth/caldera/pkg/gate"
	"github.com/caldera-auth/caldera/pkg/logger"
	"github.com/caldera-auth/caldera/pkg/password"
	"github.com/caldera-auth/caldera/pkg/registry"
	"github.com/caldera-auth/caldera/pkg/storage/postgres"
	"github.com/caldera-auth/caldera/pkg/tokens"
	"github.com/caldera-auth/caldera/pkg/users"
	"github.com/caldera-auth/caldera/pkg/vstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication service",
	RunE:  runServe,
}

const defaultGracefulTimeout = 30 * time.Second

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides ADDRESS)")
	if err := viper.BindPFlag("address_flag", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if addr := viper.GetString("address_flag"); addr != "" {
		cfg.Address = addr
	}

	log := logger.Get()
	log.Info("starting caldera", "env", cfg.Env, "address", cfg.Address)

	// Relational store, with pending migrations applied on boot.
	if err := postgres.RunMigrations(ctx, cfg.Database.PrimaryURL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	db, err := postgres.Connect(ctx, postgres.Config{
		URL:      cfg.Database.PrimaryURL,
		MinConns: int32(cfg.Database.PoolMinSize),
		MaxConns: int32(cfg.Database.PoolMaxSize),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Volatile store.
	vs, err := vstore.NewRedis(ctx, cfg.Redis.URL, "")
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = vs.Close() }()

	// Credential codec and registry.
	codec, err := tokens.New(tokens.Config{
		Algorithm:      cfg.JWT.Algorithm,
		Issuer:         cfg.JWT.Issuer,
		AccessTTL:      cfg.JWT.AccessTokenExpire,
		RefreshTTL:     cfg.JWT.RefreshTokenExpire,
		PrivateKeyPath: cfg.JWT.PrivateKeyPath,
		PublicKeyPath:  cfg.JWT.PublicKeyPath,
		SecretKey:      cfg.JWT.SecretKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}
	reg := registry.New(vs, db, codec.AccessTTL())

	// Principals, with the two projection cache tiers.
	hasher := password.NewHasher(password.WithMinLength(cfg.Password.MinLength))
	userStore := users.NewPostgresStore(db)
	solidTier := cache.NewSolid(db)
	usersSvc := users.NewService(userStore, hasher, cache.NewHot(vs), solidTier, log)

	cleaner := cache.NewCleaner(solidTier, cache.DefaultCleanupInterval, log)
	go cleaner.Run(ctx)

	auditLog := audit.New(db, log)

	authnSvc := authn.NewService(
		userStore,
		usersSvc,
		reg,
		authn.NewPostgresRecorder(db, userStore),
		hasher,
		codec,
		authn.NewLockout(vs, cfg.Password.MaxFailedAttempts, cfg.Password.LockoutDuration),
		auditLog,
		log,
	)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var backpressure *admission.Backpressure
	if cfg.Backpressure.Enabled {
		backpressure = admission.NewBackpressure(admission.BackpressureConfig{
			MaxConcurrent:   int64(cfg.Backpressure.MaxConcurrent),
			QueueCapacity:   int64(cfg.Backpressure.QueueCapacity),
			WaitTimeout:     cfg.Backpressure.WaitTimeout,
			RejectThreshold: int64(cfg.Backpressure.RejectThreshold),
		}, promRegistry, log)
	}

	server := api.NewServer(api.Config{
		Address:            cfg.Address,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, api.Deps{
		Authn:        authnSvc,
		Users:        usersSvc,
		Codec:        codec,
		Gate:         gate.New(codec, reg, log),
		RateLimiter:  admission.NewRateLimiter(vs, log),
		Backpressure: backpressure,
		Audit:        auditLog,
		Registry:     promRegistry,
		Health: []api.HealthCheck{
			{Name: "database", Probe: db.Ping},
			{Name: "volatile_store", Probe: vs.Ping},
			{Name: "cache", Probe: func(ctx context.Context) error {
				_, err := solidTier.Stats(ctx)
				return err
			}},
		},
		Logger: log,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", "error", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}
