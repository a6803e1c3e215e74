// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caldera-auth/caldera/pkg/cache"
	autherr "github.com/caldera-auth/caldera/pkg/errors"
	"github.com/caldera-auth/caldera/pkg/password"
)

// DefaultProjectionTTL bounds how stale a cached authorization snapshot can
// be relative to the relational source.
const DefaultProjectionTTL = 5 * time.Minute

func projectionKey(userID int64) string {
	return fmt.Sprintf("permissions:user:%d", userID)
}

// Service coordinates principal operations over the store, the password
// hasher, and the two projection cache tiers.
type Service struct {
	store         Store
	hasher        *password.Hasher
	hot           cache.Cache
	solid         cache.Cache
	projectionTTL time.Duration
	logger        *slog.Logger
}

// NewService wires the principal service. Either cache tier may be nil, in
// which case that tier is skipped.
func NewService(store Store, hasher *password.Hasher, hot, solid cache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		hasher:        hasher,
		hot:           hot,
		solid:         solid,
		projectionTTL: DefaultProjectionTTL,
		logger:        logger,
	}
}

// Store returns the underlying principal store.
func (s *Service) Store() Store {
	return s.store
}

// Get returns the live user or the user-not-found domain error.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, autherr.NewUserNotFound()
	}
	return u, nil
}

// Register creates a principal. The password is policy-checked and hashed;
// a taken email surfaces as the duplicate-email domain error.
func (s *Service) Register(ctx context.Context, email, username, plaintext string) (*User, error) {
	hash, err := s.hasher.Hash(ctx, plaintext)
	if err != nil {
		var policy *password.PolicyError
		if errors.As(err, &policy) {
			return nil, autherr.NewWeakPassword(policy.Violations)
		}
		return nil, err
	}

	u, err := s.store.Create(ctx, email, username, hash)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// ChangePassword verifies the current password before replacing the hash.
// The caller is responsible for revoking outstanding credentials afterward.
func (s *Service) ChangePassword(ctx context.Context, id int64, current, next string) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	ok, err := s.hasher.Verify(ctx, current, u.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return autherr.NewPasswordMismatch()
	}

	hash, err := s.hasher.Hash(ctx, next)
	if err != nil {
		var policy *password.PolicyError
		if errors.As(err, &policy) {
			return autherr.NewWeakPassword(policy.Violations)
		}
		return err
	}
	if err := s.store.UpdatePassword(ctx, id, hash); err != nil {
		return err
	}
	s.logger.Info("password changed", "user_id", id)
	return nil
}

// Projection returns the principal's authorization snapshot, reading the hot
// tier, then the solid tier, then the relational source. Source reads
// backfill both tiers. A failing tier is logged and treated as a miss; the
// source stays authoritative.
func (s *Service) Projection(ctx context.Context, userID int64) (*Projection, error) {
	key := projectionKey(userID)

	for _, tier := range []cache.Cache{s.hot, s.solid} {
		if tier == nil {
			continue
		}
		raw, found, err := tier.Get(ctx, key)
		if err != nil {
			s.logger.Warn("projection cache read failed", "user_id", userID, "error", err)
			continue
		}
		if !found {
			continue
		}
		var p Projection
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("projection cache entry corrupt", "user_id", userID, "error", err)
			continue
		}
		return &p, nil
	}

	roles, perms, err := s.store.RolesAndPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	p := &Projection{Roles: roles, Permissions: perms}

	raw, err := json.Marshal(p)
	if err == nil {
		for _, tier := range []cache.Cache{s.hot, s.solid} {
			if tier == nil {
				continue
			}
			if err := tier.Set(ctx, key, string(raw), s.projectionTTL); err != nil {
				s.logger.Warn("projection cache write failed", "user_id", userID, "error", err)
			}
		}
	}
	return p, nil
}

// InvalidateProjection drops the cached snapshot from both tiers, forcing
// the next read back to the relational source.
func (s *Service) InvalidateProjection(ctx context.Context, userID int64) {
	key := projectionKey(userID)
	for _, tier := range []cache.Cache{s.hot, s.solid} {
		if tier == nil {
			continue
		}
		if err := tier.Delete(ctx, key); err != nil {
			s.logger.Warn("projection invalidation failed", "user_id", userID, "error", err)
		}
	}
}
