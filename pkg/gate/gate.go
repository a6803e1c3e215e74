// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate is the verification gate. The issuer mounts Gate.Middleware
// in front of protected routes; other services embed Verifier, which
// validates credentials against the published JWKS, or IntrospectionClient,
// which defers the decision to the issuer.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	autherr "github.com/caldera-auth/caldera/pkg/errors"
	"github.com/caldera-auth/caldera/pkg/registry"
	"github.com/caldera-auth/caldera/pkg/tokens"
)

type contextKey struct{}

var claimsKey contextKey

// ClaimsFromContext returns the verified claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*tokens.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*tokens.Claims)
	return claims, ok
}

// WithClaims attaches verified claims, exported for handler tests.
func WithClaims(ctx context.Context, claims *tokens.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// RegistryChecker is the registry surface the gate needs.
type RegistryChecker interface {
	ValidateAccess(ctx context.Context, userID int64, jti string) error
}

// Gate verifies access credentials on the issuer itself, where the registry
// is directly reachable.
type Gate struct {
	codec  *tokens.Codec
	checks RegistryChecker
	logger *slog.Logger
}

// New creates the issuer-side gate.
func New(codec *tokens.Codec, checks RegistryChecker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{codec: codec, checks: checks, logger: logger}
}

// BearerToken extracts the bearer credential from a request, or "".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// Verify runs the full check order on a raw credential: decode, type,
// registry state. It returns the claims on success.
func (g *Gate) Verify(ctx context.Context, raw string) (*tokens.Claims, error) {
	claims, err := g.codec.Decode(raw)
	if errors.Is(err, tokens.ErrExpired) {
		return nil, autherr.NewTokenExpired()
	}
	if err != nil {
		return nil, autherr.NewInvalidToken()
	}
	if claims.Type != tokens.TypeAccess {
		return nil, autherr.NewInvalidToken()
	}

	switch err := g.checks.ValidateAccess(ctx, claims.UserID, claims.JTI); {
	case errors.Is(err, registry.ErrAccessRevoked):
		return nil, autherr.NewTokenRevoked()
	case errors.Is(err, registry.ErrAccessBlacklisted):
		return nil, autherr.NewInvalidToken()
	case err != nil:
		return nil, autherr.NewInternal(err)
	}
	return claims, nil
}

// Middleware rejects requests without a valid, live access credential and
// attaches the claims for downstream handlers.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := BearerToken(r)
		if raw == "" {
			autherr.WriteError(w, autherr.NewMissingAuthorization())
			return
		}

		claims, err := g.Verify(r.Context(), raw)
		if err != nil {
			autherr.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequirePermission gates a route on one "resource:action" permission from
// the credential's snapshot.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				autherr.WriteError(w, autherr.NewMissingAuthorization())
				return
			}
			if !slices.Contains(claims.Permissions, permission) {
				autherr.WriteError(w, autherr.NewInsufficientPermissions())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
