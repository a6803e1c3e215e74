// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package users manages principals: lookup, registration, password changes,
// and the cached roles/permissions projection that gets stamped into issued
// credentials.
package users

import (
	"context"
	"strings"
	"time"
)

// User is a principal row. PasswordHash never leaves the service layer.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Projection is the authorization snapshot embedded in access credentials.
// It is cached, so it may trail the relational source by up to the
// projection TTL.
type Projection struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// NormalizeEmail canonicalizes an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Store is the persistence surface the service needs.
type Store interface {
	// GetByEmail returns the live (not soft-deleted) user for an email, or
	// nil when absent.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// GetByID returns the live user, or nil when absent.
	GetByID(ctx context.Context, id int64) (*User, error)

	// Create inserts a user and returns the stored row.
	Create(ctx context.Context, email, username, passwordHash string) (*User, error)

	// UpdatePassword replaces the stored hash.
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error

	// RolesAndPermissions resolves the principal's roles and flattened
	// "resource:action" permissions from the relational source.
	RolesAndPermissions(ctx context.Context, id int64) (roles, permissions []string, err error)
}
