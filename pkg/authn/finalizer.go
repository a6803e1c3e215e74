// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caldera-auth/caldera/pkg/registry"
	"github.com/caldera-auth/caldera/pkg/storage/postgres"
	"github.com/caldera-auth/caldera/pkg/users"
)

// LoginRecorder persists the relational tail of login attempts.
type LoginRecorder interface {
	// FinalizeLogin runs the success tail in one transaction: insert the
	// refresh record, append history, stamp last_login_at.
	FinalizeLogin(ctx context.Context, rec registry.RefreshRecord, meta RequestMeta) error

	// RecordFailure appends a failed-attempt history row for a known
	// principal.
	RecordFailure(ctx context.Context, userID int64, meta RequestMeta) error
}

// PostgresRecorder implements LoginRecorder over the connection pool.
type PostgresRecorder struct {
	db      *pgxpool.Pool
	store   *users.PostgresStore
	refresh *registry.RefreshRepo
}

// NewPostgresRecorder wires the relational login recorder.
func NewPostgresRecorder(db *pgxpool.Pool, store *users.PostgresStore) *PostgresRecorder {
	return &PostgresRecorder{db: db, store: store, refresh: &registry.RefreshRepo{}}
}

// FinalizeLogin serializes concurrent logins for one principal with a
// transaction-scoped advisory lock, then writes the refresh record, the
// history row, and the last_login stamp atomically.
func (r *PostgresRecorder) FinalizeLogin(ctx context.Context, rec registry.RefreshRecord, meta RequestMeta) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := postgres.AdvisoryXactLock(ctx, tx, rec.UserID); err != nil {
			return err
		}
		if err := r.refresh.Insert(ctx, tx, rec); err != nil {
			return err
		}
		if err := r.store.RecordLogin(ctx, tx, rec.UserID, true, meta.IP, meta.UserAgent); err != nil {
			return err
		}
		return r.store.TouchLastLogin(ctx, tx, rec.UserID)
	})
}

// RecordFailure appends a failed-attempt row outside any transaction.
func (r *PostgresRecorder) RecordFailure(ctx context.Context, userID int64, meta RequestMeta) error {
	return r.store.RecordLogin(ctx, r.db, userID, false, meta.IP, meta.UserAgent)
}
