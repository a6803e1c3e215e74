// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx satisfied by both pgxpool.Pool and pgx.Tx,
// so repository methods compose into caller-owned transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RefreshRecord is one persisted refresh credential. Only the hash of the
// credential string is stored.
type RefreshRecord struct {
	ID         int64
	UserID     int64
	TokenHash  string
	DeviceInfo *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// Usable reports whether the record can still redeem: not revoked and not
// past its expiry.
func (r *RefreshRecord) Usable(now time.Time) bool {
	return r.RevokedAt == nil && r.ExpiresAt.After(now)
}

// RefreshRepo is the refresh-record repository. It is stateless; every
// method takes the querier it should run against.
type RefreshRepo struct{}

// Insert persists a new refresh record.
func (*RefreshRepo) Insert(ctx context.Context, q Querier, rec RefreshRecord) error {
	_, err := q.Exec(ctx,
		`INSERT INTO refresh_tokens (user_id, token_hash, device_info, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.UserID, rec.TokenHash, rec.DeviceInfo, rec.ExpiresAt,
	)
	return err
}

// LookupUsable returns the record matching hash if it is still usable, or
// nil when it is revoked, expired, or unknown.
func (*RefreshRepo) LookupUsable(ctx context.Context, q Querier, hash string) (*RefreshRecord, error) {
	rec := &RefreshRecord{}
	err := q.QueryRow(ctx,
		`SELECT id, user_id, token_hash, device_info, created_at, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()`,
		hash,
	).Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.DeviceInfo,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.RevokedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Revoke marks the record matching hash as revoked, whatever its state.
func (*RefreshRepo) Revoke(ctx context.Context, q Querier, hash string) error {
	_, err := q.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = NOW()
		 WHERE token_hash = $1 AND revoked_at IS NULL`,
		hash,
	)
	return err
}

// revokeUsable revokes the record matching hash only if it is still usable,
// reporting whether a row was claimed. This is the rotation winner test.
func (*RefreshRepo) revokeUsable(ctx context.Context, q Querier, hash string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = NOW()
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()`,
		hash,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAllForUser revokes every usable record for a principal and returns
// how many were revoked.
func (*RefreshRepo) RevokeAllForUser(ctx context.Context, q Querier, userID int64) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = NOW()
		 WHERE user_id = $1 AND revoked_at IS NULL`,
		userID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListUsable returns the principal's usable records, newest first.
func (*RefreshRepo) ListUsable(ctx context.Context, q Querier, userID int64) ([]RefreshRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT id, user_id, token_hash, device_info, created_at, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RefreshRecord
	for rows.Next() {
		var rec RefreshRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.DeviceInfo,
			&rec.CreatedAt, &rec.ExpiresAt, &rec.RevokedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
