// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the lifecycle state of issued credentials.
//
// Access credentials live in two volatile structures: a per-principal active
// set of outstanding JTIs and a jti blacklist. Refresh credentials are
// persistent rows keyed by the SHA-256 of the credential string. The two
// stores are never written in one transaction; volatile writes are ordered
// to be idempotent or tolerant of orphaning.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caldera-auth/caldera/pkg/storage/postgres"
	"github.com/caldera-auth/caldera/pkg/vstore"
)

// Validation errors.
var (
	// ErrAccessRevoked means the jti is not in the principal's active set.
	ErrAccessRevoked = errors.New("access credential is not in the active set")

	// ErrAccessBlacklisted means the jti is on the blacklist.
	ErrAccessBlacklisted = errors.New("access credential is blacklisted")

	// ErrRefreshNotUsable means no usable refresh record matches the hash.
	ErrRefreshNotUsable = errors.New("refresh credential is revoked or unknown")
)

func activeKey(userID int64) string {
	return fmt.Sprintf("active_tokens:user:%d", userID)
}

func blacklistKey(jti string) string {
	return "blacklist:" + jti
}

// HashToken returns the hex SHA-256 of a credential string, the only form in
// which refresh credentials are persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Registry is the two-tier credential registry.
type Registry struct {
	store     vstore.Store
	db        *pgxpool.Pool
	refresh   *RefreshRepo
	accessTTL time.Duration
}

// New creates a Registry. accessTTL bounds the lifetime of active-set
// entries and blacklist writes.
func New(store vstore.Store, db *pgxpool.Pool, accessTTL time.Duration) *Registry {
	return &Registry{
		store:     store,
		db:        db,
		refresh:   &RefreshRepo{},
		accessTTL: accessTTL,
	}
}

// Refresh exposes the refresh-record repository for callers that run their
// own transactions, such as the login coordinator.
func (r *Registry) Refresh() *RefreshRepo {
	return r.refresh
}

// RegisterAccess adds a jti to the principal's active set and refreshes the
// set's TTL to the access lifetime.
func (r *Registry) RegisterAccess(ctx context.Context, userID int64, jti string) error {
	key := activeKey(userID)
	if err := r.store.SetAdd(ctx, key, jti); err != nil {
		return fmt.Errorf("failed to register active token: %w", err)
	}
	if err := r.store.SetExpire(ctx, key, r.accessTTL); err != nil {
		return fmt.Errorf("failed to expire active set: %w", err)
	}
	return nil
}

// RemoveAccess drops a jti from the principal's active set.
func (r *Registry) RemoveAccess(ctx context.Context, userID int64, jti string) error {
	return r.store.SetRemove(ctx, activeKey(userID), jti)
}

// ActiveJTIs lists the principal's outstanding access jtis.
func (r *Registry) ActiveJTIs(ctx context.Context, userID int64) ([]string, error) {
	return r.store.SetMembers(ctx, activeKey(userID))
}

// Blacklist marks a jti as revoked for ttl. Non-positive TTLs are skipped:
// the credential is already expired and the verifier will reject it anyway.
func (r *Registry) Blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.store.SetEx(ctx, blacklistKey(jti), "1", ttl)
}

// IsBlacklisted reports whether a jti is on the blacklist.
func (r *Registry) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return r.store.Exists(ctx, blacklistKey(jti))
}

// ValidateAccess checks the volatile state of an access credential. The
// active set is evaluated first: absence there is the decisive revocation
// signal. The blacklist is consulted second, to catch jtis blacklisted while
// still sitting in a stale active set.
func (r *Registry) ValidateAccess(ctx context.Context, userID int64, jti string) error {
	active, err := r.store.SetIsMember(ctx, activeKey(userID), jti)
	if err != nil {
		return fmt.Errorf("failed to check active set: %w", err)
	}
	if !active {
		return ErrAccessRevoked
	}

	blacklisted, err := r.IsBlacklisted(ctx, jti)
	if err != nil {
		return fmt.Errorf("failed to check blacklist: %w", err)
	}
	if blacklisted {
		return ErrAccessBlacklisted
	}
	return nil
}

// LookupRefresh returns the usable refresh record for a credential string,
// or ErrRefreshNotUsable.
func (r *Registry) LookupRefresh(ctx context.Context, token string) (*RefreshRecord, error) {
	rec, err := r.refresh.LookupUsable(ctx, r.db, HashToken(token))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRefreshNotUsable
	}
	return rec, nil
}

// RevokeRefresh marks one refresh record revoked. Revoking an already
// revoked or unknown record is not an error; the operation is idempotent.
func (r *Registry) RevokeRefresh(ctx context.Context, token string) error {
	return r.refresh.Revoke(ctx, r.db, HashToken(token))
}

// Sessions lists the principal's usable refresh records, newest first.
func (r *Registry) Sessions(ctx context.Context, userID int64) ([]RefreshRecord, error) {
	return r.refresh.ListUsable(ctx, r.db, userID)
}

// Rotate atomically revokes the predecessor refresh record and inserts its
// successor. The row lock taken by the UPDATE makes concurrent rotations of
// one credential settle to a single winner: losers arrive after revoked_at
// is set, match zero rows, and get ErrRefreshNotUsable.
func (r *Registry) Rotate(ctx context.Context, oldToken string, successor RefreshRecord) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		revoked, err := r.refresh.revokeUsable(ctx, tx, HashToken(oldToken))
		if err != nil {
			return err
		}
		if !revoked {
			return ErrRefreshNotUsable
		}
		return r.refresh.Insert(ctx, tx, successor)
	})
}

// RevokeAll revokes every refresh record for the principal, blacklists every
// outstanding access jti in one pipeline, then clears the active set. The
// persistent step runs first: a crash between the two leaves refresh
// credentials already dead and the volatile step idempotent on retry.
func (r *Registry) RevokeAll(ctx context.Context, userID int64) error {
	if _, err := r.refresh.RevokeAllForUser(ctx, r.db, userID); err != nil {
		return fmt.Errorf("failed to revoke refresh records: %w", err)
	}

	jtis, err := r.ActiveJTIs(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read active set: %w", err)
	}

	ops := make([]vstore.Op, 0, len(jtis)+1)
	for _, jti := range jtis {
		ops = append(ops, vstore.Op{
			Kind:  vstore.OpSetEx,
			Key:   blacklistKey(jti),
			Value: "1",
			TTL:   r.accessTTL,
		})
	}
	ops = append(ops, vstore.Op{Kind: vstore.OpDelete, Key: activeKey(userID)})
	if err := r.store.Pipeline(ctx, ops); err != nil {
		return fmt.Errorf("failed to blacklist active tokens: %w", err)
	}
	return nil
}
