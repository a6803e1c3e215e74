// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	autherr "github.com/caldera-auth/caldera/pkg/errors"
)

// Querier is the subset of pgx satisfied by both pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const userColumns = `id, email, username, password_hash, is_active, last_login_at, created_at, updated_at`

// PostgresStore implements Store over a connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates the relational principal store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash,
		&u.IsActive, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetByEmail returns the live user for an email, or nil.
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE LOWER(email) = $1 AND deleted_at IS NULL`,
		NormalizeEmail(email),
	))
}

// GetByID returns the live user, or nil.
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	))
}

// Create inserts a user. A unique-violation on the email index maps to the
// duplicate-email domain error.
func (s *PostgresStore) Create(ctx context.Context, email, username, passwordHash string) (*User, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO users (email, username, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		NormalizeEmail(email), username, passwordHash,
	)
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash,
		&u.IsActive, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, autherr.NewDuplicateEmail()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// UpdatePassword replaces the stored hash.
func (s *PostgresStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`,
		id, passwordHash,
	)
	return err
}

// RolesAndPermissions resolves the principal's authorization snapshot from
// the relational source, deduplicated and sorted.
func (s *PostgresStore) RolesAndPermissions(ctx context.Context, id int64) ([]string, []string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT r.name, p.resource, p.action
		 FROM user_roles ur
		 JOIN roles r ON r.id = ur.role_id
		 LEFT JOIN role_permissions rp ON rp.role_id = r.id
		 LEFT JOIN permissions p ON p.id = rp.permission_id
		 WHERE ur.user_id = $1`,
		id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	roleSet := map[string]struct{}{}
	permSet := map[string]struct{}{}
	for rows.Next() {
		var role string
		var resource, action *string
		if err := rows.Scan(&role, &resource, &action); err != nil {
			return nil, nil, err
		}
		roleSet[role] = struct{}{}
		if resource != nil && action != nil {
			permSet[*resource+":"+*action] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	roles := make([]string, 0, len(roleSet))
	for r := range roleSet {
		roles = append(roles, r)
	}
	perms := make([]string, 0, len(permSet))
	for p := range permSet {
		perms = append(perms, p)
	}
	slices.Sort(roles)
	slices.Sort(perms)
	return roles, perms, nil
}

// TouchLastLogin stamps a successful login time. It takes a querier so the
// login coordinator can run it inside its transaction.
func (*PostgresStore) TouchLastLogin(ctx context.Context, q Querier, id int64) error {
	_, err := q.Exec(ctx, `UPDATE users SET last_login_at = NOW() WHERE id = $1`, id)
	return err
}

// RecordLogin appends a login_history row. Only known principals are
// recorded; attempts against unknown emails leave no history.
func (*PostgresStore) RecordLogin(ctx context.Context, q Querier, userID int64, success bool, ip, userAgent string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO login_history (user_id, success, ip_address, user_agent)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))`,
		userID, success, ip, userAgent,
	)
	return err
}
