// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records security-relevant events. Events are persisted to
// audit_logs and mirrored to the structured log; persistence never blocks or
// fails the request that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Event types.
const (
	TypeAuth    = "auth"
	TypeUser    = "user"
	TypeSession = "session"
)

// Event actions.
const (
	ActionLogin          = "auth.login"
	ActionLogout         = "auth.logout"
	ActionTokenRefresh   = "auth.token_refresh"
	ActionTokenRevoke    = "auth.token_revoke"
	ActionAccountLocked  = "auth.account_locked"
	ActionInactiveLogin  = "auth.inactive_login"
	ActionRegister       = "user.register"
	ActionPasswordChange = "user.password_change"
)

// Event outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is one audit record.
type Event struct {
	Type         string
	Action       string
	ResourceType string
	ResourceID   *int64
	ActorID      *int64
	TargetID     *int64
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
	Status       string
	ErrorMessage string
}

// Execer is the write surface, satisfied by pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger persists audit events.
type Logger struct {
	db      Execer
	slog    *slog.Logger
	timeout time.Duration
}

// New creates an audit logger. db may be nil, leaving only the structured
// log mirror (used in tests).
func New(db Execer, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{db: db, slog: logger, timeout: 5 * time.Second}
}

// Record persists the event asynchronously. The write runs on its own
// goroutine with a detached context so the response path never waits on the
// audit table, and a failed write degrades to a log line.
func (l *Logger) Record(ctx context.Context, ev Event) {
	l.slog.InfoContext(ctx, "audit event",
		"event_type", ev.Type,
		"event_action", ev.Action,
		"status", ev.Status,
		"actor_id", ev.ActorID,
		"ip_address", ev.IPAddress,
	)
	if l.db == nil {
		return
	}

	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()

		var metadata []byte
		if ev.Metadata != nil {
			metadata, _ = json.Marshal(ev.Metadata)
		}
		_, err := l.db.Exec(wctx,
			`INSERT INTO audit_logs
			   (event_type, event_action, resource_type, resource_id, actor_id,
			    target_id, ip_address, user_agent, metadata, status, error_message)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, ''))`,
			ev.Type, ev.Action, ev.ResourceType, ev.ResourceID, ev.ActorID,
			ev.TargetID, ev.IPAddress, ev.UserAgent, metadata, ev.Status, ev.ErrorMessage,
		)
		if err != nil {
			l.slog.Error("audit write failed", "event_action", ev.Action, "error", err)
		}
	}()
}
