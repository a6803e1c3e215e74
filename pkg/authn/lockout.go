// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"strconv"
	"time"

	"github.com/caldera-auth/caldera/pkg/users"
	"github.com/caldera-auth/caldera/pkg/vstore"
)

func failedLoginKey(email string) string {
	return "failed_login:" + users.NormalizeEmail(email)
}

// Lockout tracks consecutive failed logins per email in the volatile store.
// The counter expires on its own, so lockouts lift without intervention.
type Lockout struct {
	store  vstore.Store
	max    int64
	window time.Duration
}

// NewLockout creates a lockout tracker. max is the attempt threshold and
// window is both the counting window and the lockout duration.
func NewLockout(store vstore.Store, max int, window time.Duration) *Lockout {
	return &Lockout{store: store, max: int64(max), window: window}
}

// IsLocked reports whether the email has reached the failure threshold.
func (l *Lockout) IsLocked(ctx context.Context, email string) (bool, error) {
	raw, err := l.store.Get(ctx, failedLoginKey(email))
	if err == vstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	return count >= l.max, nil
}

// RecordFailure increments the counter and returns the new count. The first
// failure starts the window.
func (l *Lockout) RecordFailure(ctx context.Context, email string) (int64, error) {
	return l.store.IncrWithInitialTTL(ctx, failedLoginKey(email), l.window)
}

// Reset clears the counter after a successful login.
func (l *Lockout) Reset(ctx context.Context, email string) error {
	return l.store.Delete(ctx, failedLoginKey(email))
}

// Threshold returns the configured attempt threshold.
func (l *Lockout) Threshold() int64 {
	return l.max
}
