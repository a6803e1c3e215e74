// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package password hashes and verifies passwords with bcrypt.
//
// Hashing at the default cost takes on the order of 100-300ms of CPU, so
// Hash and Verify accept a context and run the work on a separate goroutine.
// The scheduler moves blocked callers off the running thread, so concurrent
// logins do not serialize behind one verification.
package password

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is tuned for ~100-300ms per hash on current server hardware.
const DefaultCost = 12

// Hasher hashes, verifies and polices passwords.
type Hasher struct {
	cost      int
	minLength int
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithCost overrides the bcrypt cost parameter.
func WithCost(cost int) Option {
	return func(h *Hasher) {
		h.cost = cost
	}
}

// WithMinLength overrides the minimum password length.
func WithMinLength(n int) Option {
	return func(h *Hasher) {
		h.minLength = n
	}
}

// NewHasher creates a Hasher with the default policy.
func NewHasher(opts ...Option) *Hasher {
	h := &Hasher{cost: DefaultCost, minLength: 8}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash derives a bcrypt hash of the password. The strength policy is applied
// here and not on Verify, so existing weaker passwords keep working until
// their next change.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if violations := h.ValidateStrength(password); len(violations) > 0 {
		return "", &PolicyError{Violations: violations}
	}

	type result struct {
		hash []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
		ch <- result{hash, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("failed to hash password: %w", res.err)
		}
		return string(res.hash), nil
	}
}

// Verify compares a plaintext password against a stored hash. bcrypt's
// comparison is constant-time over the derived key.
func (h *Hasher) Verify(ctx context.Context, password, hash string) (bool, error) {
	ch := make(chan error, 1)
	go func() {
		ch <- bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-ch:
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("failed to verify password: %w", err)
	}
}

// NeedsRehash reports whether the stored hash was derived at a lower cost
// than the current target, so callers can re-hash on the next successful
// verification.
func (h *Hasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost < h.cost
}

// ValidateStrength returns the policy violations for a candidate password.
// An empty slice means the password is acceptable.
func (h *Hasher) ValidateStrength(password string) []string {
	var violations []string

	if len(password) < h.minLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", h.minLength))
	}

	var hasUpper, hasLower, hasDigit, hasPunct bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasPunct = true
		}
	}
	if !hasUpper {
		violations = append(violations, "must contain an uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "must contain a lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "must contain a digit")
	}
	if !hasPunct {
		violations = append(violations, "must contain a punctuation character")
	}
	return violations
}

// PolicyError reports strength policy violations from Hash.
type PolicyError struct {
	Violations []string
}

// Error returns the error message.
func (e *PolicyError) Error() string {
	return fmt.Sprintf("password violates strength policy: %v", e.Violations)
}
