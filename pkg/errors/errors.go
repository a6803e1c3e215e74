// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed errors the service returns to callers.
//
// Every error carries a stable code from the vocabulary below. Coordinator
// code never leaks internal detail through these errors; the cause chain is
// for logs only and is stripped at the HTTP boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These are part of the wire contract; do not rename.
const (
	// CodeInvalidCredentials covers wrong password, unknown email, locked
	// and inactive accounts. A single code defends against account
	// enumeration.
	CodeInvalidCredentials = "AUTH_001"

	// CodeTokenExpired is returned when a credential's exp has passed.
	CodeTokenExpired = "AUTH_002"

	// CodeInvalidToken is returned for malformed or blacklisted credentials.
	CodeInvalidToken = "AUTH_003"

	// CodeAccountLocked is emitted to the audit log only, never to callers.
	CodeAccountLocked = "AUTH_004"

	// CodeAccountInactive is emitted to the audit log only, never to callers.
	CodeAccountInactive = "AUTH_005"

	// CodeInvalidRefreshToken is returned for any unusable refresh credential.
	CodeInvalidRefreshToken = "AUTH_006"

	// CodeMissingAuthorization is returned when no bearer credential was sent.
	CodeMissingAuthorization = "AUTH_007"

	// CodeTokenRevoked is returned when a credential is not in the active set.
	CodeTokenRevoked = "AUTH_008"

	// CodeInsufficientPermissions is returned by the permission gate.
	CodeInsufficientPermissions = "AUTHZ_001"

	// CodeDuplicateEmail is returned on registration with a taken email.
	CodeDuplicateEmail = "USER_001"

	// CodeUserNotFound is returned when a principal does not exist.
	CodeUserNotFound = "USER_002"

	// CodeWeakPassword is returned when the strength policy is violated.
	CodeWeakPassword = "USER_003"

	// CodePasswordMismatch is returned when the current password is wrong.
	CodePasswordMismatch = "USER_004"

	// CodeRateLimited is returned by the rate limiter with the short envelope.
	CodeRateLimited = "RATE_LIMIT_001"

	// CodeCSRFMissing and CodeCSRFMismatch cover CSRF token failures.
	CodeCSRFMissing  = "CSRF_001"
	CodeCSRFMismatch = "CSRF_002"

	// Backpressure shed codes.
	CodeSystemOverload = "SYSTEM_OVERLOAD"
	CodeQueueFull      = "QUEUE_FULL"
	CodeQueueTimeout   = "QUEUE_TIMEOUT"

	// CodeValidation is returned for malformed or invalid request bodies.
	CodeValidation = "VALIDATION_ERROR"

	// CodeInternal is the generic internal error code.
	CodeInternal = "INTERNAL_ERROR"
)

// AuthError is an error with a stable code and an HTTP status.
type AuthError struct {
	// Code is one of the stable codes above.
	Code string

	// Message is the caller-facing message. Generic by design for the
	// enumeration-sensitive codes.
	Message string

	// Status is the HTTP status the boundary should render.
	Status int

	// Details carries optional structured context safe to expose.
	Details map[string]any

	// Cause is the underlying error. Logged, never rendered.
	Cause error
}

// Error returns the error message.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AuthError with the same code, which lets
// callers compare against the sentinel constructors with errors.Is.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New creates an AuthError with an explicit code, message and status.
func New(code, message string, status int) *AuthError {
	return &AuthError{Code: code, Message: message, Status: status}
}

// WithCause attaches an underlying error and returns the receiver.
func (e *AuthError) WithCause(cause error) *AuthError {
	e.Cause = cause
	return e
}

// WithDetails attaches structured detail and returns the receiver.
func (e *AuthError) WithDetails(details map[string]any) *AuthError {
	e.Details = details
	return e
}

// NewInvalidCredentials returns the generic login failure. The same error is
// used for unknown email, wrong password, locked and inactive accounts.
func NewInvalidCredentials() *AuthError {
	return New(CodeInvalidCredentials, "invalid email or password", http.StatusUnauthorized)
}

// NewTokenExpired returns the expired-credential error.
func NewTokenExpired() *AuthError {
	return New(CodeTokenExpired, "token has expired", http.StatusUnauthorized)
}

// NewInvalidToken returns the malformed/blacklisted credential error.
func NewInvalidToken() *AuthError {
	return New(CodeInvalidToken, "invalid token", http.StatusUnauthorized)
}

// NewInvalidRefreshToken returns the generic refresh failure.
func NewInvalidRefreshToken() *AuthError {
	return New(CodeInvalidRefreshToken, "refresh token is not valid", http.StatusUnauthorized)
}

// NewMissingAuthorization is returned when the Authorization header is absent.
func NewMissingAuthorization() *AuthError {
	return New(CodeMissingAuthorization, "authorization header is missing", http.StatusUnauthorized)
}

// NewTokenRevoked is returned when a credential's jti is not in the active set.
func NewTokenRevoked() *AuthError {
	return New(CodeTokenRevoked, "token has been revoked", http.StatusUnauthorized)
}

// NewAccountInactive is returned for disabled accounts on paths that may
// disclose it (refresh); the login path maps it to the generic error.
func NewAccountInactive() *AuthError {
	return New(CodeAccountInactive, "account is disabled", http.StatusUnauthorized)
}

// NewInsufficientPermissions is returned by the permission gate.
func NewInsufficientPermissions() *AuthError {
	return New(CodeInsufficientPermissions, "insufficient permissions", http.StatusForbidden)
}

// NewDuplicateEmail is returned when the registration email is taken.
func NewDuplicateEmail() *AuthError {
	return New(CodeDuplicateEmail, "email is already in use", http.StatusConflict)
}

// NewUserNotFound is returned when a principal does not exist.
func NewUserNotFound() *AuthError {
	return New(CodeUserNotFound, "user not found", http.StatusNotFound)
}

// NewWeakPassword is returned when the strength policy is violated.
func NewWeakPassword(violations []string) *AuthError {
	return New(CodeWeakPassword, "password does not meet the strength policy", http.StatusBadRequest).
		WithDetails(map[string]any{"violations": violations})
}

// NewPasswordMismatch is returned when the current password is wrong.
func NewPasswordMismatch() *AuthError {
	return New(CodePasswordMismatch, "current password does not match", http.StatusBadRequest)
}

// NewInternal wraps an unexpected failure behind the generic envelope.
func NewInternal(cause error) *AuthError {
	return New(CodeInternal, "internal server error", http.StatusInternalServerError).WithCause(cause)
}

// IsCode reports whether err is an AuthError with the given code.
func IsCode(err error, code string) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Code == code
}

// AsAuthError extracts an AuthError from err, or wraps err as internal.
func AsAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return NewInternal(err)
}
