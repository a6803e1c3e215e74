// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package authn coordinates the credential lifecycle: login, refresh
// rotation, logout, bulk revocation, and session listing. It owns the
// ordering rules that make those flows safe; the mechanics live in the
// tokens, registry, users, and password packages.
package authn

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/caldera-auth/caldera/pkg/audit"
	autherr "github.com/caldera-auth/caldera/pkg/errors"
	"github.com/caldera-auth/caldera/pkg/password"
	"github.com/caldera-auth/caldera/pkg/registry"
	"github.com/caldera-auth/caldera/pkg/tokens"
	"github.com/caldera-auth/caldera/pkg/users"
)

// RequestMeta carries per-request attribution for history and audit rows.
// DeviceInfo is the caller-supplied device descriptor (JSON), stored with
// the refresh record and echoed back in session listings.
type RequestMeta struct {
	IP         string
	UserAgent  string
	DeviceInfo *string
}

// TokenPair is the issued credential pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Session is the caller-facing view of a usable refresh record.
type Session struct {
	ID         int64     `json:"id"`
	DeviceInfo *string   `json:"device_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Directory is the principal surface the coordinator needs.
type Directory interface {
	GetByEmail(ctx context.Context, email string) (*users.User, error)
	GetByID(ctx context.Context, id int64) (*users.User, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
}

// Projector resolves cached authorization snapshots.
type Projector interface {
	Projection(ctx context.Context, userID int64) (*users.Projection, error)
}

// Credentials is the registry surface the coordinator needs.
type Credentials interface {
	RegisterAccess(ctx context.Context, userID int64, jti string) error
	RemoveAccess(ctx context.Context, userID int64, jti string) error
	Blacklist(ctx context.Context, jti string, ttl time.Duration) error
	LookupRefresh(ctx context.Context, token string) (*registry.RefreshRecord, error)
	RevokeRefresh(ctx context.Context, token string) error
	Rotate(ctx context.Context, oldToken string, successor registry.RefreshRecord) error
	RevokeAll(ctx context.Context, userID int64) error
	Sessions(ctx context.Context, userID int64) ([]registry.RefreshRecord, error)
}

// Service is the credential lifecycle coordinator.
type Service struct {
	directory Directory
	projector Projector
	creds     Credentials
	recorder  LoginRecorder
	hasher    *password.Hasher
	codec     *tokens.Codec
	lockout   *Lockout
	audit     *audit.Logger
	logger    *slog.Logger

	// sleep is injectable so tests can observe the anti-enumeration delay
	// without waiting it out.
	sleep func(time.Duration)
}

// NewService wires the coordinator.
func NewService(
	directory Directory,
	projector Projector,
	creds Credentials,
	recorder LoginRecorder,
	hasher *password.Hasher,
	codec *tokens.Codec,
	lockout *Lockout,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		directory: directory,
		projector: projector,
		creds:     creds,
		recorder:  recorder,
		hasher:    hasher,
		codec:     codec,
		lockout:   lockout,
		audit:     auditLog,
		logger:    logger,
		sleep:     time.Sleep,
	}
}

// unknownUserDelay approximates the cost of a bcrypt verification so an
// absent email is not distinguishable from a wrong password by timing.
func (s *Service) unknownUserDelay() {
	s.sleep(100*time.Millisecond + time.Duration(rand.Int64N(201))*time.Millisecond)
}

// Login authenticates a principal and issues a credential pair.
//
// Every failure the caller can cause returns the same invalid-credentials
// error; lockout, unknown email, wrong password, and inactive account are
// distinguished only in the audit trail.
func (s *Service) Login(ctx context.Context, email, plaintext string, meta RequestMeta) (*TokenPair, error) {
	locked, err := s.lockout.IsLocked(ctx, email)
	if err != nil {
		return nil, autherr.NewInternal(err)
	}
	if locked {
		s.auditFailure(ctx, audit.ActionLogin, nil, meta, autherr.CodeAccountLocked)
		return nil, autherr.NewInvalidCredentials()
	}

	user, err := s.directory.GetByEmail(ctx, email)
	if err != nil {
		return nil, autherr.NewInternal(err)
	}
	if user == nil {
		s.unknownUserDelay()
		if _, cntErr := s.lockout.RecordFailure(ctx, email); cntErr != nil {
			s.logger.Error("failed to record login failure", "error", cntErr)
		}
		s.auditFailure(ctx, audit.ActionLogin, nil, meta, autherr.CodeInvalidCredentials)
		return nil, autherr.NewInvalidCredentials()
	}

	ok, err := s.hasher.Verify(ctx, plaintext, user.PasswordHash)
	if err != nil {
		return nil, autherr.NewInternal(err)
	}
	if !ok {
		count, cntErr := s.lockout.RecordFailure(ctx, email)
		if cntErr != nil {
			s.logger.Error("failed to record login failure", "error", cntErr)
		}
		if recErr := s.recorder.RecordFailure(ctx, user.ID, meta); recErr != nil {
			s.logger.Error("failed to record login history", "error", recErr)
		}
		if count == s.lockout.Threshold() {
			s.auditFailure(ctx, audit.ActionAccountLocked, &user.ID, meta, autherr.CodeAccountLocked)
		}
		s.auditFailure(ctx, audit.ActionLogin, &user.ID, meta, autherr.CodeInvalidCredentials)
		return nil, autherr.NewInvalidCredentials()
	}

	if !user.IsActive {
		s.auditFailure(ctx, audit.ActionInactiveLogin, &user.ID, meta, autherr.CodeAccountInactive)
		return nil, autherr.NewInvalidCredentials()
	}

	pair, accessClaims, refreshToken, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}

	rec := registry.RefreshRecord{
		UserID:     user.ID,
		TokenHash:  registry.HashToken(refreshToken),
		DeviceInfo: meta.DeviceInfo,
		ExpiresAt:  time.Now().Add(s.codec.RefreshTTL()),
	}
	if err := s.recorder.FinalizeLogin(ctx, rec, meta); err != nil {
		// The access jti is already registered; unregister so the failed
		// login leaves nothing usable behind.
		if rmErr := s.creds.RemoveAccess(ctx, user.ID, accessClaims.JTI); rmErr != nil {
			s.logger.Error("failed to unregister access token", "error", rmErr)
		}
		return nil, autherr.NewInternal(err)
	}

	if err := s.lockout.Reset(ctx, email); err != nil {
		s.logger.Warn("failed to reset lockout counter", "error", err)
	}
	s.maybeRehash(ctx, user, plaintext)

	s.audit.Record(ctx, audit.Event{
		Type:         audit.TypeAuth,
		Action:       audit.ActionLogin,
		ResourceType: "user",
		ActorID:      &user.ID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Status:       audit.StatusSuccess,
	})
	return pair, nil
}

// Refresh redeems a refresh credential for a new pair. The predecessor is
// revoked in the same transaction that records the successor, so a stolen
// or replayed credential loses the race exactly once.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*TokenPair, error) {
	claims, err := s.codec.Decode(refreshToken)
	if err != nil || claims.Type != tokens.TypeRefresh {
		return nil, autherr.NewInvalidRefreshToken()
	}

	rec, err := s.creds.LookupRefresh(ctx, refreshToken)
	if errors.Is(err, registry.ErrRefreshNotUsable) {
		s.auditFailure(ctx, audit.ActionTokenRefresh, &claims.UserID, meta, autherr.CodeInvalidRefreshToken)
		return nil, autherr.NewInvalidRefreshToken()
	}
	if err != nil {
		return nil, autherr.NewInternal(err)
	}

	user, err := s.directory.GetByID(ctx, rec.UserID)
	if err != nil {
		return nil, autherr.NewInternal(err)
	}
	if user == nil || !user.IsActive {
		s.auditFailure(ctx, audit.ActionTokenRefresh, &rec.UserID, meta, autherr.CodeAccountInactive)
		return nil, autherr.NewInvalidRefreshToken()
	}

	pair, accessClaims, newRefresh, err := s.issuePairUnregistered(ctx, user)
	if err != nil {
		return nil, err
	}

	successor := registry.RefreshRecord{
		UserID:     user.ID,
		TokenHash:  registry.HashToken(newRefresh),
		DeviceInfo: rec.DeviceInfo,
		ExpiresAt:  time.Now().Add(s.codec.RefreshTTL()),
	}
	if err := s.creds.Rotate(ctx, refreshToken, successor); err != nil {
		if errors.Is(err, registry.ErrRefreshNotUsable) {
			// Lost the rotation race: another redemption of the same
			// credential won between lookup and rotate.
			s.auditFailure(ctx, audit.ActionTokenRefresh, &user.ID, meta, autherr.CodeInvalidRefreshToken)
			return nil, autherr.NewInvalidRefreshToken()
		}
		return nil, autherr.NewInternal(err)
	}

	if err := s.creds.RegisterAccess(ctx, user.ID, accessClaims.JTI); err != nil {
		return nil, autherr.NewInternal(err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:         audit.TypeAuth,
		Action:       audit.ActionTokenRefresh,
		ResourceType: "user",
		ActorID:      &user.ID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Status:       audit.StatusSuccess,
	})
	return pair, nil
}

// Logout invalidates an access credential immediately and optionally revokes
// the paired refresh credential. An expired access credential is still
// accepted: its signature proves possession, and revoking it is harmless.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string, meta RequestMeta) error {
	claims, err := s.codec.Decode(accessToken)
	if err != nil && !errors.Is(err, tokens.ErrExpired) {
		return autherr.NewInvalidToken()
	}
	if claims == nil || claims.Type != tokens.TypeAccess {
		return autherr.NewInvalidToken()
	}

	if ttl := time.Until(claims.ExpiresAt); ttl > 0 {
		if err := s.creds.Blacklist(ctx, claims.JTI, ttl); err != nil {
			return autherr.NewInternal(err)
		}
	}
	if err := s.creds.RemoveAccess(ctx, claims.UserID, claims.JTI); err != nil {
		s.logger.Warn("failed to remove access token from active set", "error", err)
	}
	if refreshToken != "" {
		if err := s.creds.RevokeRefresh(ctx, refreshToken); err != nil {
			s.logger.Warn("failed to revoke refresh token", "error", err)
		}
	}

	s.audit.Record(ctx, audit.Event{
		Type:         audit.TypeAuth,
		Action:       audit.ActionLogout,
		ResourceType: "user",
		ActorID:      &claims.UserID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Status:       audit.StatusSuccess,
	})
	return nil
}

// RevokeAll kills every credential the principal holds.
func (s *Service) RevokeAll(ctx context.Context, userID int64, meta RequestMeta) error {
	if err := s.creds.RevokeAll(ctx, userID); err != nil {
		return autherr.NewInternal(err)
	}
	s.audit.Record(ctx, audit.Event{
		Type:         audit.TypeAuth,
		Action:       audit.ActionTokenRevoke,
		ResourceType: "user",
		ActorID:      &userID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Status:       audit.StatusSuccess,
	})
	return nil
}

// Sessions lists the principal's usable refresh records.
func (s *Service) Sessions(ctx context.Context, userID int64) ([]Session, error) {
	recs, err := s.creds.Sessions(ctx, userID)
	if err != nil {
		return nil, autherr.NewInternal(err)
	}
	sessions := make([]Session, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, Session{
			ID:         rec.ID,
			DeviceInfo: rec.DeviceInfo,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
		})
	}
	return sessions, nil
}

// issuePair issues and registers an access credential plus a refresh
// credential.
func (s *Service) issuePair(ctx context.Context, user *users.User) (*TokenPair, *tokens.Claims, string, error) {
	pair, claims, refresh, err := s.issuePairUnregistered(ctx, user)
	if err != nil {
		return nil, nil, "", err
	}
	if err := s.creds.RegisterAccess(ctx, user.ID, claims.JTI); err != nil {
		return nil, nil, "", autherr.NewInternal(err)
	}
	return pair, claims, refresh, nil
}

// issuePairUnregistered issues both credentials without touching the active
// set, for flows that must order registration after another step.
func (s *Service) issuePairUnregistered(ctx context.Context, user *users.User) (*TokenPair, *tokens.Claims, string, error) {
	proj, err := s.projector.Projection(ctx, user.ID)
	if err != nil {
		return nil, nil, "", autherr.NewInternal(err)
	}

	access, err := s.codec.IssueAccess(user.ID, user.Email, proj.Roles, proj.Permissions, nil)
	if err != nil {
		return nil, nil, "", autherr.NewInternal(err)
	}
	refresh, err := s.codec.IssueRefresh(user.ID)
	if err != nil {
		return nil, nil, "", autherr.NewInternal(err)
	}
	claims, err := s.codec.Decode(access)
	if err != nil {
		return nil, nil, "", autherr.NewInternal(err)
	}

	pair := &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}
	return pair, claims, refresh, nil
}

// maybeRehash upgrades the stored hash when the cost parameters have moved
// on. Failures only log; the login already succeeded.
func (s *Service) maybeRehash(ctx context.Context, user *users.User, plaintext string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(ctx, plaintext)
	if err != nil {
		s.logger.Warn("opportunistic rehash failed", "user_id", user.ID, "error", err)
		return
	}
	if err := s.directory.UpdatePassword(ctx, user.ID, hash); err != nil {
		s.logger.Warn("failed to store rehashed password", "user_id", user.ID, "error", err)
	}
}

func (s *Service) auditFailure(ctx context.Context, action string, actorID *int64, meta RequestMeta, code string) {
	s.audit.Record(ctx, audit.Event{
		Type:         audit.TypeAuth,
		Action:       action,
		ResourceType: "user",
		ActorID:      actorID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Status:       audit.StatusFailure,
		ErrorMessage: code,
	})
}
