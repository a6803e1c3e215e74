// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/caldera-auth/caldera/pkg/admission"
	"github.com/caldera-auth/caldera/pkg/audit"
	"github.com/caldera-auth/caldera/pkg/authn"
	autherr "github.com/caldera-auth/caldera/pkg/errors"
	"github.com/caldera-auth/caldera/pkg/gate"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// decode parses and validates a JSON request body. Validation failures are
// reported with field names only, never values.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return autherr.New(autherr.CodeValidation, "malformed request body", http.StatusBadRequest).
			WithCause(err)
	}
	if err := validate.Struct(dst); err != nil {
		fields := map[string]any{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		return autherr.New(autherr.CodeValidation, "request validation failed", http.StatusBadRequest).
			WithDetails(fields)
	}
	return nil
}

func requestMeta(r *http.Request) authn.RequestMeta {
	return authn.RequestMeta{
		IP:        admission.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

type loginRequest struct {
	Email      string          `json:"email" validate:"required,email"`
	Password   string          `json:"password" validate:"required"`
	DeviceInfo json.RawMessage `json:"device_info"`
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		autherr.WriteError(w, err)
		return
	}

	meta := requestMeta(r)
	if len(req.DeviceInfo) > 0 {
		device := string(req.DeviceInfo)
		meta.DeviceInfo = &device
	}

	pair, err := h.deps.Authn.Login(r.Context(), req.Email, req.Password, meta)
	if err != nil {
		autherr.WriteError(w, err)
		return
	}
	autherr.WriteSuccess(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		autherr.WriteError(w, err)
		return
	}

	pair, err := h.deps.Authn.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		autherr.WriteError(w, err)
		return
	}
	autherr.WriteSuccess(w, http.StatusOK, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	raw := gate.BearerToken(r)
	if raw == "" {
		autherr.WriteError(w, autherr.NewMissingAuthorization())
		return
	}

	// Body is optional; without one only the access credential dies.
	var req logoutRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.deps.Authn.Logout(r.Context(), raw, req.RefreshToken, requestMeta(r)); err != nil {
		autherr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyRequest struct {
	Token string `json:"token" validate:"required"`
}

type verifyResponse struct {
	UserID      int64    `json:"user_id"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	ExpiresAt   int64    `json:"exp"`
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		autherr.WriteError(w, err)
		return
	}

	claims, err := h.deps.Gate.Verify(r.Context(), req.Token)
	if err != nil {
		autherr.WriteError(w, err)
		return
	}
	autherr.WriteSuccess(w, http.StatusOK, verifyResponse{
		UserID:      claims.UserID,
		Email:       claims.Email,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.ExpiresAt.Unix(),
	})
}

// introspect mirrors verify but never fails on a bad credential: the verdict
// is in the body, so callers need only one code path.
func (h *handlers) introspect(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		autherr.WriteError(w, err)
		return
	}

	claims, err := h.deps.Gate.Verify(r.Context(), req.Token)
	if err != nil {
		autherr.WriteSuccess(w, http.StatusOK, gate.IntrospectionResult{Active: false})
		return
	}
	autherr.WriteSuccess(w, http.StatusOK, gate.IntrospectionResult{
		Active:      true,
		UserID:      claims.UserID,
		Email:       claims.Email,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		ExpiresAt:   claims.ExpiresAt.Unix(),
	})
}

func (h *handlers) sessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := gate.ClaimsFromContext(r.Context())
	sessions, err := h.deps.Authn.Sessions(r.Context(), claims.UserID)
	if err != nil {
		autherr.WriteError(w, err)
		return
	}
	autherr.WriteSuccess(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *handlers) revokeAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := gate.ClaimsFromContext(r.Context())
	if err := h.deps.Authn.RevokeAll(r.Context(), claims.UserID, requestMeta(r)); err != nil {
		autherr.WriteError(w, err)
		return
	}
	autherr.WriteSuccess(w, http.StatusOK, map[string]string{"message": "all sessions revoked"})
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		autherr.WriteError(w, err)
		return
	}

	u, err := h.deps.Users.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		autherr.WriteError(w, err)
		return
	}

	meta := requestMeta(r)
	h.deps.Audit.Record(r.Context(), audit.Event{
		Type:         audit.TypeUser,
		Action:       audit.ActionRegister,
		ResourceType: "user",
		ActorID:      &u.ID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Status:       audit.StatusSuccess,
	})
	autherr.WriteSuccess(w, http.StatusCreated, u)
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	claims, _ := gate.ClaimsFromContext(r.Context())
	u, err := h.deps.Users.Get(r.Context(), claims.UserID)
	if err != nil {
		autherr.WriteError(w, err)
		return
	}
	autherr.WriteSuccess(w, http.StatusOK, u)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

func (h *handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := gate.ClaimsFromContext(r.Context())
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		autherr.WriteError(w, err)
		return
	}

	if err := h.deps.Users.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		autherr.WriteError(w, err)
		return
	}

	// A changed password kills every outstanding credential, including the
	// one that authorized this request.
	meta := requestMeta(r)
	if err := h.deps.Authn.RevokeAll(r.Context(), claims.UserID, meta); err != nil {
		h.logger.Error("failed to revoke credentials after password change",
			"user_id", claims.UserID, "error", err)
	}

	h.deps.Audit.Record(r.Context(), audit.Event{
		Type:         audit.TypeUser,
		Action:       audit.ActionPasswordChange,
		ResourceType: "user",
		ActorID:      &claims.UserID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		Status:       audit.StatusSuccess,
	})
	autherr.WriteSuccess(w, http.StatusOK, map[string]string{"message": "password changed"})
}

func (h *handlers) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(h.deps.Codec.JWKS())
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	services := map[string]string{}
	for _, hc := range h.deps.Health {
		if err := hc.Probe(ctx); err != nil {
			services[hc.Name] = "down"
			status = "degraded"
			h.logger.Warn("health probe failed", "service", hc.Name, "error", err)
		} else {
			services[hc.Name] = "up"
		}
	}

	body := map[string]any{
		"status":   status,
		"services": services,
	}
	if h.deps.Backpressure != nil {
		body["load"] = h.deps.Backpressure.Snapshot()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	autherr.WriteSuccess(w, code, body)
}
