// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherr "github.com/caldera-auth/caldera/pkg/errors"
	"github.com/caldera-auth/caldera/pkg/registry"
	"github.com/caldera-auth/caldera/pkg/tokens"
)

type fakeChecker struct {
	err error
}

func (f fakeChecker) ValidateAccess(context.Context, int64, string) error {
	return f.err
}

func hsCodec(t *testing.T) *tokens.Codec {
	t.Helper()
	codec, err := tokens.New(tokens.Config{
		Algorithm:  "HS256",
		Issuer:     "caldera-test",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: time.Hour,
		SecretKey:  "unit-test-secret-key-not-for-production",
	})
	require.NoError(t, err)
	return codec
}

func protected(t *testing.T, g *Gate) http.Handler {
	t.Helper()
	return g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		autherr.WriteSuccess(w, http.StatusOK, map[string]any{"user_id": claims.UserID})
	}))
}

func doGet(h http.Handler, authorization string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error.Code
}

func TestGateAcceptsLiveCredential(t *testing.T) {
	codec := hsCodec(t)
	g := New(codec, fakeChecker{}, nil)

	access, err := codec.IssueAccess(7, "a@example.com", []string{"user"}, nil, nil)
	require.NoError(t, err)

	w := doGet(protected(t, g), "Bearer "+access)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGateMissingAuthorization(t *testing.T) {
	g := New(hsCodec(t), fakeChecker{}, nil)

	w := doGet(protected(t, g), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, autherr.CodeMissingAuthorization, errorCode(t, w))

	w = doGet(protected(t, g), "Basic dXNlcjpwdw==")
	assert.Equal(t, autherr.CodeMissingAuthorization, errorCode(t, w))
}

func TestGateMalformedCredential(t *testing.T) {
	g := New(hsCodec(t), fakeChecker{}, nil)
	w := doGet(protected(t, g), "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, autherr.CodeInvalidToken, errorCode(t, w))
}

func TestGateExpiredCredential(t *testing.T) {
	shortCodec, err := tokens.New(tokens.Config{
		Algorithm:  "HS256",
		Issuer:     "caldera-test",
		AccessTTL:  time.Millisecond,
		RefreshTTL: time.Hour,
		SecretKey:  "unit-test-secret-key-not-for-production",
	})
	require.NoError(t, err)
	g := New(shortCodec, fakeChecker{}, nil)

	access, err := shortCodec.IssueAccess(7, "a@example.com", nil, nil, nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	w := doGet(protected(t, g), "Bearer "+access)
	assert.Equal(t, autherr.CodeTokenExpired, errorCode(t, w))
}

func TestGateRejectsRefreshCredential(t *testing.T) {
	codec := hsCodec(t)
	g := New(codec, fakeChecker{}, nil)

	refresh, err := codec.IssueRefresh(7)
	require.NoError(t, err)

	w := doGet(protected(t, g), "Bearer "+refresh)
	assert.Equal(t, autherr.CodeInvalidToken, errorCode(t, w))
}

func TestGateRevokedAndBlacklisted(t *testing.T) {
	codec := hsCodec(t)
	access, err := codec.IssueAccess(7, "a@example.com", nil, nil, nil)
	require.NoError(t, err)

	g := New(codec, fakeChecker{err: registry.ErrAccessRevoked}, nil)
	w := doGet(protected(t, g), "Bearer "+access)
	assert.Equal(t, autherr.CodeTokenRevoked, errorCode(t, w))

	g = New(codec, fakeChecker{err: registry.ErrAccessBlacklisted}, nil)
	w = doGet(protected(t, g), "Bearer "+access)
	assert.Equal(t, autherr.CodeInvalidToken, errorCode(t, w))
}

func TestRequirePermission(t *testing.T) {
	mw := RequirePermission("users:write")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &tokens.Claims{
		UserID:      7,
		Permissions: []string{"users:read", "users:write"},
	})))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &tokens.Claims{
		UserID:      7,
		Permissions: []string{"users:read"},
	})))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, autherr.CodeInsufficientPermissions, errorCode(t, w))
}

func writeRSAKeyPair(t *testing.T) (privPath, pubPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "key.pem")
	pubPath = filepath.Join(dir, "key.pub.pem")

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))
	return privPath, pubPath
}

func TestVerifierAgainstPublishedJWKS(t *testing.T) {
	privPath, pubPath := writeRSAKeyPair(t)
	codec, err := tokens.New(tokens.Config{
		Algorithm:      "RS256",
		Issuer:         "caldera-test",
		AccessTTL:      30 * time.Minute,
		RefreshTTL:     time.Hour,
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(codec.JWKS())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewVerifier(ctx, "caldera-test", srv.URL, nil)
	require.NoError(t, err)

	access, err := codec.IssueAccess(7, "a@example.com", []string{"user"}, []string{"profile:read"}, nil)
	require.NoError(t, err)

	claims, err := v.Verify(ctx, access)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, []string{"profile:read"}, claims.Permissions)

	// Refresh credentials are rejected even though the signature is good.
	refresh, err := codec.IssueRefresh(7)
	require.NoError(t, err)
	_, err = v.Verify(ctx, refresh)
	assert.ErrorIs(t, err, ErrVerifierInvalidToken)

	// Tampering breaks the signature.
	_, err = v.Verify(ctx, access+"x")
	assert.ErrorIs(t, err, ErrVerifierInvalidToken)
}

func TestVerifierWrongIssuer(t *testing.T) {
	privPath, pubPath := writeRSAKeyPair(t)
	codec, err := tokens.New(tokens.Config{
		Algorithm:      "RS256",
		Issuer:         "someone-else",
		AccessTTL:      time.Minute,
		RefreshTTL:     time.Hour,
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(codec.JWKS())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewVerifier(ctx, "caldera-test", srv.URL, nil)
	require.NoError(t, err)

	access, err := codec.IssueAccess(7, "a@example.com", nil, nil, nil)
	require.NoError(t, err)
	_, err = v.Verify(ctx, access)
	assert.ErrorIs(t, err, ErrVerifierInvalidToken)
}

func TestIntrospectionClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		active := req.Token == "good-token"
		autherr.WriteSuccess(w, http.StatusOK, IntrospectionResult{
			Active: active,
			UserID: 7,
		})
	}))
	t.Cleanup(srv.Close)

	c := NewIntrospectionClient(srv.URL, nil)
	ctx := context.Background()

	res, err := c.Introspect(ctx, "good-token")
	require.NoError(t, err)
	assert.True(t, res.Active)
	assert.Equal(t, int64(7), res.UserID)

	res, err = c.Introspect(ctx, "revoked-token")
	require.NoError(t, err)
	assert.False(t, res.Active)
}
