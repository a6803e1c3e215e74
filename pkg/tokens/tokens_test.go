// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-secret-0123456789abcdef0123456789"

func hmacCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(Config{
		Algorithm:  "HS256",
		Issuer:     "caldera-test",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		SecretKey:  testSecret,
	})
	require.NoError(t, err)
	return c
}

func rsaCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "jwt.key")
	pubPath := filepath.Join(dir, "jwt.pub")

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(
		&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(
		&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	c, err := New(Config{
		Algorithm:      "RS256",
		Issuer:         "caldera-test",
		AccessTTL:      30 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
	})
	require.NoError(t, err)
	return c
}

func TestIssueAccessRoundTrip(t *testing.T) {
	c := hmacCodec(t)

	token, err := c.IssueAccess(42, "user@example.com",
		[]string{"admin"}, []string{"users:read", "users:write"},
		map[string]any{"tenant": "acme"})
	require.NoError(t, err)

	claims, err := c.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, []string{"users:read", "users:write"}, claims.Permissions)
	assert.Equal(t, TypeAccess, claims.Type)
	assert.Equal(t, "caldera-test", claims.Issuer)
	assert.Equal(t, "acme", claims.Extra["tenant"])
	assert.NotEmpty(t, claims.JTI)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), claims.ExpiresAt, 5*time.Second)
}

func TestFreshJTIPerIssue(t *testing.T) {
	c := hmacCodec(t)

	seen := map[string]bool{}
	for range 10 {
		token, err := c.IssueAccess(1, "a@b.c", nil, nil, nil)
		require.NoError(t, err)
		claims, err := c.Decode(token)
		require.NoError(t, err)
		assert.False(t, seen[claims.JTI], "jti reused")
		seen[claims.JTI] = true
	}
}

func TestRefreshCarriesNoProfile(t *testing.T) {
	c := hmacCodec(t)

	token, err := c.IssueRefresh(7)
	require.NoError(t, err)

	claims, err := c.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, claims.Type)
	assert.Empty(t, claims.Email)
	assert.Empty(t, claims.Roles)
	assert.Empty(t, claims.Permissions)
}

func TestFixedLifetimeTypes(t *testing.T) {
	c := hmacCodec(t)

	mfa, err := c.IssueMFAPending(7)
	require.NoError(t, err)
	claims, err := c.Decode(mfa)
	require.NoError(t, err)
	assert.Equal(t, TypeMFAPending, claims.Type)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt, 5*time.Second)

	reset, err := c.IssuePasswordReset(7)
	require.NoError(t, err)
	claims, err = c.Decode(reset)
	require.NoError(t, err)
	assert.Equal(t, TypePasswordReset, claims.Type)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestDecodeExpiredReturnsClaims(t *testing.T) {
	c := hmacCodec(t)

	// Sign an already-expired token with the same secret.
	now := time.Now().UTC()
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "42",
		"type": TypeAccess,
		"iss":  "caldera-test",
		"iat":  now.Add(-time.Hour).Unix(),
		"exp":  now.Add(-time.Minute).Unix(),
		"jti":  "expired-jti",
	})
	token, err := raw.SignedString([]byte(testSecret))
	require.NoError(t, err)

	claims, err := c.Decode(token)
	assert.ErrorIs(t, err, ErrExpired)
	require.NotNil(t, claims, "expired tokens keep their claims for logout")
	assert.Equal(t, "expired-jti", claims.JTI)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	c := hmacCodec(t)

	t.Run("garbage", func(t *testing.T) {
		_, err := c.Decode("not.a.token")
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := New(Config{
			Algorithm: "HS256", Issuer: "someone-else",
			AccessTTL: time.Minute, RefreshTTL: time.Minute,
			SecretKey: testSecret,
		})
		require.NoError(t, err)
		token, err := other.IssueAccess(1, "a@b.c", nil, nil, nil)
		require.NoError(t, err)

		_, err = c.Decode(token)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := New(Config{
			Algorithm: "HS256", Issuer: "caldera-test",
			AccessTTL: time.Minute, RefreshTTL: time.Minute,
			SecretKey: "another-secret-another-secret-another",
		})
		require.NoError(t, err)
		token, err := other.IssueAccess(1, "a@b.c", nil, nil, nil)
		require.NoError(t, err)

		_, err = c.Decode(token)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestJWKSVerifiesIssuedTokens(t *testing.T) {
	c := rsaCodec(t)
	assert.Equal(t, "RS256", c.Algorithm())

	token, err := c.IssueAccess(42, "user@example.com", []string{"admin"}, nil, nil)
	require.NoError(t, err)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(c.JWKS(), &doc))
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "sig", doc.Keys[0]["use"])
	assert.Equal(t, "RS256", doc.Keys[0]["alg"])
	assert.Equal(t, c.KeyID(), doc.Keys[0]["kid"])

	// The published set must verify what the codec signs.
	set, err := jwk.Parse(c.JWKS())
	require.NoError(t, err)
	_, err = jws.Verify([]byte(token), jws.WithKeySet(set))
	assert.NoError(t, err)
}

func TestHMACCodecPublishesEmptyJWKS(t *testing.T) {
	c := hmacCodec(t)
	assert.JSONEq(t, `{"keys":[]}`, string(c.JWKS()))
}
