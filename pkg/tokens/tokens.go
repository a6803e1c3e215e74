// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens issues and verifies the bearer credentials of the service.
//
// The codec signs with an asymmetric key in production (RS256, file-loaded
// PEM keys) and falls back to a shared-secret MAC (HS256) outside production.
// Verification of blacklist and active-set membership is the registry's job;
// Decode only covers signature, issuer and time claims.
package tokens

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credential types carried in the "type" claim.
const (
	TypeAccess        = "access"
	TypeRefresh       = "refresh"
	TypeMFAPending    = "mfa_pending"
	TypePasswordReset = "password_reset"
)

// Lifetimes for the fixed-lifetime credential types.
const (
	mfaPendingTTL    = 5 * time.Minute
	passwordResetTTL = time.Hour
)

// Decode errors. Callers distinguish expiry from everything else; all other
// failures are deliberately collapsed into ErrMalformed.
var (
	ErrExpired   = errors.New("token has expired")
	ErrMalformed = errors.New("token is malformed")
)

// Claims is the decoded view of a credential.
type Claims struct {
	UserID      int64
	Email       string
	Roles       []string
	Permissions []string
	Type        string
	Issuer      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	JTI         string

	// Extra holds claims beyond the standard set. Unknown claims are
	// tolerated so downstream services can attach their own.
	Extra map[string]any
}

// Config configures a Codec.
type Config struct {
	// Algorithm is "RS256" (default) or "HS256".
	Algorithm string

	// Issuer is placed in (and required from) the iss claim.
	Issuer string

	// AccessTTL and RefreshTTL are the credential lifetimes.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// PrivateKeyPath and PublicKeyPath locate the PEM signing key pair.
	PrivateKeyPath string
	PublicKeyPath  string

	// SecretKey is the HS256 fallback secret.
	SecretKey string
}

// Codec signs and verifies credentials.
type Codec struct {
	cfg       Config
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	jwksDoc   []byte
}

// New creates a codec from the configuration. RSA keys are loaded when both
// paths are set and readable; otherwise the codec uses HS256 with the shared
// secret. Production configurations are expected to have been validated
// before this point (see config.Validate).
func New(cfg Config) (*Codec, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("credential lifetimes must be positive")
	}

	c := &Codec{cfg: cfg}

	if strings.HasPrefix(cfg.Algorithm, "RS") && cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		privPEM, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		pubPEM, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		privKey, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		c.method = jwt.GetSigningMethod(cfg.Algorithm)
		if c.method == nil {
			return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
		}
		c.signKey = privKey
		c.verifyKey = pubKey

		if err := c.buildJWKS(pubKey); err != nil {
			return nil, err
		}
		return c, nil
	}

	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("no signing key configured: set key paths or JWT_SECRET_KEY")
	}
	c.method = jwt.SigningMethodHS256
	c.signKey = []byte(cfg.SecretKey)
	c.verifyKey = []byte(cfg.SecretKey)
	c.jwksDoc = []byte(`{"keys":[]}`)
	return c, nil
}

// Algorithm returns the active signing algorithm name.
func (c *Codec) Algorithm() string {
	return c.method.Alg()
}

// RefreshTTL returns the refresh credential lifetime.
func (c *Codec) RefreshTTL() time.Duration {
	return c.cfg.RefreshTTL
}

// AccessTTL returns the access credential lifetime.
func (c *Codec) AccessTTL() time.Duration {
	return c.cfg.AccessTTL
}

// IssueAccess issues an access credential with the principal's identity and
// permission projection. Every call produces a fresh jti.
func (c *Codec) IssueAccess(userID int64, email string, roles, permissions []string, extra map[string]any) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":         strconv.FormatInt(userID, 10),
		"email":       email,
		"roles":       emptyIfNil(roles),
		"permissions": emptyIfNil(permissions),
		"type":        TypeAccess,
		"iss":         c.cfg.Issuer,
		"iat":         now.Unix(),
		"exp":         now.Add(c.cfg.AccessTTL).Unix(),
		"jti":         uuid.NewString(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return c.sign(claims)
}

// IssueRefresh issues a refresh credential. It carries no profile claims.
func (c *Codec) IssueRefresh(userID int64) (string, error) {
	return c.issueBare(userID, TypeRefresh, c.cfg.RefreshTTL)
}

// IssueMFAPending issues the short-lived credential handed out between a
// successful password check and the second factor.
func (c *Codec) IssueMFAPending(userID int64) (string, error) {
	return c.issueBare(userID, TypeMFAPending, mfaPendingTTL)
}

// IssuePasswordReset issues a one-hour password reset credential.
func (c *Codec) IssuePasswordReset(userID int64) (string, error) {
	return c.issueBare(userID, TypePasswordReset, passwordResetTTL)
}

func (c *Codec) issueBare(userID int64, credType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	return c.sign(jwt.MapClaims{
		"sub":  strconv.FormatInt(userID, 10),
		"type": credType,
		"iss":  c.cfg.Issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"jti":  uuid.NewString(),
	})
}

func (c *Codec) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(c.method, claims)
	if c.keyID != "" {
		token.Header["kid"] = c.keyID
	}
	signed, err := token.SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode validates signature, issuer and time claims and returns the parsed
// claims. Expired credentials return ErrExpired with the claims still
// populated so that logout can blacklist them; every other failure returns
// ErrMalformed.
func (c *Codec) Decode(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString,
		func(_ *jwt.Token) (any, error) { return c.verifyKey, nil },
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && parsed != nil {
			if mc, ok := parsed.Claims.(jwt.MapClaims); ok {
				if claims, mapErr := mapToClaims(mc); mapErr == nil {
					return claims, ErrExpired
				}
			}
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}
	return mapToClaims(mc)
}

// ClaimsFromMap converts already-verified map claims into the typed view.
// Verifiers that parse credentials themselves use it to share the claim
// conventions.
func ClaimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	return mapToClaims(mc)
}

func mapToClaims(mc jwt.MapClaims) (*Claims, error) {
	sub, _ := mc["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	jti, _ := mc["jti"].(string)
	if jti == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{
		UserID:      userID,
		JTI:         jti,
		Type:        stringClaim(mc, "type"),
		Email:       stringClaim(mc, "email"),
		Issuer:      stringClaim(mc, "iss"),
		Roles:       stringSliceClaim(mc, "roles"),
		Permissions: stringSliceClaim(mc, "permissions"),
		Extra:       map[string]any{},
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	known := map[string]bool{
		"sub": true, "email": true, "roles": true, "permissions": true,
		"type": true, "iss": true, "iat": true, "exp": true, "jti": true,
	}
	for k, v := range mc {
		if !known[k] {
			claims.Extra[k] = v
		}
	}
	return claims, nil
}

func stringClaim(mc jwt.MapClaims, key string) string {
	s, _ := mc[key].(string)
	return s
}

func stringSliceClaim(mc jwt.MapClaims, key string) []string {
	raw, ok := mc[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
