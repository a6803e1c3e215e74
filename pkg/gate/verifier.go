// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/caldera-auth/caldera/pkg/tokens"
)

// Verifier errors.
var (
	ErrVerifierInvalidToken = errors.New("invalid or expired token")
	ErrVerifierKeyNotFound  = errors.New("signing key not found in JWKS")
)

// Verifier validates access credentials in a service that is not the
// issuer, using the issuer's published JWKS. Signature and expiry are
// checked locally; registry state is not, so revocation is only as fresh as
// the credential lifetime.
type Verifier struct {
	issuer  string
	jwksURL string
	cache   *jwk.Cache

	mu         sync.Mutex
	registered bool
	regErr     error
}

// NewVerifier creates a JWKS-backed verifier. The cache auto-refreshes in
// the background and keeps serving the last good key set when the issuer is
// briefly unreachable.
func NewVerifier(ctx context.Context, issuer, jwksURL string, httpClient *http.Client) (*Verifier, error) {
	if issuer == "" || jwksURL == "" {
		return nil, fmt.Errorf("issuer and JWKS URL are required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &Verifier{issuer: issuer, jwksURL: jwksURL, cache: cache}, nil
}

// ensureRegistered registers the JWKS URL on first use. Registration fetches
// the document, so it is deferred off the constructor and bounded at 5s.
func (v *Verifier) ensureRegistered(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.registered {
		return v.regErr
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.cache.Register(regCtx, v.jwksURL); err != nil {
		v.regErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.registered = true
	return v.regErr
}

func (v *Verifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}

		set, err := v.cache.Lookup(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to look up JWKS: %w", err)
		}
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, ErrVerifierKeyNotFound
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export key: %w", err)
		}
		return raw, nil
	}
}

// Verify checks signature, expiry, issuer, and credential type, and returns
// the claims. Registry state is not consulted; see IntrospectionClient for
// decisions that must observe revocation immediately.
func (v *Verifier) Verify(ctx context.Context, raw string) (*tokens.Claims, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	parsed, err := jwt.Parse(raw, v.keyFunc(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrVerifierInvalidToken
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrVerifierInvalidToken
	}
	claims, err := tokens.ClaimsFromMap(mc)
	if err != nil {
		return nil, ErrVerifierInvalidToken
	}
	if claims.Type != tokens.TypeAccess {
		return nil, ErrVerifierInvalidToken
	}
	return claims, nil
}
