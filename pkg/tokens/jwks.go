// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// buildJWKS derives the published key set from the verification key. The kid
// is the RFC 7638 thumbprint, which lets consumers route by kid across
// deployments without coordinated naming.
func (c *Codec) buildJWKS(pubKey *rsa.PublicKey) error {
	key, err := jwk.Import(pubKey)
	if err != nil {
		return fmt.Errorf("failed to import public key: %w", err)
	}
	if err := jwk.AssignKeyID(key); err != nil {
		return fmt.Errorf("failed to assign key ID: %w", err)
	}

	alg, ok := jwa.LookupSignatureAlgorithm(c.method.Alg())
	if !ok {
		return fmt.Errorf("unknown signature algorithm %q", c.method.Alg())
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return fmt.Errorf("failed to set key use: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
		return fmt.Errorf("failed to set key algorithm: %w", err)
	}

	var kid string
	if err := key.Get(jwk.KeyIDKey, &kid); err != nil {
		return fmt.Errorf("failed to read key ID: %w", err)
	}
	c.keyID = kid

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return fmt.Errorf("failed to add key to set: %w", err)
	}
	doc, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal key set: %w", err)
	}
	c.jwksDoc = doc
	return nil
}

// JWKS returns the JSON key-set document for the verification key. HS256
// codecs publish an empty set; the shared secret never leaves the process.
func (c *Codec) JWKS() []byte {
	return c.jwksDoc
}

// KeyID returns the kid of the active signing key, empty for HS256.
func (c *Codec) KeyID() string {
	return c.keyID
}
