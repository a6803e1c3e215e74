// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// IntrospectionResult is the issuer's verdict on a credential. Inactive
// results carry no claims.
type IntrospectionResult struct {
	Active      bool     `json:"active"`
	UserID      int64    `json:"user_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
}

// IntrospectionClient asks the issuer to verify a credential. Unlike
// Verifier, the answer reflects registry state, so revocation is observed
// immediately at the price of a network round-trip per check.
type IntrospectionClient struct {
	url    string
	client *http.Client
}

// NewIntrospectionClient creates a client for the issuer's introspection
// endpoint.
func NewIntrospectionClient(url string, client *http.Client) *IntrospectionClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &IntrospectionClient{url: url, client: client}
}

// Introspect submits the credential and returns the issuer's verdict.
// Transport failures are errors; a clean "active: false" is not.
func (c *IntrospectionClient) Introspect(ctx context.Context, token string) (*IntrospectionResult, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool                 `json:"success"`
		Data    *IntrospectionResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("introspection response missing data")
	}
	return envelope.Data, nil
}
