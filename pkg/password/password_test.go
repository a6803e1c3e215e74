// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package password

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt.MinCost keeps the suite fast; cost only changes timing, not behavior.
func testHasher() *Hasher {
	return NewHasher(WithCost(bcrypt.MinCost))
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher()
	ctx := context.Background()

	hash, err := h.Hash(ctx, "Lifecycle123!")
	require.NoError(t, err)
	assert.NotEqual(t, "Lifecycle123!", hash)

	ok, err := h.Verify(ctx, "Lifecycle123!", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(ctx, "wrong-password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashRejectsWeakPasswords(t *testing.T) {
	h := testHasher()
	ctx := context.Background()

	for _, password := range []string{
		"Sh0r!t",       // too short
		"lowercase1!",  // no upper
		"UPPERCASE1!",  // no lower
		"NoDigitsHere!",// no digit
		"NoPunct123ab", // no punctuation
	} {
		_, err := h.Hash(ctx, password)
		var policyErr *PolicyError
		require.ErrorAs(t, err, &policyErr, "password %q should be rejected", password)
		assert.NotEmpty(t, policyErr.Violations)
	}
}

func TestVerifySkipsPolicy(t *testing.T) {
	// Stored hashes of pre-policy passwords must keep verifying.
	h := testHasher()
	ctx := context.Background()

	legacy, err := bcrypt.GenerateFromPassword([]byte("weakpw"), bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := h.Verify(ctx, "weakpw", string(legacy))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNeedsRehash(t *testing.T) {
	low, err := bcrypt.GenerateFromPassword([]byte("Lifecycle123!"), bcrypt.MinCost)
	require.NoError(t, err)

	h := NewHasher(WithCost(DefaultCost))
	assert.True(t, h.NeedsRehash(string(low)))
	assert.True(t, h.NeedsRehash("not-a-bcrypt-hash"))

	current, err := bcrypt.GenerateFromPassword([]byte("Lifecycle123!"), DefaultCost)
	require.NoError(t, err)
	assert.False(t, h.NeedsRehash(string(current)))
}

func TestHashHonorsContext(t *testing.T) {
	h := testHasher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Hash(ctx, "Lifecycle123!")
	assert.ErrorIs(t, err, context.Canceled)
}
