// SPDX-License-Identifier: Apache-2.0

package pgpkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveCreatesDerivedIdentityWhenEmpty(t *testing.T) {
	home := t.TempDir()
	m := NewManager(home)

	keyID, err := m.Resolve("", "Hagrid", "snakeoil")
	require.NoError(t, err)
	require.NotEmpty(t, keyID)

	identity, err := m.IdentityOf(keyID)
	require.NoError(t, err)
	require.Equal(t, "Hagrid Timestamping Service <Hagrid@snakeoil>", identity)

	// A second resolution must reuse the same key rather than creating another.
	again, err := m.Resolve("", "Hagrid", "snakeoil")
	require.NoError(t, err)
	require.Equal(t, keyID, again)
}

func TestResolveCreatesFromNameEmailWhenNoMatch(t *testing.T) {
	home := t.TempDir()
	m := NewManager(home)

	keyID, err := m.Resolve("Test User <test@example.com>", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, keyID)
}

func TestResolveRejectsBogusKeyID(t *testing.T) {
	home := t.TempDir()
	m := NewManager(home)

	_, err := m.Resolve("not-an-identity-or-fingerprint", "", "")
	require.ErrorIs(t, err, ErrNoMatchingKey)
}

func TestSignatureIsDeterministicUnderFrozenTime(t *testing.T) {
	home := t.TempDir()
	m := NewManager(home)
	keyID, err := m.Resolve("Hagrid Snakeoil Timestomping Service <timestomping@hagrid.snakeoil>", "", "")
	require.NoError(t, err)

	signer := NewSigner(home, keyID)
	now := time.Unix(1551155115, 0).UTC()

	sig1, err := signer.Sign([]byte("hello world"), now)
	require.NoError(t, err)
	sig2, err := signer.Sign([]byte("hello world"), now)
	require.NoError(t, err)

	require.Equal(t, sig1, sig2)
}
