package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFromString_Policy(t *testing.T) {
	t.Parallel()

	_, err := KeyFromString("   ", MinKeyBytes)
	require.ErrorIs(t, err, ErrKeyMissing)

	_, err = KeyFromString("short", MinKeyBytes)
	require.ErrorIs(t, err, ErrKeyTooShort)

	k1, err := KeyFromString(strings.Repeat("a", MinKeyBytes), MinKeyBytes)
	require.NoError(t, err)
	k2, err := KeyFromString(strings.Repeat("a", MinKeyBytes), MinKeyBytes)
	require.NoError(t, err)
	require.Equal(t, *k1, *k2, "derivation must be deterministic")
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	key, err := KeyFromString(strings.Repeat("k", 40), MinKeyBytes)
	require.NoError(t, err)
	other, err := KeyFromString(strings.Repeat("o", 40), MinKeyBytes)
	require.NoError(t, err)

	msg := []byte("user-1")
	mac := Sign(msg, key)

	require.NotContains(t, mac, "=")
	require.True(t, Verify(msg, mac, key))
	require.False(t, Verify([]byte("user-2"), mac, key))
	require.False(t, Verify(msg, mac, other))
	require.False(t, Verify(msg, "not-base64!", key))
	require.False(t, Verify(msg, mac[:len(mac)-2], key))
}
