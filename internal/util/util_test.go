package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(16)
	require.NoError(t, err)
	b, err := RandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func TestRandomChars(t *testing.T) {
	s, err := RandomChars(24)
	require.NoError(t, err)
	assert.Len(t, s, 24)
	for _, r := range s {
		assert.Contains(t, string(allowedRandomChars), string(r))
	}
}

func TestArgon2idCompare(t *testing.T) {
	salt, err := RandomBytes(16)
	require.NoError(t, err)
	params := DefaultArgon2idParams()

	key, err := DeriveArgon2idKey("correct horse", salt, params)
	require.NoError(t, err)

	ok, err := CompareArgon2idKey("correct horse", salt, params, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CompareArgon2idKey("wrong horse", salt, params, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}
