package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSecretBoxRoundTrip(t *testing.T) {
	key, err := ParseKey(testKeyHex)
	require.NoError(t, err)

	sealed, err := EncryptPassword(key, "harbour-master")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "harbour-master")

	plain, err := SecretBoxDecrypter(key)(sealed)
	require.NoError(t, err)
	assert.Equal(t, "harbour-master", plain)
}

func TestSecretBoxRejectsWrongKey(t *testing.T) {
	key, err := ParseKey(testKeyHex)
	require.NoError(t, err)
	other, err := ParseKey(strings.Repeat("ff", 32))
	require.NoError(t, err)

	sealed, err := EncryptPassword(key, "harbour-master")
	require.NoError(t, err)

	_, err = SecretBoxDecrypter(other)(sealed)
	assert.Error(t, err)
	_, err = SecretBoxDecrypter(key)("not base64!")
	assert.Error(t, err)
	_, err = SecretBoxDecrypter(key)("c2hvcnQ=")
	assert.ErrorContains(t, err, "too short")
}

func TestParseKey(t *testing.T) {
	_, err := ParseKey("abcd")
	assert.ErrorContains(t, err, "32 bytes")
	_, err = ParseKey("zz")
	assert.Error(t, err)
}
