package security

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncryptor(t *testing.T) {
	enc, err := NewEncryptor(nil)
	require.NoError(t, err)
	assert.False(t, enc.IsEnabled())

	_, err = NewEncryptor(make([]byte, 16))
	assert.ErrorContains(t, err, "exactly 32 bytes")

	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err = NewEncryptor(key)
	require.NoError(t, err)
	assert.True(t, enc.IsEnabled())
}

func TestEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryptor(key)
	require.NoError(t, err)

	for _, plaintext := range []string{"", "gho_refresh_token", strings.Repeat("ü", 2048)} {
		sealed, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		if plaintext != "" {
			assert.NotContains(t, sealed, plaintext)
		}
		got, err := enc.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}

	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	assert.NotEqual(t, a, b, "nonces must differ")
}

func TestEncryptor_DecryptRejectsTampering(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)
	otherKey, _ := GenerateKey()
	other, _ := NewEncryptor(otherKey)

	sealed, err := enc.Encrypt("access-token")
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff

	tests := map[string]string{
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte("abc")),
		"tampered":   base64.StdEncoding.EncodeToString(raw),
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := enc.Decrypt(input)
			assert.Error(t, err)
		})
	}

	_, err = other.Decrypt(sealed)
	assert.Error(t, err, "wrong key")
}

func TestEncryptor_Disabled(t *testing.T) {
	for name, enc := range map[string]*Encryptor{"nil": nil, "empty key": {}} {
		t.Run(name, func(t *testing.T) {
			sealed, err := enc.Encrypt("plain")
			require.NoError(t, err)
			assert.Equal(t, "plain", sealed)
			got, err := enc.Decrypt("plain")
			require.NoError(t, err)
			assert.Equal(t, "plain", got)
		})
	}
}

func TestNewEncryptorFromSecret(t *testing.T) {
	a, err := NewEncryptorFromSecret("instance-secret-at-least-32-chars!!")
	require.NoError(t, err)
	b, err := NewEncryptorFromSecret("instance-secret-at-least-32-chars!!")
	require.NoError(t, err)
	require.True(t, a.IsEnabled())

	sealed, err := a.Encrypt("token")
	require.NoError(t, err)
	got, err := b.Decrypt(sealed)
	require.NoError(t, err, "the same secret derives the same key")
	assert.Equal(t, "token", got)

	disabled, err := NewEncryptorFromSecret("")
	require.NoError(t, err)
	assert.False(t, disabled.IsEnabled())
}
