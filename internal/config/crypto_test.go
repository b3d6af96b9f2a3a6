package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretKey_EncryptDecrypt(t *testing.T) {
	t.Setenv("DATALENS_SECRET_KEY", "test-secret-key-for-unit-tests")

	sk, err := NewSecretKey(filepath.Join(t.TempDir(), "unused.key"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"api_key", "sk-abc123def456xyz"},
		{"empty", ""},
		{"long_key", "sk-proj-very-long-api-key-that-might-be-used-by-some-providers-1234567890"},
		{"special_chars", "sk-+/=!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := sk.Encrypt(tt.plaintext)
			require.NoError(t, err)

			if tt.plaintext == "" {
				assert.Empty(t, encrypted)
				return
			}
			assert.True(t, strings.HasPrefix(encrypted, "enc:"+sk.ID()+":"))
			assert.NotEqual(t, tt.plaintext, encrypted)

			decrypted, err := sk.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestSecretKey_DecryptPlaintext(t *testing.T) {
	sk, err := loadSecretKey("test-key", "")
	require.NoError(t, err)

	result, err := sk.Decrypt("plain-text-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-text-value", result)
}

func TestSecretKey_GeneratedKeyIsPersisted(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "nested", "secret.key")

	first, err := loadSecretKey("", keyPath)
	require.NoError(t, err)
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(data)), 2*keySize)

	enc, err := first.Encrypt("sk-123")
	require.NoError(t, err)

	second, err := loadSecretKey("", keyPath)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	dec, err := second.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-123", dec)
}

func TestSecretKey_CorruptKeyFileIsNotReplaced(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not-a-key\n"), 0o600))

	_, err := loadSecretKey("", keyPath)
	require.Error(t, err)

	data, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "not-a-key\n", string(data))
}

func TestSecretKey_WrongKeyFails(t *testing.T) {
	a, _ := loadSecretKey("one", "")
	b, _ := loadSecretKey("two", "")

	enc, err := a.Encrypt("sk-123")
	require.NoError(t, err)
	_, err = b.Decrypt(enc)
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, err = a.Decrypt("enc:no-key-id")
	assert.Error(t, err)
}

func TestSecretKey_PreviousKeysStillOpen(t *testing.T) {
	old, err := loadSecretKey("old-passphrase", "")
	require.NoError(t, err)
	enc, err := old.Encrypt("sk-rotated")
	require.NoError(t, err)

	t.Setenv("DATALENS_SECRET_KEY", "new-passphrase")
	t.Setenv("DATALENS_SECRET_KEY_PREVIOUS", " older, old-passphrase ,")
	sk, err := NewSecretKey(filepath.Join(t.TempDir(), "unused.key"))
	require.NoError(t, err)

	dec, err := sk.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", dec)
	assert.True(t, sk.Stale(enc))

	fresh, err := sk.Encrypt("sk-rotated")
	require.NoError(t, err)
	assert.False(t, sk.Stale(fresh))
	assert.False(t, sk.Stale("plain-value"))
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"sk-abc123def", "****3def"},
		{"sk-proj-very-long-key-12345", "****2345"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, MaskSecret(tt.input), tt.input)
	}
}
