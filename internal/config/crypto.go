package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	encPrefix = "enc:"
	keySize   = 32
)

// ErrUnknownKey means a value was sealed with a key that is not loaded.
var ErrUnknownKey = errors.New("encrypted with an unknown secret key")

// SecretKey seals stored API keys with AES-256-GCM. Sealed values look like
// "enc:<key id>:<base64 nonce+ciphertext>". Values sealed with a previous
// key still open, and Stale reports them so they can be sealed again.
type SecretKey struct {
	current  keyEntry
	previous []keyEntry
}

type keyEntry struct {
	id   string
	aead cipher.AEAD
}

func newKeyEntry(key []byte) (keyEntry, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return keyEntry{}, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return keyEntry{}, fmt.Errorf("gcm: %w", err)
	}
	sum := sha256.Sum256(key)
	return keyEntry{id: hex.EncodeToString(sum[:4]), aead: gcm}, nil
}

// NewSecretKey derives the current key from DATALENS_SECRET_KEY, or loads
// the key file (creating it on first run). DATALENS_SECRET_KEY_PREVIOUS is a
// comma-separated list of retired passphrases that can still open old values.
func NewSecretKey(keyFile string) (*SecretKey, error) {
	sk, err := loadSecretKey(os.Getenv(envPrefix+"SECRET_KEY"), keyFile)
	if err != nil {
		return nil, err
	}
	for _, p := range strings.Split(os.Getenv(envPrefix+"SECRET_KEY_PREVIOUS"), ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if err := sk.addPrevious(passphraseKey(p)); err != nil {
			return nil, err
		}
	}
	return sk, nil
}

func loadSecretKey(passphrase, keyFile string) (*SecretKey, error) {
	var key []byte
	if passphrase != "" {
		key = passphraseKey(passphrase)
	} else {
		var err error
		key, err = readKeyFile(keyFile)
		if errors.Is(err, fs.ErrNotExist) {
			key, err = createKeyFile(keyFile)
		}
		if err != nil {
			return nil, err
		}
	}

	current, err := newKeyEntry(key)
	if err != nil {
		return nil, err
	}
	return &SecretKey{current: current}, nil
}

func passphraseKey(passphrase string) []byte {
	h := sha256.Sum256([]byte(passphrase))
	return h[:]
}

func (s *SecretKey) addPrevious(key []byte) error {
	entry, err := newKeyEntry(key)
	if err != nil {
		return err
	}
	if entry.id != s.current.id {
		s.previous = append(s.previous, entry)
	}
	return nil
}

// Key files hold the key as hex on a single line so they can be copied
// between hosts.
func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != keySize {
		return nil, fmt.Errorf("key file %s must hold %d hex-encoded bytes", path, keySize)
	}
	return key, nil
}

func createKeyFile(path string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	// Two processes starting together must agree on one key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return readKeyFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	_, werr := f.WriteString(hex.EncodeToString(key) + "\n")
	if err := errors.Join(werr, f.Close()); err != nil {
		return nil, fmt.Errorf("failed to write secret key: %w", err)
	}
	return key, nil
}

// ID identifies the current key in sealed values and logs.
func (s *SecretKey) ID() string { return s.current.id }

// Encrypt seals plaintext with the current key.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm := s.current.aead
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + s.current.id + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as is.
func (s *SecretKey) Decrypt(encrypted string) (string, error) {
	if !strings.HasPrefix(encrypted, encPrefix) {
		return encrypted, nil
	}

	id, payload, ok := strings.Cut(strings.TrimPrefix(encrypted, encPrefix), ":")
	if !ok {
		return "", errors.New("encrypted value has no key id")
	}
	entry, ok := s.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w (key id %s)", ErrUnknownKey, id)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	nonceSize := entry.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	plaintext, err := entry.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// Stale reports a sealed value that opens only with a previous key.
func (s *SecretKey) Stale(encrypted string) bool {
	if !strings.HasPrefix(encrypted, encPrefix) {
		return false
	}
	id, _, _ := strings.Cut(strings.TrimPrefix(encrypted, encPrefix), ":")
	return id != s.current.id
}

func (s *SecretKey) lookup(id string) (keyEntry, bool) {
	if id == s.current.id {
		return s.current, true
	}
	for _, e := range s.previous {
		if e.id == id {
			return e, true
		}
	}
	return keyEntry{}, false
}

// MaskSecret keeps only the last four characters: "****abcd".
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
