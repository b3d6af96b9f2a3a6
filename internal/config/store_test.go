package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/datalens/internal/core/domain"
)

type memSettings map[string]string

func (m memSettings) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrSettingNotFound, key)
	}
	return v, nil
}

func (m memSettings) SaveSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func newTestStore(t *testing.T, repo memSettings) *SettingsStore {
	t.Helper()
	sk, err := loadSecretKey("store-test", "")
	require.NoError(t, err)
	initial := domain.DefaultLLMSettings()
	store, err := NewSettingsStore(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), repo, sk, initial)
	require.NoError(t, err)
	return store
}

func TestSettingsStore_SeedsDefaults(t *testing.T) {
	repo := memSettings{}
	store := newTestStore(t, repo)

	assert.Equal(t, domain.DefaultLLMSettings(), store.Get())
	assert.Contains(t, repo, llmSettingsKey)
}

func TestSettingsStore_UpdateEncryptsAndMasks(t *testing.T) {
	repo := memSettings{}
	store := newTestStore(t, repo)

	var notified domain.LLMSettings
	store.OnChange(func(s domain.LLMSettings) { notified = s })

	update := store.Get()
	update.Mode = "remote"
	update.APIKey = "sk-secret-9876"
	update.Model = "gpt-4o"
	require.NoError(t, store.Update(context.Background(), update))

	assert.Equal(t, "sk-secret-9876", store.Get().APIKey)
	assert.Equal(t, "****9876", store.GetMasked().APIKey)
	assert.Equal(t, "gpt-4o", notified.Model)
	assert.NotContains(t, repo[llmSettingsKey], "sk-secret-9876")
	assert.True(t, strings.Contains(repo[llmSettingsKey], "enc:"))

	// A fresh store over the same storage decrypts the key.
	reloaded := newTestStore(t, repo)
	assert.Equal(t, "sk-secret-9876", reloaded.Get().APIKey)
	assert.Equal(t, "remote", reloaded.Get().Mode)
}

func TestSettingsStore_MaskedKeyKeepsExisting(t *testing.T) {
	store := newTestStore(t, memSettings{})
	ctx := context.Background()

	s := store.Get()
	s.Mode, s.APIKey = "remote", "sk-original-1234"
	require.NoError(t, store.Update(ctx, s))

	masked := store.GetMasked()
	masked.Model = "gpt-4.1"
	require.NoError(t, store.Update(ctx, masked))

	assert.Equal(t, "sk-original-1234", store.Get().APIKey)
	assert.Equal(t, "gpt-4.1", store.Get().Model)
}

func TestSettingsStore_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.LLMSettings)
		want   string
	}{
		{"remote without key", func(s *domain.LLMSettings) { s.Mode = "remote" }, "api_key"},
		{"remote without url", func(s *domain.LLMSettings) { s.Mode, s.APIKey, s.RemoteURL = "remote", "k", "" }, "remote_url"},
		{"unknown mode", func(s *domain.LLMSettings) { s.Mode = "cloud" }, "unsupported"},
		{"no model", func(s *domain.LLMSettings) { s.Model = " " }, "model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, memSettings{})
			s := store.Get()
			tt.mutate(&s)

			err := store.Update(context.Background(), s)
			require.ErrorIs(t, err, ErrInvalidSettings)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, domain.DefaultLLMSettings(), store.Get())
		})
	}
}

func TestSettingsStore_ReencryptsWithCurrentKey(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memSettings{}

	old, err := loadSecretKey("old-passphrase", "")
	require.NoError(t, err)
	store, err := NewSettingsStore(ctx, logger, repo, old, domain.DefaultLLMSettings())
	require.NoError(t, err)
	update := store.Get()
	update.Mode, update.APIKey = "remote", "sk-rotate-5555"
	require.NoError(t, store.Update(ctx, update))

	current, err := loadSecretKey("new-passphrase", "")
	require.NoError(t, err)
	require.NoError(t, current.addPrevious(passphraseKey("old-passphrase")))

	rotated, err := NewSettingsStore(ctx, logger, repo, current, domain.DefaultLLMSettings())
	require.NoError(t, err)
	assert.Equal(t, "sk-rotate-5555", rotated.Get().APIKey)
	assert.Contains(t, repo[llmSettingsKey], "enc:"+current.ID()+":")
	assert.NotContains(t, repo[llmSettingsKey], "enc:"+old.ID()+":")
}
