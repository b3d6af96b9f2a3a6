package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/manthysbr/datalens/internal/core/domain"
)

const llmSettingsKey = "llm_settings"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// ErrInvalidSettings wraps every rejected settings update.
var ErrInvalidSettings = errors.New("invalid llm settings")

// OnChangeFunc is called with the new settings after a successful update.
type OnChangeFunc func(settings domain.LLMSettings)

// SettingsStore holds the runtime-editable LLM settings. They are stored as
// JSON with the API key encrypted, and the key is masked when read for
// display.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	settings domain.LLMSettings
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved settings, or seeds storage with initial when
// nothing was saved yet.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository, secret *SecretKey, initial domain.LLMSettings) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	settings, stale, err := store.load(ctx)
	switch {
	case errors.Is(err, domain.ErrSettingNotFound):
		logger.Info("no saved llm settings, using configuration")
		settings = initial
		if err := store.save(ctx, settings); err != nil {
			return nil, fmt.Errorf("failed to save initial settings: %w", err)
		}
	case err != nil:
		return nil, err
	case stale:
		if err := store.save(ctx, settings); err != nil {
			return nil, fmt.Errorf("failed to re-encrypt settings: %w", err)
		}
		logger.Info("llm api key re-encrypted with current secret key", "key_id", secret.ID())
	}

	store.settings = settings
	return store, nil
}

// OnChange registers a callback for settings updates.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Get returns the current settings with the API key in clear.
func (s *SettingsStore) Get() domain.LLMSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// GetMasked returns the settings safe for an API response.
func (s *SettingsStore) GetMasked() domain.LLMSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.settings
	cp.APIKey = MaskSecret(cp.APIKey)
	return cp
}

// Update validates and persists new settings, then runs the OnChange
// callbacks. An empty or masked API key keeps the stored one.
func (s *SettingsStore) Update(ctx context.Context, update domain.LLMSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.APIKey == "" || isMasked(update.APIKey) {
		update.APIKey = s.settings.APIKey
	}
	if update.Mode == "" {
		update.Mode = "local"
	}
	if err := validateLLM(update); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	if err := s.save(ctx, update); err != nil {
		return err
	}
	s.settings = update
	s.logger.Info("llm settings updated", "mode", update.Mode, "model", update.Model)

	for _, fn := range s.onChange {
		fn(update)
	}
	return nil
}

func validateLLM(s domain.LLMSettings) error {
	switch s.Mode {
	case "local":
		if strings.TrimSpace(s.LocalURL) == "" {
			return errors.New("local_url is required when mode=local")
		}
	case "remote":
		if strings.TrimSpace(s.RemoteURL) == "" {
			return errors.New("remote_url is required when mode=remote")
		}
		if s.APIKey == "" {
			return errors.New("api_key is required when mode=remote")
		}
	default:
		return fmt.Errorf("unsupported llm mode %q", s.Mode)
	}
	if strings.TrimSpace(s.Model) == "" {
		return errors.New("model is required")
	}
	if s.MaxIterations < 0 {
		return errors.New("max_iterations must not be negative")
	}
	return nil
}

// storedSettings is the DB representation with the key encrypted.
type storedSettings struct {
	domain.LLMSettings
	APIKey          string `json:"api_key,omitempty"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
}

// load reads saved settings. stale is set when the API key was sealed with
// a previous secret key.
func (s *SettingsStore) load(ctx context.Context) (settings domain.LLMSettings, stale bool, err error) {
	raw, err := s.repo.GetSetting(ctx, llmSettingsKey)
	if err != nil {
		return domain.LLMSettings{}, false, err
	}

	var stored storedSettings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return domain.LLMSettings{}, false, fmt.Errorf("unmarshal settings: %w", err)
	}

	settings = stored.LLMSettings
	settings.APIKey = ""
	if stored.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt LLM API key", "error", err)
		} else {
			settings.APIKey = key
			stale = s.secret.Stale(stored.EncryptedAPIKey)
		}
	}
	return settings, stale, nil
}

func (s *SettingsStore) save(ctx context.Context, settings domain.LLMSettings) error {
	stored := storedSettings{LLMSettings: settings}
	if settings.APIKey != "" {
		enc, err := s.secret.Encrypt(settings.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt LLM API key: %w", err)
		}
		stored.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, llmSettingsKey, string(raw))
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}
