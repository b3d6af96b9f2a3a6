package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/manthysbr/datalens/internal/core/domain"
)

const envPrefix = "DATALENS_"

// Config is the static process configuration. LLM settings here are the
// initial values; runtime edits go through SettingsStore.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	LLM      LLMConfig      `toml:"llm"`
	Executor ExecutorConfig `toml:"executor"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Session  SessionConfig  `toml:"session"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
	MaxUploadMB     int64         `toml:"max_upload_mb"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type StorageConfig struct {
	Path    string `toml:"path"`     // DuckDB file; empty keeps everything in memory
	KeyFile string `toml:"key_file"` // secret key for stored API keys, unless DATALENS_SECRET_KEY is set
}

type LLMConfig struct {
	Mode          string        `toml:"mode"` // "local" or "remote"
	LocalURL      string        `toml:"local_url"`
	RemoteURL     string        `toml:"remote_url"`
	APIKey        string        `toml:"api_key"`
	Model         string        `toml:"model"`
	Temperature   float64       `toml:"temperature"`
	MaxIterations int           `toml:"max_iterations"`
	MaxRetries    int           `toml:"max_retries"`
	Timeout       time.Duration `toml:"timeout"`
}

type ExecutorConfig struct {
	Backend  string        `toml:"backend"` // "sandbox" or "docker"
	Timeout  time.Duration `toml:"timeout"`
	Width    int           `toml:"width"`
	Height   int           `toml:"height"`
	Image    string        `toml:"image"`
	MemoryMB int64         `toml:"memory_mb"`
	CPUs     float64       `toml:"cpus"`

	MaxConcurrent int64 `toml:"max_concurrent"` // docker backend only
}

type PipelineConfig struct {
	PlotMarkers []string `toml:"plot_markers"`
}

type SessionConfig struct {
	TTL           time.Duration `toml:"ttl"`
	MaxCached     int           `toml:"max_cached"`
	HistoryWindow int           `toml:"history_window"`
}

type LoggingConfig struct {
	Level      string `toml:"level"`  // debug, info, warn, error
	Format     string `toml:"format"` // json, text
	File       string `toml:"file"`   // optional rotating log file
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	llm := domain.DefaultLLMSettings()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			MaxUploadMB:     32,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Path:    filepath.Join(homeDir(), ".datalens", "datalens.duckdb"),
			KeyFile: filepath.Join(homeDir(), ".datalens", "secret.key"),
		},
		LLM: LLMConfig{
			Mode:          llm.Mode,
			LocalURL:      llm.LocalURL,
			RemoteURL:     llm.RemoteURL,
			Model:         llm.Model,
			MaxIterations: llm.MaxIterations,
			MaxRetries:    3,
			Timeout:       60 * time.Second,
		},
		Executor: ExecutorConfig{
			Backend:  "sandbox",
			Timeout:  10 * time.Second,
			Width:    640,
			Height:   420,
			MemoryMB: 512,
			CPUs:     1,

			MaxConcurrent: 2,
		},
		Pipeline: PipelineConfig{PlotMarkers: []string{"plt"}},
		Session: SessionConfig{
			TTL:           30 * time.Minute,
			MaxCached:     128,
			HistoryWindow: 6,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads the TOML file at path over the defaults, applies DATALENS_*
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"ADDR":           &c.Server.Addr,
		"DB_PATH":        &c.Storage.Path,
		"KEY_FILE":       &c.Storage.KeyFile,
		"LLM_MODE":       &c.LLM.Mode,
		"LLM_LOCAL_URL":  &c.LLM.LocalURL,
		"LLM_REMOTE_URL": &c.LLM.RemoteURL,
		"LLM_API_KEY":    &c.LLM.APIKey,
		"LLM_MODEL":      &c.LLM.Model,
		"EXECUTOR":       &c.Executor.Backend,
		"EXECUTOR_IMAGE": &c.Executor.Image,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
		"LOG_FILE":       &c.Logging.File,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"LLM_MAX_ITERATIONS":     &c.LLM.MaxIterations,
		"SESSION_MAX_CACHED":     &c.Session.MaxCached,
		"SESSION_HISTORY_WINDOW": &c.Session.HistoryWindow,
	}
	for key, dst := range ints {
		if v, ok := lookup(envPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"EXECUTOR_TIMEOUT": &c.Executor.Timeout,
		"SESSION_TTL":      &c.Session.TTL,
		"LLM_TIMEOUT":      &c.LLM.Timeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(envPrefix + "PLOT_MARKERS"); ok {
		c.Pipeline.PlotMarkers = splitList(v)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.LLM.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("llm.mode must be local or remote, got %q", c.LLM.Mode)
	}
	switch c.Executor.Backend {
	case "sandbox", "docker":
	default:
		return fmt.Errorf("executor.backend must be sandbox or docker, got %q", c.Executor.Backend)
	}
	if c.Executor.Timeout <= 0 {
		return errors.New("executor.timeout must be positive")
	}
	if len(c.Pipeline.PlotMarkers) == 0 {
		return errors.New("pipeline.plot_markers must not be empty")
	}
	if c.Session.HistoryWindow < 0 {
		return errors.New("session.history_window must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// LLMSettings returns the initial runtime LLM settings.
func (c *Config) LLMSettings() domain.LLMSettings {
	return domain.LLMSettings{
		Mode:          c.LLM.Mode,
		LocalURL:      c.LLM.LocalURL,
		RemoteURL:     c.LLM.RemoteURL,
		APIKey:        c.LLM.APIKey,
		Model:         c.LLM.Model,
		Temperature:   c.LLM.Temperature,
		MaxIterations: c.LLM.MaxIterations,
	}
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.TempDir()
}
