package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/datalens/internal/adapters/docker"
	"github.com/manthysbr/datalens/internal/adapters/llm"
	"github.com/manthysbr/datalens/internal/config"
	"github.com/manthysbr/datalens/internal/core/domain"
	"github.com/manthysbr/datalens/internal/core/ports"
	"github.com/manthysbr/datalens/internal/sandbox"
)

// BuildChatModel creates the chat model for the current LLM settings.
// Local mode talks to Ollama's OpenAI-compatible endpoint; OLLAMA_HOST
// overrides the configured URL.
func BuildChatModel(logger *slog.Logger, settings domain.LLMSettings, llmCfg config.LLMConfig) (domain.ChatModel, error) {
	mode := strings.ToLower(strings.TrimSpace(settings.Mode))
	var baseURL string
	switch mode {
	case "", "local":
		baseURL = strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
		if baseURL == "" {
			baseURL = strings.TrimSpace(settings.LocalURL)
		}
		baseURL = normalizeOllamaBaseURL(baseURL)
	case "remote":
		baseURL = strings.TrimSpace(settings.RemoteURL)
		if baseURL == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", settings.Mode)
	}

	temperature := settings.Temperature
	return llm.NewOpenAIChatModel(logger, llm.OpenAIConfig{
		BaseURL:     baseURL,
		APIKey:      settings.APIKey,
		Model:       settings.Model,
		Temperature: &temperature,
		MaxRetries:  llmCfg.MaxRetries,
		Timeout:     llmCfg.Timeout,
	}), nil
}

// ErrEngineLanguage means the plot executor cannot run what the built-in
// agent writes.
var ErrEngineLanguage = errors.New("plot executor language does not match the agent's")

// Executors are the two code runners a process needs: Plot runs extracted
// plotting actions, REPL serves the agent's exploratory tool calls.
type Executors struct {
	Plot ports.CodeExecutor
	REPL *sandbox.Executor
}

// EngineCompatible reports whether final actions of the built-in agent can
// run on the plot executor. The agent checks its code in the REPL, so both
// must run the same language.
func (e Executors) EngineCompatible() error {
	if plot, repl := e.Plot.Language(), e.REPL.Language(); plot != repl {
		return fmt.Errorf("%w: agent writes %s, plot executor runs %s", ErrEngineLanguage, repl, plot)
	}
	return nil
}

// BuildExecutors creates the plot executor for the configured backend. The
// REPL always runs in the in-process sandbox.
func BuildExecutors(logger *slog.Logger, cfg config.ExecutorConfig) (Executors, error) {
	repl := sandbox.NewExecutor(logger.With("component", "sandbox"), sandbox.Options{
		Timeout: cfg.Timeout,
		Width:   cfg.Width,
		Height:  cfg.Height,
	})

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sandbox":
		return Executors{Plot: repl, REPL: repl}, nil
	case "docker":
		plot, err := docker.NewExecutor(logger.With("component", "docker"), docker.Options{
			Image:         cfg.Image,
			Timeout:       cfg.Timeout,
			MemoryMB:      cfg.MemoryMB,
			CPUs:          cfg.CPUs,
			MaxConcurrent: cfg.MaxConcurrent,
		})
		if err != nil {
			return Executors{}, err
		}
		return Executors{Plot: plot, REPL: repl}, nil
	default:
		return Executors{}, fmt.Errorf("unsupported executor backend: %s", cfg.Backend)
	}
}

// normalizeOllamaBaseURL makes an Ollama host URL point at its /v1 API.
func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return "http://localhost:11434/v1"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
