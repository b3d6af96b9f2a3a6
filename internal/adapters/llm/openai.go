package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/manthysbr/datalens/internal/core/domain"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultMaxRetries = 3
	defaultTimeout    = 60 * time.Second
)

// OpenAIConfig configures a chat model on an OpenAI-compatible endpoint.
// Works with OpenAI, Azure OpenAI, Together AI, local Ollama /v1, etc.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxRetries  int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OpenAIChatModel implements domain.ChatModel with the chat completions API.
type OpenAIChatModel struct {
	logger      *slog.Logger
	client      openai.Client
	model       string
	temperature *float64
	maxRetries  uint
	timeout     time.Duration
}

var _ domain.ChatModel = (*OpenAIChatModel)(nil)

// NewOpenAIChatModel creates a chat model client. Retries are done here with
// exponential backoff, so the SDK's own retries are disabled.
func NewOpenAIChatModel(logger *slog.Logger, cfg OpenAIConfig) *OpenAIChatModel {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	} else {
		// Local endpoints accept any key but the SDK requires one.
		opts = append(opts, option.WithAPIKey("none"))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAIChatModel{
		logger:      logger,
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxRetries:  uint(retries),
		timeout:     timeout,
	}
}

// Model returns the configured model name.
func (m *OpenAIChatModel) Model() string {
	return m.model
}

// Complete sends the conversation and returns the assistant's reply.
func (m *OpenAIChatModel) Complete(ctx context.Context, messages []domain.ChatMessage, tools []domain.ToolSpec) (domain.ChatMessage, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.model),
		Messages: toOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}
	if m.temperature != nil {
		params.Temperature = openai.Float(*m.temperature)
	}

	attempt := 0
	completion, err := backoff.Retry(ctx, func() (*openai.ChatCompletion, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		resp, err := m.client.Chat.Completions.New(callCtx, params)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		m.logger.Warn("chat completion failed, retrying", "model", m.model, "attempt", attempt, "error", err)
		return nil, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(m.maxRetries+1),
	)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("openai %s: %w", m.model, err)
	}

	return fromOpenAICompletion(completion)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

func toOpenAIMessages(messages []domain.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case domain.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case domain.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case domain.RoleAssistant:
			out = append(out, assistantMessage(msg))
		}
	}
	return out
}

func assistantMessage(msg domain.ChatMessage) openai.ChatCompletionMessageParamUnion {
	param := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		param.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(msg.Content),
		}
	}
	for _, call := range msg.ToolCalls {
		param.ToolCalls = append(param.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

func toOpenAITools(tools []domain.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		params := shared.FunctionParameters{"type": "object"}
		for k, v := range t.Parameters {
			params[k] = v
		}
		tool := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       t.Name,
				Parameters: params,
			},
		}
		if t.Description != "" {
			tool.Function.Description = openai.String(t.Description)
		}
		out = append(out, tool)
	}
	return out
}

func fromOpenAICompletion(completion *openai.ChatCompletion) (domain.ChatMessage, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return domain.ChatMessage{}, errors.New("no choices in response")
	}
	msg := completion.Choices[0].Message

	reply := domain.ChatMessage{Role: domain.RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}
