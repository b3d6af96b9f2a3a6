package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/manthysbr/datalens/internal/core/domain"
)

const (
	// REPLToolName is the single tool the agent exposes to the model.
	REPLToolName = "python_repl_ast"

	// IterationLimitOutput is the answer when the model never stops calling tools.
	IterationLimitOutput = "Agent stopped due to iteration limit."

	DefaultMaxIterations = 5

	historyWindow = 6
)

// Evaluator runs exploratory code against a dataset and returns its printed
// result.
type Evaluator interface {
	Evaluate(ctx context.Context, code string, ds *domain.Dataset) (string, error)
}

type replArgs struct {
	Query string `json:"query" jsonschema_description:"Code to run. The dataset is bound to df and plotting to plt."`
}

// AnalysisAgent answers questions about a dataset with a tool-calling chat
// model. Every tool call becomes one step of the returned trace.
type AnalysisAgent struct {
	logger    *slog.Logger
	evaluator Evaluator
	tracer    *TraceCollector
	maxIters  int
	tool      domain.ToolSpec

	mu    sync.RWMutex
	model domain.ChatModel
}

func NewAnalysisAgent(logger *slog.Logger, model domain.ChatModel, evaluator Evaluator, tracer *TraceCollector, maxIters int) *AnalysisAgent {
	if maxIters <= 0 {
		maxIters = DefaultMaxIterations
	}
	return &AnalysisAgent{
		logger:    logger,
		model:     model,
		evaluator: evaluator,
		tracer:    tracer,
		maxIters:  maxIters,
		tool:      replToolSpec(),
	}
}

func replToolSpec() domain.ToolSpec {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var args replArgs
	reflected := reflector.Reflect(args)

	return domain.ToolSpec{
		Name: REPLToolName,
		Description: "A JavaScript shell over the dataset. Use this to inspect df or to draw with plt. " +
			"The value of the last expression is returned. Input must be valid code.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": reflected.Properties,
			"required":   reflected.Required,
		},
	}
}

// SetModel swaps the chat model; in-flight calls finish on the old one.
func (a *AnalysisAgent) SetModel(m domain.ChatModel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = m
}

func (a *AnalysisAgent) currentModel() domain.ChatModel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Invoke runs the tool loop for one query.
func (a *AnalysisAgent) Invoke(ctx context.Context, ds *domain.Dataset, query string, history []domain.Exchange) (*domain.AgentTrace, error) {
	model := a.currentModel()
	if model == nil {
		return nil, fmt.Errorf("no chat model configured")
	}

	ctx, span := a.tracer.StartSpan(ctx, "engine.invoke", domain.SpanKindEngine, map[string]string{
		"max_iterations": strconv.Itoa(a.maxIters),
	})
	a.tracer.SetSpanInput(span, query)

	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildSystemPrompt(ds, history)},
		{Role: domain.RoleUser, Content: query},
	}
	tools := []domain.ToolSpec{a.tool}
	trace := &domain.AgentTrace{}

	for i := 0; i < a.maxIters; i++ {
		a.logger.Debug("agent iteration", "iteration", i+1)

		llmCtx, llmSpan := a.tracer.StartSpan(ctx, fmt.Sprintf("llm.complete (iter %d)", i+1), domain.SpanKindLLM, nil)
		reply, err := model.Complete(llmCtx, messages, tools)
		if err != nil {
			a.tracer.EndSpan(llmSpan, domain.SpanStatusError, "", err.Error())
			a.tracer.EndSpan(span, domain.SpanStatusError, "", err.Error())
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		a.tracer.EndSpan(llmSpan, domain.SpanStatusOK, reply.Content, "")

		if len(reply.ToolCalls) == 0 {
			trace.Output = strings.TrimSpace(reply.Content)
			a.tracer.EndSpan(span, domain.SpanStatusOK, trace.Output, "")
			return trace, nil
		}

		messages = append(messages, domain.ChatMessage{
			Role:      domain.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})
		for _, call := range reply.ToolCalls {
			input, observation := a.runTool(ctx, call, ds)
			trace.Steps = append(trace.Steps, domain.NewToolStep(call.Name, input, reply.Content, observation))
			messages = append(messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				Content:    observation,
				ToolCallID: call.ID,
			})
		}
	}

	a.logger.Warn("agent hit iteration limit", "max_iterations", a.maxIters)
	trace.Output = IterationLimitOutput
	a.tracer.EndSpan(span, domain.SpanStatusOK, trace.Output, "")
	return trace, nil
}

// runTool executes one tool call. Problems become the observation so the
// model can correct itself on the next turn.
func (a *AnalysisAgent) runTool(ctx context.Context, call domain.ToolCall, ds *domain.Dataset) (map[string]any, string) {
	ctx, span := a.tracer.StartSpan(ctx, "tool."+call.Name, domain.SpanKindTool, nil)
	a.tracer.SetSpanInput(span, call.Arguments)

	var input map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
		// Some models send the bare code instead of a JSON object.
		input = map[string]any{ToolInputQueryKey: call.Arguments}
	}

	if call.Name != REPLToolName {
		msg := fmt.Sprintf("%s is not a valid tool, try one of [%s].", call.Name, REPLToolName)
		a.tracer.EndSpan(span, domain.SpanStatusError, "", msg)
		return input, msg
	}

	code, _ := input[ToolInputQueryKey].(string)
	if code == "" {
		msg := "the tool input must contain a non-empty \"query\" field"
		a.tracer.EndSpan(span, domain.SpanStatusError, "", msg)
		return input, msg
	}

	out, err := a.evaluator.Evaluate(ctx, code, ds)
	if err != nil {
		a.tracer.EndSpan(span, domain.SpanStatusError, "", err.Error())
		return input, err.Error()
	}
	a.tracer.EndSpan(span, domain.SpanStatusOK, out, "")
	return input, out
}

func buildSystemPrompt(ds *domain.Dataset, history []domain.Exchange) string {
	var sb strings.Builder
	sb.WriteString("You are a data analyst working with a table loaded as `df`.\n")
	sb.WriteString("Use the " + REPLToolName + " tool to run JavaScript against it. ")
	sb.WriteString("Columns are read with df['name'] and support .mean(), .sum(), .min(), .max(), .unique(). ")
	sb.WriteString("df.head(n), df.describe(), df.columns and df.shape are available.\n")
	sb.WriteString("To answer with a chart, make your final tool call draw it with plt, for example ")
	sb.WriteString("plt.bar(df['x'], df['y'], {label: 'y'}); keyword arguments go in a trailing object. ")
	sb.WriteString("Do not import anything. After the last tool call, reply with a short answer.\n\n")

	if ds != nil {
		fmt.Fprintf(&sb, "Dataset %q has %d rows. Columns:\n", ds.Name, ds.RowCount)
		for _, c := range ds.Columns {
			fmt.Fprintf(&sb, "- %s (%s)\n", c.Name, c.Type)
		}
		if rows := ds.Head(3); len(rows) > 0 {
			data, _ := json.Marshal(rows)
			fmt.Fprintf(&sb, "First rows: %s\n", data)
		}
	}

	if len(history) > 0 {
		if len(history) > historyWindow {
			history = history[len(history)-historyWindow:]
		}
		sb.WriteString("\nEarlier in this conversation:\n")
		for _, ex := range history {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n", ex.Query, ex.Record.Markdown())
		}
	}
	return sb.String()
}
