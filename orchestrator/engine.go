// Package orchestrator implements the agentic loop: it turns a user query
// into a bounded sequence of LLM↔tool turns and assembles a final answer.
// It never throws — every exit from ProcessQuery is a model.EngineResponse.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/qmx/qcode/llm"
	"github.com/qmx/qcode/model"
	"github.com/qmx/qcode/registry"
)

const (
	maxQueryLength = 10_000

	defaultMaxToolCallsPerQuery = 10
	defaultQueryTimeout         = 60 * time.Second
	defaultTemperature          = 0.2

	// terminationMaxIterations bounds the tool-call phase independently of
	// maxToolCallsPerQuery — the iteration rule (the third of the four stop
	// conditions) fires at 5 iterations regardless of how high the
	// configured cap is.
	terminationMaxIterations = 5
	terminationMinSuccesses  = 2
	terminationMaxFailures   = 3

	finalAnswerDirective = "Based on the tool results above, answer the original question directly; do not call more tools."
	fallbackAnswerText   = "I was unable to produce a final answer."
)

// LLMClient is the subset of the transport adapter the orchestrator needs.
// It depends on this narrow interface rather than *llm.Client directly so
// tests can substitute a stub.
type LLMClient interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, format string, temperature float64) (*llm.ChatResponse, error)
}

// Engine is the agentic controller: one Engine serves any number of
// concurrent ProcessQuery calls, since the registry and LLM client it holds
// are read-mostly and safe for concurrent use.
type Engine struct {
	client       LLMClient
	registry     *registry.Registry
	maxToolCalls int
	queryTimeout time.Duration
	temperature  float64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxToolCallsPerQuery overrides the tool-phase iteration cap (default 10).
func WithMaxToolCallsPerQuery(n int) Option {
	return func(e *Engine) { e.maxToolCalls = n }
}

// WithQueryTimeout overrides the overall per-query timeout (default 60s).
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) { e.queryTimeout = d }
}

// WithTemperature overrides the sampling temperature passed to every chat call.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// NewEngine builds an Engine around client and reg.
func NewEngine(client LLMClient, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		registry:     reg,
		maxToolCalls: defaultMaxToolCallsPerQuery,
		queryTimeout: defaultQueryTimeout,
		temperature:  defaultTemperature,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessQuery runs one user query through the full Idle → Validating →
// Conversing ↔ Dispatching → Finalizing → Done loop and returns the result.
// It never panics out to the caller: a recovered panic becomes an
// incomplete EngineResponse carrying an Unknown error.
func (e *Engine) ProcessQuery(ctx context.Context, query string, tc *registry.ToolContext) (resp model.EngineResponse) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			resp = model.EngineResponse{
				Complete:         false,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
				Errors:           []*model.Error{model.Newf(model.Unknown, "panic: %v", p)},
			}
		}
	}()

	// Validating
	if err := validateQuery(query); err != nil {
		return model.EngineResponse{
			Complete:         false,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			Errors:           []*model.Error{err},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: e.systemPrompt(tc)},
		{Role: "user", Content: query},
	}

	var (
		toolsExecuted []string
		toolResults   []model.ToolResult
		errs          []*model.Error
		successes     int
		consecutive   int // consecutive failures, reset on any success
	)

	// Conversing <-> Dispatching
	for iteration := 0; iteration < e.maxToolCalls; iteration++ {
		chatResp, err := e.client.Chat(ctx, messages, e.registry.ListForLLM(""), "", e.temperature)
		if err != nil {
			kind := model.LlmTransportError
			if ctx.Err() == context.DeadlineExceeded {
				kind = model.OrchestrationBudgetExceeded
			}
			errs = append(errs, model.Newf(kind, "llm chat failed: %v", err))
			return model.EngineResponse{
				ToolsExecuted:    toolsExecuted,
				ToolResults:      toolResults,
				Complete:         false,
				Errors:           errs,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
			}
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   chatResp.Message.Content,
			ToolCalls: chatResp.Message.ToolCalls,
		})

		calls := parseToolCalls(chatResp)
		if len(calls) == 0 {
			return model.EngineResponse{
				Text:             chatResp.Message.Content,
				ToolsExecuted:    toolsExecuted,
				ToolResults:      toolResults,
				Complete:         true,
				Errors:           errs,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
			}
		}

		successesBefore := successes
		iterationFailed := false
		for _, call := range calls {
			argsJSON, marshalErr := json.Marshal(call.Arguments)
			if marshalErr != nil {
				argsJSON = []byte("{}")
			}
			result := e.registry.Dispatch(ctx, call.ToolName, argsJSON, tc)

			toolsExecuted = append(toolsExecuted, call.ToolName)
			toolResults = append(toolResults, result)
			messages = append(messages, llm.Message{Role: "user", Content: formatToolResult(call.ToolName, result)})

			if result.Success {
				successes++
				consecutive = 0
			} else {
				consecutive++
				iterationFailed = true
				errs = append(errs, model.Newf(model.ToolExecutionError, "%s: %s", call.ToolName, result.Error))
			}
		}

		if successes >= terminationMinSuccesses ||
			consecutive >= terminationMaxFailures ||
			iteration+1 >= terminationMaxIterations ||
			(iterationFailed && successesBefore > 0) {
			break
		}
	}

	// Finalizing
	messages = append(messages, llm.Message{Role: "user", Content: finalAnswerDirective})
	finalResp, err := e.client.Chat(ctx, messages, nil, "", e.temperature)

	text := fallbackAnswerText
	if err != nil {
		errs = append(errs, model.Newf(model.LlmTransportError, "final answer call failed: %v", err))
	} else if strings.TrimSpace(finalResp.Message.Content) != "" {
		text = finalResp.Message.Content
	}

	// Done(ok)
	return model.EngineResponse{
		Text:             text,
		ToolsExecuted:    toolsExecuted,
		ToolResults:      toolResults,
		Complete:         true,
		Errors:           errs,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

func validateQuery(query string) *model.Error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return model.New(model.InvalidQuery, "query must not be empty")
	}
	if len(query) > maxQueryLength {
		return model.Newf(model.InvalidQuery, "query exceeds maximum length of %d characters", maxQueryLength)
	}
	return nil
}

// systemPrompt builds the initial system message: identity, working
// directory, and every registered tool by fully-qualified name.
func (e *Engine) systemPrompt(tc *registry.ToolContext) string {
	var sb strings.Builder
	sb.WriteString("You are qcode, a locally-hosted AI coding assistant. You help the user with software engineering tasks in their workspace by calling the tools available to you. Use tools to read and search the codebase before proposing changes; use the edit tool rather than describing changes in prose; use the shell tool only for commands that require it.\n\n")
	if tc != nil && tc.WorkingDirectory != "" {
		sb.WriteString("Working directory: ")
		sb.WriteString(tc.WorkingDirectory)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Available tools:\n")
	for _, def := range e.registry.ListForLLM("") {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Function.Name, def.Function.Description)
	}
	return sb.String()
}

// formatToolResult renders a dispatched tool's result as the synthetic user
// message fed back into the conversation.
func formatToolResult(toolName string, result model.ToolResult) string {
	if result.Success {
		data, err := json.Marshal(result.Data)
		if err != nil {
			data = []byte(`"<unmarshalable result>"`)
		}
		return fmt.Sprintf("Tool %s result:\n%s", toolName, string(data))
	}
	return fmt.Sprintf("Tool %s failed: %s", toolName, result.Error)
}
