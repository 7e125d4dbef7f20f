package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmx/qcode/llm"
	"github.com/qmx/qcode/model"
	"github.com/qmx/qcode/policy"
	"github.com/qmx/qcode/registry"
)

// stubClient is a scripted LLMClient: each call to Chat pops the next
// response/error pair, or repeats the last one if the script is exhausted.
type stubClient struct {
	responses []llm.ChatResponse
	errs      []error
	calls     int
}

func (s *stubClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, format string, temperature float64) (*llm.ChatResponse, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	resp := s.responses[i]
	return &resp, nil
}

func echoToolDefinition() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "echo",
		Description: "echoes its input back",
		ParamSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func newTestRegistry(t *testing.T, fn registry.ExecuteFunc) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("internal", "echo", echoToolDefinition(), fn, registry.RegisterOptions{}))
	return reg
}

func newTestToolContext(t *testing.T, reg *registry.Registry) *registry.ToolContext {
	t.Helper()
	dir := t.TempDir()
	pol, err := policy.New([]string{dir}, nil, false, nil, nil)
	require.NoError(t, err)
	return &registry.ToolContext{WorkingDirectory: dir, Policy: pol, Registry: reg}
}

func toolCallResponse(name string, args map[string]any) llm.ChatResponse {
	raw, _ := json.Marshal(args)
	return llm.ChatResponse{
		Model: "test",
		Done:  true,
		Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{
				{Function: llm.FunctionCall{Name: name, Arguments: raw}},
			},
		},
	}
}

func textResponse(content string) llm.ChatResponse {
	return llm.ChatResponse{Model: "test", Done: true, Message: llm.Message{Role: "assistant", Content: content}}
}

func alwaysSucceed(ctx context.Context, args map[string]any, tc *registry.ToolContext) (model.ToolResult, error) {
	return model.ToolResult{Success: true, Data: args}, nil
}

func alwaysFail(ctx context.Context, args map[string]any, tc *registry.ToolContext) (model.ToolResult, error) {
	return model.ToolResult{Success: false, Error: "nonexistent path"}, nil
}

func TestProcessQuery_RejectsEmptyQuery(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	e := NewEngine(&stubClient{}, reg)

	resp := e.ProcessQuery(context.Background(), "   ", tc)

	assert.False(t, resp.Complete)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, model.InvalidQuery, resp.Errors[0].Kind)
}

func TestProcessQuery_RejectsOverlongQuery(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	e := NewEngine(&stubClient{}, reg)

	huge := make([]byte, maxQueryLength+1)
	for i := range huge {
		huge[i] = 'a'
	}

	resp := e.ProcessQuery(context.Background(), string(huge), tc)

	assert.False(t, resp.Complete)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, model.InvalidQuery, resp.Errors[0].Kind)
}

// Scenario: no tool calls at all — the first turn's content is the answer.
func TestProcessQuery_NoToolCallsReturnsContentDirectly(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	client := &stubClient{responses: []llm.ChatResponse{textResponse("the answer is 4")}}
	e := NewEngine(client, reg)

	resp := e.ProcessQuery(context.Background(), "what is 2+2", tc)

	assert.True(t, resp.Complete)
	assert.Equal(t, "the answer is 4", resp.Text)
	assert.Empty(t, resp.ToolsExecuted)
	assert.Equal(t, 1, client.calls)
}

// Scenario: two successful tool calls in separate turns should stop the loop
// (≥2 successes) and proceed to a final-answer turn.
func TestProcessQuery_StopsAfterTwoSuccesses(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	client := &stubClient{responses: []llm.ChatResponse{
		toolCallResponse("internal:echo", map[string]any{"n": 1}),
		toolCallResponse("internal:echo", map[string]any{"n": 2}),
		textResponse("done"),
	}}
	e := NewEngine(client, reg)

	resp := e.ProcessQuery(context.Background(), "do the thing twice", tc)

	require.True(t, resp.Complete)
	assert.Equal(t, "done", resp.Text)
	assert.Len(t, resp.ToolResults, 2)
	assert.Equal(t, 3, client.calls) // 2 tool turns + 1 final-answer turn
}

// Scenario: three consecutive failures stop the loop even though no success
// was ever recorded, per the "loop termination on repeated failures" scenario.
func TestProcessQuery_StopsAfterThreeConsecutiveFailures(t *testing.T) {
	reg := newTestRegistry(t, alwaysFail)
	tc := newTestToolContext(t, reg)
	client := &stubClient{responses: []llm.ChatResponse{
		toolCallResponse("internal:echo", map[string]any{"path": "/nope"}),
		toolCallResponse("internal:echo", map[string]any{"path": "/nope"}),
		toolCallResponse("internal:echo", map[string]any{"path": "/nope"}),
		textResponse("I could not find that file"),
	}}
	e := NewEngine(client, reg)

	resp := e.ProcessQuery(context.Background(), "read a missing file", tc)

	require.True(t, resp.Complete)
	assert.Len(t, resp.ToolResults, 3)
	assert.Len(t, resp.Errors, 3)
	assert.Equal(t, 4, client.calls) // 3 failed tool turns + 1 final-answer turn
}

// Scenario: a failure immediately following a prior success should stop the
// loop on that same iteration, without waiting for 3 consecutive failures.
func TestProcessQuery_StopsOnFailureAfterSuccess(t *testing.T) {
	reg := registry.New()
	calls := 0
	fn := func(ctx context.Context, args map[string]any, tc *registry.ToolContext) (model.ToolResult, error) {
		calls++
		if calls == 1 {
			return model.ToolResult{Success: true, Data: args}, nil
		}
		return model.ToolResult{Success: false, Error: "boom"}, nil
	}
	require.NoError(t, reg.Register("internal", "echo", echoToolDefinition(), fn, registry.RegisterOptions{}))
	tc := newTestToolContext(t, reg)

	client := &stubClient{responses: []llm.ChatResponse{
		toolCallResponse("internal:echo", map[string]any{"n": 1}),
		toolCallResponse("internal:echo", map[string]any{"n": 2}),
		textResponse("done"),
	}}
	e := NewEngine(client, reg)

	resp := e.ProcessQuery(context.Background(), "do two things", tc)

	require.True(t, resp.Complete)
	assert.Len(t, resp.ToolResults, 2)
	assert.Equal(t, 3, client.calls)
}

// Scenario: the tool phase stays within the five-iteration cap even with a
// configured cap of 20. Each turn carries one call and every call succeeds,
// so the ≥2-successes rule is what stops the loop, after turn 2; the
// assertions check the five-iteration and six-turn bounds.
func TestProcessQuery_BoundedByFiveIterations(t *testing.T) {
	reg := registry.New()
	// Every call succeeds.
	fn := func(ctx context.Context, args map[string]any, tc *registry.ToolContext) (model.ToolResult, error) {
		return model.ToolResult{Success: true, Data: args}, nil
	}
	require.NoError(t, reg.Register("internal", "echo", echoToolDefinition(), fn, registry.RegisterOptions{}))
	tc := newTestToolContext(t, reg)

	responses := make([]llm.ChatResponse, 0, 6)
	for i := 0; i < 6; i++ {
		responses = append(responses, toolCallResponse("internal:echo", map[string]any{"n": i}))
	}
	client := &stubClient{responses: responses}
	e := NewEngine(client, reg, WithMaxToolCallsPerQuery(20))

	resp := e.ProcessQuery(context.Background(), "keep going", tc)

	require.True(t, resp.Complete)
	// One success per turn: the loop stops once 2 successes have
	// accumulated, after turn 2, well inside the five-iteration bound (at
	// most 5 tool results, at most 5 tool turns plus the final-answer turn).
	assert.LessOrEqual(t, len(resp.ToolResults), 5)
	assert.LessOrEqual(t, client.calls, 6)
}

func TestProcessQuery_LlmTransportFailureIsIncomplete(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	client := &stubClient{
		responses: []llm.ChatResponse{{}},
		errs:      []error{model.New(model.LlmTransportError, "connection refused")},
	}
	e := NewEngine(client, reg)

	resp := e.ProcessQuery(context.Background(), "hello", tc)

	assert.False(t, resp.Complete)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, model.LlmTransportError, resp.Errors[0].Kind)
}

func TestProcessQuery_QueryTimeoutBudgetExceeded(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	client := &slowClient{delay: 50 * time.Millisecond}
	e := NewEngine(client, reg, WithQueryTimeout(5*time.Millisecond))

	resp := e.ProcessQuery(context.Background(), "hello", tc)

	assert.False(t, resp.Complete)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, model.OrchestrationBudgetExceeded, resp.Errors[0].Kind)
}

type slowClient struct{ delay time.Duration }

func (s *slowClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, format string, temperature float64) (*llm.ChatResponse, error) {
	select {
	case <-time.After(s.delay):
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "late"}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestProcessQuery_FinalAnswerFallsBackOnEmptyContent(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	client := &stubClient{responses: []llm.ChatResponse{
		toolCallResponse("internal:echo", map[string]any{"n": 1}),
		toolCallResponse("internal:echo", map[string]any{"n": 2}),
		textResponse(""),
	}}
	e := NewEngine(client, reg)

	resp := e.ProcessQuery(context.Background(), "do the thing", tc)

	require.True(t, resp.Complete)
	assert.Equal(t, fallbackAnswerText, resp.Text)
}

func TestProcessQuery_PanicIsRecovered(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	e := NewEngine(&panicClient{}, reg)

	resp := e.ProcessQuery(context.Background(), "hello", tc)

	assert.False(t, resp.Complete)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, model.Unknown, resp.Errors[0].Kind)
}

type panicClient struct{}

func (p *panicClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, format string, temperature float64) (*llm.ChatResponse, error) {
	panic("boom")
}

func TestSystemPrompt_EnumeratesToolsByFullyQualifiedName(t *testing.T) {
	reg := newTestRegistry(t, alwaysSucceed)
	tc := newTestToolContext(t, reg)
	e := NewEngine(&stubClient{}, reg)

	prompt := e.systemPrompt(tc)

	assert.Contains(t, prompt, "internal:echo")
	assert.Contains(t, prompt, tc.WorkingDirectory)
}
