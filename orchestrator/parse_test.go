package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmx/qcode/llm"
)

func TestParseToolCalls_NativePath(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{
		ToolCalls: []llm.ToolCall{
			{Function: llm.FunctionCall{Name: "internal:files", Arguments: json.RawMessage(`{"operation":"list","path":"."}`)}},
		},
	}}

	calls := parseToolCalls(resp)

	require.Len(t, calls, 1)
	assert.Equal(t, "internal:files", calls[0].ToolName)
	assert.Equal(t, "list", calls[0].Arguments["operation"])
}

func TestParseToolCalls_NativePathArgumentsAsEncodedString(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{
		ToolCalls: []llm.ToolCall{
			{Function: llm.FunctionCall{Name: "internal:files", Arguments: json.RawMessage(`"{\"operation\":\"list\"}"`)}},
		},
	}}

	calls := parseToolCalls(resp)

	require.Len(t, calls, 1)
	assert.Equal(t, "list", calls[0].Arguments["operation"])
}

func TestParseToolCalls_JSONBodyFunctionCallShape(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{
		Content: `{"function_call":{"name":"internal:shell","arguments":{"command":"ls"}}}`,
	}}

	calls := parseToolCalls(resp)

	require.Len(t, calls, 1)
	assert.Equal(t, "internal:shell", calls[0].ToolName)
	assert.Equal(t, "ls", calls[0].Arguments["command"])
}

func TestParseToolCalls_JSONBodyToolCallsArrayShape(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{
		Content: `{"tool_calls":[{"name":"internal:files","arguments":{"operation":"read","path":"a.go"}},{"name":"internal:files","arguments":{"operation":"read","path":"b.go"}}]}`,
	}}

	calls := parseToolCalls(resp)

	require.Len(t, calls, 2)
	assert.Equal(t, "a.go", calls[0].Arguments["path"])
	assert.Equal(t, "b.go", calls[1].Arguments["path"])
}

func TestParseToolCalls_JSONBodyBareNameShape(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{
		Content: `{"name":"internal:project","arguments":{}}`,
	}}

	calls := parseToolCalls(resp)

	require.Len(t, calls, 1)
	assert.Equal(t, "internal:project", calls[0].ToolName)
}

func TestParseToolCalls_RegexFallback(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{
		Content: `I'll check the file now. internal:files({"operation": "read", "path": "main.go"}) Let me look at that.`,
	}}

	calls := parseToolCalls(resp)

	require.Len(t, calls, 1)
	assert.Equal(t, "internal:files", calls[0].ToolName)
	assert.Equal(t, "main.go", calls[0].Arguments["path"])
}

func TestParseToolCalls_RegexFallbackHandlesNestedBraces(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{
		Content: `internal:edit({"operation":"replace","oldStr":"{a}","newStr":"{b}"})`,
	}}

	calls := parseToolCalls(resp)

	require.Len(t, calls, 1)
	assert.Equal(t, "{a}", calls[0].Arguments["oldStr"])
	assert.Equal(t, "{b}", calls[0].Arguments["newStr"])
}

func TestParseToolCalls_NoCallsFoundReturnsEmpty(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{Content: "Here is the answer to your question, no tools needed."}}

	calls := parseToolCalls(resp)

	assert.Empty(t, calls)
}

func TestParseToolCalls_MalformedContentNeverErrors(t *testing.T) {
	resp := &llm.ChatResponse{Message: llm.Message{Content: `{"tool_calls": [not valid json`}}

	calls := parseToolCalls(resp)

	assert.Empty(t, calls)
}
