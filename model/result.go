package model

import "time"

// ToolResult is the record a tool dispatch always produces, success or
// failure — tools never panic out of the registry boundary.
type ToolResult struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Tool       string `json:"tool"`
	Namespace  string `json:"namespace"`
}

// Ok builds a successful ToolResult.
func Ok(namespace, tool string, data any, dur time.Duration) ToolResult {
	return ToolResult{
		Success:    true,
		Data:       data,
		DurationMs: dur.Milliseconds(),
		Tool:       tool,
		Namespace:  namespace,
	}
}

// Fail builds a failed ToolResult.
func Fail(namespace, tool string, err error, dur time.Duration) ToolResult {
	return ToolResult{
		Success:    false,
		Error:      err.Error(),
		DurationMs: dur.Milliseconds(),
		Tool:       tool,
		Namespace:  namespace,
	}
}

// Message is a single conversation turn exchanged with the LLM transport.
// Tool-call outputs are injected as "user" messages containing the formatted
// tool name and result, per the wire contract the orchestrator builds on.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionCall is a single (toolName, arguments) pair parsed out of an LLM
// turn, regardless of which of the three parse paths produced it.
type FunctionCall struct {
	ToolName  string
	Arguments map[string]any
}

// EngineResponse is the single return value of Engine.ProcessQuery — the
// orchestrator never throws, it always returns one of these.
type EngineResponse struct {
	Text             string       `json:"text"`
	ToolsExecuted    []string     `json:"tools_executed"`
	ToolResults      []ToolResult `json:"tool_results"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Complete         bool         `json:"complete"`
	Errors           []*Error     `json:"errors,omitempty"`
}
