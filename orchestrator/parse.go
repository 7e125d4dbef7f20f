package orchestrator

import (
	"encoding/json"
	"regexp"

	"github.com/qmx/qcode/llm"
	"github.com/qmx/qcode/model"
)

// parseToolCalls extracts the tool calls an assistant turn proposed, trying
// each of the three recognized shapes in order and taking the first that
// yields anything. An unrecognized shape produces an empty slice, never an
// error — the caller treats that as "no more tool calls, this is the answer".
func parseToolCalls(resp *llm.ChatResponse) []model.FunctionCall {
	if calls := nativeCalls(resp); len(calls) > 0 {
		return calls
	}
	if calls := jsonBodyCalls(resp.Message.Content); len(calls) > 0 {
		return calls
	}
	return regexScanCalls(resp.Message.Content)
}

// nativeCalls is the primary path: the transport's own structured tool_calls.
func nativeCalls(resp *llm.ChatResponse) []model.FunctionCall {
	var calls []model.FunctionCall
	for _, tc := range resp.Message.ToolCalls {
		args, ok := decodeArguments(tc.Function.Arguments)
		if !ok {
			continue
		}
		calls = append(calls, model.FunctionCall{ToolName: tc.Function.Name, Arguments: args})
	}
	return calls
}

// jsonBodyCalls is the secondary path: the assistant put a JSON object
// directly in its text content instead of using native tool_calls.
func jsonBodyCalls(content string) []model.FunctionCall {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil
	}

	if fc, ok := raw["function_call"]; ok {
		if call, ok := decodeSingleCall(fc); ok {
			return []model.FunctionCall{call}
		}
		return nil
	}

	if tc, ok := raw["tool_calls"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(tc, &items); err != nil {
			return nil
		}
		var calls []model.FunctionCall
		for _, item := range items {
			if call, ok := decodeSingleCall(item); ok {
				calls = append(calls, call)
			}
		}
		return calls
	}

	if _, hasName := raw["name"]; hasName {
		if call, ok := decodeSingleCall(json.RawMessage(content)); ok {
			return []model.FunctionCall{call}
		}
	}

	return nil
}

type callShape struct {
	Name     string `json:"name"`
	Function *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
}

func decodeSingleCall(raw json.RawMessage) (model.FunctionCall, bool) {
	var shape callShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return model.FunctionCall{}, false
	}

	name := shape.Name
	argsRaw := shape.Arguments
	if shape.Function != nil {
		name = shape.Function.Name
		argsRaw = shape.Function.Arguments
	}
	if name == "" {
		return model.FunctionCall{}, false
	}

	args, ok := decodeArguments(argsRaw)
	if !ok {
		return model.FunctionCall{}, false
	}
	return model.FunctionCall{ToolName: name, Arguments: args}, true
}

// decodeArguments handles the case where arguments arrives as a proper JSON
// object, but also the case where it arrives as a JSON-encoded string that
// itself needs a second parse.
func decodeArguments(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return map[string]any{}, true
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args, true
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		var nested map[string]any
		if err := json.Unmarshal([]byte(asString), &nested); err == nil {
			return nested, true
		}
	}

	return nil, false
}

// callNamePattern finds a bare-name-followed-by-open-paren occurrence; the
// argument body is then extracted by brace counting since a regex alone
// can't match nested JSON reliably.
var callNamePattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_:.\-]*)\(`)

// regexScanCalls is the tertiary, last-resort path: scan plain text for
// `name({...})` occurrences.
func regexScanCalls(text string) []model.FunctionCall {
	var calls []model.FunctionCall
	matches := callNamePattern.FindAllStringSubmatchIndex(text, -1)
	for _, m := range matches {
		name := text[m[2]:m[3]]
		rest := text[m[1]:]
		if len(rest) == 0 || rest[0] != '{' {
			continue
		}
		argsJSON, ok := balancedBraces(rest)
		if !ok {
			continue
		}
		args, ok := decodeArguments(json.RawMessage(argsJSON))
		if !ok {
			continue
		}
		calls = append(calls, model.FunctionCall{ToolName: name, Arguments: args})
	}
	return calls
}

// balancedBraces returns the shortest brace-balanced prefix of s starting at
// its first '{', or false if s never closes.
func balancedBraces(s string) (string, bool) {
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
