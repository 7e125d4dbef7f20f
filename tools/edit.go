package tools

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"strings"

	"github.com/qmx/qcode/model"
	"github.com/qmx/qcode/policy"
	"github.com/qmx/qcode/registry"
)

type editInput struct {
	Operation     string `json:"operation"`
	Path          string `json:"path"`
	Line          int    `json:"line"`
	StartLine     int    `json:"startLine"`
	EndLine       int    `json:"endLine"`
	Content       string `json:"content"`
	OldStr        string `json:"oldStr"`
	NewStr        string `json:"newStr"`
	UseRegex      bool   `json:"useRegex"`
	Global        bool   `json:"global"`
	CreateParents bool   `json:"createParents"`
}

var editSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"operation": {"type": "string", "enum": ["insert_line", "replace", "replace_lines", "delete_lines", "create_file"]},
		"path": {"type": "string"},
		"line": {"type": "integer"},
		"startLine": {"type": "integer"},
		"endLine": {"type": "integer"},
		"content": {"type": "string"},
		"oldStr": {"type": "string"},
		"newStr": {"type": "string"},
		"useRegex": {"type": "boolean"},
		"global": {"type": "boolean"},
		"createParents": {"type": "boolean"}
	},
	"required": ["operation", "path"]
}`)

func editExecute(ctx context.Context, args map[string]any, tc *registry.ToolContext) (model.ToolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "invalid arguments: %v", err)
	}
	var in editInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "invalid arguments: %v", err)
	}
	if in.Path == "" {
		return model.ToolResult{}, model.New(model.InvalidQuery, "path is required")
	}

	switch in.Operation {
	case "create_file":
		return editCreateFile(tc, in)
	case "insert_line":
		return editMutate(tc, in, editInsertLine)
	case "replace":
		return editMutate(tc, in, editReplace)
	case "replace_lines":
		return editMutate(tc, in, editReplaceLines)
	case "delete_lines":
		return editMutate(tc, in, editDeleteLines)
	default:
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "unknown edit operation %q", in.Operation)
	}
}

func editCreateFile(tc *registry.ToolContext, in editInput) (model.ToolResult, error) {
	target := resolveAgainst(tc, in.Path)
	if _, err := os.Stat(target); err == nil {
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "file already exists: %s", in.Path)
	}

	var canon string
	var err error
	if in.CreateParents {
		canon, err = tc.Policy.ValidatePathCreatingParents(target)
	} else {
		canon, err = tc.Policy.ValidatePath(target, policy.Write)
	}
	if err != nil {
		return model.ToolResult{}, err
	}

	if err := policy.AtomicWrite(canon, []byte(in.Content), 0o644); err != nil {
		return model.ToolResult{}, model.Newf(model.ToolExecutionError, "create %s: %v", in.Path, err)
	}
	return model.Ok("internal", "edit", map[string]any{"path": canon, "created": true}, 0), nil
}

// mutator transforms the current file content into new content, returning
// any extra result fields to merge (e.g. matches_found for replace).
type mutator func(lines []string, in editInput) (newContent string, extra map[string]any, err error)

func editMutate(tc *registry.ToolContext, in editInput, fn mutator) (model.ToolResult, error) {
	canon, err := tc.Policy.ValidatePath(resolveAgainst(tc, in.Path), policy.Read)
	if err != nil {
		return model.ToolResult{}, err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return model.ToolResult{}, model.Newf(model.ToolExecutionError, "stat %s: %v", in.Path, err)
	}

	data, err := os.ReadFile(canon)
	if err != nil {
		return model.ToolResult{}, model.Newf(model.ToolExecutionError, "read %s: %v", in.Path, err)
	}
	lines := strings.Split(string(data), "\n")

	newContent, extra, err := fn(lines, in)
	if err != nil {
		return model.ToolResult{}, err
	}

	if err := policy.AtomicWrite(canon, []byte(newContent), info.Mode()); err != nil {
		return model.ToolResult{}, model.Newf(model.ToolExecutionError, "write %s: %v", in.Path, err)
	}

	result := map[string]any{"path": canon}
	for k, v := range extra {
		result[k] = v
	}
	return model.Ok("internal", "edit", result, 0), nil
}

func editInsertLine(lines []string, in editInput) (string, map[string]any, error) {
	n := len(lines)
	if in.Line < 1 || in.Line > n+1 {
		return "", nil, model.Newf(model.InvalidLineNumber, "line %d out of range [1, %d]", in.Line, n+1)
	}
	out := make([]string, 0, n+1)
	out = append(out, lines[:in.Line-1]...)
	out = append(out, in.Content)
	out = append(out, lines[in.Line-1:]...)
	return strings.Join(out, "\n"), nil, nil
}

func editReplaceLines(lines []string, in editInput) (string, map[string]any, error) {
	n := len(lines)
	if in.StartLine < 1 || in.EndLine < in.StartLine || in.EndLine > n {
		return "", nil, model.Newf(model.InvalidLineNumber, "range [%d,%d] invalid for %d lines", in.StartLine, in.EndLine, n)
	}
	out := make([]string, 0, n)
	out = append(out, lines[:in.StartLine-1]...)
	out = append(out, in.Content)
	out = append(out, lines[in.EndLine:]...)
	return strings.Join(out, "\n"), nil, nil
}

func editDeleteLines(lines []string, in editInput) (string, map[string]any, error) {
	n := len(lines)
	if in.StartLine < 1 || in.EndLine < in.StartLine || in.EndLine > n {
		return "", nil, model.Newf(model.InvalidLineNumber, "range [%d,%d] invalid for %d lines", in.StartLine, in.EndLine, n)
	}
	out := make([]string, 0, n)
	out = append(out, lines[:in.StartLine-1]...)
	out = append(out, lines[in.EndLine:]...)
	return strings.Join(out, "\n"), nil, nil
}

func editReplace(lines []string, in editInput) (string, map[string]any, error) {
	content := strings.Join(lines, "\n")

	if in.UseRegex {
		re, err := regexp.Compile(in.OldStr)
		if err != nil {
			return "", nil, model.Newf(model.ToolValidationError, "invalid regex: %v", err)
		}
		matches := re.FindAllStringIndex(content, -1)
		if len(matches) == 0 {
			return "", nil, model.Newf(model.ToolExecutionError, "no match found for pattern in %s", in.Path)
		}

		if in.Global {
			newContent := re.ReplaceAllString(content, in.NewStr)
			return newContent, map[string]any{"matches_found": len(matches)}, nil
		}

		first := matches[0]
		newContent := content[:first[0]] + re.ReplaceAllString(content[first[0]:first[1]], in.NewStr) + content[first[1]:]
		return newContent, map[string]any{"matches_found": 1}, nil
	}

	count := strings.Count(content, in.OldStr)
	if count == 0 {
		return "", nil, model.Newf(model.ToolExecutionError, "no match found for oldStr in %s", in.Path)
	}
	if !in.Global && count > 1 {
		return "", nil, model.Newf(model.ToolExecutionError, "oldStr matches %d times in %s; include more context or set global=true", count, in.Path)
	}
	n := 1
	found := 1
	if in.Global {
		n = -1
		found = count
	}
	newContent := strings.Replace(content, in.OldStr, in.NewStr, n)
	return newContent, map[string]any{"matches_found": found}, nil
}
