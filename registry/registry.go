// Package registry holds the set of known tools, resolves call sites to a
// specific tool, validates arguments against the tool's JSON schema,
// dispatches execution, and aggregates per-tool stats.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/qmx/qcode/model"
	"github.com/qmx/qcode/policy"
)

// ToolDefinition describes a tool's name, description, and JSON-schema-shaped
// parameter contract, exactly as the LLM will see it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ParamSchema json.RawMessage `json:"parameters"`
}

// ExecuteFunc is the signature every tool implementation satisfies.
type ExecuteFunc func(ctx context.Context, args map[string]any, tc *ToolContext) (model.ToolResult, error)

// ClassifyFunc asks the LLM transport a single free-form completion question,
// used by tools (e.g. internal:project) that need a classification judgment
// rather than a tool-calling turn. Tools never hold an LLM client directly —
// the orchestrator wires this in per ToolContext.
type ClassifyFunc func(ctx context.Context, prompt string) (string, error)

// ToolContext is created per query and passed read-only to tools.
type ToolContext struct {
	WorkingDirectory string
	Policy           *policy.Policy
	Registry         *Registry
	Query            string
	RequestID        string
	Classify         ClassifyFunc
}

// NamespacedTool is a tool registered under a namespace; FullName is unique
// within a Registry.
type NamespacedTool struct {
	Namespace  string
	LocalName  string
	FullName   string
	Definition ToolDefinition
	Execute    ExecuteFunc

	schema *jsonschema.Schema
}

type stats struct {
	total      int64
	successes  int64
	failures   int64
	durationMs int64
}

// Stats is a point-in-time snapshot of a tool's cumulative execution counters.
type Stats struct {
	Total      int64
	Successes  int64
	Failures   int64
	DurationMs int64
}

// Registry holds all known tools, namespaced and addressable by full or bare name.
type Registry struct {
	tools  []*NamespacedTool
	byFull map[string]*NamespacedTool
	stats  map[string]*stats
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byFull: make(map[string]*NamespacedTool),
		stats:  make(map[string]*stats),
	}
}

// RegisterOptions controls registration behavior.
type RegisterOptions struct {
	AllowOverride bool
}

// Register adds a tool under namespace:name. Duplicate registration without
// AllowOverride fails with ToolAlreadyExists.
func (r *Registry) Register(namespace, name string, def ToolDefinition, fn ExecuteFunc, opts RegisterOptions) error {
	full := namespace + ":" + name
	if _, exists := r.byFull[full]; exists && !opts.AllowOverride {
		return model.Newf(model.ToolAlreadyExists, "tool %q is already registered", full)
	}

	compiled, err := compileSchema(full, def.ParamSchema)
	if err != nil {
		return model.Newf(model.ToolValidationError, "invalid schema for %q: %v", full, err)
	}

	nt := &NamespacedTool{
		Namespace:  namespace,
		LocalName:  name,
		FullName:   full,
		Definition: def,
		Execute:    fn,
		schema:     compiled,
	}

	if _, exists := r.byFull[full]; !exists {
		r.tools = append(r.tools, nt)
	} else {
		for i, t := range r.tools {
			if t.FullName == full {
				r.tools[i] = nt
			}
		}
	}
	r.byFull[full] = nt
	if _, ok := r.stats[full]; !ok {
		r.stats[full] = &stats{}
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	c := jsonschema.NewCompiler()
	url := "qcode://" + name + ".json"
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Lookup resolves an identifier to a tool. A "ns:name" identifier is a direct
// map lookup; a bare name scans for a unique local-name match.
func (r *Registry) Lookup(identifier string) (*NamespacedTool, error) {
	if strings.Contains(identifier, ":") {
		t, ok := r.byFull[identifier]
		if !ok {
			return nil, model.Newf(model.ToolNotFound, "no tool named %q", identifier)
		}
		return t, nil
	}

	var matches []*NamespacedTool
	for _, t := range r.tools {
		if t.LocalName == identifier {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, model.Newf(model.ToolNotFound, "no tool named %q", identifier)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.FullName
		}
		return nil, model.Newf(model.AmbiguousToolName, "tool name %q is ambiguous: %s", identifier, strings.Join(names, ", "))
	}
}

// Dispatch looks up, validates, times, and executes a tool call, converting
// any failure — lookup, validation, or execution — into a failed ToolResult.
// It never propagates a panic.
func (r *Registry) Dispatch(ctx context.Context, identifier string, rawArgs json.RawMessage, tc *ToolContext) (result model.ToolResult) {
	start := time.Now()
	tool, err := r.Lookup(identifier)
	if err != nil {
		return model.ToolResult{
			Success:    false,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
			Tool:       identifier,
		}
	}

	defer func() {
		if p := recover(); p != nil {
			result = model.Fail(tool.Namespace, tool.LocalName, fmt.Errorf("panic: %v", p), time.Since(start))
		}
		r.record(tool.FullName, result)
	}()

	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			result = model.Fail(tool.Namespace, tool.LocalName, model.Newf(model.ToolValidationError, "invalid JSON arguments: %v", err), time.Since(start))
			return result
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	if tool.schema != nil {
		if err := tool.schema.Validate(toInterfaceMap(args)); err != nil {
			result = model.Fail(tool.Namespace, tool.LocalName, model.Newf(model.ToolValidationError, "argument validation failed: %v", err), time.Since(start))
			return result
		}
	}

	out, execErr := tool.Execute(ctx, args, tc)
	if execErr != nil {
		result = model.Fail(tool.Namespace, tool.LocalName, execErr, time.Since(start))
		return result
	}
	if out.Tool == "" {
		out.Tool = tool.LocalName
	}
	if out.Namespace == "" {
		out.Namespace = tool.Namespace
	}
	if out.DurationMs == 0 {
		out.DurationMs = time.Since(start).Milliseconds()
	}
	result = out
	return result
}

func toInterfaceMap(m map[string]any) any {
	return map[string]any(m)
}

func (r *Registry) record(full string, result model.ToolResult) {
	s, ok := r.stats[full]
	if !ok {
		s = &stats{}
		r.stats[full] = s
	}
	atomic.AddInt64(&s.total, 1)
	if result.Success {
		atomic.AddInt64(&s.successes, 1)
	} else {
		atomic.AddInt64(&s.failures, 1)
	}
	atomic.AddInt64(&s.durationMs, result.DurationMs)
}

// Stats returns a snapshot of cumulative counters for one tool.
func (r *Registry) Stats(fullName string) Stats {
	s, ok := r.stats[fullName]
	if !ok {
		return Stats{}
	}
	return Stats{
		Total:      atomic.LoadInt64(&s.total),
		Successes:  atomic.LoadInt64(&s.successes),
		Failures:   atomic.LoadInt64(&s.failures),
		DurationMs: atomic.LoadInt64(&s.durationMs),
	}
}

// FunctionToolDef mirrors the {"type":"function","function":{...}} shape the
// LLM transport expects.
type FunctionToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// ListForLLM emits tool definitions in stable registration order, optionally
// filtered by namespace, using fully-qualified names.
func (r *Registry) ListForLLM(namespaceFilter string) []FunctionToolDef {
	defs := make([]FunctionToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		if namespaceFilter != "" && t.Namespace != namespaceFilter {
			continue
		}
		var d FunctionToolDef
		d.Type = "function"
		d.Function.Name = t.FullName
		d.Function.Description = t.Definition.Description
		d.Function.Parameters = t.Definition.ParamSchema
		defs = append(defs, d)
	}
	return defs
}

// Tools returns all registered tools in stable registration order.
func (r *Registry) Tools() []*NamespacedTool {
	return r.tools
}
