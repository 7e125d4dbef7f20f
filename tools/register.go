package tools

import "github.com/qmx/qcode/registry"

// RegisterAll wires the built-in tool set — files, edit, shell, project —
// into reg under the "internal" namespace.
func RegisterAll(reg *registry.Registry) error {
	builtins := []struct {
		name   string
		desc   string
		schema []byte
		fn     registry.ExecuteFunc
	}{
		{
			name:   "files",
			desc:   `Read, list, or search files in the workspace. Set "operation" to "read" (inputs: path, startLine?, endLine?, encoding?), "list" (inputs: path?, pattern?, recursive?, includeHidden?, includeMetadata?), or "search" (inputs: query, path?, pattern?, useRegex?, caseSensitive?, maxResults?, includeContext?). Always prefer this over shelling out to cat, ls, find, or grep.`,
			schema: filesSchema,
			fn:     filesExecute,
		},
		{
			name:   "edit",
			desc:   `Mutate a file in place. Set "operation" to "insert_line" (line, content), "replace" (oldStr, newStr, useRegex?, global?), "replace_lines" (startLine, endLine, content), "delete_lines" (startLine, endLine), or "create_file" (content). All writes are atomic. Line numbers are 1-based and inclusive.`,
			schema: editSchema,
			fn:     editExecute,
		},
		{
			name:   "shell",
			desc:   `Execute a command (no shell interpolation — command and args are passed as a literal argv, and arguments containing shell operators like ; | > are rejected). Inputs: command, args?, cwd?, timeout_ms? (default 30000, max 300000). A non-zero exit is returned as an unsuccessful result that still carries stdout, stderr, and exitCode, not as an error. git is restricted to the read-only subcommands status, diff, log, show, branch, remote, config.`,
			schema: shellSchema,
			fn:     shellExecute,
		},
		{
			name:   "project",
			desc:   `Classify the project's technology stack by sampling its config files (go.mod, package.json, etc.) and asking the model to identify the primary language, languages, frameworks, and technologies present.`,
			schema: projectSchema,
			fn:     projectExecute,
		},
	}

	for _, b := range builtins {
		def := registry.ToolDefinition{Name: b.name, Description: b.desc, ParamSchema: b.schema}
		if err := reg.Register("internal", b.name, def, b.fn, registry.RegisterOptions{}); err != nil {
			return err
		}
	}
	return nil
}
