package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/qmx/qcode/model"
	"github.com/qmx/qcode/policy"
	"github.com/qmx/qcode/registry"
)

type shellInput struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	Cwd            string   `json:"cwd"`
	TimeoutMs      int      `json:"timeout_ms"`
	CaptureOutput  bool     `json:"captureOutput"`
	AllowStreaming bool     `json:"allowStreaming"`
}

var shellSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string"},
		"args": {"type": "array", "items": {"type": "string"}},
		"cwd": {"type": "string"},
		"timeout_ms": {"type": "integer"},
		"captureOutput": {"type": "boolean"},
		"allowStreaming": {"type": "boolean"}
	},
	"required": ["command"]
}`)

const (
	defaultShellTimeoutMs = 30_000
	maxShellTimeoutMs     = 5 * 60_000
	maxShellOutputBytes   = 200 * 1024
)

// gitReadOnlySubcommands is the secondary allow-list applied on top of the
// policy gate's own command globs — even if "git *" is allowed, only these
// subcommands are reachable through the shell tool.
var gitReadOnlySubcommands = map[string]bool{
	"status": true,
	"diff":   true,
	"log":    true,
	"show":   true,
	"branch": true,
	"remote": true,
	"config": true,
}

func shellExecute(ctx context.Context, args map[string]any, tc *registry.ToolContext) (model.ToolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "invalid arguments: %v", err)
	}
	var in shellInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.ToolResult{}, model.Newf(model.ToolValidationError, "invalid arguments: %v", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return model.ToolResult{}, model.New(model.InvalidQuery, "command is required")
	}

	if in.Command == "git" && len(in.Args) > 0 && !gitReadOnlySubcommands[in.Args[0]] {
		return model.ToolResult{}, model.Newf(model.CommandNotAllowed, "git subcommand %q is not in the read-only allow-list", in.Args[0])
	}

	workDir := tc.WorkingDirectory
	if in.Cwd != "" {
		canon, err := tc.Policy.ValidatePath(resolveAgainst(tc, in.Cwd), policy.Dir)
		if err != nil {
			return model.ToolResult{}, err
		}
		workDir = canon
	}

	if err := tc.Policy.ValidateCommand(in.Command, in.Args); err != nil {
		return model.ToolResult{}, err
	}

	timeoutMs := in.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultShellTimeoutMs
	}
	if timeoutMs > maxShellTimeoutMs {
		timeoutMs = maxShellTimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, in.Command, in.Args...)
	cmd.Dir = workDir
	// On context cancellation, ask nicely before exec's default hard-kill if
	// the process hasn't exited within WaitDelay.
	cmd.Cancel = func() error { return gracefulTerminate(cmd) }
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return model.ToolResult{}, model.Newf(model.ToolTimeout, "command %q timed out after %dms", displayCommand(in.Command, in.Args), timeoutMs)
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return model.ToolResult{}, model.Newf(model.ToolExecutionError, "spawn %q: %v", in.Command, runErr)
		}
	}

	data := map[string]any{
		"stdout":           truncateBytes(stdout.String()),
		"stderr":           truncateBytes(stderr.String()),
		"exitCode":         exitCode,
		"command":          in.Command,
		"args":             in.Args,
		"duration_ms":      duration.Milliseconds(),
		"workingDirectory": workDir,
	}

	return model.ToolResult{
		Success:    exitCode == 0,
		Data:       data,
		DurationMs: duration.Milliseconds(),
	}, nil
}

func displayCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	return cmd + " " + strings.Join(args, " ")
}

func truncateBytes(s string) string {
	if len(s) <= maxShellOutputBytes {
		return s
	}
	return s[:maxShellOutputBytes] + "\n[output truncated]"
}
