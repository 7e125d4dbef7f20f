// Package render formats engine output for a terminal: colorized diffs,
// tool call/result lines, and warnings/errors. It never writes to stdout
// itself — it returns strings, so the CLI layer controls where they go.
package render

import (
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/qmx/qcode/model"
)

var (
	bold      = color.New(color.Bold)
	boldGreen = color.New(color.Bold, color.FgGreen)
	dim       = color.New(color.Faint)
	red       = color.New(color.FgRed)
	green     = color.New(color.FgGreen)
	cyan      = color.New(color.FgCyan)
	yellow    = color.New(color.Bold, color.FgYellow)
)

// Diff renders a unified, colorized diff between oldContent and newContent.
// It diffs line-by-line rather than character-by-character: go-diff's
// DiffLinesToChars hashes whole lines down to single runes first, so the
// Myers diff that follows walks line tokens instead of raw bytes, which is
// both faster and produces a far more readable result for source files than
// a naive common-prefix/suffix scan would.
func Diff(path, oldContent, newContent string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	sb.WriteString(bold.Sprintf("--- %s\n", path))
	sb.WriteString(bold.Sprintf("+++ %s\n", path))

	for _, d := range diffs {
		for _, line := range diffLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				sb.WriteString(red.Sprintf("-%s\n", line))
			case diffmatchpatch.DiffInsert:
				sb.WriteString(green.Sprintf("+%s\n", line))
			default:
				sb.WriteString(dim.Sprintf(" %s\n", line))
			}
		}
	}
	return sb.String()
}

// diffLines splits a diff segment's text back into lines, dropping the
// single trailing empty element strings.Split leaves behind when the
// segment ends in "\n" (every segment from DiffLinesToChars does, except
// possibly the very last).
func diffLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// FilePreview renders a new file's content for a create_file confirmation,
// line-numbered and colored as wholly added.
func FilePreview(path, content string) string {
	var sb strings.Builder
	sb.WriteString(boldGreen.Sprintf("New file: %s\n", path))
	for i, line := range strings.Split(content, "\n") {
		sb.WriteString(dim.Sprintf("  %3d │ ", i+1))
		sb.WriteString(green.Sprintln(line))
	}
	return sb.String()
}

// ToolCall renders a "model is about to call this tool" line.
func ToolCall(fullName, argsJSON string) string {
	return cyan.Sprintf("→ %s", fullName) + dim.Sprintf(" %s", argsJSON)
}

// ToolResult renders a dispatched tool's outcome as a single status line.
func ToolResult(result model.ToolResult) string {
	if result.Success {
		return green.Sprintf("✓ %s (%dms)", result.Tool, result.DurationMs)
	}
	return red.Sprintf("✗ %s: %s", result.Tool, result.Error)
}

// Warning renders a non-fatal warning line.
func Warning(msg string) string {
	return yellow.Sprintf("⚠ %s", msg)
}

// Error renders an error line.
func Error(err error) string {
	return red.Sprintf("✗ %s", err.Error())
}
