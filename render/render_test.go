package render

import (
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/qmx/qcode/model"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestDiff_ShowsAddedAndRemovedLines(t *testing.T) {
	out := Diff("main.go", "line one\nline two\nline three\n", "line one\nline TWO\nline three\n")

	assert.Contains(t, out, "--- main.go")
	assert.Contains(t, out, "+++ main.go")
	assert.Contains(t, out, "-line two")
	assert.Contains(t, out, "+line TWO")
	assert.Contains(t, out, " line one")
	assert.Contains(t, out, " line three")
}

func TestDiff_IdenticalContentHasNoAddRemoveLines(t *testing.T) {
	out := Diff("main.go", "same\n", "same\n")

	assert.NotContains(t, out, "-same")
	assert.NotContains(t, out, "+same")
	assert.Contains(t, out, " same")
}

func TestFilePreview_NumbersEveryLine(t *testing.T) {
	out := FilePreview("new.go", "package main\n\nfunc main() {}\n")

	assert.Contains(t, out, "1 │ ")
	assert.Contains(t, out, "package main")
	assert.Contains(t, out, "3 │ ")
}

func TestToolResult_SuccessAndFailure(t *testing.T) {
	ok := ToolResult(model.ToolResult{Success: true, Tool: "files", DurationMs: 12})
	assert.Contains(t, ok, "files")
	assert.Contains(t, ok, "12ms")

	fail := ToolResult(model.ToolResult{Success: false, Tool: "files", Error: "not found"})
	assert.Contains(t, fail, "not found")
}

func TestWarningAndError(t *testing.T) {
	assert.Contains(t, Warning("careful"), "careful")
	assert.Contains(t, Error(errors.New("boom")), "boom")
}
