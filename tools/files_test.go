package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmx/qcode/policy"
	"github.com/qmx/qcode/registry"
)

func newTestContext(t *testing.T, root string) *registry.ToolContext {
	t.Helper()
	pol, err := policy.New([]string{root}, []string{"**/.git/**"}, false, []string{"*"}, nil)
	require.NoError(t, err)
	return &registry.ToolContext{WorkingDirectory: root, Policy: pol}
}

func TestFilesRead_LineRange(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("one\ntwo\nthree\nfour\n"), 0o644))
	tc := newTestContext(t, dir)

	result, err := filesExecute(context.Background(), map[string]any{
		"operation": "read", "path": "a.txt", "startLine": float64(2), "endLine": float64(3),
	}, tc)
	require.NoError(t, err)
	require.True(t, result.Success)
	data := result.Data.(map[string]any)
	assert.Equal(t, "two\nthree", data["content"])
}

func TestFilesRead_BinaryRejected(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "bin.dat")
	require.NoError(t, os.WriteFile(f, []byte{0, 1, 2, 3, 0}, 0o644))
	tc := newTestContext(t, dir)

	_, err := filesExecute(context.Background(), map[string]any{
		"operation": "read", "path": "bin.dat",
	}, tc)
	require.Error(t, err)
}

func TestFilesRead_InvalidLineRange(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(f, []byte("one\ntwo\n"), 0o644))
	tc := newTestContext(t, dir)

	_, err := filesExecute(context.Background(), map[string]any{
		"operation": "read", "path": "a.txt", "startLine": float64(5), "endLine": float64(10),
	}, tc)
	require.Error(t, err)
}

func TestFilesList_SkipsHiddenByDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visible.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))
	tc := newTestContext(t, dir)

	result, err := filesExecute(context.Background(), map[string]any{
		"operation": "list", "path": ".",
	}, tc)
	require.NoError(t, err)
	data := result.Data.(map[string]any)
	assert.Equal(t, 1, data["count"])
}

func TestFilesSearch_FindsMatches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\nfunc main() {}\n"), 0o644))
	tc := newTestContext(t, dir)

	result, err := filesExecute(context.Background(), map[string]any{
		"operation": "search", "query": "func main",
	}, tc)
	require.NoError(t, err)
	data := result.Data.(map[string]any)
	assert.Equal(t, 1, data["totalMatches"])
}

func TestFilesSearch_RegexSyntaxError(t *testing.T) {
	dir := t.TempDir()
	tc := newTestContext(t, dir)

	_, err := filesExecute(context.Background(), map[string]any{
		"operation": "search", "query": "(unterminated", "useRegex": true,
	}, tc)
	require.Error(t, err)
}

func TestFilesSearch_RequiresNonEmptyQuery(t *testing.T) {
	dir := t.TempDir()
	tc := newTestContext(t, dir)

	_, err := filesExecute(context.Background(), map[string]any{
		"operation": "search", "query": "",
	}, tc)
	require.Error(t, err)
}
