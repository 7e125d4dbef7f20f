package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConsoleOnly(t *testing.T) {
	logger, err := New(Options{Level: "debug", Console: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello")
}

func TestNew_FileSinkWritesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qcode.log")

	logger, err := New(Options{Level: "info", Console: false, File: path})
	require.NoError(t, err)
	logger.Info("wrote to file")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "wrote to file")
}

func TestNew_DefaultsToConsoleWhenNoSinkConfigured(t *testing.T) {
	logger, err := New(Options{Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger, err := New(Options{Level: "not-a-level", Console: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
}
