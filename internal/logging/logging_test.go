package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/popis/internal/config"
)

func TestLevelRouting(t *testing.T) {
	var stdout, stderr, file bytes.Buffer
	logger, err := build(config.LogConfig{Level: "info", Format: "console"}, &stdout, &stderr, &file)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("opened")
	logger.Warn("slow")
	logger.Error("failed")

	assert.NotContains(t, stdout.String(), "hidden")
	assert.Contains(t, stdout.String(), "opened")
	assert.Contains(t, stdout.String(), "slow")
	assert.NotContains(t, stdout.String(), "failed")

	assert.Contains(t, stderr.String(), "failed")
	assert.NotContains(t, stderr.String(), "opened")

	for _, msg := range []string{"opened", "slow", "failed"} {
		assert.Contains(t, file.String(), msg)
	}
	assert.NotContains(t, file.String(), "hidden")
}

func TestJSONFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := build(config.LogConfig{Level: "debug", Format: "json"}, &stdout, &stderr, nil)
	require.NoError(t, err)

	logger.Debug("merged")

	line := strings.TrimSpace(stdout.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "merged", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
	assert.Contains(t, entry, "ts")
}

func TestBadLevel(t *testing.T) {
	_, err := build(config.LogConfig{Level: "loud"}, &bytes.Buffer{}, &bytes.Buffer{}, nil)
	require.Error(t, err)
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "popis.log")
	logger, cleanup, err := New(config.LogConfig{Level: "warn", Format: "json", File: path})
	require.NoError(t, err)

	logger.Warn("disk filling up")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "disk filling up")
}
