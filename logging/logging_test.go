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
	"go.uber.org/zap"

	"replaydeck/config"
)

func TestJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithConsole(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("[REPLAY] matched", zap.Int("index", 3))
	require.NoError(t, logger.Sync())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "[REPLAY] matched", line["message"])
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, float64(3), line["index"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithConsole(config.LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "replaydeck.log")
	var buf bytes.Buffer
	logger, err := newWithConsole(config.LoggingConfig{File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Info("[SESSION] opened")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"message":"[SESSION] opened"`))
}

func TestInvalidSettings(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}
