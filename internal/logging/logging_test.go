package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zapcore.Level
	}{
		{raw: "", want: zapcore.InfoLevel},
		{raw: "debug", want: zapcore.DebugLevel},
		{raw: " WARN ", want: zapcore.WarnLevel},
		{raw: "error", want: zapcore.ErrorLevel},
	}

	for _, tc := range tests {
		level, err := ParseLevel(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, level, tc.raw)
	}

	_, err := ParseLevel("chatty")
	require.Error(t, err)
}

func TestNewJSONWritesStructuredLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	logger, err := New(Config{Level: "warn", JSON: true, OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("job failed", zap.String("session_id", "s-1"), zap.Int("attempts", 3))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "job failed", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.EqualValues(t, 3, entry["attempts"])
}

func TestNewConsoleHonoursLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	logger, err := New(Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("milestone reached", zap.String("milestone", "basic"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "milestone reached")
	assert.Contains(t, string(data), "basic")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}
