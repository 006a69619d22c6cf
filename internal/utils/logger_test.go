package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogOutput(&buf)
	t.Cleanup(func() { SetLogOutput(nopWriter{}) })
	return &buf
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLogger_StructuredOutput(t *testing.T) {
	buf := captureLogs(t)

	logger := NewLogger("feature-gate", Debug)
	logger.Info("job finished", "job_id", "abc", "attempt", 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "feature-gate", entry["logger"])
	assert.Equal(t, "job finished", entry["msg"])
	assert.Equal(t, "abc", entry["job_id"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Contains(t, entry, "ts")
}

func TestLogger_LevelGating(t *testing.T) {
	buf := captureLogs(t)

	logger := NewLogger("charge-worker", Warning)
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")

	logger.SetLogLevel(Debug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLogger_With(t *testing.T) {
	buf := captureLogs(t)

	logger := NewLogger("payments", Info).With("queue", "purchases")
	logger.Error("delivery rejected")

	assert.Contains(t, buf.String(), `"queue":"purchases"`)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", Debug, false},
		{"", Info, false},
		{"WARN", Warning, false},
		{"error", Error, false},
		{"critical", Critical, false},
		{"verbose", NotSet, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}
