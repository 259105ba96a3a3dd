package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("debug"))
	assert.Equal(t, WARN, ParseLogLevel("warning"))
	assert.Equal(t, ERROR, ParseLogLevel("ERROR"))
	assert.Equal(t, INFO, ParseLogLevel("nonsense"))
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "WARN")

	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 3")
}

func TestWithAddsFieldsAndSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := newLogger(&buf, "INFO")
	child := parent.With("source", "abc", "account", "00:1A:79:00:00:01", "dangling")

	child.Debug("not yet")
	parent.SetLevel("DEBUG")
	child.Debug("now visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "abc", entry["source"])
	assert.Equal(t, "00:1A:79:00:00:01", entry["account"])
	assert.Equal(t, "now visible", entry["message"])
	assert.NotContains(t, entry, "dangling")
	assert.Equal(t, "DEBUG", child.GetLevel())
}
