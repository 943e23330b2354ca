package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentFollowsSetDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := Component("journal").With("runID", "r1")

	var buf bytes.Buffer
	Setup(&buf, slog.LevelDebug, "json")
	logger.Debug("replayed", "events", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, "replayed", line["msg"])
	assert.Equal(t, "journal", line["component"])
	assert.Equal(t, "r1", line["runID"])
	assert.Equal(t, float64(3), line["events"])
}

func TestComponentRespectsLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	Setup(&buf, slog.LevelWarn, "text")
	logger := Component("dispatch")
	logger.Info("quiet")
	logger.Warn("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "component=dispatch")
	assert.Contains(t, buf.String(), "loud")
}
