package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-examples/calculator-go/internal/logctx"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelVarGatesOutput(t *testing.T) {
	var buf bytes.Buffer
	log, lv, err := New(&buf, Options{Level: "info", Format: "json"})
	require.NoError(t, err)

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	lv.Set(slog.LevelDebug)
	log.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestContextGroupsAreRendered(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(&buf, Options{Format: "text"})
	require.NoError(t, err)

	ctx := logctx.WithToolCallData(context.Background(), &logctx.ToolCallData{ToolName: "add_numbers"})
	log.InfoContext(ctx, "engine.tool.ok")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "engine.tool.ok")
	assert.Contains(t, line, "add_numbers")
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := New(&bytes.Buffer{}, Options{Format: "yaml"})
	assert.Error(t, err)
}
