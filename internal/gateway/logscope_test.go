package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logSink
	logSink = &buf
	t.Cleanup(func() { logSink = prev })
	return &buf
}

func TestLogOutsideScopePassesThrough(t *testing.T) {
	buf := captureLog(t)

	Log(context.Background(), "info", "plain message", 42)

	require.Equal(t, "plain message 42\n", buf.String())
}

func TestLogInsideAPIScopeEmitsOneStructuredLine(t *testing.T) {
	buf := captureLog(t)

	ctx := WithAPIScope(context.Background(), "orders")
	Log(ctx, "info", "handled", "count", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	require.Equal(t, true, line["__moose_structured_log__"])
	require.Equal(t, "info", line["level"])
	require.Equal(t, "handled count 7", line["message"])
	require.Equal(t, "orders", line["api_name"])
	require.NotEmpty(t, line["timestamp"])
	require.NotContains(t, line, "task_name")
}

func TestLogInsideTaskScopeTagsTaskName(t *testing.T) {
	buf := captureLog(t)

	ctx := WithTaskScope(context.Background(), "orders/ship")
	Log(ctx, "info", "cleaning up")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "orders/ship", line["task_name"])
	require.NotContains(t, line, "api_name")
}
