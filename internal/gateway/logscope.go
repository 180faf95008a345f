package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// logSink is where Log writes; swapped out by tests.
var logSink io.Writer = os.Stderr

type scopeKey struct{}

// logScope is the request/task-scoped structured logging context. It is
// carried as a context.Value so user-code log calls made anywhere under a
// request or task pick up the owning api_name/task_name automatically.
type logScope struct {
	apiName  string
	taskName string
	start    time.Time
}

// WithAPIScope binds an API-request logging scope to ctx, keyed by apiName.
func WithAPIScope(ctx context.Context, apiName string) context.Context {
	return context.WithValue(ctx, scopeKey{}, &logScope{apiName: apiName, start: time.Now()})
}

// WithTaskScope binds a workflow-task logging scope to ctx, keyed by
// "workflow/task", reused by internal/workflow for the same structured-log
// mechanism.
func WithTaskScope(ctx context.Context, taskName string) context.Context {
	return context.WithValue(ctx, scopeKey{}, &logScope{taskName: taskName, start: time.Now()})
}

func scopeFrom(ctx context.Context) (*logScope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*logScope)
	return s, ok
}

// structuredLogLine is the wire shape of one structured log line.
type structuredLogLine struct {
	Marker    bool   `json:"__moose_structured_log__"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	APIName   string `json:"api_name,omitempty"`
	TaskName  string `json:"task_name,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Log emits one log line for user-code console output during a request or
// task scope. Outside of a scope, it falls through to plain stderr output
// unchanged; inside a scope, it becomes exactly one structured JSON line
// tagged with api_name or task_name.
func Log(ctx context.Context, level, msg string, args ...any) {
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf("%s %s", msg, joinArgs(args))
	}

	scope, ok := scopeFrom(ctx)
	if !ok {
		fmt.Fprintln(logSink, text)
		return
	}

	line := structuredLogLine{
		Marker:    true,
		Level:     level,
		Message:   text,
		APIName:   scope.apiName,
		TaskName:  scope.taskName,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	enc := json.NewEncoder(logSink)
	_ = enc.Encode(line)
}

func joinArgs(args []any) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprint(a)
	}
	return out
}
