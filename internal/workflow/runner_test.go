package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moosestack/moose-core/internal/catalog"
)

func registryWithTask(t *testing.T, task catalog.TaskDefinition) *catalog.Registry {
	t.Helper()
	reg := catalog.New()
	require.NoError(t, reg.RegisterWorkflow(catalog.WorkflowDefinition{
		Name:  "orders",
		Tasks: []catalog.TaskDefinition{task},
	}))
	return reg
}

func TestHasWorkflow(t *testing.T) {
	reg := registryWithTask(t, catalog.TaskDefinition{Name: "ship", Fn: func(context.Context, map[string]any, map[string]any) (map[string]any, error) {
		return nil, nil
	}})
	r, err := NewRunner(reg)
	require.NoError(t, err)

	ok, err := r.HasWorkflow(context.Background(), "orders")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.HasWorkflow(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetWorkflowByName(t *testing.T) {
	reg := registryWithTask(t, catalog.TaskDefinition{Name: "ship", Fn: func(context.Context, map[string]any, map[string]any) (map[string]any, error) {
		return nil, nil
	}})
	r, err := NewRunner(reg)
	require.NoError(t, err)

	desc, err := r.GetWorkflowByName(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, "orders", desc.Name)
	require.Equal(t, []string{"ship"}, desc.TaskNames)

	_, err = r.GetWorkflowByName(context.Background(), "missing")
	require.Error(t, err)
}

func TestGetTaskForWorkflow(t *testing.T) {
	reg := registryWithTask(t, catalog.TaskDefinition{
		Name:     "ship",
		Fn:       func(context.Context, map[string]any, map[string]any) (map[string]any, error) { return nil, nil },
		OnCancel: func(map[string]any, map[string]any) {},
	})
	r, err := NewRunner(reg)
	require.NoError(t, err)

	desc, err := r.GetTaskForWorkflow(context.Background(), "orders", "ship")
	require.NoError(t, err)
	require.Equal(t, "orders", desc.WorkflowName)
	require.Equal(t, "ship", desc.TaskName)
	require.True(t, desc.HasOnCancel)

	_, err = r.GetTaskForWorkflow(context.Background(), "orders", "missing")
	require.Error(t, err)
}

func TestExecuteTaskSuccess(t *testing.T) {
	reg := registryWithTask(t, catalog.TaskDefinition{
		Name: "ship",
		Fn: func(_ context.Context, state, input map[string]any) (map[string]any, error) {
			return map[string]any{"shipped": true, "orderID": input["orderID"]}, nil
		},
	})
	r, err := NewRunner(reg, WithHeartbeatFunc(func(context.Context, ...any) {}))
	require.NoError(t, err)

	out, err := r.ExecuteTask(context.Background(), ExecuteTaskInput{
		Workflow: "orders",
		Task:     "ship",
		State:    map[string]any{},
		Input:    map[string]any{"orderID": "o-1"},
	})
	require.NoError(t, err)
	require.False(t, out.Canceled)
	require.Equal(t, true, out.State["shipped"])
	require.Equal(t, "o-1", out.State["orderID"])
}

func TestExecuteTaskUnknown(t *testing.T) {
	reg := catalog.New()
	r, err := NewRunner(reg)
	require.NoError(t, err)

	_, err = r.ExecuteTask(context.Background(), ExecuteTaskInput{Workflow: "orders", Task: "ship"})
	require.Error(t, err)
}

func TestExecuteTaskHandlerError(t *testing.T) {
	boom := errors.New("boom")
	reg := registryWithTask(t, catalog.TaskDefinition{
		Name: "ship",
		Fn: func(context.Context, map[string]any, map[string]any) (map[string]any, error) {
			return nil, boom
		},
	})
	r, err := NewRunner(reg, WithHeartbeatFunc(func(context.Context, ...any) {}))
	require.NoError(t, err)

	_, err = r.ExecuteTask(context.Background(), ExecuteTaskInput{Workflow: "orders", Task: "ship"})
	require.ErrorIs(t, err, boom)
}

// TestExecuteTaskCancellation verifies that a task preempted by context
// cancellation invokes OnCancel
// exactly once with the state it was running against, and the activity
// returns within the cancellation race (Canceled=true, empty state) rather
// than waiting for the task body to finish.
func TestExecuteTaskCancellation(t *testing.T) {
	var mu sync.Mutex
	var onCancelCalls int
	var seenState, seenInput map[string]any

	release := make(chan struct{})
	reg := registryWithTask(t, catalog.TaskDefinition{
		Name: "longRunning",
		Fn: func(ctx context.Context, state, input map[string]any) (map[string]any, error) {
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			return map[string]any{"done": true}, nil
		},
		OnCancel: func(state, input map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			onCancelCalls++
			seenState = state
			seenInput = input
		},
	})
	r, err := NewRunner(reg,
		WithHeartbeatFunc(func(context.Context, ...any) {}),
		WithHeartbeatInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := r.ExecuteTask(ctx, ExecuteTaskInput{
		Workflow: "orders",
		Task:     "longRunning",
		State:    map[string]any{"step": 1},
		Input:    map[string]any{"orderID": "o-2"},
	})
	elapsed := time.Since(start)
	close(release)

	require.NoError(t, err)
	require.True(t, out.Canceled)
	require.Empty(t, out.State)
	require.Less(t, elapsed, 500*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, onCancelCalls)
	require.Equal(t, 1, seenState["step"])
	require.Equal(t, "o-2", seenInput["orderID"])
}

func TestExecuteTaskRevivesDates(t *testing.T) {
	var sawInput map[string]any
	reg := registryWithTask(t, catalog.TaskDefinition{
		Name: "process",
		Fn: func(_ context.Context, state, input map[string]any) (map[string]any, error) {
			sawInput = input
			return map[string]any{}, nil
		},
	})
	r, err := NewRunner(reg, WithHeartbeatFunc(func(context.Context, ...any) {}))
	require.NoError(t, err)

	_, err = r.ExecuteTask(context.Background(), ExecuteTaskInput{
		Workflow: "orders",
		Task:     "process",
		Input:    map[string]any{"placedAt": "2024-01-02T03:04:05Z"},
	})
	require.NoError(t, err)
	_, isTime := sawInput["placedAt"].(time.Time)
	require.True(t, isTime, "expected placedAt to be revived to time.Time, got %T", sawInput["placedAt"])
}
