// Package workflow implements the Workflow Activity Runner:
// the four activities a Temporal-style orchestrator invokes out-of-band
// against the same resource registry the gateway and streaming engine
// consult — hasWorkflow, getWorkflowByName, getTaskForWorkflow, and
// executeTask — plus the heartbeat/cancellation race and per-task
// structured logging that executeTask requires.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"

	"github.com/moosestack/moose-core/internal/catalog"
	"github.com/moosestack/moose-core/internal/gateway"
	"github.com/moosestack/moose-core/internal/telemetry"
)

// HeartbeatInterval bounds how often ExecuteTask emits an activity
// heartbeat while a task body is running. The orchestrator carries its
// cancellation signal on the heartbeat response channel and expects at
// least one heartbeat every 5s; 3s keeps a healthy margin so a cancel is
// detected and acted on promptly (OnCancel invoked, empty result returned
// well within a couple hundred milliseconds).
const HeartbeatInterval = 3 * time.Second

// HeartbeatFunc records activity liveness with the orchestrator. The
// production default wraps go.temporal.io/sdk/activity.RecordHeartbeat;
// tests inject a no-op or recording fake via WithHeartbeatFunc since
// RecordHeartbeat requires a genuine Temporal activity context.
type HeartbeatFunc func(ctx context.Context, details ...any)

// Runner executes workflow tasks against a Registry on behalf of the
// orchestrator's activity worker. One Runner is shared by every activity
// invocation within a worker process; a worker's registry view is
// read-only after fork.
type Runner struct {
	registry  *catalog.Registry
	logger    telemetry.Logger
	tracer    telemetry.Tracer
	heartbeat HeartbeatFunc
	interval  time.Duration
}

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithLogger overrides the runner's structured logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithTracer overrides the runner's tracer.
func WithTracer(t telemetry.Tracer) Option { return func(r *Runner) { r.tracer = t } }

// WithHeartbeatFunc overrides the heartbeat emitter, chiefly for tests:
// production wiring should leave this at its activity.RecordHeartbeat
// default.
func WithHeartbeatFunc(fn HeartbeatFunc) Option {
	return func(r *Runner) {
		if fn != nil {
			r.heartbeat = fn
		}
	}
}

// WithHeartbeatInterval overrides HeartbeatInterval, chiefly for tests that
// want the cancellation race to resolve quickly.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRunner builds a Runner bound to reg, following the options-struct
// constructor-with-validation idiom used by every other factory in this
// tree (config.New, olap.NewFactory, broker.NewFactory).
func NewRunner(reg *catalog.Registry, opts ...Option) (*Runner, error) {
	if reg == nil {
		return nil, fmt.Errorf("workflow: registry is required")
	}
	r := &Runner{
		registry:  reg,
		logger:    telemetry.NewNoopLogger(),
		tracer:    telemetry.NewNoopTracer(),
		heartbeat: activity.RecordHeartbeat,
		interval:  HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// WorkflowDescriptor is the JSON-serializable shape GetWorkflowByName
// returns: Temporal activity results must marshal, so the TaskDefinition's
// function values never cross the activity boundary directly.
type WorkflowDescriptor struct {
	Name      string   `json:"name"`
	TaskNames []string `json:"taskNames"`
}

// TaskDescriptor is the JSON-serializable shape GetTaskForWorkflow returns.
type TaskDescriptor struct {
	WorkflowName string `json:"workflowName"`
	TaskName     string `json:"taskName"`
	HasOnCancel  bool   `json:"hasOnCancel"`
}

// HasWorkflow implements the hasWorkflow(name) activity.
func (r *Runner) HasWorkflow(_ context.Context, name string) (bool, error) {
	return r.registry.HasWorkflow(name), nil
}

// GetWorkflowByName implements the getWorkflowByName(name) activity.
func (r *Runner) GetWorkflowByName(_ context.Context, name string) (*WorkflowDescriptor, error) {
	wf, ok := r.registry.Workflow(name)
	if !ok {
		return nil, fmt.Errorf("workflow: %q is not registered", name)
	}
	names := make([]string, len(wf.Tasks))
	for i, t := range wf.Tasks {
		names[i] = t.Name
	}
	return &WorkflowDescriptor{Name: wf.Name, TaskNames: names}, nil
}

// GetTaskForWorkflow implements the getTaskForWorkflow(workflow, task)
// activity.
func (r *Runner) GetTaskForWorkflow(_ context.Context, workflowName, taskName string) (*TaskDescriptor, error) {
	t, ok := r.registry.Task(workflowName, taskName)
	if !ok {
		return nil, fmt.Errorf("workflow: task %q not found in workflow %q", taskName, workflowName)
	}
	return &TaskDescriptor{
		WorkflowName: workflowName,
		TaskName:     t.Name,
		HasOnCancel:  t.OnCancel != nil,
	}, nil
}

// ExecuteTaskInput is the executeTask(workflow, task, input) activity's
// argument. State carries the workflow's accumulated state across prior
// tasks; Input is this task's own input. Both arrive as plain decoded JSON
// and are date-revived with the same ISO-8601 regex used for message
// revival, so tasks and transforms see identical timestamp shapes.
type ExecuteTaskInput struct {
	Workflow string
	Task     string
	State    map[string]any
	Input    map[string]any
}

// ExecuteTaskOutput is the executeTask activity's result. Canceled is true
// when the orchestrator's cancellation signal preempted the task body; in
// that case State is empty and OnCancel (if the task defined one) has
// already run.
type ExecuteTaskOutput struct {
	State    map[string]any
	Canceled bool
}

// ExecuteTask implements the executeTask(workflow, task, input) activity.
// It races the task body against ctx's cancellation (which Temporal
// delivers asynchronously, carried on the heartbeat response channel),
// heartbeating at HeartbeatInterval so that signal is observed promptly.
// On cancellation it invokes the task's OnCancel handler exactly once with
// the state the task saw and returns an empty result.
func (r *Runner) ExecuteTask(ctx context.Context, in ExecuteTaskInput) (*ExecuteTaskOutput, error) {
	task, ok := r.registry.Task(in.Workflow, in.Task)
	if !ok {
		return nil, fmt.Errorf("workflow: task %q not found in workflow %q", in.Task, in.Workflow)
	}

	state := reviveMap(in.State)
	input := reviveMap(in.Input)
	taskCtx := gateway.WithTaskScope(ctx, in.Workflow+"/"+in.Task)

	stopHeartbeat := r.runHeartbeatLoop(taskCtx)
	defer stopHeartbeat()

	type taskResult struct {
		state map[string]any
		err   error
	}
	done := make(chan taskResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- taskResult{err: fmt.Errorf("workflow: task %s/%s panicked: %v", in.Workflow, in.Task, p)}
			}
		}()
		st, err := task.Fn(taskCtx, state, input)
		done <- taskResult{state: st, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Error(taskCtx, "task failed", "workflow", in.Workflow, "task", in.Task, "error", res.err)
			return nil, res.err
		}
		return &ExecuteTaskOutput{State: res.state}, nil
	case <-taskCtx.Done():
		if task.OnCancel != nil {
			gateway.Log(taskCtx, "info", "cleaning up")
			task.OnCancel(state, input)
		}
		r.logger.Info(taskCtx, "task canceled", "workflow", in.Workflow, "task", in.Task)
		return &ExecuteTaskOutput{State: map[string]any{}, Canceled: true}, nil
	}
}

// runHeartbeatLoop emits a heartbeat every interval until the returned stop
// function is called or ctx is done. It does not itself detect
// cancellation; ctx.Done() firing (driven by the orchestrator's response to
// a prior heartbeat) is what ExecuteTask's select observes.
func (r *Runner) runHeartbeatLoop(ctx context.Context) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.heartbeat(ctx)
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(stopCh)
		}
	}
}

// RegisterActivities registers the four activities this Runner implements
// with w, under the names the orchestrator invokes them by.
func (r *Runner) RegisterActivities(w worker.Worker) {
	w.RegisterActivityWithOptions(r.HasWorkflow, activity.RegisterOptions{Name: "hasWorkflow"})
	w.RegisterActivityWithOptions(r.GetWorkflowByName, activity.RegisterOptions{Name: "getWorkflowByName"})
	w.RegisterActivityWithOptions(r.GetTaskForWorkflow, activity.RegisterOptions{Name: "getTaskForWorkflow"})
	w.RegisterActivityWithOptions(r.ExecuteTask, activity.RegisterOptions{Name: "executeTask"})
}

func reviveMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	revived := catalog.ReviveDatesDeep(m)
	out, ok := revived.(map[string]any)
	if !ok {
		return m
	}
	return out
}
