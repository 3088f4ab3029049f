package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
	"github.com/flowmason/flowmason/internal/flow/store"
)

// Execution is the per-run dependency bundle handlers execute against.
// It is built once by the coordinator and shared by all NodeRuns of a run.
type Execution struct {
	Run       *runtime.FlowchartRun
	Flowchart *model.Flowchart
	Config    RunConfig
	Store     store.Store
	Events    *Publisher
	Tasks     TaskRunner
	Launcher  SubroutineLauncher
	Retriever RAGBackend

	// Prompts resolves ref_id prompt references to prompt text.
	Prompts map[string]string

	// NodeRunCount reports how many NodeRuns of a node already exist in
	// this run; loop exit conditions read it.
	NodeRunCount func(ctx context.Context, nodeID string) (int, error)

	mu       sync.Mutex
	inflight map[string]bool
}

// dispatchTask routes one request through the Task Runner, tracked so a
// run-level cancel can hand the request to TaskRunner.Cancel while it is
// still in flight.
func (ex *Execution) dispatchTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	ex.mu.Lock()
	if ex.inflight == nil {
		ex.inflight = map[string]bool{}
	}
	ex.inflight[req.RequestID] = true
	ex.mu.Unlock()
	defer func() {
		ex.mu.Lock()
		delete(ex.inflight, req.RequestID)
		ex.mu.Unlock()
	}()
	return ex.Tasks.Dispatch(ctx, req)
}

// cancelInflight asks the Task Runner to cancel every request still in
// flight and waits for the cancel calls to return. Requests that finished
// in the meantime report ErrTaskNotFound; that is not a failure.
func (ex *Execution) cancelInflight(ctx context.Context) {
	ex.mu.Lock()
	ids := make([]string, 0, len(ex.inflight))
	for id := range ex.inflight {
		ids = append(ids, id)
	}
	ex.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := ex.Tasks.Cancel(ctx, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
				ex.Events.Publish(TopicRunUpdated, map[string]any{
					"flowchart_run_id": ex.Run.ID,
					"event":            "task_cancel_failed",
					"request_id":       id,
					"error":            err.Error(),
				})
			}
		}(id)
	}
	wg.Wait()
}

// ArtifactDraft is a not-yet-persisted node output record. The retention
// engine stamps IDs and payload hashes when persisting.
type ArtifactDraft struct {
	Type          string
	Payload       map[string]any
	RequestID     string
	CorrelationID string
}

// Handler executes one node type. A returned error means the node failed;
// the coordinator converts it into a fail output and applies failure
// routing. Handlers that degrade gracefully (mode fallback) return a
// success_with_warning output and no error.
type Handler interface {
	Execute(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error)
}

// Registry maps node types to handlers. The set is closed and resolved at
// startup; there is no runtime registration or reflection.
type Registry struct {
	handlers map[model.NodeType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[model.NodeType]Handler{
		model.NodeTask:       taskHandler{},
		model.NodeDecision:   decisionHandler{},
		model.NodePlan:       planHandler{},
		model.NodeMilestone:  milestoneHandler{},
		model.NodeMemory:     memoryHandler{},
		model.NodeRAG:        ragHandler{},
		model.NodeSubroutine: subroutineHandler{},
	}}
}

func (r *Registry) Resolve(n *model.Node) (Handler, error) {
	h, ok := r.handlers[n.Type]
	if !ok {
		return nil, fmt.Errorf("no handler for node type %q", n.Type)
	}
	return h, nil
}

// taskHandler dispatches work to the Task Runner and records its structured
// output verbatim.
type taskHandler struct{}

func (taskHandler) Execute(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error) {
	prompt, err := resolvePrompt(ex, n)
	if err != nil {
		return runtime.Output{}, nil, err
	}

	req := NewTaskRequest(ex.Run.ID, n.ID, prompt, ex.Config.Timeouts())
	req.Payload = map[string]any{"node_run_id": nr.ID}
	if bindings := n.Attr("tool_bindings", ""); bindings != "" {
		req.ToolBindings = splitList(bindings)
	}

	res, err := ex.dispatchTask(ctx, req)
	if err != nil {
		return runtime.Output{}, nil, fmt.Errorf("task runner: %w", err)
	}

	out := runtime.Output{Status: runtime.ExecSuccess, State: res.Output}
	draft := ArtifactDraft{
		Type:          "task_output",
		Payload:       res.Output,
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
	}
	return out, []ArtifactDraft{draft}, nil
}

func resolvePrompt(ex *Execution, n *model.Node) (string, error) {
	if ref := n.Attr("ref_id", ""); ref != "" {
		prompt, ok := ex.Prompts[ref]
		if !ok {
			return "", fmt.Errorf("node %s: unknown prompt ref %q", n.ID, ref)
		}
		return prompt, nil
	}
	prompt := n.Attr("task_prompt", n.Attr("prompt", ""))
	if prompt == "" {
		return "", fmt.Errorf("node %s: no prompt configured", n.ID)
	}
	return prompt, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decisionHandler does no work of its own; all decision semantics live in
// the routing resolver, which evaluates one condition per outgoing solid
// connector. It never touches the Task Runner.
type decisionHandler struct{}

func (decisionHandler) Execute(_ context.Context, _ *Execution, n *model.Node, _ *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error) {
	out := runtime.Output{
		Status: runtime.ExecSuccess,
		State:  map[string]any{"decision": n.ID},
	}
	return out, nil, nil
}

// milestoneHandler marks progress and drives loop termination. The
// terminate flags themselves are applied by the routing resolver, which
// reads the checkpoint marker from this output.
type milestoneHandler struct{}

func (milestoneHandler) Execute(ctx context.Context, ex *Execution, n *model.Node, _ *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error) {
	action := n.Attr("action", "create_or_update")
	switch action {
	case "create_or_update", "mark_complete":
	default:
		return runtime.Output{}, nil, fmt.Errorf("node %s: unknown milestone action %q", n.ID, action)
	}

	state := map[string]any{
		"milestone": n.Attr("name", n.ID),
		"action":    action,
		"completed": action == "mark_complete",
	}
	if parseBool(n.Attr("checkpoint", ""), false) {
		state["checkpoint"] = true
	}
	if v := n.Attr("loop_exit_after_runs", ""); v != "" && ex.NodeRunCount != nil {
		count, err := ex.NodeRunCount(ctx, n.ID)
		if err != nil {
			return runtime.Output{}, nil, fmt.Errorf("node %s: count node runs: %w", n.ID, err)
		}
		state["run_count"] = count
	}

	out := runtime.Output{Status: runtime.ExecSuccess, State: state}
	return out, []ArtifactDraft{{Type: "milestone", Payload: state}}, nil
}
