package engine

import (
	"context"
	"fmt"
	rdebug "runtime/debug"
	"sync"
	"time"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
	"github.com/flowmason/flowmason/internal/flow/store"
	"github.com/flowmason/flowmason/internal/flow/validate"
)

// CoordinatorOptions wires one run's dependencies.
type CoordinatorOptions struct {
	Flowchart *model.Flowchart
	Config    RunConfig
	Store     store.Store
	Events    *Publisher
	Tasks     TaskRunner
	Launcher  SubroutineLauncher
	Retriever RAGBackend
	Prompts   map[string]string

	// SeedInput is merged into entry node activations; subroutine child
	// runs receive the parent's input context this way.
	SeedInput runtime.InputContext

	// Registry and Retention default when nil.
	Registry  *Registry
	Retention *RetentionEngine
}

type activation struct {
	nodeID string
	input  runtime.InputContext
}

// Coordinator owns the state machines of one FlowchartRun and its NodeRuns.
// It activates entry nodes, then every node whose inbound solid connector
// fires, executing ready NodeRuns on a worker pool bounded by
// max_parallel_nodes. One coordinator per run; many may execute
// concurrently against a shared store.
type Coordinator struct {
	flow      *model.Flowchart
	cfg       RunConfig
	st        store.Store
	events    *Publisher
	registry  *Registry
	retention *RetentionEngine
	ex        *Execution

	run *runtime.FlowchartRun

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []activation
	pending       int
	execIndex     int
	nodeRunCounts map[string]int
	failureReason string
	stopped       bool
	cancelled     bool
	cancelCtx     context.CancelFunc
}

// NewCoordinator validates the flowchart, persists a queued run, and
// returns a coordinator ready to Execute. Structural validation errors
// reject run creation outright.
func NewCoordinator(ctx context.Context, opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Flowchart == nil {
		return nil, fmt.Errorf("no flowchart")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("no store")
	}
	if err := validate.ValidateOrError(opts.Flowchart); err != nil {
		return nil, err
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Events == nil {
		opts.Events = NewPublisher(opts.Config.EventBufferSize)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Retention == nil {
		opts.Retention = NewRetentionEngine(opts.Store, opts.Events)
	}

	runID, err := runtime.NewID()
	if err != nil {
		return nil, err
	}
	run := &runtime.FlowchartRun{
		ID:          runID,
		FlowchartID: opts.Flowchart.ID,
		Status:      runtime.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := opts.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	c := &Coordinator{
		flow:          opts.Flowchart,
		cfg:           opts.Config,
		st:            opts.Store,
		events:        opts.Events,
		registry:      opts.Registry,
		retention:     opts.Retention,
		run:           run,
		nodeRunCounts: map[string]int{},
	}
	c.cond = sync.NewCond(&c.mu)
	c.ex = &Execution{
		Run:          run,
		Flowchart:    opts.Flowchart,
		Config:       opts.Config,
		Store:        opts.Store,
		Events:       opts.Events,
		Tasks:        opts.Tasks,
		Launcher:     opts.Launcher,
		Retriever:    opts.Retriever,
		Prompts:      opts.Prompts,
		NodeRunCount: c.countNodeRuns,
	}

	c.publishRun()

	for _, n := range opts.Flowchart.EntryNodes() {
		c.queue = append(c.queue, activation{nodeID: n.ID, input: opts.SeedInput})
		c.pending++
	}
	return c, nil
}

func (c *Coordinator) RunID() string { return c.run.ID }

// Execute drives the run to a terminal state and returns the final record.
func (c *Coordinator) Execute(ctx context.Context) (*runtime.FlowchartRun, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelCtx = cancel
	c.mu.Unlock()

	now := time.Now().UTC()
	c.run.Status = runtime.StatusRunning
	c.run.StartedAt = &now
	if err := c.st.UpdateRun(ctx, c.run); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	c.publishRun()

	stop := context.AfterFunc(ctx, func() { c.Cancel() })
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.MaxParallelNodes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				a, ok := c.pop()
				if !ok {
					return
				}
				c.process(ctx, a)
				c.finish()
			}
		}()
	}
	wg.Wait()

	c.retention.Wait()
	return c.finalize(context.Background())
}

func (c *Coordinator) pop() (activation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.stopped {
			return activation{}, false
		}
		if len(c.queue) > 0 {
			a := c.queue[0]
			c.queue = c.queue[1:]
			return a, true
		}
		if c.pending == 0 {
			return activation{}, false
		}
		c.cond.Wait()
	}
}

func (c *Coordinator) enqueue(a activation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.queue = append(c.queue, a)
	c.pending++
	c.cond.Signal()
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending == 0 || c.stopped {
		c.cond.Broadcast()
	}
}

// Terminate ends the run gracefully: no new activations, in-flight NodeRuns
// complete, and the run finishes as succeeded.
func (c *Coordinator) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cond.Broadcast()
}

// Cancel aborts the run. Dispatches still on the Task Runner are handed to
// TaskRunner.Cancel first, while Dispatch is still blocked in them, so
// external jobs get the signal/grace/kill treatment rather than being
// orphaned; then the run context is cancelled and the run finishes as
// cancelled.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.stopped = true
	c.cancelled = true
	cancel := c.cancelCtx
	c.cond.Broadcast()
	c.mu.Unlock()
	c.ex.cancelInflight(context.Background())
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) failRun(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failureReason == "" {
		c.failureReason = reason
	}
	c.stopped = true
	c.cond.Broadcast()
}

func (c *Coordinator) finalize(ctx context.Context) (*runtime.FlowchartRun, error) {
	c.mu.Lock()
	cancelled := c.cancelled
	reason := c.failureReason
	c.mu.Unlock()

	now := time.Now().UTC()
	c.run.FinishedAt = &now
	switch {
	case cancelled:
		c.run.Status = runtime.StatusCancelled
	case reason != "":
		c.run.Status = runtime.StatusFailed
		c.run.FailureReason = reason
	default:
		c.run.Status = runtime.StatusSucceeded
	}
	if err := c.st.UpdateRun(ctx, c.run); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	c.publishRun()
	if c.run.Status == runtime.StatusFailed {
		return c.run, fmt.Errorf("run %s failed: %s", c.run.ID, reason)
	}
	return c.run, nil
}

// process executes one activation end to end: NodeRun creation, handler
// execution with panic recovery, artifact persistence, routing, and
// downstream activation.
func (c *Coordinator) process(ctx context.Context, a activation) {
	n := c.flow.Node(a.nodeID)
	if n == nil {
		c.failRun(fmt.Sprintf("activation references unknown node %q", a.nodeID))
		return
	}

	nr, err := c.createNodeRun(ctx, n, a.input)
	if err != nil {
		c.failRun(fmt.Sprintf("create node run for %s: %v", n.ID, err))
		return
	}

	now := time.Now().UTC()
	nr.Status = runtime.StatusRunning
	nr.StartedAt = &now
	if err := c.st.UpdateNodeRun(ctx, nr); err != nil {
		c.failRun(fmt.Sprintf("update node run %s: %v", nr.ID, err))
		return
	}
	c.publishNode(nr, nil)

	out, drafts := c.executeHandler(ctx, n, nr)

	var artifacts []*runtime.NodeArtifact
	if out.Status != runtime.ExecFail && len(drafts) > 0 {
		artifacts, err = c.retention.Persist(ctx, c.run.FlowchartID, n, nr, drafts)
		if err != nil {
			// Artifact persistence failures always surface as node failures.
			out = runtime.Output{Status: runtime.ExecFail, FailureReason: fmt.Sprintf("artifact persistence: %v", err)}
		}
	}

	rs, rerr := resolveRouting(ctx, c.ex, n, nr, out)
	if rerr != nil {
		out = runtime.Output{Status: runtime.ExecFail, FailureReason: rerr.Error()}
		rs = runtime.RoutingState{NoMatch: true, MatchedConnectorIDs: []string{}}
	}

	out, cerr := out.Canonicalize()
	if cerr != nil {
		out = runtime.Output{Status: runtime.ExecFail, FailureReason: cerr.Error()}
		out, _ = out.Canonicalize()
	}

	finished := time.Now().UTC()
	nr.FinishedAt = &finished
	nr.Output = &out
	nr.Routing = &rs
	switch {
	case out.Status == runtime.ExecFail && ctx.Err() != nil:
		nr.Status = runtime.StatusCancelled
	case out.Status == runtime.ExecFail:
		nr.Status = runtime.StatusFailed
		nr.Error = out.FailureReason
	default:
		nr.Status = runtime.StatusSucceeded
	}
	if err := c.st.UpdateNodeRun(ctx, nr); err != nil {
		c.failRun(fmt.Sprintf("update node run %s: %v", nr.ID, err))
		return
	}
	c.publishNode(nr, &rs)

	if nr.Status == runtime.StatusCancelled {
		return
	}
	if out.Status == runtime.ExecFail && len(rs.MatchedConnectorIDs) == 0 {
		// A hard node failure with no failure route fails the run.
		c.failRun(fmt.Sprintf("node %s failed: %s", n.ID, out.FailureReason))
		return
	}
	if rs.TerminateRun {
		c.Terminate()
		return
	}

	c.fireConnectors(ctx, n, out, rs, artifacts)
}

func (c *Coordinator) createNodeRun(ctx context.Context, n *model.Node, in runtime.InputContext) (*runtime.NodeRun, error) {
	id, err := runtime.NewID()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.execIndex++
	index := c.execIndex
	c.nodeRunCounts[n.ID]++
	c.mu.Unlock()

	nr := &runtime.NodeRun{
		ID:             id,
		RunID:          c.run.ID,
		NodeID:         n.ID,
		ExecutionIndex: index,
		Status:         runtime.StatusQueued,
		InputContext:   in,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.st.CreateNodeRun(ctx, nr); err != nil {
		return nil, err
	}
	c.publishNode(nr, nil)
	return nr, nil
}

// executeHandler runs the node's handler, converting errors and panics into
// fail outputs so one bad node never takes the coordinator down.
func (c *Coordinator) executeHandler(ctx context.Context, n *model.Node, nr *runtime.NodeRun) (out runtime.Output, drafts []ArtifactDraft) {
	h, err := c.registry.Resolve(n)
	if err != nil {
		return runtime.Output{Status: runtime.ExecFail, FailureReason: err.Error()}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = runtime.Output{
				Status:        runtime.ExecFail,
				FailureReason: fmt.Sprintf("handler panic: %v", r),
				Notes:         string(rdebug.Stack()),
			}
			drafts = nil
		}
	}()

	out, drafts, err = h.Execute(ctx, c.ex, n, nr)
	if err != nil {
		return runtime.Output{Status: runtime.ExecFail, FailureReason: err.Error()}, nil
	}
	return out, drafts
}

// fireConnectors activates the targets of every matched solid connector,
// assembling each target's input context by propagation class.
func (c *Coordinator) fireConnectors(ctx context.Context, n *model.Node, out runtime.Output, rs runtime.RoutingState, artifacts []*runtime.NodeArtifact) {
	matched := map[string]bool{}
	for _, id := range rs.MatchedConnectorIDs {
		matched[id] = true
	}
	for _, conn := range c.flow.OutgoingByMode(n.ID, model.ModeSolid) {
		if !matched[conn.ID] {
			continue
		}
		in := c.buildInputContext(ctx, n, out, conn.Target, artifacts)
		c.enqueue(activation{nodeID: conn.Target, input: in})
	}
}

// buildInputContext merges the triggering node's output with the target's
// non-triggering inbound edges: dotted connectors contribute the latest
// finished output of their source, dashed connectors contribute attachment
// references only. Non-triggering inputs are read opportunistically at
// activation time, never awaited.
func (c *Coordinator) buildInputContext(ctx context.Context, src *model.Node, out runtime.Output, targetID string, artifacts []*runtime.NodeArtifact) runtime.InputContext {
	in := runtime.InputContext{
		TriggeredBy:     []string{src.ID},
		UpstreamOutputs: map[string]map[string]any{src.ID: out.State},
	}
	for _, art := range artifacts {
		in.PropagatedAttachments = append(in.PropagatedAttachments, runtime.AttachmentRef{
			NodeID:     src.ID,
			ArtifactID: art.ID,
			Name:       art.Type,
		})
	}

	for _, conn := range c.flow.IncomingByMode(targetID, model.ModeDotted) {
		if conn.Source == src.ID {
			continue
		}
		state, ok := c.latestFinishedOutput(ctx, conn.Source)
		if !ok {
			continue
		}
		in.UpstreamOutputs[conn.Source] = state
		in.ContextOnlyUpstreamNodes = append(in.ContextOnlyUpstreamNodes, conn.Source)
	}

	for _, conn := range c.flow.IncomingByMode(targetID, model.ModeDashed) {
		if conn.Source == src.ID {
			continue
		}
		arts, err := c.st.ListArtifactsByNode(ctx, conn.Source)
		if err != nil || len(arts) == 0 {
			continue
		}
		in.AttachmentOnlyUpstreamNodes = append(in.AttachmentOnlyUpstreamNodes, conn.Source)
		for _, art := range arts {
			in.PropagatedAttachments = append(in.PropagatedAttachments, runtime.AttachmentRef{
				NodeID:     conn.Source,
				ArtifactID: art.ID,
				Name:       art.Type,
			})
		}
	}
	return in
}

func (c *Coordinator) latestFinishedOutput(ctx context.Context, nodeID string) (map[string]any, bool) {
	runs, err := c.st.ListNodeRuns(ctx, c.run.ID)
	if err != nil {
		return nil, false
	}
	for i := len(runs) - 1; i >= 0; i-- {
		nr := runs[i]
		if nr.NodeID == nodeID && nr.Status.Terminal() && nr.Output != nil {
			return nr.Output.State, true
		}
	}
	return nil, false
}

func (c *Coordinator) countNodeRuns(_ context.Context, nodeID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeRunCounts[nodeID], nil
}

func (c *Coordinator) publishRun() {
	payload := map[string]any{
		"flowchart_run_id": c.run.ID,
		"flowchart_id":     c.run.FlowchartID,
		"status":           string(c.run.Status),
		"failure_reason":   c.run.FailureReason,
	}
	if c.run.StartedAt != nil {
		payload["started_at"] = c.run.StartedAt.Format(time.RFC3339Nano)
	}
	if c.run.FinishedAt != nil {
		payload["finished_at"] = c.run.FinishedAt.Format(time.RFC3339Nano)
	}
	c.events.Publish(TopicRunUpdated, payload)
}

func (c *Coordinator) publishNode(nr *runtime.NodeRun, rs *runtime.RoutingState) {
	payload := map[string]any{
		"flowchart_id":      c.run.FlowchartID,
		"flowchart_run_id":  nr.RunID,
		"flowchart_node_id": nr.NodeID,
		"node_run_id":       nr.ID,
		"execution_index":   nr.ExecutionIndex,
		"status":            string(nr.Status),
	}
	if n := c.flow.Node(nr.NodeID); n != nil {
		payload["flowchart_node_type"] = string(n.Type)
	}
	if nr.StartedAt != nil {
		payload["started_at"] = nr.StartedAt.Format(time.RFC3339Nano)
	}
	if nr.FinishedAt != nil {
		payload["finished_at"] = nr.FinishedAt.Format(time.RFC3339Nano)
	}
	if nr.Output != nil {
		payload["execution_status"] = string(nr.Output.Status)
		payload["output_state"] = nr.Output.State
		if nr.Output.FallbackUsed {
			payload["fallback_used"] = true
			payload["failed_mode"] = string(nr.Output.FailedMode)
			payload["fallback_mode"] = string(nr.Output.FallbackMode)
			payload["fallback_reason"] = nr.Output.FallbackReason
		}
	}
	if nr.Error != "" {
		payload["error"] = nr.Error
	}
	if rs != nil {
		payload["routing_state"] = map[string]any{
			"route_key":          rs.RouteKey,
			"matched_connectors": append([]string{}, rs.MatchedConnectorIDs...),
			"no_match":           rs.NoMatch,
			"terminate_run":      rs.TerminateRun,
		}
	}
	c.events.Publish(TopicNodeUpdated, payload)
}
