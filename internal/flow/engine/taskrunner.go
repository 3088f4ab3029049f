package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskTimeouts is the timeout contract attached to every dispatch. Breaches
// surface as ordinary task failures, eligible for retry and fallback like
// any other failure.
type TaskTimeouts struct {
	Dispatch         time.Duration
	Execution        time.Duration
	LogCollection    time.Duration
	CancelGrace      time.Duration
	ForceKillEnabled bool
}

// TaskRequest is one unit of work sent across the execution boundary.
// RequestID identifies the dispatch for cancellation; CorrelationID ties
// logs and artifacts back to the NodeRun.
type TaskRequest struct {
	RequestID     string
	CorrelationID string
	RunID         string
	NodeID        string
	Prompt        string
	ToolBindings  []string
	Payload       map[string]any
	Timeouts      TaskTimeouts
}

type TaskResult struct {
	Output map[string]any
	Logs   []string
}

// NewTaskRequest stamps fresh request/correlation UUIDs.
func NewTaskRequest(runID, nodeID, prompt string, timeouts TaskTimeouts) TaskRequest {
	return TaskRequest{
		RequestID:     uuid.NewString(),
		CorrelationID: uuid.NewString(),
		RunID:         runID,
		NodeID:        nodeID,
		Prompt:        prompt,
		Timeouts:      timeouts,
	}
}

// TaskRunner executes task work in an isolated environment. Dispatch blocks
// until the task finishes, fails, or the context is cancelled; Cancel asks a
// running dispatch to stop cooperatively.
type TaskRunner interface {
	Dispatch(ctx context.Context, req TaskRequest) (*TaskResult, error)
	Cancel(ctx context.Context, requestID string) error
}

var ErrTaskNotFound = errors.New("task request not found")

// CancelPhase tracks the cooperative cancel state machine of one dispatch.
type CancelPhase string

const (
	CancelPhaseRunning     CancelPhase = "running"
	CancelPhaseRequested   CancelPhase = "cancel_requested"
	CancelPhaseGraceWait   CancelPhase = "grace_wait"
	CancelPhaseCancelled   CancelPhase = "cancelled"
	CancelPhaseForceKilled CancelPhase = "force_killed"
)

// SimulatedTaskRunner executes tasks in-process with a scriptable function.
// It serves tests and the CLI dry-run profile. The zero-value Script echoes
// the prompt back as the result.
type SimulatedTaskRunner struct {
	// Script produces the task output. Nil means the default echo behavior.
	Script func(ctx context.Context, req TaskRequest) (map[string]any, error)

	// Latency delays every dispatch, for exercising timeout and cancel paths.
	Latency time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

var _ TaskRunner = (*SimulatedTaskRunner)(nil)

func NewSimulatedTaskRunner() *SimulatedTaskRunner {
	return &SimulatedTaskRunner{}
}

func (r *SimulatedTaskRunner) Dispatch(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if req.Timeouts.Execution > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeouts.Execution)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.active == nil {
		r.active = map[string]context.CancelFunc{}
	}
	r.active[req.RequestID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, req.RequestID)
		r.mu.Unlock()
	}()

	if r.Latency > 0 {
		select {
		case <-time.After(r.Latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("task %s: %w", req.RequestID, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("task %s: %w", req.RequestID, err)
	}

	if r.Script != nil {
		out, err := r.Script(ctx, req)
		if err != nil {
			return nil, err
		}
		return &TaskResult{Output: out}, nil
	}
	return &TaskResult{Output: map[string]any{"result": req.Prompt}}, nil
}

func (r *SimulatedTaskRunner) Cancel(_ context.Context, requestID string) error {
	r.mu.Lock()
	cancel, ok := r.active[requestID]
	r.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	cancel()
	return nil
}

// JobHandle is one launched isolated job.
type JobHandle interface {
	// Wait blocks until the job finishes and returns its structured output.
	Wait(ctx context.Context) (map[string]any, error)
	// Signal asks the job to stop cooperatively.
	Signal(ctx context.Context) error
	// Kill terminates the job immediately.
	Kill(ctx context.Context) error
	// Logs collects whatever log lines the job produced so far.
	Logs(ctx context.Context) ([]string, error)
}

// LaunchFunc starts one isolated job for a request. It must return quickly;
// the dispatch timeout bounds it.
type LaunchFunc func(ctx context.Context, req TaskRequest) (JobHandle, error)

// JobTaskRunner runs tasks through a generic job launcher and implements
// the full timeout contract: dispatch bounds the launch, execution bounds
// the wait, log collection is best-effort within its own budget, and
// cancellation walks running -> cancel_requested -> grace_wait and ends in
// cancelled or force_killed.
type JobTaskRunner struct {
	Launch LaunchFunc

	// OnCancelPhase observes cancel state transitions; used by tests and
	// progress reporting. May be nil.
	OnCancelPhase func(requestID string, phase CancelPhase)

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	handle   JobHandle
	timeouts TaskTimeouts
	done     chan struct{}
	phase    CancelPhase
}

var _ TaskRunner = (*JobTaskRunner)(nil)

func NewJobTaskRunner(launch LaunchFunc) *JobTaskRunner {
	return &JobTaskRunner{Launch: launch, jobs: map[string]*jobState{}}
}

func (r *JobTaskRunner) Dispatch(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	launchCtx := ctx
	if req.Timeouts.Dispatch > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, req.Timeouts.Dispatch)
		defer cancel()
	}
	handle, err := r.Launch(launchCtx, req)
	if err != nil {
		return nil, fmt.Errorf("dispatch task %s: %w", req.RequestID, err)
	}

	st := &jobState{handle: handle, timeouts: req.Timeouts, done: make(chan struct{}), phase: CancelPhaseRunning}
	r.mu.Lock()
	if r.jobs == nil {
		r.jobs = map[string]*jobState{}
	}
	r.jobs[req.RequestID] = st
	r.mu.Unlock()
	defer func() {
		close(st.done)
		r.mu.Lock()
		delete(r.jobs, req.RequestID)
		r.mu.Unlock()
	}()

	waitCtx := ctx
	if req.Timeouts.Execution > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, req.Timeouts.Execution)
		defer cancel()
	}
	output, waitErr := handle.Wait(waitCtx)
	if waitErr != nil && ctx.Err() != nil {
		// The caller went away mid-wait. The job gets the same
		// signal/grace/kill treatment an explicit Cancel delivers, so it is
		// not left running in its isolated environment.
		r.reap(req.RequestID, st)
	}

	logs := r.collectLogs(handle, req.Timeouts.LogCollection)

	if waitErr != nil {
		return &TaskResult{Logs: logs}, fmt.Errorf("task %s: %w", req.RequestID, waitErr)
	}
	return &TaskResult{Output: output, Logs: logs}, nil
}

// collectLogs is best-effort: a log collection timeout never fails the task.
func (r *JobTaskRunner) collectLogs(handle JobHandle, budget time.Duration) []string {
	ctx := context.Background()
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	logs, err := handle.Logs(ctx)
	if err != nil {
		return nil
	}
	return logs
}

// Cancel drives the cooperative cancel state machine for one dispatch:
// signal the job, wait out the grace period, then force-kill when enabled.
func (r *JobTaskRunner) Cancel(ctx context.Context, requestID string) error {
	r.mu.Lock()
	st, ok := r.jobs[requestID]
	r.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	r.setPhase(requestID, st, CancelPhaseRequested)
	if err := st.handle.Signal(ctx); err != nil {
		return fmt.Errorf("cancel task %s: %w", requestID, err)
	}

	r.setPhase(requestID, st, CancelPhaseGraceWait)
	grace := time.NewTimer(st.timeouts.CancelGrace)
	defer grace.Stop()
	select {
	case <-st.done:
		r.setPhase(requestID, st, CancelPhaseCancelled)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
	}

	if !st.timeouts.ForceKillEnabled {
		// Grace expired but force-kill is disabled; the job keeps running
		// until its execution timeout fires.
		return nil
	}
	if err := st.handle.Kill(ctx); err != nil {
		return fmt.Errorf("force-kill task %s: %w", requestID, err)
	}
	r.setPhase(requestID, st, CancelPhaseForceKilled)
	return nil
}

// reap shuts down a job whose dispatch context was cancelled. A dispatch
// already in an explicit Cancel keeps that cancel's state machine.
func (r *JobTaskRunner) reap(requestID string, st *jobState) {
	r.mu.Lock()
	running := st.phase == CancelPhaseRunning
	r.mu.Unlock()
	if !running {
		return
	}

	r.setPhase(requestID, st, CancelPhaseRequested)
	if err := st.handle.Signal(context.Background()); err != nil {
		return
	}

	r.setPhase(requestID, st, CancelPhaseGraceWait)
	graceCtx, cancel := context.WithTimeout(context.Background(), st.timeouts.CancelGrace)
	defer cancel()
	if _, err := st.handle.Wait(graceCtx); err == nil || graceCtx.Err() == nil {
		r.setPhase(requestID, st, CancelPhaseCancelled)
		return
	}

	if !st.timeouts.ForceKillEnabled {
		return
	}
	if st.handle.Kill(context.Background()) == nil {
		r.setPhase(requestID, st, CancelPhaseForceKilled)
	}
}

func (r *JobTaskRunner) setPhase(requestID string, st *jobState, phase CancelPhase) {
	r.mu.Lock()
	st.phase = phase
	r.mu.Unlock()
	if r.OnCancelPhase != nil {
		r.OnCancelPhase(requestID, phase)
	}
}

// Phase reports the cancel phase of a live dispatch.
func (r *JobTaskRunner) Phase(requestID string) (CancelPhase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[requestID]
	if !ok {
		return "", false
	}
	return st.phase, true
}
