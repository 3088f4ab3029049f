// Package runtime holds the execution-time value types shared by the
// engine, store, and event publisher: run statuses, node outputs, routing
// state, and input contexts.
package runtime

import (
	"fmt"
	"strings"
)

// RunStatus is the lifecycle state of both FlowchartRuns and NodeRuns.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusSucceeded:
		return StatusSucceeded, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("invalid run status: %q", s)
	}
}

// Terminal reports whether the status is final. Terminal states never
// transition again.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal
// state-machine step: queued -> running -> {succeeded, failed, cancelled},
// plus queued -> cancelled for runs cancelled before activation.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// ExecutionStatus describes how a node's work concluded, independent of the
// NodeRun lifecycle status. A fallback success is degraded, not clean.
type ExecutionStatus string

const (
	ExecSuccess ExecutionStatus = "success"
	// ExecSuccessWithWarning marks a degraded success: the node produced a
	// usable result only via the fallback mode.
	ExecSuccessWithWarning ExecutionStatus = "success_with_warning"
	ExecFail               ExecutionStatus = "fail"
)

// ExecutionMode selects how memory/plan nodes perform their work.
type ExecutionMode string

const (
	ModeLLMGuided     ExecutionMode = "llm_guided"
	ModeDeterministic ExecutionMode = "deterministic"
)

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLLMGuided:
		return ModeLLMGuided, nil
	case ModeDeterministic:
		return ModeDeterministic, nil
	default:
		return "", fmt.Errorf("invalid execution mode: %q", s)
	}
}

// Opposite returns the fallback target for a mode. Deterministic execution
// reuses the same persistence operations in both directions, so hopping is
// always semantically safe.
func (m ExecutionMode) Opposite() ExecutionMode {
	if m == ModeLLMGuided {
		return ModeDeterministic
	}
	return ModeLLMGuided
}
