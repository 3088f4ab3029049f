package runtime

import (
	"strings"
	"testing"
)

func TestCanonicalize_FillsMaps(t *testing.T) {
	out, err := (Output{Status: ExecSuccess}).Canonicalize()
	if err != nil {
		t.Fatal(err)
	}
	if out.State == nil || out.Meta == nil {
		t.Fatal("canonicalized output must have non-nil maps")
	}
}

func TestCanonicalize_RejectsBadStatus(t *testing.T) {
	if _, err := (Output{}).Canonicalize(); err == nil {
		t.Fatal("empty status must be rejected")
	}
	if _, err := (Output{Status: "done"}).Canonicalize(); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

func TestValidate_FailRequiresReason(t *testing.T) {
	err := (Output{Status: ExecFail}).Validate()
	if err == nil || !strings.Contains(err.Error(), "failure_reason") {
		t.Fatalf("expected failure_reason error, got %v", err)
	}
	if err := (Output{Status: ExecFail, FailureReason: "boom"}).Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidate_FallbackRequiresModes(t *testing.T) {
	out := Output{Status: ExecSuccessWithWarning, FallbackUsed: true}
	if err := out.Validate(); err == nil {
		t.Fatal("fallback without modes must be rejected")
	}
	out.FailedMode = ModeLLMGuided
	out.FallbackMode = ModeDeterministic
	if err := out.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestOutputLookup_NestedPath(t *testing.T) {
	out := Output{Status: ExecSuccess, State: map[string]any{
		"review": map[string]any{"verdict": "approved"},
	}}
	if got := out.LookupString("review.verdict"); got != "approved" {
		t.Fatalf("got %q", got)
	}
	if _, ok := out.Lookup("review.missing"); ok {
		t.Fatal("missing path must not resolve")
	}
}

func TestExecutionMode_Opposite(t *testing.T) {
	if ModeLLMGuided.Opposite() != ModeDeterministic {
		t.Fatal("llm_guided opposite must be deterministic")
	}
	if ModeDeterministic.Opposite() != ModeLLMGuided {
		t.Fatal("deterministic opposite must be llm_guided")
	}
}

func TestRunStatus_Transitions(t *testing.T) {
	if !StatusQueued.CanTransition(StatusRunning) {
		t.Fatal("queued -> running must be allowed")
	}
	if !StatusRunning.CanTransition(StatusSucceeded) {
		t.Fatal("running -> succeeded must be allowed")
	}
	if StatusSucceeded.CanTransition(StatusRunning) {
		t.Fatal("terminal states are final")
	}
	if StatusQueued.CanTransition(StatusSucceeded) {
		t.Fatal("queued cannot jump straight to succeeded")
	}
}
