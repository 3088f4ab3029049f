package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

func dispatchTestExecution(t *testing.T, n *model.Node) *Execution {
	t.Helper()
	f := mustFlow(t, []*model.Node{n}, nil)
	return testExecution(t, f)
}

func TestDispatchModes_PrimarySucceedsFirstAttempt(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{"prompt": "p"}))
	ex := dispatchTestExecution(t, n)

	calls := 0
	out, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			calls++
			return `{"result": "ok"}`, nil
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			t.Fatal("deterministic must not run when the primary succeeds")
			return nil, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("primary attempts = %d, want 1", calls)
	}
	if out.Status != runtime.ExecSuccess || out.FallbackUsed {
		t.Fatalf("out = %+v", out)
	}
	if out.State["result"] != "ok" {
		t.Fatalf("state = %+v", out.State)
	}
}

func TestDispatchModes_RetryCountControlsPrimaryAttempts(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{"prompt": "p", "retry_count": "2"}))
	ex := dispatchTestExecution(t, n)

	primary := 0
	fallback := 0
	out, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			primary++
			return "", fmt.Errorf("boom %d", primary)
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			fallback++
			return map[string]any{"result": "recovered"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if primary != 3 {
		t.Fatalf("primary attempts = %d, want 1 + retry_count = 3", primary)
	}
	if fallback != 1 {
		t.Fatalf("fallback attempts = %d, want exactly 1", fallback)
	}
	if out.Status != runtime.ExecSuccessWithWarning {
		t.Fatalf("status = %q", out.Status)
	}
	if !out.FallbackUsed || out.FailedMode != runtime.ModeLLMGuided || out.FallbackMode != runtime.ModeDeterministic {
		t.Fatalf("fallback bookkeeping wrong: %+v", out)
	}
	if !strings.Contains(out.FallbackReason, "3 attempts") {
		t.Fatalf("fallback reason %q missing attempt count", out.FallbackReason)
	}
}

func TestDispatchModes_RetryCountClamped(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{"prompt": "p", "retry_count": "99"}))
	ex := dispatchTestExecution(t, n)

	primary := 0
	_, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			primary++
			return "", fmt.Errorf("boom")
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			return map[string]any{"result": "recovered"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if primary != 6 {
		t.Fatalf("primary attempts = %d, want clamp to 1 + 5 = 6", primary)
	}
}

func TestDispatchModes_FallbackDisabledFailsHard(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{
		"prompt": "p", "retry_count": "0", "fallback_enabled": "false",
	}))
	ex := dispatchTestExecution(t, n)

	_, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			return "", fmt.Errorf("boom")
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			t.Fatal("fallback must not run when disabled")
			return nil, nil
		},
	})
	if err == nil {
		t.Fatal("expected hard failure")
	}
	if !strings.Contains(err.Error(), "llm_guided mode failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchModes_BothModesFailing(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{"prompt": "p", "retry_count": "0"}))
	ex := dispatchTestExecution(t, n)

	fallback := 0
	_, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			return "", fmt.Errorf("primary down")
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			fallback++
			return nil, fmt.Errorf("fallback down")
		},
	})
	if err == nil {
		t.Fatal("expected failure when both modes fail")
	}
	if fallback != 1 {
		t.Fatalf("fallback attempts = %d, want exactly 1 (no further hops)", fallback)
	}
	if !strings.Contains(err.Error(), "fallback also failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchModes_InvalidJSONTriggersFallback(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{"prompt": "p", "retry_count": "0"}))
	ex := dispatchTestExecution(t, n)

	out, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			return "Sure! Here is the JSON you asked for: {", nil
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			return map[string]any{"result": "recovered"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != runtime.ExecSuccessWithWarning || !out.FallbackUsed {
		t.Fatalf("out = %+v", out)
	}
}

func TestDispatchModes_SchemaViolationTriggersFallback(t *testing.T) {
	n := mkNode("n", model.NodeMemory, fastCfg(map[string]string{
		"action": "add", "retry_count": "0",
	}))
	ex := dispatchTestExecution(t, n)

	out, err := dispatchModes(context.Background(), ex, n, memoryAddSchema, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			// Valid JSON object but missing the required "text" property.
			return `{"store_mode": "append"}`, nil
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			return map[string]any{"text": "recovered"}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.FallbackUsed || !strings.Contains(out.FallbackReason, "schema") {
		t.Fatalf("out = %+v", out)
	}
}

func TestDispatchModes_DeterministicPrimaryFallsBackToGuided(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{
		"prompt": "p", "execution_mode": "deterministic", "retry_count": "0",
	}))
	ex := dispatchTestExecution(t, n)

	out, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		LLMGuided: func(context.Context) (string, error) {
			return `{"result": "guided"}`, nil
		},
		Deterministic: func(context.Context) (map[string]any, error) {
			return nil, fmt.Errorf("no deterministic recipe")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.FailedMode != runtime.ModeDeterministic || out.FallbackMode != runtime.ModeLLMGuided {
		t.Fatalf("out = %+v", out)
	}
	if out.State["result"] != "guided" {
		t.Fatalf("state = %+v", out.State)
	}
}

func TestDispatchModes_DeterministicEmptyResultIsFailure(t *testing.T) {
	n := mkNode("n", model.NodeTask, fastCfg(map[string]string{
		"prompt": "p", "execution_mode": "deterministic", "retry_count": "0", "fallback_enabled": "false",
	}))
	ex := dispatchTestExecution(t, n)

	_, err := dispatchModes(context.Background(), ex, n, nil, ModeRunners{
		Deterministic: func(context.Context) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "empty result") {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeGuidedResult(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"object", `{"a": 1}`, ""},
		{"empty", "   ", "empty result"},
		{"not json", "hello", "not valid JSON"},
		{"array", `[1, 2]`, "not a JSON object"},
		{"trailing", `{"a": 1} {"b": 2}`, "trailing content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, err := decodeGuidedResult(tc.raw, nil)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatal(err)
				}
				if len(state) == 0 {
					t.Fatal("empty state")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeGuidedResult_SchemaValidation(t *testing.T) {
	good := `{"text": "remember this", "confidence": 0.8}`
	if _, err := decodeGuidedResult(good, memoryAddSchema); err != nil {
		t.Fatal(err)
	}
	bad := `{"text": "x", "confidence": 7}`
	if _, err := decodeGuidedResult(bad, memoryAddSchema); err == nil {
		t.Fatal("expected schema violation for confidence out of range")
	}
}
