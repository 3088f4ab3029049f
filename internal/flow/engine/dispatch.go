package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

const (
	defaultRetryCount = 1
	maxRetryCount     = 5
)

// ModeRunners supplies the two execution strategies of one dispatched
// operation. LLMGuided returns raw text that must parse as strict JSON and
// validate against the action schema; Deterministic returns structured
// state directly. Both strategies drive the same persistence operations,
// so a fallback never changes semantics, only how the result was produced.
type ModeRunners struct {
	LLMGuided     func(ctx context.Context) (string, error)
	Deterministic func(ctx context.Context) (map[string]any, error)
}

// dispatchModes runs the mode state machine for one node operation:
// the primary mode gets 1 + retry_count attempts, then (when fallback is
// enabled) the opposite mode gets exactly one attempt. A fallback success
// downgrades the node to success_with_warning and records which mode
// failed and why; a fallback failure is a hard failure with no further
// hops.
func dispatchModes(ctx context.Context, ex *Execution, n *model.Node, schema *jsonschema.Schema, runners ModeRunners) (runtime.Output, error) {
	// `mode` is the documented key; `execution_mode` stays accepted as an
	// alias.
	primary, err := runtime.ParseExecutionMode(n.Attr("mode", n.Attr("execution_mode", string(runtime.ModeLLMGuided))))
	if err != nil {
		return runtime.Output{}, fmt.Errorf("node %s: %w", n.ID, err)
	}

	attempts := 1 + clampRetryCount(n.Attr("retry_count", ""))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, backoffDelayForNode(ex.Config, ex.Run.ID, n, attempt-1)); err != nil {
				return runtime.Output{}, err
			}
		}
		state, err := runMode(ctx, primary, schema, runners)
		if err == nil {
			return runtime.Output{Status: runtime.ExecSuccess, State: state}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return runtime.Output{}, ctx.Err()
		}
	}

	if !parseBool(n.Attr("fallback_enabled", ""), true) {
		return runtime.Output{}, fmt.Errorf("node %s: %s mode failed after %d attempts: %w", n.ID, primary, attempts, lastErr)
	}

	fallback := primary.Opposite()
	state, err := runMode(ctx, fallback, schema, runners)
	if err != nil {
		return runtime.Output{}, fmt.Errorf("node %s: %s mode failed after %d attempts (%v); %s fallback also failed: %w",
			n.ID, primary, attempts, lastErr, fallback, err)
	}

	out := runtime.Output{
		Status:         runtime.ExecSuccessWithWarning,
		State:          state,
		FallbackUsed:   true,
		FailedMode:     primary,
		FallbackMode:   fallback,
		FallbackReason: fmt.Sprintf("%s mode failed after %d attempts: %v", primary, attempts, lastErr),
	}
	return out, nil
}

// runMode executes one attempt. An error return covers runtime failure,
// empty result, and (llm_guided only) non-strict-JSON or schema-invalid
// results.
func runMode(ctx context.Context, mode runtime.ExecutionMode, schema *jsonschema.Schema, runners ModeRunners) (map[string]any, error) {
	switch mode {
	case runtime.ModeLLMGuided:
		if runners.LLMGuided == nil {
			return nil, fmt.Errorf("llm_guided mode not available")
		}
		raw, err := runners.LLMGuided(ctx)
		if err != nil {
			return nil, err
		}
		return decodeGuidedResult(raw, schema)
	case runtime.ModeDeterministic:
		if runners.Deterministic == nil {
			return nil, fmt.Errorf("deterministic mode not available")
		}
		state, err := runners.Deterministic(ctx)
		if err != nil {
			return nil, err
		}
		if len(state) == 0 {
			return nil, fmt.Errorf("deterministic execution produced an empty result")
		}
		return state, nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}

// decodeGuidedResult enforces the llm_guided output contract: non-empty,
// a single strict-JSON object, and schema-valid when a schema applies.
func decodeGuidedResult(raw string, schema *jsonschema.Schema) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("llm_guided execution produced an empty result")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("llm_guided result is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("llm_guided result has trailing content after the JSON object")
	}
	state, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("llm_guided result is not a JSON object")
	}

	if schema != nil {
		// The validator needs plain float64 numbers, not json.Number.
		plain, err := reparsePlain(raw)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(plain); err != nil {
			return nil, fmt.Errorf("llm_guided result failed schema validation: %w", err)
		}
	}
	return state, nil
}

func reparsePlain(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func clampRetryCount(raw string) int {
	if strings.TrimSpace(raw) == "" {
		return defaultRetryCount
	}
	v := parseInt(raw, defaultRetryCount)
	if v < 0 {
		return 0
	}
	if v > maxRetryCount {
		return maxRetryCount
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compileSchema compiles an embedded action schema at package init.
func compileSchema(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// Per-action result schemas for llm_guided execution. Confidence is
// advisory: it is recorded when present but never blocks acceptance.
var (
	memoryAddSchema = compileSchema("memory_add.json", `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"store_mode": {"type": "string", "enum": ["append", "replace", "update"]},
			"scope": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"additionalProperties": true
	}`)

	memoryRetrieveSchema = compileSchema("memory_retrieve.json", `{
		"type": "object",
		"required": ["memories"],
		"properties": {
			"memories": {"type": "array", "items": {"type": "string"}},
			"count": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": true
	}`)

	planPatchSchema = compileSchema("plan_patch.json", `{
		"type": "object",
		"required": ["items"],
		"properties": {
			"store_mode": {"type": "string", "enum": ["append", "replace", "update"]},
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["text"],
					"properties": {
						"id": {"type": "string"},
						"key": {"type": "string"},
						"text": {"type": "string", "minLength": 1},
						"status": {"type": "string"}
					},
					"additionalProperties": false
				}
			}
		},
		"additionalProperties": true
	}`)
)
