package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// planPatch is the structured edit a plan node applies to the run's plan
// document, produced either deterministically from node config or by
// llm_guided execution (validated against planPatchSchema).
type planPatch struct {
	StoreMode string     `json:"store_mode,omitempty"`
	Items     []planItem `json:"items"`
}

type planItem struct {
	ID     string `json:"id,omitempty"`
	Key    string `json:"key,omitempty"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

// planHandler maintains the per-run plan document. The three store modes
// share one application path so llm_guided and deterministic execution
// cannot drift apart.
type planHandler struct{}

func (planHandler) Execute(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error) {
	runners := ModeRunners{
		Deterministic: func(detCtx context.Context) (map[string]any, error) {
			patch, err := patchFromConfig(n, nr.InputContext)
			if err != nil {
				return nil, err
			}
			return applyPlanPatch(detCtx, ex, n, patch)
		},
		LLMGuided: func(llmCtx context.Context) (string, error) {
			return runGuidedTask(llmCtx, ex, n, nr, "plan")
		},
	}

	out, err := dispatchPlanModes(ctx, ex, n, runners)
	if err != nil {
		return runtime.Output{}, nil, err
	}
	draft := ArtifactDraft{Type: "plan_update", Payload: out.State}
	return out, []ArtifactDraft{draft}, nil
}

// dispatchPlanModes adapts the generic mode dispatcher: the llm_guided
// result is a validated patch document that still goes through the shared
// deterministic application path.
func dispatchPlanModes(ctx context.Context, ex *Execution, n *model.Node, runners ModeRunners) (runtime.Output, error) {
	wrapped := ModeRunners{
		Deterministic: runners.Deterministic,
	}
	if runners.LLMGuided != nil {
		guided := runners.LLMGuided
		wrapped.LLMGuided = func(llmCtx context.Context) (string, error) {
			raw, err := guided(llmCtx)
			if err != nil {
				return "", err
			}
			state, err := decodeGuidedResult(raw, planPatchSchema)
			if err != nil {
				return "", err
			}
			patch, err := patchFromState(state)
			if err != nil {
				return "", err
			}
			applied, err := applyPlanPatch(llmCtx, ex, n, patch)
			if err != nil {
				return "", err
			}
			encoded, err := json.Marshal(applied)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		}
	}
	return dispatchModes(ctx, ex, n, nil, wrapped)
}

// patchFromConfig resolves the deterministic patch: inline `patch` config,
// or a value read from the input context at `patch_source_path`.
func patchFromConfig(n *model.Node, in runtime.InputContext) (planPatch, error) {
	raw := n.Attr("patch", "")
	if raw == "" {
		if path := n.Attr("patch_source_path", ""); path != "" {
			v, ok := in.Lookup(path)
			if !ok {
				return planPatch{}, fmt.Errorf("node %s: no value at patch_source_path %q", n.ID, path)
			}
			switch tv := v.(type) {
			case string:
				raw = tv
			default:
				encoded, err := json.Marshal(tv)
				if err != nil {
					return planPatch{}, err
				}
				raw = string(encoded)
			}
		}
	}
	if strings.TrimSpace(raw) == "" {
		return planPatch{}, fmt.Errorf("node %s: deterministic plan execution requires patch or patch_source_path", n.ID)
	}
	return parsePatch(n, raw)
}

// parsePatch accepts either a bare items array or a full patch object.
func parsePatch(n *model.Node, raw string) (planPatch, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var items []planItem
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return planPatch{}, fmt.Errorf("node %s: parse patch: %w", n.ID, err)
		}
		return planPatch{StoreMode: n.Attr("store_mode", ""), Items: items}, nil
	}
	var patch planPatch
	if err := json.Unmarshal([]byte(trimmed), &patch); err != nil {
		return planPatch{}, fmt.Errorf("node %s: parse patch: %w", n.ID, err)
	}
	if patch.StoreMode == "" {
		patch.StoreMode = n.Attr("store_mode", "")
	}
	return patch, nil
}

func patchFromState(state map[string]any) (planPatch, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return planPatch{}, err
	}
	var patch planPatch
	if err := json.Unmarshal(encoded, &patch); err != nil {
		return planPatch{}, fmt.Errorf("decode plan patch: %w", err)
	}
	return patch, nil
}

// applyPlanPatch applies one patch under the node's store_mode and persists
// the resulting document. Append never mutates existing items; update
// targets by id first, then by key, hard-fails ambiguous matches and
// records the items it skipped.
func applyPlanPatch(ctx context.Context, ex *Execution, n *model.Node, patch planPatch) (map[string]any, error) {
	mode := patch.StoreMode
	if mode == "" {
		mode = n.Attr("store_mode", "append")
	}

	doc, err := ex.Store.GetPlanDocument(ctx, ex.Run.ID)
	if err != nil {
		return nil, fmt.Errorf("load plan document: %w", err)
	}

	now := time.Now().UTC()
	var duplicates, skippedMissing []string
	applied := 0

	switch mode {
	case "append":
		existingID := map[string]bool{}
		existingKey := map[string]bool{}
		for _, it := range doc.Items {
			if it.ID != "" {
				existingID[it.ID] = true
			}
			if it.Key != "" {
				existingKey[it.Key] = true
			}
		}
		for _, it := range patch.Items {
			if it.ID != "" && existingID[it.ID] {
				duplicates = append(duplicates, it.ID)
				continue
			}
			if it.Key != "" && existingKey[it.Key] {
				duplicates = append(duplicates, it.Key)
				continue
			}
			doc.Items = append(doc.Items, runtime.PlanItem{ID: it.ID, Key: it.Key, Text: it.Text, Status: it.Status, UpdatedAt: now})
			if it.ID != "" {
				existingID[it.ID] = true
			}
			if it.Key != "" {
				existingKey[it.Key] = true
			}
			applied++
		}

	case "replace":
		doc.Items = doc.Items[:0]
		for _, it := range patch.Items {
			doc.Items = append(doc.Items, runtime.PlanItem{ID: it.ID, Key: it.Key, Text: it.Text, Status: it.Status, UpdatedAt: now})
			applied++
		}

	case "update":
		for _, it := range patch.Items {
			if it.ID == "" && it.Key == "" {
				return nil, fmt.Errorf("node %s: update item without id or key", n.ID)
			}
			matches := 0
			idx := -1
			if it.ID != "" {
				for i, cur := range doc.Items {
					if cur.ID == it.ID {
						matches++
						idx = i
					}
				}
				if matches > 1 {
					return nil, fmt.Errorf("node %s: ambiguous update: id %q matches %d plan items", n.ID, it.ID, matches)
				}
			}
			// Key targeting applies only when no item carried the id.
			if matches == 0 && it.Key != "" {
				for i, cur := range doc.Items {
					if cur.Key == it.Key {
						matches++
						idx = i
					}
				}
				if matches > 1 {
					return nil, fmt.Errorf("node %s: ambiguous update: key %q matches %d plan items", n.ID, it.Key, matches)
				}
			}
			if matches == 0 {
				target := it.ID
				if target == "" {
					target = it.Key
				}
				skippedMissing = append(skippedMissing, target)
				continue
			}
			item := &doc.Items[idx]
			if it.Text != "" {
				item.Text = it.Text
			}
			if it.Status != "" {
				item.Status = it.Status
			}
			item.UpdatedAt = now
			applied++
		}

	default:
		return nil, fmt.Errorf("node %s: unknown store_mode %q", n.ID, mode)
	}

	doc.UpdatedAt = now
	if err := ex.Store.PutPlanDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("persist plan document: %w", err)
	}

	state := map[string]any{
		"store_mode": mode,
		"applied":    applied,
		"plan_size":  len(doc.Items),
	}
	if len(duplicates) > 0 {
		state["duplicates"] = duplicates
	}
	if len(skippedMissing) > 0 {
		state["skipped_missing"] = skippedMissing
	}
	return state, nil
}

// runGuidedTask sends the node's prompt through the Task Runner and returns
// the raw text result for strict-JSON decoding by the dispatcher.
func runGuidedTask(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun, action string) (string, error) {
	prompt, err := resolvePrompt(ex, n)
	if err != nil {
		return "", err
	}
	if extra := strings.TrimSpace(n.Attr("additive_prompt", "")); extra != "" {
		prompt = prompt + "\n\n" + extra
	}
	req := NewTaskRequest(ex.Run.ID, n.ID, prompt, ex.Config.Timeouts())
	req.Payload = map[string]any{"node_run_id": nr.ID, "action": action}

	res, err := ex.dispatchTask(ctx, req)
	if err != nil {
		return "", err
	}
	if raw, ok := res.Output["raw"].(string); ok {
		return raw, nil
	}
	// A structured result re-encodes to the strict-JSON text the dispatcher
	// expects.
	encoded, err := json.Marshal(res.Output)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
