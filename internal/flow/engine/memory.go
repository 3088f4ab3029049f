package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// memoryHandler persists and retrieves durable memory entries through the
// single system-bound memory integration. Any other tool binding is
// rejected at execution time; there is no pluggable memory backend.
type memoryHandler struct{}

func (memoryHandler) Execute(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error) {
	if tool := n.Attr("tool", "system"); tool != "system" {
		return runtime.Output{}, nil, fmt.Errorf("node %s: memory nodes are bound to the system memory tool, got %q", n.ID, tool)
	}

	action := n.Attr("action", "")
	var schema = memoryAddSchema
	if action == "retrieve" {
		schema = memoryRetrieveSchema
	}

	runners := ModeRunners{
		Deterministic: func(detCtx context.Context) (map[string]any, error) {
			return runMemoryAction(detCtx, ex, n, nr, action, nil)
		},
		LLMGuided: func(llmCtx context.Context) (string, error) {
			return runGuidedTask(llmCtx, ex, n, nr, "memory_"+action)
		},
	}

	// llm_guided for "add" produces the entry content; the persistence step
	// is still the deterministic one, so both modes write identically.
	if action == "add" {
		guided := runners.LLMGuided
		runners.LLMGuided = func(llmCtx context.Context) (string, error) {
			raw, err := guided(llmCtx)
			if err != nil {
				return "", err
			}
			state, err := decodeGuidedResult(raw, memoryAddSchema)
			if err != nil {
				return "", err
			}
			applied, err := runMemoryAction(llmCtx, ex, n, nr, action, state)
			if err != nil {
				return "", err
			}
			encoded, err := json.Marshal(applied)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		}
		schema = nil
	}

	out, err := dispatchModes(ctx, ex, n, schema, runners)
	if err != nil {
		return runtime.Output{}, nil, err
	}
	draft := ArtifactDraft{Type: "memory_" + action, Payload: out.State}
	return out, []ArtifactDraft{draft}, nil
}

// runMemoryAction performs the add or retrieve against the store. For add,
// guided carries the llm_guided result when present; otherwise the entry
// comes from node config and the input context.
func runMemoryAction(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun, action string, guided map[string]any) (map[string]any, error) {
	switch action {
	case "add":
		return memoryAdd(ctx, ex, n, nr, guided)
	case "retrieve":
		return memoryRetrieve(ctx, ex, n, nr)
	default:
		return nil, fmt.Errorf("node %s: unknown memory action %q", n.ID, action)
	}
}

func memoryAdd(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun, guided map[string]any) (map[string]any, error) {
	entry := runtime.MemoryEntry{
		Scope:     n.Attr("scope", ""),
		StoreMode: n.Attr("store_mode", ""),
		CreatedAt: time.Now().UTC(),
	}

	if guided != nil {
		text, _ := guided["text"].(string)
		entry.Text = strings.TrimSpace(text)
		if v, ok := guided["store_mode"].(string); ok && v != "" {
			entry.StoreMode = v
		}
		if v, ok := guided["scope"].(string); ok && v != "" {
			entry.Scope = v
		}
		// Confidence is advisory: recorded when present, never a gate.
		if v, ok := guided["confidence"]; ok {
			if f, ok := toFloat(v); ok {
				entry.Confidence = f
			}
		}
	} else {
		entry.Text = strings.TrimSpace(n.Attr("text", ""))
		if entry.Text == "" {
			if path := n.Attr("text_path", ""); path != "" {
				entry.Text = nr.InputContext.LookupString(path)
			}
		}
	}
	if entry.Text == "" {
		return nil, fmt.Errorf("node %s: memory add requires non-empty text", n.ID)
	}

	id, err := runtime.NewID()
	if err != nil {
		return nil, err
	}
	entry.ID = id

	if err := ex.Store.AppendMemoryEntry(ctx, &entry); err != nil {
		return nil, fmt.Errorf("persist memory entry: %w", err)
	}

	state := map[string]any{
		"memory_id": entry.ID,
		"text":      entry.Text,
		"scope":     entry.Scope,
	}
	if entry.StoreMode != "" {
		state["store_mode"] = entry.StoreMode
	}
	if entry.Confidence > 0 {
		state["confidence"] = entry.Confidence
	}
	return state, nil
}

func memoryRetrieve(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun) (map[string]any, error) {
	query := n.Attr("query", "")
	if query == "" {
		if path := n.Attr("query_path", ""); path != "" {
			query = nr.InputContext.LookupString(path)
		}
	}
	topK := parseInt(n.Attr("top_k", ""), 5)
	if topK < 1 {
		topK = 5
	}

	entries, err := ex.Store.ListMemoryEntries(ctx, n.Attr("scope", ""))
	if err != nil {
		return nil, fmt.Errorf("list memory entries: %w", err)
	}

	var matched []*runtime.MemoryEntry
	if query == "" {
		matched = entries
	} else {
		q := strings.ToLower(query)
		for _, e := range entries {
			if strings.Contains(strings.ToLower(e.Text), q) {
				matched = append(matched, e)
			}
		}
	}
	// Newest first, then bounded by top_k.
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if len(matched) > topK {
		matched = matched[:topK]
	}

	texts := make([]string, 0, len(matched))
	for _, e := range matched {
		texts = append(texts, e.Text)
	}
	return map[string]any{
		"memories": texts,
		"count":    len(texts),
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
