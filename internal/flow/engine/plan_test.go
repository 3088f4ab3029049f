package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

func planFixture(t *testing.T, cfg map[string]string) (*Execution, *model.Node, *runtime.NodeRun) {
	t.Helper()
	n := mkNode("planner", model.NodePlan, fastCfg(cfg))
	f := mustFlow(t, []*model.Node{n}, nil)
	ex := testExecution(t, f)
	nr := mkNodeRun(t, ex, n.ID, runtime.InputContext{})
	return ex, n, nr
}

func TestPlanHandler_AppendDeterministic(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode": "deterministic",
		"store_mode":     "append",
		"patch":          `[{"key": "k1", "text": "design the schema"}, {"key": "k2", "text": "write the loader"}]`,
	})

	out, drafts, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != runtime.ExecSuccess {
		t.Fatalf("status = %q", out.Status)
	}
	if out.State["applied"] != 2 || out.State["plan_size"] != 2 {
		t.Fatalf("state = %+v", out.State)
	}
	if len(drafts) != 1 || drafts[0].Type != "plan_update" {
		t.Fatalf("drafts = %+v", drafts)
	}

	doc, err := ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Items) != 2 || doc.Items[0].Key != "k1" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestPlanHandler_AppendNeverMutatesExisting(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode": "deterministic",
		"store_mode":     "append",
		"patch":          `[{"key": "k1", "text": "original"}]`,
	})
	if _, _, err := (planHandler{}).Execute(context.Background(), ex, n, nr); err != nil {
		t.Fatal(err)
	}

	// A second append reusing the key is skipped, not applied over the
	// existing item.
	n.Config["patch"] = `[{"key": "k1", "text": "usurper"}, {"key": "k2", "text": "new"}]`
	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	dups, _ := out.State["duplicates"].([]string)
	if len(dups) != 1 || dups[0] != "k1" {
		t.Fatalf("duplicates = %v", out.State["duplicates"])
	}

	doc, err := ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Items) != 2 {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Items[0].Text != "original" {
		t.Fatalf("append mutated an existing item: %+v", doc.Items[0])
	}
}

func TestPlanHandler_Replace(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode": "deterministic",
		"store_mode":     "append",
		"patch":          `[{"key": "old", "text": "stale"}]`,
	})
	if _, _, err := (planHandler{}).Execute(context.Background(), ex, n, nr); err != nil {
		t.Fatal(err)
	}

	n.Config["store_mode"] = "replace"
	n.Config["patch"] = `[{"key": "fresh", "text": "rebuilt"}]`
	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.State["plan_size"] != 1 {
		t.Fatalf("state = %+v", out.State)
	}

	doc, _ := ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if len(doc.Items) != 1 || doc.Items[0].Key != "fresh" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestPlanHandler_UpdatePatchesAndSkipsMissing(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode": "deterministic",
		"store_mode":     "append",
		"patch":          `[{"key": "k1", "text": "draft", "status": "open"}]`,
	})
	if _, _, err := (planHandler{}).Execute(context.Background(), ex, n, nr); err != nil {
		t.Fatal(err)
	}

	n.Config["store_mode"] = "update"
	n.Config["patch"] = `[{"key": "k1", "status": "done", "text": "final"}, {"key": "ghost", "text": "x"}]`
	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.State["applied"] != 1 {
		t.Fatalf("state = %+v", out.State)
	}
	skipped, _ := out.State["skipped_missing"].([]string)
	if len(skipped) != 1 || skipped[0] != "ghost" {
		t.Fatalf("skipped_missing = %v", out.State["skipped_missing"])
	}

	doc, _ := ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if doc.Items[0].Status != "done" || doc.Items[0].Text != "final" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestPlanHandler_PatchFromSourcePath(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode":    "deterministic",
		"store_mode":        "append",
		"patch_source_path": "drafting.proposed_plan",
	})
	nr.InputContext = runtime.InputContext{
		TriggeredBy: []string{"drafting"},
		UpstreamOutputs: map[string]map[string]any{
			"drafting": {"proposed_plan": `[{"key": "p1", "text": "from upstream"}]`},
		},
	}

	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.State["applied"] != 1 {
		t.Fatalf("state = %+v", out.State)
	}

	doc, _ := ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if len(doc.Items) != 1 || doc.Items[0].Key != "p1" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestPlanHandler_UpdateTargetsByIDBeforeKey(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode": "deterministic",
		"store_mode":     "update",
		"patch":          `[{"id": "it-2", "key": "shared", "text": "patched"}]`,
	})

	now := time.Now().UTC()
	doc := &runtime.PlanDocument{
		RunID: ex.Run.ID,
		Items: []runtime.PlanItem{
			{ID: "it-1", Key: "shared", Text: "first", UpdatedAt: now},
			{ID: "it-2", Key: "other", Text: "second", UpdatedAt: now},
		},
		UpdatedAt: now,
	}
	if err := ex.Store.PutPlanDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.State["applied"] != 1 {
		t.Fatalf("state = %+v", out.State)
	}

	// The id match wins even though the key points at a different item.
	doc, _ = ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if doc.Items[1].Text != "patched" {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Items[0].Text != "first" {
		t.Fatalf("key match overrode the id match: %+v", doc.Items[0])
	}
}

func TestPlanHandler_UpdateFallsBackToKeyWhenIDUnknown(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode": "deterministic",
		"store_mode":     "update",
		"patch":          `[{"id": "ghost", "key": "k1", "status": "done"}]`,
	})

	now := time.Now().UTC()
	doc := &runtime.PlanDocument{
		RunID:     ex.Run.ID,
		Items:     []runtime.PlanItem{{Key: "k1", Text: "draft", Status: "open", UpdatedAt: now}},
		UpdatedAt: now,
	}
	if err := ex.Store.PutPlanDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.State["applied"] != 1 {
		t.Fatalf("state = %+v", out.State)
	}

	doc, _ = ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if doc.Items[0].Status != "done" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestPlanHandler_UpdateAmbiguousKeyFailsHard(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"execution_mode":   "deterministic",
		"fallback_enabled": "false",
		"store_mode":       "update",
		"patch":            `[{"key": "dup", "text": "patched"}]`,
	})

	// Seed a corrupted document with a duplicated key; append could not have
	// produced it, but update must still refuse to guess.
	now := time.Now().UTC()
	doc := &runtime.PlanDocument{
		RunID: ex.Run.ID,
		Items: []runtime.PlanItem{
			{Key: "dup", Text: "one", UpdatedAt: now},
			{Key: "dup", Text: "two", UpdatedAt: now},
		},
		UpdatedAt: now,
	}
	if err := ex.Store.PutPlanDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	_, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err == nil || !strings.Contains(err.Error(), "ambiguous update") {
		t.Fatalf("err = %v", err)
	}
}

func TestPlanHandler_GuidedPatchGoesThroughSharedPath(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"prompt":      "plan the migration",
		"retry_count": "0",
	})
	ex.Tasks = &SimulatedTaskRunner{
		Script: func(_ context.Context, req TaskRequest) (map[string]any, error) {
			return map[string]any{
				"raw": `{"store_mode": "append", "items": [{"id": "it-1", "key": "m1", "text": "inventory tables"}]}`,
			}, nil
		},
	}

	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != runtime.ExecSuccess || out.FallbackUsed {
		t.Fatalf("out = %+v", out)
	}

	doc, err := ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Items) != 1 || doc.Items[0].ID != "it-1" || doc.Items[0].Key != "m1" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestPlanHandler_GuidedGarbageFallsBackToConfig(t *testing.T) {
	ex, n, nr := planFixture(t, map[string]string{
		"prompt":      "plan it",
		"retry_count": "0",
		"store_mode":  "append",
		"patch":       `[{"key": "safe", "text": "from config"}]`,
	})
	ex.Tasks = &SimulatedTaskRunner{
		Script: func(context.Context, TaskRequest) (map[string]any, error) {
			return map[string]any{"raw": "I could not produce a plan, sorry"}, nil
		},
	}

	out, _, err := planHandler{}.Execute(context.Background(), ex, n, nr)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != runtime.ExecSuccessWithWarning || !out.FallbackUsed {
		t.Fatalf("out = %+v", out)
	}
	if out.FailedMode != runtime.ModeLLMGuided || out.FallbackMode != runtime.ModeDeterministic {
		t.Fatalf("out = %+v", out)
	}

	doc, _ := ex.Store.GetPlanDocument(context.Background(), ex.Run.ID)
	if len(doc.Items) != 1 || doc.Items[0].Key != "safe" {
		t.Fatalf("doc = %+v", doc)
	}
}
