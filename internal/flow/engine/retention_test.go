package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
	"github.com/flowmason/flowmason/internal/flow/store"
)

func retentionFixture(t *testing.T, policy model.RetentionPolicy) (*Execution, *model.Node, *runtime.NodeRun, *RetentionEngine) {
	t.Helper()
	n := mkNode("producer", model.NodeTask, map[string]string{"prompt": "p"})
	n.Retention = policy
	f := mustFlow(t, []*model.Node{n}, nil)
	ex := testExecution(t, f)
	nr := mkNodeRun(t, ex, n.ID, runtime.InputContext{})
	return ex, n, nr, NewRetentionEngine(ex.Store, ex.Events)
}

func TestRetention_PersistStampsHashAndEmitsEvent(t *testing.T) {
	ex, n, nr, ret := retentionFixture(t, model.RetentionPolicy{Kind: model.RetentionForever})

	ch, cancel := ex.Events.Subscribe(TopicArtifactPersisted)
	defer cancel()

	payload := map[string]any{"result": "done", "score": 0.9}
	arts, err := ret.Persist(context.Background(), "flow-test", n, nr, []ArtifactDraft{
		{Type: "task_output", Payload: payload, RequestID: "req-1", CorrelationID: "cor-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 {
		t.Fatalf("arts = %+v", arts)
	}
	art := arts[0]
	if art.ID == "" || art.NodeID != n.ID || art.NodeRunID != nr.ID {
		t.Fatalf("art = %+v", art)
	}
	if len(art.PayloadHash) != 64 {
		t.Fatalf("payload hash = %q", art.PayloadHash)
	}
	want, err := hashPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if art.PayloadHash != want {
		t.Fatalf("hash = %q, want %q", art.PayloadHash, want)
	}

	ev := <-ch
	if ev.Payload["artifact_id"] != art.ID || ev.Payload["payload_hash"] != art.PayloadHash {
		t.Fatalf("event = %+v", ev.Payload)
	}
	if ev.Payload["flowchart_id"] != "flow-test" || ev.Payload["flowchart_node_id"] != n.ID {
		t.Fatalf("event = %+v", ev.Payload)
	}
	if ev.Payload["flowchart_node_type"] != string(model.NodeTask) {
		t.Fatalf("event = %+v", ev.Payload)
	}
	if ev.Payload["request_id"] != "req-1" || ev.Payload["correlation_id"] != "cor-1" {
		t.Fatalf("event = %+v", ev.Payload)
	}
	body, ok := ev.Payload["artifact"].(map[string]any)
	if !ok || body["result"] != "done" {
		t.Fatalf("event artifact = %+v", ev.Payload["artifact"])
	}

	stored, err := ex.Store.GetArtifact(context.Background(), art.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RequestID != "req-1" || stored.CorrelationID != "cor-1" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestRetention_MaxCountBoundsArtifacts(t *testing.T) {
	ex, n, nr, ret := retentionFixture(t, model.RetentionPolicy{Kind: model.RetentionMaxCount, MaxCount: 2})

	for i := 0; i < 5; i++ {
		_, err := ret.Persist(context.Background(), "flow-test", n, nr, []ArtifactDraft{
			{Type: "task_output", Payload: map[string]any{"i": i}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	ret.Wait()

	arts, err := ex.Store.ListArtifactsByNode(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 2 {
		t.Fatalf("kept %d artifacts, want 2", len(arts))
	}
}

func TestRetention_ForeverKeepsAll(t *testing.T) {
	ex, n, nr, ret := retentionFixture(t, model.RetentionPolicy{Kind: model.RetentionForever})

	for i := 0; i < 4; i++ {
		if _, err := ret.Persist(context.Background(), "flow-test", n, nr, []ArtifactDraft{
			{Type: "task_output", Payload: map[string]any{"i": i}},
		}); err != nil {
			t.Fatal(err)
		}
	}
	ret.Wait()

	arts, err := ex.Store.ListArtifactsByNode(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 4 {
		t.Fatalf("kept %d artifacts, want all 4", len(arts))
	}
}

// deleteFailingStore makes every prune deletion fail while writes succeed.
type deleteFailingStore struct {
	store.Store
}

func (s deleteFailingStore) DeleteArtifacts(context.Context, []string) (int, error) {
	return 0, fmt.Errorf("disk on fire")
}

func TestRetention_PruneFailureWarnsNotFails(t *testing.T) {
	ex, n, nr, _ := retentionFixture(t, model.RetentionPolicy{Kind: model.RetentionMaxCount, MaxCount: 1})
	ret := NewRetentionEngine(deleteFailingStore{ex.Store}, ex.Events)

	var mu sync.Mutex
	var warnings []string
	ret.WarnFunc = func(msg string, err error) {
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf("%s: %v", msg, err))
		mu.Unlock()
	}

	for i := 0; i < 3; i++ {
		// Persistence itself must keep succeeding.
		if _, err := ret.Persist(context.Background(), "flow-test", n, nr, []ArtifactDraft{
			{Type: "task_output", Payload: map[string]any{"i": i}},
		}); err != nil {
			t.Fatal(err)
		}
	}
	ret.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(warnings) == 0 {
		t.Fatal("expected prune warnings")
	}
}

func TestRetention_NoDraftsNoArtifacts(t *testing.T) {
	_, n, nr, ret := retentionFixture(t, model.RetentionPolicy{Kind: model.RetentionForever})
	arts, err := ret.Persist(context.Background(), "flow-test", n, nr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if arts != nil {
		t.Fatalf("arts = %+v", arts)
	}
}
