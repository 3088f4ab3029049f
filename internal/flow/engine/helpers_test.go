package engine

import (
	"context"
	"testing"
	"time"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
	"github.com/flowmason/flowmason/internal/flow/store"
)

func mkNode(id string, typ model.NodeType, cfg map[string]string) *model.Node {
	if cfg == nil {
		cfg = map[string]string{}
	}
	return &model.Node{ID: id, Type: typ, Config: cfg}
}

func mustFlow(t *testing.T, nodes []*model.Node, connectors []*model.Connector) *model.Flowchart {
	t.Helper()
	f, err := model.New("test-flow", "test-flow", nil, nodes, connectors)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// fastCfg injects a zero retry delay so dispatcher tests run instantly.
func fastCfg(cfg map[string]string) map[string]string {
	if cfg == nil {
		cfg = map[string]string{}
	}
	if _, ok := cfg["retry.backoff.initial_delay_ms"]; !ok {
		cfg["retry.backoff.initial_delay_ms"] = "0"
	}
	return cfg
}

func testExecution(t *testing.T, f *model.Flowchart) *Execution {
	t.Helper()
	st := store.NewMemoryStore()
	events := NewPublisher(64)
	t.Cleanup(events.Close)
	run := &runtime.FlowchartRun{
		ID:          runtime.MustNewID(),
		FlowchartID: f.ID,
		Status:      runtime.StatusRunning,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return &Execution{
		Run:       run,
		Flowchart: f,
		Config:    DefaultRunConfig(),
		Store:     st,
		Events:    events,
		Tasks:     NewSimulatedTaskRunner(),
		NodeRunCount: func(context.Context, string) (int, error) {
			return 1, nil
		},
	}
}

func mkNodeRun(t *testing.T, ex *Execution, nodeID string, in runtime.InputContext) *runtime.NodeRun {
	t.Helper()
	nr := &runtime.NodeRun{
		ID:             runtime.MustNewID(),
		RunID:          ex.Run.ID,
		NodeID:         nodeID,
		ExecutionIndex: 1,
		Status:         runtime.StatusRunning,
		InputContext:   in,
		CreatedAt:      time.Now().UTC(),
	}
	if err := ex.Store.CreateNodeRun(context.Background(), nr); err != nil {
		t.Fatal(err)
	}
	return nr
}
