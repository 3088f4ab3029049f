package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/flowmason/flowmason/internal/flow/runtime"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return st
}

// Both implementations must satisfy the same contract; each test runs
// against SQLite and the in-memory store.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestStore_RunRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		run := &runtime.FlowchartRun{
			ID:          runtime.MustNewID(),
			FlowchartID: "fc-1",
			Status:      runtime.StatusQueued,
			CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, st.CreateRun(ctx, run))

		got, err := st.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, runtime.StatusQueued, got.Status)
		assert.Nil(t, got.StartedAt)

		now := time.Now().UTC().Truncate(time.Millisecond)
		run.Status = runtime.StatusRunning
		run.StartedAt = &now
		require.NoError(t, st.UpdateRun(ctx, run))

		got, err = st.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, runtime.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.True(t, got.StartedAt.Equal(now))
	})
}

func TestStore_RunNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)

		err = st.UpdateRun(ctx, &runtime.FlowchartRun{ID: "missing", Status: runtime.StatusRunning})
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestStore_NodeRunsOrderedByExecutionIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		runID := runtime.MustNewID()
		for _, idx := range []int{3, 1, 2} {
			nr := &runtime.NodeRun{
				ID:             runtime.MustNewID(),
				RunID:          runID,
				NodeID:         "n",
				ExecutionIndex: idx,
				Status:         runtime.StatusQueued,
				CreatedAt:      time.Now().UTC(),
			}
			require.NoError(t, st.CreateNodeRun(ctx, nr))
		}

		got, err := st.ListNodeRuns(ctx, runID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, nr := range got {
			assert.Equal(t, i+1, nr.ExecutionIndex)
		}
	})
}

func TestStore_NodeRunStatePersists(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		nr := &runtime.NodeRun{
			ID:             runtime.MustNewID(),
			RunID:          runtime.MustNewID(),
			NodeID:         "worker",
			ExecutionIndex: 1,
			Status:         runtime.StatusRunning,
			InputContext: runtime.InputContext{
				TriggeredBy:     []string{"up"},
				UpstreamOutputs: map[string]map[string]any{"up": {"k": "v"}},
			},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, st.CreateNodeRun(ctx, nr))

		nr.Status = runtime.StatusSucceeded
		nr.Output = &runtime.Output{
			Status:         runtime.ExecSuccessWithWarning,
			State:          map[string]any{"result": "ok"},
			FallbackUsed:   true,
			FailedMode:     runtime.ModeLLMGuided,
			FallbackMode:   runtime.ModeDeterministic,
			FallbackReason: "llm_guided mode failed after 2 attempts",
		}
		nr.Routing = &runtime.RoutingState{RouteKey: "done", MatchedConnectorIDs: []string{"a->b"}}
		require.NoError(t, st.UpdateNodeRun(ctx, nr))

		got, err := st.GetNodeRun(ctx, nr.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Output)
		assert.Equal(t, runtime.ExecSuccessWithWarning, got.Output.Status)
		assert.True(t, got.Output.FallbackUsed)
		assert.Equal(t, runtime.ModeLLMGuided, got.Output.FailedMode)
		require.NotNil(t, got.Routing)
		assert.Equal(t, []string{"a->b"}, got.Routing.MatchedConnectorIDs)
		assert.Equal(t, "v", got.InputContext.LookupString("up.k"))
	})
}

func TestStore_ArtifactsByNodeNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < 3; i++ {
			art := &runtime.NodeArtifact{
				ID:        runtime.MustNewID(),
				NodeRunID: runtime.MustNewID(),
				NodeID:    "n",
				Type:      "task_output",
				Payload:   map[string]any{"i": float64(i)},
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, st.PutArtifact(ctx, art))
		}

		got, err := st.ListArtifactsByNode(ctx, "n")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, float64(2), got[0].Payload["i"])
		assert.Equal(t, float64(0), got[2].Payload["i"])
	})
}

func TestStore_DeleteArtifacts(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			art := &runtime.NodeArtifact{
				ID:        runtime.MustNewID(),
				NodeRunID: "nr",
				NodeID:    "n",
				Type:      "t",
				CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, st.PutArtifact(ctx, art))
			ids = append(ids, art.ID)
		}

		n, err := st.DeleteArtifacts(ctx, ids[:2])
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := st.ListArtifactsByNode(ctx, "n")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ids[2], got[0].ID)
	})
}

func TestStore_PlanDocumentUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		runID := runtime.MustNewID()

		// Absent document reads as empty.
		doc, err := st.GetPlanDocument(ctx, runID)
		require.NoError(t, err)
		assert.Empty(t, doc.Items)

		doc.Items = append(doc.Items, runtime.PlanItem{Key: "k1", Text: "first", UpdatedAt: time.Now().UTC()})
		doc.UpdatedAt = time.Now().UTC()
		require.NoError(t, st.PutPlanDocument(ctx, doc))

		doc.Items = append(doc.Items, runtime.PlanItem{Key: "k2", Text: "second", UpdatedAt: time.Now().UTC()})
		require.NoError(t, st.PutPlanDocument(ctx, doc))

		got, err := st.GetPlanDocument(ctx, runID)
		require.NoError(t, err)
		require.Len(t, got.Items, 2)
		assert.Equal(t, "k1", got.Items[0].Key)
	})
}

func TestStore_MemoryEntriesScoped(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		entries := []*runtime.MemoryEntry{
			{ID: runtime.MustNewID(), Scope: "alpha", Text: "one", CreatedAt: time.Now().UTC()},
			{ID: runtime.MustNewID(), Scope: "beta", Text: "two", CreatedAt: time.Now().UTC()},
		}
		for _, e := range entries {
			require.NoError(t, st.AppendMemoryEntry(ctx, e))
		}

		got, err := st.ListMemoryEntries(ctx, "alpha")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "one", got[0].Text)

		all, err := st.ListMemoryEntries(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	nr := &runtime.NodeRun{
		ID:             runtime.MustNewID(),
		RunID:          "r",
		NodeID:         "n",
		ExecutionIndex: 1,
		Status:         runtime.StatusSucceeded,
		Output:         &runtime.Output{Status: runtime.ExecSuccess, State: map[string]any{"k": "v"}},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateNodeRun(ctx, nr))

	// Mutating the caller's copy after the write must not leak into the store.
	nr.Output.State["k"] = "mutated"

	got, err := st.GetNodeRun(ctx, nr.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Output.State["k"])

	// Nor may mutating a read result.
	got.Output.State["k"] = "mutated-again"
	again, err := st.GetNodeRun(ctx, nr.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Output.State["k"])
}

func TestPruneSelection(t *testing.T) {
	now := time.Now().UTC()
	mk := func(age time.Duration) *runtime.NodeArtifact {
		return &runtime.NodeArtifact{ID: runtime.MustNewID(), CreatedAt: now.Add(-age)}
	}
	// Newest first, as ListArtifactsByNode returns them.
	arts := []*runtime.NodeArtifact{
		mk(1 * time.Minute),
		mk(10 * time.Minute),
		mk(2 * time.Hour),
		mk(3 * time.Hour),
	}

	t.Run("ttl only", func(t *testing.T) {
		ids := PruneSelection(arts, time.Hour, 0, now)
		assert.Equal(t, []string{arts[2].ID, arts[3].ID}, ids)
	})

	t.Run("max count only", func(t *testing.T) {
		ids := PruneSelection(arts, 0, 3, now)
		assert.Equal(t, []string{arts[3].ID}, ids)
	})

	t.Run("most restrictive wins", func(t *testing.T) {
		ids := PruneSelection(arts, time.Hour, 1, now)
		assert.Equal(t, []string{arts[1].ID, arts[2].ID, arts[3].ID}, ids)
	})

	t.Run("forever keeps all", func(t *testing.T) {
		assert.Empty(t, PruneSelection(arts, 0, 0, now))
	})
}
