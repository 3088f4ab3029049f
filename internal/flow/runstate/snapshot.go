// Package runstate assembles compact run snapshots from the store for
// status reporting.
package runstate

import (
	"context"
	"time"

	"github.com/flowmason/flowmason/internal/flow/runtime"
	"github.com/flowmason/flowmason/internal/flow/store"
)

// NodeSummary is one NodeRun reduced to status-line fields.
type NodeSummary struct {
	NodeID          string                  `json:"node_id"`
	NodeRunID       string                  `json:"node_run_id"`
	ExecutionIndex  int                     `json:"execution_index"`
	Status          runtime.RunStatus       `json:"status"`
	ExecutionStatus runtime.ExecutionStatus `json:"execution_status,omitempty"`
	FallbackUsed    bool                    `json:"fallback_used,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// Snapshot is the compact view of one run: overall status, per-status
// tallies, and the node runs in execution order.
type Snapshot struct {
	RunID         string            `json:"flowchart_run_id"`
	FlowchartID   string            `json:"flowchart_id"`
	Status        runtime.RunStatus `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`

	Tally map[runtime.RunStatus]int `json:"tally"`
	Nodes []NodeSummary             `json:"nodes"`
}

// Build reads one run and its node runs from the store.
func Build(ctx context.Context, st store.Store, runID string) (*Snapshot, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodeRuns, err := st.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		RunID:         run.ID,
		FlowchartID:   run.FlowchartID,
		Status:        run.Status,
		FailureReason: run.FailureReason,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		Tally:         map[runtime.RunStatus]int{},
	}
	for _, nr := range nodeRuns {
		snap.Tally[nr.Status]++
		sum := NodeSummary{
			NodeID:         nr.NodeID,
			NodeRunID:      nr.ID,
			ExecutionIndex: nr.ExecutionIndex,
			Status:         nr.Status,
			Error:          nr.Error,
		}
		if nr.Output != nil {
			sum.ExecutionStatus = nr.Output.Status
			sum.FallbackUsed = nr.Output.FallbackUsed
		}
		snap.Nodes = append(snap.Nodes, sum)
	}
	return snap, nil
}
