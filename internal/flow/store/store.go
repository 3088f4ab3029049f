// Package store persists runs, node runs, artifacts, plan documents, and
// memory entries. Two implementations exist: SQLiteStore for durable state
// and MemoryStore for tests and ephemeral runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowmason/flowmason/internal/flow/runtime"
)

var (
	ErrRunNotFound      = errors.New("flowchart run not found")
	ErrNodeRunNotFound  = errors.New("node run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Store is the persistence boundary for the engine. Implementations must be
// safe for concurrent use; the coordinator writes from several node workers
// at once.
type Store interface {
	CreateRun(ctx context.Context, run *runtime.FlowchartRun) error
	UpdateRun(ctx context.Context, run *runtime.FlowchartRun) error
	GetRun(ctx context.Context, id string) (*runtime.FlowchartRun, error)
	ListRuns(ctx context.Context, flowchartID string) ([]*runtime.FlowchartRun, error)

	CreateNodeRun(ctx context.Context, nr *runtime.NodeRun) error
	UpdateNodeRun(ctx context.Context, nr *runtime.NodeRun) error
	GetNodeRun(ctx context.Context, id string) (*runtime.NodeRun, error)
	// ListNodeRuns returns all node runs of a run ordered by execution index.
	ListNodeRuns(ctx context.Context, runID string) ([]*runtime.NodeRun, error)

	PutArtifact(ctx context.Context, art *runtime.NodeArtifact) error
	GetArtifact(ctx context.Context, id string) (*runtime.NodeArtifact, error)
	// ListArtifactsByNode returns a node's artifacts across runs, newest first.
	ListArtifactsByNode(ctx context.Context, nodeID string) ([]*runtime.NodeArtifact, error)
	ListArtifactsByNodeRun(ctx context.Context, nodeRunID string) ([]*runtime.NodeArtifact, error)
	DeleteArtifacts(ctx context.Context, ids []string) (int, error)

	GetPlanDocument(ctx context.Context, runID string) (*runtime.PlanDocument, error)
	PutPlanDocument(ctx context.Context, doc *runtime.PlanDocument) error

	AppendMemoryEntry(ctx context.Context, e *runtime.MemoryEntry) error
	ListMemoryEntries(ctx context.Context, scope string) ([]*runtime.MemoryEntry, error)
}

// PruneSelection picks artifact IDs to delete under a retention policy.
// Artifacts must be passed newest first. TTL removes everything older than
// cutoff; max-count keeps the newest keep artifacts; when both apply the
// most restrictive wins.
func PruneSelection(arts []*runtime.NodeArtifact, ttl time.Duration, keep int, now time.Time) []string {
	var ids []string
	for i, a := range arts {
		expired := ttl > 0 && now.Sub(a.CreatedAt) > ttl
		overCount := keep > 0 && i >= keep
		if expired || overCount {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
