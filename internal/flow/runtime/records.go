package runtime

import "time"

// FlowchartRun is one execution of one flowchart version.
type FlowchartRun struct {
	ID          string     `json:"id"`
	FlowchartID string     `json:"flowchart_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	// FailureReason is set when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NodeRun is one execution instance of one node within one FlowchartRun.
// A NodeRun exists only because an inbound solid connector fired or the
// node is a graph entry node.
type NodeRun struct {
	ID    string `json:"id"`
	RunID string `json:"flowchart_run_id"`
	NodeID string `json:"node_id"`
	// ExecutionIndex is unique and monotonically increasing within the run,
	// assigned atomically at creation. It gives a total order for audit
	// history even though execution is concurrent.
	ExecutionIndex int           `json:"execution_index"`
	Status         RunStatus     `json:"status"`
	InputContext   InputContext  `json:"input_context"`
	Output         *Output       `json:"output_state,omitempty"`
	Routing        *RoutingState `json:"routing_state,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// NodeArtifact is one persisted output record of a NodeRun. Lifecycle is
// governed by the owning node's retention policy, which is scoped to the
// node across runs; NodeID is denormalized here so pruning never needs a
// join through node runs.
type NodeArtifact struct {
	ID            string         `json:"id"`
	NodeRunID     string         `json:"node_run_id"`
	NodeID        string         `json:"node_id"`
	Type          string         `json:"artifact_type"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payload_hash,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// PlanItem is one keyed entry in a run's plan document.
type PlanItem struct {
	ID        string    `json:"id,omitempty"`
	Key       string    `json:"key,omitempty"`
	Text      string    `json:"text"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanDocument is the per-run plan a plan node reads and writes. Append
// adds items, replace swaps the whole document, update patches items by key.
type PlanDocument struct {
	RunID     string     `json:"flowchart_run_id"`
	Items     []PlanItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MemoryEntry is one durable memory record written through the system-bound
// memory tool. Entries outlive the run that created them.
type MemoryEntry struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope,omitempty"`
	Text       string    `json:"text"`
	StoreMode  string    `json:"store_mode,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
