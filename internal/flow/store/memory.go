package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. Records
// are deep-copied on the way in and out so callers can never mutate stored
// state through a shared pointer.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*runtime.FlowchartRun
	nodeRuns  map[string]*runtime.NodeRun
	artifacts map[string]*runtime.NodeArtifact
	plans     map[string]*runtime.PlanDocument
	memories  []*runtime.MemoryEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      map[string]*runtime.FlowchartRun{},
		nodeRuns:  map[string]*runtime.NodeRun{},
		artifacts: map[string]*runtime.NodeArtifact{},
		plans:     map[string]*runtime.PlanDocument{},
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *runtime.FlowchartRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *runtime.FlowchartRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*runtime.FlowchartRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(run), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, flowchartID string) ([]*runtime.FlowchartRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*runtime.FlowchartRun
	for _, run := range s.runs {
		if run.FlowchartID == flowchartID {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateNodeRun(_ context.Context, nr *runtime.NodeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeRuns[nr.ID] = copyNodeRun(nr)
	return nil
}

func (s *MemoryStore) UpdateNodeRun(_ context.Context, nr *runtime.NodeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodeRuns[nr.ID]; !ok {
		return ErrNodeRunNotFound
	}
	s.nodeRuns[nr.ID] = copyNodeRun(nr)
	return nil
}

func (s *MemoryStore) GetNodeRun(_ context.Context, id string) (*runtime.NodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nr, ok := s.nodeRuns[id]
	if !ok {
		return nil, ErrNodeRunNotFound
	}
	return copyNodeRun(nr), nil
}

func (s *MemoryStore) ListNodeRuns(_ context.Context, runID string) ([]*runtime.NodeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*runtime.NodeRun
	for _, nr := range s.nodeRuns {
		if nr.RunID == runID {
			out = append(out, copyNodeRun(nr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionIndex < out[j].ExecutionIndex })
	return out, nil
}

func (s *MemoryStore) PutArtifact(_ context.Context, art *runtime.NodeArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[art.ID] = copyArtifact(art)
	return nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, id string) (*runtime.NodeArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return copyArtifact(a), nil
}

func (s *MemoryStore) ListArtifactsByNode(_ context.Context, nodeID string) ([]*runtime.NodeArtifact, error) {
	return s.listArtifacts(func(a *runtime.NodeArtifact) bool { return a.NodeID == nodeID })
}

func (s *MemoryStore) ListArtifactsByNodeRun(_ context.Context, nodeRunID string) ([]*runtime.NodeArtifact, error) {
	return s.listArtifacts(func(a *runtime.NodeArtifact) bool { return a.NodeRunID == nodeRunID })
}

func (s *MemoryStore) listArtifacts(match func(*runtime.NodeArtifact) bool) ([]*runtime.NodeArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*runtime.NodeArtifact
	for _, a := range s.artifacts {
		if match(a) {
			out = append(out, copyArtifact(a))
		}
	}
	// Newest first, matching the SQLite ordering.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteArtifacts(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.artifacts[id]; ok {
			delete(s.artifacts, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetPlanDocument(_ context.Context, runID string) (*runtime.PlanDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.plans[runID]
	if !ok {
		return &runtime.PlanDocument{RunID: runID}, nil
	}
	return copyPlan(doc), nil
}

func (s *MemoryStore) PutPlanDocument(_ context.Context, doc *runtime.PlanDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[doc.RunID] = copyPlan(doc)
	return nil
}

func (s *MemoryStore) AppendMemoryEntry(_ context.Context, e *runtime.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.memories = append(s.memories, &cp)
	return nil
}

func (s *MemoryStore) ListMemoryEntries(_ context.Context, scope string) ([]*runtime.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*runtime.MemoryEntry
	for _, e := range s.memories {
		if scope == "" || e.Scope == scope {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func copyRun(run *runtime.FlowchartRun) *runtime.FlowchartRun {
	cp := *run
	cp.StartedAt = copyTimePtr(run.StartedAt)
	cp.FinishedAt = copyTimePtr(run.FinishedAt)
	return &cp
}

func copyNodeRun(nr *runtime.NodeRun) *runtime.NodeRun {
	cp := *nr
	cp.StartedAt = copyTimePtr(nr.StartedAt)
	cp.FinishedAt = copyTimePtr(nr.FinishedAt)
	cp.InputContext = copyInputContext(nr.InputContext)
	if nr.Output != nil {
		o := *nr.Output
		o.State = copyMap(nr.Output.State)
		o.Meta = copyMap(nr.Output.Meta)
		cp.Output = &o
	}
	if nr.Routing != nil {
		r := *nr.Routing
		r.MatchedConnectorIDs = append([]string(nil), nr.Routing.MatchedConnectorIDs...)
		cp.Routing = &r
	}
	return &cp
}

func copyInputContext(ic runtime.InputContext) runtime.InputContext {
	cp := ic
	cp.TriggeredBy = append([]string(nil), ic.TriggeredBy...)
	cp.ContextOnlyUpstreamNodes = append([]string(nil), ic.ContextOnlyUpstreamNodes...)
	cp.AttachmentOnlyUpstreamNodes = append([]string(nil), ic.AttachmentOnlyUpstreamNodes...)
	cp.PropagatedAttachments = append([]runtime.AttachmentRef(nil), ic.PropagatedAttachments...)
	if ic.UpstreamOutputs != nil {
		cp.UpstreamOutputs = make(map[string]map[string]any, len(ic.UpstreamOutputs))
		for k, v := range ic.UpstreamOutputs {
			cp.UpstreamOutputs[k] = copyMap(v)
		}
	}
	return cp
}

func copyArtifact(a *runtime.NodeArtifact) *runtime.NodeArtifact {
	cp := *a
	cp.Payload = copyMap(a.Payload)
	return &cp
}

func copyPlan(doc *runtime.PlanDocument) *runtime.PlanDocument {
	cp := *doc
	cp.Items = append([]runtime.PlanItem(nil), doc.Items...)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
