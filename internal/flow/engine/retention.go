package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
	"github.com/flowmason/flowmason/internal/flow/store"
)

// RetentionEngine persists node artifacts and prunes old ones per node
// policy. Persistence is synchronous and its failure fails the node;
// pruning runs asynchronously after each write and its failure only warns.
type RetentionEngine struct {
	Store  store.Store
	Events *Publisher

	// WarnFunc receives prune failures. May be nil.
	WarnFunc func(msg string, err error)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

func NewRetentionEngine(st store.Store, events *Publisher) *RetentionEngine {
	return &RetentionEngine{Store: st, Events: events, locks: map[string]*sync.Mutex{}}
}

// Persist writes drafts as artifacts, hashes payloads, emits the persisted
// event for each, and kicks off an async prune for the node. The persisted
// event carries the full artifact payload so subscribers do not need a
// follow-up store read.
func (r *RetentionEngine) Persist(ctx context.Context, flowchartID string, n *model.Node, nr *runtime.NodeRun, drafts []ArtifactDraft) ([]*runtime.NodeArtifact, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	out := make([]*runtime.NodeArtifact, 0, len(drafts))
	for _, d := range drafts {
		id, err := runtime.NewID()
		if err != nil {
			return nil, err
		}
		hash, err := hashPayload(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("hash artifact payload: %w", err)
		}
		art := &runtime.NodeArtifact{
			ID:            id,
			NodeRunID:     nr.ID,
			NodeID:        n.ID,
			Type:          d.Type,
			Payload:       d.Payload,
			PayloadHash:   hash,
			RequestID:     d.RequestID,
			CorrelationID: d.CorrelationID,
			CreatedAt:     time.Now().UTC(),
		}
		if err := r.Store.PutArtifact(ctx, art); err != nil {
			return nil, fmt.Errorf("persist artifact: %w", err)
		}
		r.Events.Publish(TopicArtifactPersisted, map[string]any{
			"artifact_id":         art.ID,
			"node_run_id":         nr.ID,
			"flowchart_id":        flowchartID,
			"flowchart_run_id":    nr.RunID,
			"flowchart_node_id":   n.ID,
			"flowchart_node_type": string(n.Type),
			"artifact_type":       art.Type,
			"artifact":            art.Payload,
			"payload_hash":        art.PayloadHash,
			"request_id":          art.RequestID,
			"correlation_id":      art.CorrelationID,
		})
		out = append(out, art)
	}

	r.pruneAsync(n)
	return out, nil
}

func hashPayload(payload map[string]any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// pruneAsync applies the node's retention policy in the background. Prunes
// for the same node are serialized so concurrent writes cannot double-delete
// or race the keep-newest window.
func (r *RetentionEngine) pruneAsync(n *model.Node) {
	policy := n.Retention
	if policy.Kind == "" || policy.Kind == model.RetentionForever {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		lock := r.nodeLock(n.ID)
		lock.Lock()
		defer lock.Unlock()
		if err := r.pruneNode(context.Background(), n.ID, policy); err != nil {
			if r.WarnFunc != nil {
				r.WarnFunc(fmt.Sprintf("prune artifacts for node %s", n.ID), err)
			}
		}
	}()
}

func (r *RetentionEngine) pruneNode(ctx context.Context, nodeID string, policy model.RetentionPolicy) error {
	arts, err := r.Store.ListArtifactsByNode(ctx, nodeID)
	if err != nil {
		return err
	}

	var ttl time.Duration
	keep := 0
	switch policy.Kind {
	case model.RetentionTTL:
		ttl = time.Duration(policy.TTLSeconds) * time.Second
	case model.RetentionMaxCount:
		keep = policy.MaxCount
	case model.RetentionTTLMaxCount:
		ttl = time.Duration(policy.TTLSeconds) * time.Second
		keep = policy.MaxCount
	default:
		return nil
	}

	ids := store.PruneSelection(arts, ttl, keep, time.Now().UTC())
	if len(ids) == 0 {
		return nil
	}
	_, err = r.Store.DeleteArtifacts(ctx, ids)
	return err
}

// Wait blocks until all in-flight prunes finish. The coordinator calls it
// before declaring a run terminal so tests observe a settled store.
func (r *RetentionEngine) Wait() {
	r.wg.Wait()
}

func (r *RetentionEngine) nodeLock(nodeID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[nodeID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[nodeID] = lock
	}
	return lock
}
