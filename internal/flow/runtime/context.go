package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// AttachmentRef points at an upstream artifact without copying its payload.
type AttachmentRef struct {
	NodeID     string `json:"node_id"`
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name,omitempty"`
}

// InputContext is the merged upstream view a node executes against, keyed
// by propagation class: solid connectors trigger and carry everything,
// dotted connectors contribute context only, dashed connectors contribute
// attachment references only. Non-triggering inputs are read
// opportunistically at execution time, never awaited.
type InputContext struct {
	TriggeredBy []string `json:"triggered_by,omitempty"`

	// UpstreamOutputs maps upstream node id -> that node's output state,
	// populated from solid and dotted inbound connectors.
	UpstreamOutputs map[string]map[string]any `json:"upstream_outputs,omitempty"`

	ContextOnlyUpstreamNodes    []string        `json:"context_only_upstream_nodes,omitempty"`
	AttachmentOnlyUpstreamNodes []string        `json:"attachment_only_upstream_nodes,omitempty"`
	PropagatedAttachments       []AttachmentRef `json:"propagated_attachments,omitempty"`
}

// Lookup resolves a path against the merged upstream outputs. A path of the
// form "node_id.rest" is tried against that node's output first; otherwise
// every upstream output is probed in triggered-first order and the first
// match wins.
func (c InputContext) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if i := strings.IndexByte(path, '.'); i > 0 {
		nodeID := path[:i]
		if out, ok := c.UpstreamOutputs[nodeID]; ok {
			if v, ok := lookupPath(out, path[i+1:]); ok {
				return v, true
			}
		}
	}
	for _, id := range c.probeOrder() {
		if v, ok := lookupPath(c.UpstreamOutputs[id], path); ok {
			return v, true
		}
	}
	return nil, false
}

// LookupString renders a looked-up value as a trimmed string.
func (c InputContext) LookupString(path string) string {
	v, ok := c.Lookup(path)
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (c InputContext) probeOrder() []string {
	seen := map[string]bool{}
	order := make([]string, 0, len(c.UpstreamOutputs))
	for _, id := range c.TriggeredBy {
		if _, ok := c.UpstreamOutputs[id]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	rest := make([]string, 0, len(c.UpstreamOutputs))
	for id := range c.UpstreamOutputs {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
