// Package model holds the immutable-per-run flowchart structure: typed
// nodes, connectors, and structural queries. It has no execution behavior.
package model

import (
	"fmt"
	"sort"
	"strings"
)

type NodeType string

const (
	NodeTask       NodeType = "task"
	NodeDecision   NodeType = "decision"
	NodePlan       NodeType = "plan"
	NodeMilestone  NodeType = "milestone"
	NodeMemory     NodeType = "memory"
	NodeRAG        NodeType = "rag"
	NodeSubroutine NodeType = "flowchart"
)

func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(strings.ToLower(strings.TrimSpace(s))) {
	case NodeTask:
		return NodeTask, nil
	case NodeDecision:
		return NodeDecision, nil
	case NodePlan:
		return NodePlan, nil
	case NodeMilestone:
		return NodeMilestone, nil
	case NodeMemory:
		return NodeMemory, nil
	case NodeRAG:
		return NodeRAG, nil
	case NodeSubroutine:
		return NodeSubroutine, nil
	default:
		return "", fmt.Errorf("unknown node type: %q", s)
	}
}

type ConnectorMode string

const (
	// ModeSolid carries trigger + context + attachment references. Firing a
	// solid connector is the only way a downstream NodeRun is created.
	ModeSolid ConnectorMode = "solid"
	// ModeDotted carries context only, no trigger.
	ModeDotted ConnectorMode = "dotted"
	// ModeDashed carries attachment references only, no trigger, no context.
	ModeDashed ConnectorMode = "dashed"
)

func ParseConnectorMode(s string) (ConnectorMode, error) {
	switch ConnectorMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSolid:
		return ModeSolid, nil
	case ModeDotted:
		return ModeDotted, nil
	case ModeDashed:
		return ModeDashed, nil
	default:
		return "", fmt.Errorf("unknown connector mode: %q", s)
	}
}

type RetentionKind string

const (
	RetentionForever     RetentionKind = "forever"
	RetentionTTL         RetentionKind = "ttl"
	RetentionMaxCount    RetentionKind = "max_count"
	RetentionTTLMaxCount RetentionKind = "ttl_max_count"
)

// RetentionPolicy governs pruning of a node's artifacts. For ttl_max_count
// both bounds apply and the most restrictive wins.
type RetentionPolicy struct {
	Kind       RetentionKind `yaml:"kind" json:"kind"`
	TTLSeconds int           `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
	MaxCount   int           `yaml:"max_count,omitempty" json:"max_count,omitempty"`
}

func (p RetentionPolicy) Validate() error {
	switch p.Kind {
	case "", RetentionForever:
		return nil
	case RetentionTTL:
		if p.TTLSeconds <= 0 {
			return fmt.Errorf("retention ttl requires ttl_seconds > 0")
		}
	case RetentionMaxCount:
		if p.MaxCount <= 0 {
			return fmt.Errorf("retention max_count requires max_count > 0")
		}
	case RetentionTTLMaxCount:
		if p.TTLSeconds <= 0 || p.MaxCount <= 0 {
			return fmt.Errorf("retention ttl_max_count requires ttl_seconds > 0 and max_count > 0")
		}
	default:
		return fmt.Errorf("unknown retention kind: %q", p.Kind)
	}
	return nil
}

// Node is one flowchart node. Config is a type-specific key/value map,
// fixed per run to avoid races with concurrent editing.
type Node struct {
	ID        string
	Type      NodeType
	Config    map[string]string
	Retention RetentionPolicy
}

// Attr returns a config value with a default when absent or blank.
func (n *Node) Attr(key, def string) string {
	if n == nil || n.Config == nil {
		return def
	}
	v, ok := n.Config[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Connector is a directed edge. Exactly one mode may exist per ordered
// (source,target) pair; the loader and validator enforce this.
type Connector struct {
	ID           string
	Source       string
	Target       string
	Mode         ConnectorMode
	ConditionKey string
	// Order is the declaration order, used for deterministic tie-breaks.
	Order int
}

// Flowchart is one versioned graph. Read-only after construction; safely
// shared across all NodeRuns of a run.
type Flowchart struct {
	ID    string
	Name  string
	Attrs map[string]string

	nodes      map[string]*Node
	connectors []*Connector
	outgoing   map[string][]*Connector
	incoming   map[string][]*Connector
}

// New builds a Flowchart and indexes connectors. It rejects duplicate node
// IDs and (source,target) pairs declared with more than one mode.
func New(id, name string, attrs map[string]string, nodes []*Node, connectors []*Connector) (*Flowchart, error) {
	f := &Flowchart{
		ID:       id,
		Name:     name,
		Attrs:    attrs,
		nodes:    make(map[string]*Node, len(nodes)),
		outgoing: map[string][]*Connector{},
		incoming: map[string][]*Connector{},
	}
	if f.Attrs == nil {
		f.Attrs = map[string]string{}
	}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, dup := f.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id: %s", n.ID)
		}
		f.nodes[n.ID] = n
	}
	seenPair := map[string]ConnectorMode{}
	for i, c := range connectors {
		if c == nil {
			continue
		}
		pair := c.Source + "\x00" + c.Target
		if prev, ok := seenPair[pair]; ok && prev != c.Mode {
			return nil, fmt.Errorf("connector %s->%s declared with modes %s and %s", c.Source, c.Target, prev, c.Mode)
		}
		if _, ok := seenPair[pair]; ok {
			return nil, fmt.Errorf("duplicate connector: %s->%s", c.Source, c.Target)
		}
		seenPair[pair] = c.Mode
		c.Order = i
		if strings.TrimSpace(c.ID) == "" {
			c.ID = fmt.Sprintf("%s->%s", c.Source, c.Target)
		}
		f.connectors = append(f.connectors, c)
		f.outgoing[c.Source] = append(f.outgoing[c.Source], c)
		f.incoming[c.Target] = append(f.incoming[c.Target], c)
	}
	return f, nil
}

func (f *Flowchart) Node(id string) *Node {
	if f == nil {
		return nil
	}
	return f.nodes[id]
}

func (f *Flowchart) Nodes() []*Node {
	if f == nil {
		return nil
	}
	out := make([]*Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Flowchart) Connectors() []*Connector {
	if f == nil {
		return nil
	}
	return append([]*Connector{}, f.connectors...)
}

func (f *Flowchart) Outgoing(id string) []*Connector {
	if f == nil {
		return nil
	}
	return append([]*Connector{}, f.outgoing[id]...)
}

// OutgoingByMode filters a node's outgoing connectors to one propagation mode.
func (f *Flowchart) OutgoingByMode(id string, mode ConnectorMode) []*Connector {
	var out []*Connector
	for _, c := range f.Outgoing(id) {
		if c.Mode == mode {
			out = append(out, c)
		}
	}
	return out
}

func (f *Flowchart) Incoming(id string) []*Connector {
	if f == nil {
		return nil
	}
	return append([]*Connector{}, f.incoming[id]...)
}

func (f *Flowchart) IncomingByMode(id string, mode ConnectorMode) []*Connector {
	var out []*Connector
	for _, c := range f.Incoming(id) {
		if c.Mode == mode {
			out = append(out, c)
		}
	}
	return out
}

// EntryNodes returns nodes with no inbound connectors at all, in ID order.
// These are activated directly when a run starts. A node whose only inbound
// connectors are dotted/dashed is NOT an entry node: context-only edges
// never imply readiness, so such nodes need an explicit trigger source.
func (f *Flowchart) EntryNodes() []*Node {
	if f == nil {
		return nil
	}
	var out []*Node
	for _, n := range f.Nodes() {
		if len(f.Incoming(n.ID)) == 0 {
			out = append(out, n)
		}
	}
	return out
}
