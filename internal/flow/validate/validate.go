// Package validate lints flowcharts before a run is created. Structural
// problems (the graph cannot execute at all) surface as ERROR and block run
// creation; semantic problems (the graph persists but a node will misbehave
// or never fire) surface as WARNING.
package validate

import (
	"fmt"
	"strings"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// LintRule lets callers append custom rules after the built-in set.
type LintRule interface {
	Name() string
	Apply(f *model.Flowchart) []Diagnostic
}

// Validate runs every built-in lint rule and any extra rules against the
// flowchart. Extra rules are appended after built-in rules.
func Validate(f *model.Flowchart, extraRules ...LintRule) []Diagnostic {
	if f == nil {
		return []Diagnostic{{Rule: "flowchart_nil", Severity: SeverityError, Message: "flowchart is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintConnectorEndpointsExist(f)...)
	diags = append(diags, lintEntryNodeExists(f)...)
	diags = append(diags, lintTriggerSource(f)...)
	diags = append(diags, lintReachability(f)...)
	diags = append(diags, lintRetention(f)...)
	diags = append(diags, lintExecutionMode(f)...)
	diags = append(diags, lintRetryCount(f)...)
	diags = append(diags, lintTaskConfig(f)...)
	diags = append(diags, lintDecisionConfig(f)...)
	diags = append(diags, lintConditionKeys(f)...)
	diags = append(diags, lintPlanConfig(f)...)
	diags = append(diags, lintMemoryConfig(f)...)
	diags = append(diags, lintRAGConfig(f)...)
	diags = append(diags, lintSubroutineConfig(f)...)
	diags = append(diags, lintSelfLoop(f)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(f)...)
		}
	}
	return diags
}

// ValidateOrError collapses ERROR diagnostics into one error. The run
// coordinator calls this before persisting a new run.
func ValidateOrError(f *model.Flowchart, extraRules ...LintRule) error {
	diags := Validate(f, extraRules...)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintConnectorEndpointsExist(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, c := range f.Connectors() {
		if f.Node(c.Source) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "connector_endpoints",
				Severity: SeverityError,
				Message:  fmt.Sprintf("connector %s references unknown source node %q", c.ID, c.Source),
				EdgeFrom: c.Source,
				EdgeTo:   c.Target,
			})
		}
		if f.Node(c.Target) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "connector_endpoints",
				Severity: SeverityError,
				Message:  fmt.Sprintf("connector %s references unknown target node %q", c.ID, c.Target),
				EdgeFrom: c.Source,
				EdgeTo:   c.Target,
			})
		}
	}
	return diags
}

func lintEntryNodeExists(f *model.Flowchart) []Diagnostic {
	if len(f.Nodes()) == 0 {
		return []Diagnostic{{Rule: "entry_node", Severity: SeverityError, Message: "flowchart has no nodes"}}
	}
	if len(f.EntryNodes()) == 0 {
		return []Diagnostic{{
			Rule:     "entry_node",
			Severity: SeverityError,
			Message:  "flowchart has no entry node (every node has inbound connectors)",
			Fix:      "leave at least one node without inbound connectors so a run can start",
		}}
	}
	return nil
}

// lintTriggerSource flags nodes whose only inbound connectors are dotted or
// dashed. Context-only edges never create a NodeRun, so such nodes can never
// execute without at least one inbound solid connector.
func lintTriggerSource(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		in := f.Incoming(n.ID)
		if len(in) == 0 {
			continue // entry node
		}
		if len(f.IncomingByMode(n.ID, model.ModeSolid)) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "trigger_source",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has inbound connectors but none solid; it can never be triggered", n.ID),
				NodeID:   n.ID,
				Fix:      "add an inbound solid connector or remove the node's inbound edges to make it an entry node",
			})
		}
	}
	return diags
}

func lintReachability(f *model.Flowchart) []Diagnostic {
	reachable := map[string]bool{}
	var frontier []string
	for _, n := range f.EntryNodes() {
		reachable[n.ID] = true
		frontier = append(frontier, n.ID)
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, c := range f.OutgoingByMode(id, model.ModeSolid) {
			if !reachable[c.Target] {
				reachable[c.Target] = true
				frontier = append(frontier, c.Target)
			}
		}
	}
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if !reachable[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q is not reachable from any entry node via solid connectors", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintRetention(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if err := n.Retention.Validate(); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "retention_policy",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q: %v", n.ID, err),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintExecutionMode(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		raw := n.Attr("execution_mode", "")
		// Memory and plan nodes take the mode under `mode`; rag reuses that
		// key for its own index/query enum, so it is excluded here.
		if raw == "" && (n.Type == model.NodeMemory || n.Type == model.NodePlan) {
			raw = n.Attr("mode", "")
		}
		if raw == "" {
			continue
		}
		if _, err := runtime.ParseExecutionMode(raw); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "execution_mode",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q: %v", n.ID, err),
				NodeID:   n.ID,
				Fix:      "use llm_guided or deterministic",
			})
		}
	}
	return diags
}

func lintRetryCount(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		raw := n.Attr("retry_count", "")
		if raw == "" {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d", &v); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "retry_count",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q: retry_count %q is not an integer", n.ID, raw),
				NodeID:   n.ID,
			})
			continue
		}
		if v < 0 || v > 5 {
			diags = append(diags, Diagnostic{
				Rule:     "retry_count",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q: retry_count %d is outside 0..5 and will be clamped", n.ID, v),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintTaskConfig(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if n.Type != model.NodeTask {
			continue
		}
		if n.Attr("prompt", "") == "" && n.Attr("command", "") == "" {
			diags = append(diags, Diagnostic{
				Rule:     "task_config",
				Severity: SeverityError,
				Message:  fmt.Sprintf("task node %q has neither prompt nor command", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintDecisionConfig(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if n.Type != model.NodeDecision {
			continue
		}
		solid := f.OutgoingByMode(n.ID, model.ModeSolid)
		if len(solid) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "decision_outgoing",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("decision node %q has no outgoing solid connectors; every evaluation ends the branch", n.ID),
				NodeID:   n.ID,
			})
			continue
		}
		fallback := strings.TrimSpace(n.Attr("fallback_condition_key", ""))
		if fallback != "" {
			found := false
			for _, c := range solid {
				if strings.TrimSpace(c.ConditionKey) == fallback {
					found = true
					break
				}
			}
			if !found {
				diags = append(diags, Diagnostic{
					Rule:     "decision_fallback",
					Severity: SeverityError,
					Message:  fmt.Sprintf("decision node %q: fallback_condition_key %q matches no outgoing solid connector", n.ID, fallback),
					NodeID:   n.ID,
				})
			}
		}
	}
	return diags
}

// lintConditionKeys checks that duplicate condition keys on one decision
// node's solid connectors are flagged; duplicates make routing depend on
// declaration order, which is almost never intended.
func lintConditionKeys(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if n.Type != model.NodeDecision {
			continue
		}
		seen := map[string]bool{}
		for _, c := range f.OutgoingByMode(n.ID, model.ModeSolid) {
			key := strings.TrimSpace(c.ConditionKey)
			if key == "" {
				continue
			}
			if seen[key] {
				diags = append(diags, Diagnostic{
					Rule:     "condition_key_duplicate",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("decision node %q declares condition key %q on more than one outgoing connector", n.ID, key),
					NodeID:   n.ID,
					EdgeFrom: c.Source,
					EdgeTo:   c.Target,
				})
			}
			seen[key] = true
		}
	}
	return diags
}

func lintPlanConfig(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if n.Type != model.NodePlan {
			continue
		}
		switch mode := n.Attr("store_mode", "append"); mode {
		case "append", "replace", "update":
		default:
			diags = append(diags, Diagnostic{
				Rule:     "plan_store_mode",
				Severity: SeverityError,
				Message:  fmt.Sprintf("plan node %q: unknown store_mode %q", n.ID, mode),
				NodeID:   n.ID,
				Fix:      "use append, replace, or update",
			})
		}
	}
	return diags
}

func lintMemoryConfig(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if n.Type != model.NodeMemory {
			continue
		}
		switch action := n.Attr("action", ""); action {
		case "add", "retrieve":
		case "":
			diags = append(diags, Diagnostic{
				Rule:     "memory_action",
				Severity: SeverityError,
				Message:  fmt.Sprintf("memory node %q has no action", n.ID),
				NodeID:   n.ID,
				Fix:      "set action to add or retrieve",
			})
		default:
			diags = append(diags, Diagnostic{
				Rule:     "memory_action",
				Severity: SeverityError,
				Message:  fmt.Sprintf("memory node %q: unknown action %q", n.ID, action),
				NodeID:   n.ID,
			})
		}
		if tool := n.Attr("tool", ""); tool != "" && tool != "system" {
			diags = append(diags, Diagnostic{
				Rule:     "memory_tool_binding",
				Severity: SeverityError,
				Message:  fmt.Sprintf("memory node %q: only the system-bound memory tool is supported, got %q", n.ID, tool),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintRAGConfig(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if n.Type != model.NodeRAG {
			continue
		}
		switch mode := n.Attr("mode", ""); mode {
		case "fresh_index", "delta_index", "query":
		case "":
			diags = append(diags, Diagnostic{
				Rule:     "rag_mode",
				Severity: SeverityError,
				Message:  fmt.Sprintf("rag node %q has no mode", n.ID),
				NodeID:   n.ID,
				Fix:      "set mode to fresh_index, delta_index, or query",
			})
		default:
			diags = append(diags, Diagnostic{
				Rule:     "rag_mode",
				Severity: SeverityError,
				Message:  fmt.Sprintf("rag node %q: unknown mode %q", n.ID, mode),
				NodeID:   n.ID,
			})
		}
		if n.Attr("mode", "") == "query" && n.Attr("query", "") == "" && n.Attr("query_path", "") == "" {
			diags = append(diags, Diagnostic{
				Rule:     "rag_query",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("rag node %q is a query node with neither query nor query_path; the merged input context will be used verbatim", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintSubroutineConfig(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, n := range f.Nodes() {
		if n.Type != model.NodeSubroutine {
			continue
		}
		target := n.Attr("flowchart_id", "")
		if target == "" {
			diags = append(diags, Diagnostic{
				Rule:     "subroutine_target",
				Severity: SeverityError,
				Message:  fmt.Sprintf("flowchart node %q has no flowchart_id", n.ID),
				NodeID:   n.ID,
			})
			continue
		}
		if target == f.ID {
			diags = append(diags, Diagnostic{
				Rule:     "subroutine_target",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("flowchart node %q invokes its own flowchart; each activation still starts a brand-new run", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintSelfLoop(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, c := range f.Connectors() {
		if c.Source == c.Target {
			diags = append(diags, Diagnostic{
				Rule:     "self_loop",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q connects to itself; each firing creates a fresh NodeRun", c.Source),
				NodeID:   c.Source,
				EdgeFrom: c.Source,
				EdgeTo:   c.Target,
			})
		}
	}
	return diags
}
