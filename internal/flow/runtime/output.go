package runtime

import (
	"fmt"
	"strings"
)

// Output is what a node handler produces: an execution status, a structured
// output state, and the fallback provenance fields when the mode dispatcher
// recovered via the opposite mode.
type Output struct {
	Status        ExecutionStatus `json:"execution_status"`
	State         map[string]any  `json:"state,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Notes         string          `json:"notes,omitempty"`

	FallbackUsed   bool          `json:"fallback_used,omitempty"`
	FailedMode     ExecutionMode `json:"failed_mode,omitempty"`
	FallbackMode   ExecutionMode `json:"fallback_mode,omitempty"`
	FallbackReason string        `json:"fallback_reason,omitempty"`

	// Meta carries handler-specific metadata. Never used for routing.
	Meta map[string]any `json:"meta,omitempty"`
}

// Canonicalize normalizes an Output for persistence: a valid status and
// non-nil maps.
func (o Output) Canonicalize() (Output, error) {
	switch o.Status {
	case ExecSuccess, ExecSuccessWithWarning, ExecFail:
	case "":
		return Output{}, fmt.Errorf("invalid execution status: empty string")
	default:
		return Output{}, fmt.Errorf("invalid execution status: %q", o.Status)
	}
	if o.State == nil {
		o.State = map[string]any{}
	}
	if o.Meta == nil {
		o.Meta = map[string]any{}
	}
	return o, nil
}

// Validate enforces the outcome contract: failed outputs carry a reason.
func (o Output) Validate() error {
	co, err := o.Canonicalize()
	if err != nil {
		return err
	}
	if co.Status == ExecFail && strings.TrimSpace(co.FailureReason) == "" {
		return fmt.Errorf("failure_reason must be non-empty when execution_status=fail")
	}
	if co.FallbackUsed && (co.FailedMode == "" || co.FallbackMode == "") {
		return fmt.Errorf("fallback output must record failed_mode and fallback_mode")
	}
	return nil
}

// Lookup resolves a dot-separated path inside the output state. Missing
// segments return ("", false).
func (o Output) Lookup(path string) (any, bool) {
	return lookupPath(o.State, path)
}

// LookupString resolves a path and renders it as a string.
func (o Output) LookupString(path string) string {
	v, ok := o.Lookup(path)
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func lookupPath(m map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// RoutingState is the ephemeral routing decision attached to one NodeRun.
// It is consumed immediately by the routing resolver and retained only in
// the node's artifact trail.
type RoutingState struct {
	RouteKey            string   `json:"route_key,omitempty"`
	MatchedConnectorIDs []string `json:"matched_connector_ids"`
	NoMatch             bool     `json:"no_match,omitempty"`
	// TerminateRun ends the FlowchartRun gracefully regardless of remaining
	// activatable nodes.
	TerminateRun bool `json:"terminate_run,omitempty"`
}
