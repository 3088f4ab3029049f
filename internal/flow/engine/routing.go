package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowmason/flowmason/internal/flow/cond"
	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// resolveRouting decides which outgoing solid connectors fire after a
// NodeRun finishes. Decision nodes evaluate one condition slot per
// outgoing solid connector; every other type resolves a route key from its
// output state. The returned error is a routing failure and fails the node.
func resolveRouting(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun, out runtime.Output) (runtime.RoutingState, error) {
	rs := runtime.RoutingState{}

	terminate, err := shouldTerminate(ctx, ex, n, out)
	if err != nil {
		return rs, err
	}
	rs.TerminateRun = terminate

	solid := ex.Flowchart.OutgoingByMode(n.ID, model.ModeSolid)
	if len(solid) == 0 {
		// Leaf node; the branch simply ends.
		return rs, nil
	}

	if n.Type == model.NodeDecision {
		return resolveDecision(n, nr.InputContext, rs, solid)
	}
	return resolveRouteKey(n, out, rs, solid)
}

// resolveDecision evaluates each connector's condition slot against the
// node's input context: N solid connectors mean exactly N evaluations, and
// zero or more may match. When nothing matches, fallback_condition_key
// picks the escape connector; without one the no-match is recorded and the
// branch ends.
func resolveDecision(n *model.Node, in runtime.InputContext, rs runtime.RoutingState, solid []*model.Connector) (runtime.RoutingState, error) {
	routeValue := in.LookupString(n.Attr("route_field_path", "route_key"))
	rs.RouteKey = routeValue

	for _, c := range solid {
		key := strings.TrimSpace(c.ConditionKey)
		var matched bool
		switch {
		case key == "":
			matched = true
		case cond.IsExpression(key):
			ok, err := cond.Evaluate(key, in)
			if err != nil {
				return rs, fmt.Errorf("node %s: connector %s: %w", n.ID, c.ID, err)
			}
			matched = ok
		default:
			matched = routeValue != "" && routeValue == key
		}
		if matched {
			rs.MatchedConnectorIDs = append(rs.MatchedConnectorIDs, c.ID)
		}
	}
	if len(rs.MatchedConnectorIDs) > 0 {
		return rs, nil
	}

	if fb := strings.TrimSpace(n.Attr("fallback_condition_key", "")); fb != "" {
		for _, c := range solid {
			if strings.TrimSpace(c.ConditionKey) == fb {
				rs.MatchedConnectorIDs = append(rs.MatchedConnectorIDs, c.ID)
			}
		}
		if len(rs.MatchedConnectorIDs) > 0 {
			return rs, nil
		}
	}

	rs.NoMatch = true
	rs.MatchedConnectorIDs = []string{}
	return rs, nil
}

// resolveRouteKey routes non-decision nodes by the route key in their
// output state. route_key_on_<event> overrides supply a literal key for a
// terminal event; otherwise the key is read from route_key_path (default
// "route_key"). Connectors without a condition key are unconditional.
func resolveRouteKey(n *model.Node, out runtime.Output, rs runtime.RoutingState, solid []*model.Connector) (runtime.RoutingState, error) {
	routeKey := strings.TrimSpace(n.Attr("route_key_on_"+string(out.Status), ""))
	if routeKey == "" {
		routeKey = out.LookupString(n.Attr("route_key_path", "route_key"))
	}
	rs.RouteKey = routeKey

	conditional := 0
	for _, c := range solid {
		key := strings.TrimSpace(c.ConditionKey)
		if key == "" {
			rs.MatchedConnectorIDs = append(rs.MatchedConnectorIDs, c.ID)
			continue
		}
		conditional++
		if routeKey != "" && routeKey == key {
			rs.MatchedConnectorIDs = append(rs.MatchedConnectorIDs, c.ID)
		}
	}
	if len(rs.MatchedConnectorIDs) > 0 {
		return rs, nil
	}

	if fb := strings.TrimSpace(n.Attr("fallback_condition_key", "")); fb != "" {
		for _, c := range solid {
			if strings.TrimSpace(c.ConditionKey) == fb {
				rs.MatchedConnectorIDs = append(rs.MatchedConnectorIDs, c.ID)
			}
		}
		if len(rs.MatchedConnectorIDs) > 0 {
			return rs, nil
		}
	}

	// Every outgoing connector demanded a route key; an absent one with no
	// fallback is a routing failure, not a silent dead end.
	if conditional == len(solid) && routeKey == "" {
		return rs, fmt.Errorf("node %s: route key required by %d outgoing connectors but absent from output state", n.ID, conditional)
	}

	rs.NoMatch = true
	rs.MatchedConnectorIDs = []string{}
	return rs, nil
}

// shouldTerminate applies the milestone loop-exit contract: terminate_always
// unconditionally, terminate_on_checkpoint when the output carries the
// checkpoint marker, loop_exit_after_runs when this node has now executed
// at least N times in the run.
func shouldTerminate(ctx context.Context, ex *Execution, n *model.Node, out runtime.Output) (bool, error) {
	if parseBool(n.Attr("terminate_always", ""), false) {
		return true, nil
	}
	if parseBool(n.Attr("terminate_on_checkpoint", ""), false) {
		if v, ok := out.Lookup("checkpoint"); ok {
			if parseBool(fmt.Sprint(v), false) {
				return true, nil
			}
		}
	}
	if raw := n.Attr("loop_exit_after_runs", ""); raw != "" && ex.NodeRunCount != nil {
		limit := parseInt(raw, 0)
		if limit > 0 {
			count, err := ex.NodeRunCount(ctx, n.ID)
			if err != nil {
				return false, fmt.Errorf("node %s: count node runs: %w", n.ID, err)
			}
			if count >= limit {
				return true, nil
			}
		}
	}
	return false, nil
}
