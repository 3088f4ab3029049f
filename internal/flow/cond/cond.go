// Package cond implements the minimal AND-only condition language used on
// decision-node connectors.
package cond

import (
	"fmt"
	"strings"

	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// Evaluate evaluates a condition expression against a node's input context.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal | Key
//	Operator      ::= '=' | '!='
//
// Keys resolve through InputContext.Lookup; missing keys resolve to the
// empty string. Comparisons are exact string comparisons. A bare key is
// truthy when non-empty and not "false"/"0"/"no".
func Evaluate(condition string, ctx runtime.InputContext) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// IsExpression reports whether s looks like a condition expression rather
// than a bare route key literal.
func IsExpression(s string) bool {
	return strings.ContainsAny(s, "=&")
}

func evalClause(clause string, ctx runtime.InputContext) (bool, error) {
	if strings.Contains(clause, "!=") {
		parts := strings.SplitN(clause, "!=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got := ctx.LookupString(strings.TrimSpace(parts[0]))
		return got != strings.TrimSpace(parts[1]), nil
	}
	if strings.Contains(clause, "=") {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		got := ctx.LookupString(strings.TrimSpace(parts[0]))
		return got == strings.TrimSpace(parts[1]), nil
	}
	got := ctx.LookupString(clause)
	if got == "" {
		return false, nil
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}
