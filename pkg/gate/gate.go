// Package gate decides whether a validation run passes, using a CEL
// expression over the run statistics.
package gate

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/specjet-api/specjet-sub000/pkg/issue"
	"github.com/specjet-api/specjet-sub000/pkg/results"
)

// DefaultExpression passes a run with no failed endpoints.
const DefaultExpression = "stats.failed == 0"

const costLimit = 10000

// Gate is a compiled pass/fail expression. It is safe for concurrent use.
type Gate struct {
	expr string
	prg  cel.Program
}

// Compile builds a gate. An empty expression selects DefaultExpression.
//
// The expression sees two variables:
//
//	stats   map: total, passed, failed, success_rate, avg_response_ms,
//	        min_response_ms, max_response_ms, p95_response_ms, throughput
//	issues  map from issue type to count; every known type is present
func Compile(expr string) (*Gate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("stats", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("issues", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("gate: compile %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("gate: %q yields %s, want bool", expr, out)
	}

	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: program: %w", err)
	}
	return &Gate{expr: expr, prg: prg}, nil
}

// Expression returns the source expression.
func (g *Gate) Expression() string { return g.expr }

// Evaluate runs the gate against s.
func (g *Gate) Evaluate(s *results.Statistics) (bool, error) {
	out, _, err := g.prg.Eval(Activation(s))
	if err != nil {
		return false, fmt.Errorf("gate: eval %q: %w", g.expr, err)
	}
	pass, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("gate: %q returned %T, want bool", g.expr, out.Value())
	}
	return pass, nil
}

// Activation builds the variables the expression is evaluated against.
func Activation(s *results.Statistics) map[string]any {
	if s == nil {
		s = &results.Statistics{}
	}
	counts := make(map[string]int64, len(issue.AllTypes()))
	for _, t := range issue.AllTypes() {
		counts[string(t)] = 0
	}
	for t, n := range s.IssuesByType {
		counts[t] = int64(n)
	}
	return map[string]any{
		"stats": map[string]any{
			"total":           int64(s.Total),
			"passed":          int64(s.Passed),
			"failed":          int64(s.Failed),
			"success_rate":    s.SuccessRate,
			"avg_response_ms": s.AvgResponseMs,
			"min_response_ms": s.MinResponseMs,
			"max_response_ms": s.MaxResponseMs,
			"p95_response_ms": s.P95ResponseMs,
			"throughput":      s.Throughput,
		},
		"issues": counts,
	}
}
