package expressions

import "context"

// Engine evaluates expressions inside plan steps.
// Three implementations: CEL (cel: conditions), Expr (expr: conditions and
// loop items), GoJQ (jq: transforms and API response extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvalData builds the shared evaluation environment exposed to every engine:
// vars (Variable Store snapshot), result (step results keyed by ID, each as a
// plain map) — the same data the ${...} resolver reads.
func EvalData(scope *Scope) map[string]any {
	data := map[string]any{
		"vars":   map[string]any{},
		"result": map[string]any{},
	}
	if scope == nil {
		return data
	}
	if scope.Vars != nil {
		data["vars"] = scope.Vars.Snapshot()
	}
	if scope.Results != nil {
		results := make(map[string]any, len(scope.Results))
		for id, res := range scope.Results {
			if res == nil {
				continue
			}
			results[id] = map[string]any{
				"success":           res.Success,
				"error":             res.Error,
				"outputs":           anyMap(res.Outputs),
				"execution_time_ms": res.ExecutionTime.Milliseconds(),
			}
		}
		data["result"] = results
	}
	return data
}
