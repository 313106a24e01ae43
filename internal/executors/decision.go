package executors

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Compile-time interface check.
var _ StepExecutor = (*DecisionExecutor)(nil)

// DecisionExecutor evaluates a condition against a fixed grammar, checked in
// order:
//
//	file exists: <path>
//	command success: <step>
//	output contains: <pattern> in <step>
//	variable <name> <op> <value>     op in ==, !=, <, >, <=, >=
//	expr: <expr-lang expression>
//	cel: <CEL expression>
//	<anything else>                  truthy-string fallback
//
// The result carries condition_result and next_branch; the scheduler prunes
// the branch not taken.
type DecisionExecutor struct {
	expr *expressions.ExprEngine
	cel  *expressions.CELEngine
}

func NewDecisionExecutor(expr *expressions.ExprEngine, cel *expressions.CELEngine) *DecisionExecutor {
	return &DecisionExecutor{expr: expr, cel: cel}
}

func (e *DecisionExecutor) Type() schema.StepType { return schema.StepTypeDecision }

var variableCondRe = regexp.MustCompile(`^variable\s+(\S+)\s*(==|!=|<=|>=|<|>)\s*(.+)$`)

func (e *DecisionExecutor) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.Result, error) {
	res := newResult(step)

	condition := strings.TrimSpace(step.Condition)
	if condition == "" {
		return failResult(res, schema.NewError(schema.ErrCodeStructural, "decision step has no condition").WithStep(step.ID))
	}

	value, eerr := e.evaluate(ctx, condition, ec)
	if eerr != nil {
		return failResult(res, eerr.WithStep(step.ID))
	}

	next := step.FalseBranch
	branch := "false"
	if value {
		next = step.TrueBranch
		branch = "true"
	}

	res.Success = true
	res.Outputs["condition_result"] = value
	res.Outputs["next_branch"] = branch
	res.Outputs["next_steps"] = append([]string(nil), next...)
	ec.logger().Debug("decision evaluated",
		"step_id", step.ID, "condition", condition, "result", value, "branch", branch)
	return res, nil
}

func (e *DecisionExecutor) evaluate(ctx context.Context, condition string, ec *ExecutionContext) (bool, *schema.EngineError) {
	switch {
	case strings.HasPrefix(condition, "file exists:"):
		path := strings.TrimSpace(strings.TrimPrefix(condition, "file exists:"))
		_, err := os.Stat(path)
		return err == nil, nil

	case strings.HasPrefix(condition, "command success:"):
		stepID := strings.TrimSpace(strings.TrimPrefix(condition, "command success:"))
		r, ok := ec.Scope.Results[stepID]
		return ok && r.Success, nil

	case strings.HasPrefix(condition, "output contains:"):
		rest := strings.TrimSpace(strings.TrimPrefix(condition, "output contains:"))
		pattern, stepID, found := cutLast(rest, " in ")
		if !found {
			return false, schema.NewErrorf(schema.ErrCodeStructural,
				"malformed condition %q, expected 'output contains: <pattern> in <step>'", condition)
		}
		r, ok := ec.Scope.Results[strings.TrimSpace(stepID)]
		if !ok {
			return false, nil
		}
		return strings.Contains(expressions.Stringify(r.Outputs["stdout"]), strings.TrimSpace(pattern)), nil

	case strings.HasPrefix(condition, "expr:"):
		return e.evalEngine(ctx, e.expr, strings.TrimPrefix(condition, "expr:"), ec)

	case strings.HasPrefix(condition, "cel:"):
		return e.evalEngine(ctx, e.cel, strings.TrimPrefix(condition, "cel:"), ec)
	}

	if m := variableCondRe.FindStringSubmatch(condition); m != nil {
		return e.compareVariable(m[1], m[2], strings.TrimSpace(m[3]), ec), nil
	}

	return Truthy(condition), nil
}

func (e *DecisionExecutor) evalEngine(ctx context.Context, engine expressions.Engine, expr string, ec *ExecutionContext) (bool, *schema.EngineError) {
	out, err := engine.Evaluate(ctx, strings.TrimSpace(expr), expressions.EvalData(ec.Scope))
	if err != nil {
		if ee, ok := err.(*schema.EngineError); ok {
			return false, ee
		}
		return false, schema.NewErrorf(schema.ErrCodeStructural, "condition evaluation failed: %v", err).WithCause(err)
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return Truthy(expressions.Stringify(out)), nil
}

// compareVariable applies `variable <name> <op> <value>`. The right-hand side
// is coerced in priority order: bool, int, float, another variable, string.
// A missing variable makes the comparison false except under !=.
func (e *DecisionExecutor) compareVariable(name, op, rhs string, ec *ExecutionContext) bool {
	left, ok := ec.Scope.Vars.Get(name)
	if !ok {
		return op == "!="
	}
	right := coerce(rhs, ec)

	if op == "==" || op == "!=" {
		eq := looseEqual(left, right)
		if op == "==" {
			return eq
		}
		return !eq
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		// Ordered comparison falls back to lexicographic on strings.
		ls, rs := expressions.Stringify(left), expressions.Stringify(right)
		switch op {
		case "<":
			return ls < rs
		case ">":
			return ls > rs
		case "<=":
			return ls <= rs
		case ">=":
			return ls >= rs
		}
		return false
	}
	switch op {
	case "<":
		return lf < rf
	case ">":
		return lf > rf
	case "<=":
		return lf <= rf
	case ">=":
		return lf >= rf
	}
	return false
}

// coerce interprets a literal right-hand side: bool, int, float, a variable
// of that name, then plain string. Quoted strings skip the variable lookup.
func coerce(raw string, ec *ExecutionContext) any {
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') && raw[len(raw)-1] == raw[0] {
		return raw[1 : len(raw)-1]
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if v, ok := ec.Scope.Vars.Get(raw); ok {
		return v
	}
	return raw
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return expressions.Stringify(a) == expressions.Stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Truthy implements the string fallback: "false", "0", "no", "n" and the
// empty string are false, anything else is true.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "n":
		return false
	default:
		return true
	}
}

// cutLast splits s around the last occurrence of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
