package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Compile-time interface check.
var _ StepExecutor = (*LoopExecutor)(nil)

// LoopExecutor expands an items expression into a list and re-enters the
// scheduler once per item with loop_item, loop_index, loop_first and
// loop_last bound in an isolated child scope. Variables the body sets that
// are not loop_-prefixed propagate back to the parent store.
type LoopExecutor struct {
	runner SubPlanRunner
	jq     *expressions.GoJQEngine
}

func NewLoopExecutor(runner SubPlanRunner, jq *expressions.GoJQEngine) *LoopExecutor {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &LoopExecutor{runner: runner, jq: jq}
}

func (e *LoopExecutor) Type() schema.StepType { return schema.StepTypeLoop }

var rangeRe = regexp.MustCompile(`^range\(\s*(-?\d+)\s*(?:,\s*(-?\d+)\s*)?(?:,\s*(-?\d+)\s*)?\)$`)

func (e *LoopExecutor) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.Result, error) {
	res := newResult(step)

	if len(step.LoopBody) == 0 {
		return failResult(res, schema.NewError(schema.ErrCodeStructural, "loop step has no body").WithStep(step.ID))
	}

	items, eerr := e.resolveItems(ctx, strings.TrimSpace(step.Items), ec)
	if eerr != nil {
		return failResult(res, eerr.WithStep(step.ID))
	}

	res.Outputs["items_count"] = len(items)
	if len(items) == 0 {
		res.Success = true
		res.Outputs["iterations"] = 0
		return res, nil
	}

	if ec.DryRun {
		res.Success = true
		res.Outputs["iterations"] = 0
		res.Outputs["message"] = fmt.Sprintf("[dry-run] would iterate %d item(s) over %d step(s)", len(items), len(step.LoopBody))
		return res, nil
	}

	subPlan, eerr := e.buildBodyPlan(step, ec)
	if eerr != nil {
		return failResult(res, eerr.WithStep(step.ID))
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return failResult(res, schema.NewError(schema.ErrCodeCancelled, "loop cancelled").WithStep(step.ID).WithCause(err))
		}

		childVars := ec.Scope.Vars.Snapshot()
		childVars["loop_item"] = item
		childVars["loop_index"] = i
		childVars["loop_first"] = i == 0
		childVars["loop_last"] = i == len(items)-1

		summary, err := e.runner.RunSubPlan(ctx, subPlan, childVars)
		if err != nil {
			ee, ok := err.(*schema.EngineError)
			if !ok {
				ee = schema.NewErrorf(schema.ErrCodeExecution, "loop iteration %d failed: %v", i, err).WithCause(err)
			}
			res.Outputs["iterations"] = i
			return failResult(res, ee.WithStep(step.ID).
				WithDetails(map[string]any{"iteration": i, "item": item}))
		}
		if !summary.Success {
			res.Outputs["iterations"] = i
			return failResult(res, schema.NewErrorf(schema.ErrCodeExecution,
				"loop iteration %d failed at step %q: %s", i, summary.FailedStep, iterationError(summary)).
				WithStep(step.ID).
				WithDetails(map[string]any{"iteration": i, "item": item, "failed_step": summary.FailedStep}))
		}

		// Variables the body produced flow back, loop bookkeeping stays local.
		for name, value := range summary.Variables {
			if strings.HasPrefix(name, "loop_") {
				continue
			}
			if prev, ok := childVars[name]; ok && looseEqual(prev, value) {
				continue
			}
			ec.Scope.Vars.Set(name, value, step.ID)
		}
	}

	res.Success = true
	res.Outputs["iterations"] = len(items)
	return res, nil
}

// buildBodyPlan carves the body step IDs out of the parent plan into a
// standalone sub-plan. Dependencies on steps outside the body are already
// satisfied by the time the loop runs, so they are dropped.
func (e *LoopExecutor) buildBodyPlan(step *schema.Step, ec *ExecutionContext) (*schema.Plan, *schema.EngineError) {
	parent := ec.Scope.Plan
	if parent == nil {
		return nil, schema.NewError(schema.ErrCodeStructural, "loop has no enclosing plan")
	}

	bodySet := make(map[string]bool, len(step.LoopBody))
	for _, id := range step.LoopBody {
		bodySet[id] = true
	}

	sub := &schema.Plan{
		ID:    parent.ID + "/" + step.ID + "/" + uuid.NewString()[:8],
		Goal:  "loop body of " + step.ID,
		Steps: make(map[string]*schema.Step, len(step.LoopBody)),
	}
	for _, id := range step.LoopBody {
		src, ok := parent.Steps[id]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "loop body references unknown step %q", id)
		}
		clone := src.Clone()
		deps := clone.Dependencies[:0]
		for _, dep := range clone.Dependencies {
			if bodySet[dep] {
				deps = append(deps, dep)
			}
		}
		clone.Dependencies = deps
		sub.Steps[id] = clone
		if len(deps) == 0 {
			sub.EntryPoints = append(sub.EntryPoints, id)
		}
	}
	sort.Strings(sub.EntryPoints)
	if len(sub.EntryPoints) == 0 {
		return nil, schema.NewError(schema.ErrCodeStructural, "loop body has no entry point, body steps form a cycle")
	}
	return sub, nil
}

// resolveItems expands the items expression in priority order: variable
// reference, range(), files(), jq:, JSON array literal, comma-separated
// literal, single raw item.
func (e *LoopExecutor) resolveItems(ctx context.Context, items string, ec *ExecutionContext) ([]any, *schema.EngineError) {
	if items == "" {
		return nil, nil
	}

	if v, ok := ec.Scope.Vars.Get(items); ok {
		return expandVariable(v), nil
	}

	if m := rangeRe.FindStringSubmatch(items); m != nil {
		return expandRange(m)
	}

	if strings.HasPrefix(items, "files(") && strings.HasSuffix(items, ")") {
		pattern := strings.TrimSpace(items[len("files(") : len(items)-1])
		pattern = strings.Trim(pattern, `"'`)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "invalid glob %q: %v", pattern, err).WithCause(err)
		}
		sort.Strings(matches)
		out := make([]any, len(matches))
		for i, m := range matches {
			out[i] = m
		}
		return out, nil
	}

	if strings.HasPrefix(items, "jq:") {
		expr := strings.TrimSpace(strings.TrimPrefix(items, "jq:"))
		val, err := e.jq.Evaluate(ctx, expr, expressions.EvalData(ec.Scope))
		if err != nil {
			ee, ok := err.(*schema.EngineError)
			if !ok {
				ee = schema.NewErrorf(schema.ErrCodeStructural, "jq items expression failed: %v", err).WithCause(err)
			}
			return nil, ee
		}
		return expandVariable(val), nil
	}

	if strings.HasPrefix(items, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(items), &arr); err == nil {
			return arr, nil
		}
	}

	if strings.Contains(items, ",") {
		parts := strings.Split(items, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	}

	return []any{items}, nil
}

// expandVariable turns a variable value into an item list: lists as-is, maps
// as {key,value} entries sorted by key, JSON-array strings parsed, other
// strings split on newlines, anything else a single item.
func expandVariable(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, map[string]any{"key": k, "value": t[k]})
		}
		return out
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
				return arr
			}
		}
		if trimmed == "" {
			return nil
		}
		lines := strings.Split(trimmed, "\n")
		out := make([]any, 0, len(lines))
		for _, line := range lines {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// expandRange evaluates range(end), range(start,end) or range(start,end,step)
// with python range semantics.
func expandRange(m []string) ([]any, *schema.EngineError) {
	first, _ := strconv.Atoi(m[1])
	start, end, step := 0, first, 1
	if m[2] != "" {
		start = first
		end, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		step, _ = strconv.Atoi(m[3])
	}
	if step == 0 {
		return nil, schema.NewError(schema.ErrCodeStructural, "range step must not be zero")
	}
	var out []any
	if step > 0 {
		for i := start; i < end; i += step {
			out = append(out, i)
		}
	} else {
		for i := start; i > end; i += step {
			out = append(out, i)
		}
	}
	return out, nil
}

func iterationError(s *schema.Summary) string {
	if r, ok := s.Results[s.FailedStep]; ok && r.Error != "" {
		return r.Error
	}
	return "iteration did not complete"
}
