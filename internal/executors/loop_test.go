package executors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// fakeRunner records every sub-plan invocation and returns canned summaries.
type fakeRunner struct {
	calls   []map[string]any
	plans   []*schema.Plan
	results []*schema.Summary
}

func (f *fakeRunner) RunSubPlan(ctx context.Context, plan *schema.Plan, vars map[string]any) (*schema.Summary, error) {
	f.calls = append(f.calls, vars)
	f.plans = append(f.plans, plan)
	if len(f.results) > 0 {
		next := f.results[0]
		f.results = f.results[1:]
		return next, nil
	}
	return &schema.Summary{PlanID: plan.ID, Success: true, Variables: vars}, nil
}

func loopPlan(loopStep *schema.Step, body ...*schema.Step) *schema.Plan {
	plan := &schema.Plan{
		ID:          "parent",
		Goal:        "loop test",
		EntryPoints: []string{loopStep.ID},
		Steps:       map[string]*schema.Step{loopStep.ID: loopStep},
	}
	for _, s := range body {
		plan.Steps[s.ID] = s
	}
	return plan
}

func newLoopEC(t *testing.T, plan *schema.Plan, vars map[string]any) *ExecutionContext {
	t.Helper()
	ec := newEC(t, vars)
	ec.Scope.Plan = plan
	return ec
}

func TestLoop_RangeItems(t *testing.T) {
	runner := &fakeRunner{}
	e := NewLoopExecutor(runner, nil)

	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "range(3)", LoopBody: []string{"body"}}
	body := &schema.Step{ID: "body", Type: schema.StepTypeCommand, Command: "echo ${loop_index}"}
	ec := newLoopEC(t, loopPlan(step, body), nil)

	res, err := e.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Outputs["iterations"])
	require.Len(t, runner.calls, 3)

	assert.Equal(t, 0, runner.calls[0]["loop_item"])
	assert.Equal(t, true, runner.calls[0]["loop_first"])
	assert.Equal(t, false, runner.calls[0]["loop_last"])
	assert.Equal(t, 2, runner.calls[2]["loop_item"])
	assert.Equal(t, true, runner.calls[2]["loop_last"])
}

func TestLoop_VariableItems(t *testing.T) {
	runner := &fakeRunner{}
	e := NewLoopExecutor(runner, nil)

	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "hosts", LoopBody: []string{"body"}}
	body := &schema.Step{ID: "body", Type: schema.StepTypeCommand, Command: "ping ${loop_item}"}
	ec := newLoopEC(t, loopPlan(step, body), map[string]any{"hosts": []any{"a", "b"}})

	res, err := e.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Outputs["iterations"])
	assert.Equal(t, "a", runner.calls[0]["loop_item"])
	assert.Equal(t, "b", runner.calls[1]["loop_item"])
}

func TestLoop_EmptyItemsSucceedsWithZeroIterations(t *testing.T) {
	runner := &fakeRunner{}
	e := NewLoopExecutor(runner, nil)

	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "range(0)", LoopBody: []string{"body"}}
	body := &schema.Step{ID: "body", Type: schema.StepTypeCommand, Command: "echo x"}
	ec := newLoopEC(t, loopPlan(step, body), nil)

	res, err := e.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Outputs["iterations"])
	assert.Empty(t, runner.calls)
}

func TestLoop_BodyPlanCarving(t *testing.T) {
	runner := &fakeRunner{}
	e := NewLoopExecutor(runner, nil)

	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "range(1)", LoopBody: []string{"first", "second"}}
	first := &schema.Step{ID: "first", Type: schema.StepTypeCommand, Command: "echo 1", Dependencies: []string{"outside"}}
	second := &schema.Step{ID: "second", Type: schema.StepTypeCommand, Command: "echo 2", Dependencies: []string{"first"}}
	outside := &schema.Step{ID: "outside", Type: schema.StepTypeCommand, Command: "echo 0"}
	ec := newLoopEC(t, loopPlan(step, first, second, outside), nil)

	_, err := e.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	require.Len(t, runner.plans, 1)

	sub := runner.plans[0]
	assert.Len(t, sub.Steps, 2)
	// The satisfied out-of-body dependency is dropped, making first the entry.
	assert.Empty(t, sub.Steps["first"].Dependencies)
	assert.Equal(t, []string{"first"}, sub.Steps["second"].Dependencies)
	assert.Equal(t, []string{"first"}, sub.EntryPoints)
}

func TestLoop_VariablePropagation(t *testing.T) {
	runner := &fakeRunner{results: []*schema.Summary{{
		Success:   true,
		Variables: map[string]any{"produced": "value", "loop_item": 0, "loop_index": 0},
	}}}
	e := NewLoopExecutor(runner, nil)

	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "range(1)", LoopBody: []string{"body"}}
	body := &schema.Step{ID: "body", Type: schema.StepTypeCommand, Command: "echo produced=value"}
	ec := newLoopEC(t, loopPlan(step, body), nil)

	_, err := e.Execute(context.Background(), step, ec)
	require.NoError(t, err)

	val, ok := ec.Scope.Vars.Get("produced")
	require.True(t, ok)
	assert.Equal(t, "value", val)
	_, ok = ec.Scope.Vars.Get("loop_item")
	assert.False(t, ok, "loop bookkeeping must stay local")
}

func TestLoop_IterationFailureAborts(t *testing.T) {
	runner := &fakeRunner{results: []*schema.Summary{
		{Success: true, Variables: map[string]any{}},
		{Success: false, FailedStep: "body", Results: map[string]*schema.Result{
			"body": {StepID: "body", Error: "exit 1"},
		}},
	}}
	e := NewLoopExecutor(runner, nil)

	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "range(5)", LoopBody: []string{"body"}}
	body := &schema.Step{ID: "body", Type: schema.StepTypeCommand, Command: "flaky"}
	ec := newLoopEC(t, loopPlan(step, body), nil)

	res, err := e.Execute(context.Background(), step, ec)
	ee := assertCode(t, err, schema.ErrCodeExecution)
	assert.Equal(t, 1, ee.Details["iteration"])
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Outputs["iterations"])
	assert.Len(t, runner.calls, 2, "no further iterations after a failure")
}

func TestLoop_NoBody(t *testing.T) {
	e := NewLoopExecutor(&fakeRunner{}, nil)
	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "range(1)"}

	_, err := e.Execute(context.Background(), step, newEC(t, nil))
	assertCode(t, err, schema.ErrCodeStructural)
}

func TestLoop_DryRun(t *testing.T) {
	runner := &fakeRunner{}
	e := NewLoopExecutor(runner, nil)

	step := &schema.Step{ID: "each", Type: schema.StepTypeLoop, Items: "range(4)", LoopBody: []string{"body"}}
	body := &schema.Step{ID: "body", Type: schema.StepTypeCommand, Command: "echo x"}
	ec := newLoopEC(t, loopPlan(step, body), nil)
	ec.DryRun = true

	res, err := e.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, runner.calls)
}

// --- item expansion ---

func TestLoop_ResolveItems_Files(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.log", "a.log", "skip.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	e := NewLoopExecutor(&fakeRunner{}, nil)

	items, eerr := e.resolveItems(context.Background(), "files("+filepath.Join(dir, "*.log")+")", newEC(t, nil))
	require.Nil(t, eerr)
	require.Len(t, items, 2)
	assert.Equal(t, filepath.Join(dir, "a.log"), items[0], "glob results are sorted")
}

func TestLoop_ResolveItems_JQ(t *testing.T) {
	e := NewLoopExecutor(&fakeRunner{}, nil)
	ec := newEC(t, map[string]any{"items": []any{map[string]any{"id": 1.0}, map[string]any{"id": 2.0}}})

	items, eerr := e.resolveItems(context.Background(), "jq: .vars.items | map(.id)", ec)
	require.Nil(t, eerr)
	assert.Len(t, items, 2)
}

func TestLoop_ResolveItems_JSONArray(t *testing.T) {
	e := NewLoopExecutor(&fakeRunner{}, nil)
	items, eerr := e.resolveItems(context.Background(), `["x", "y"]`, newEC(t, nil))
	require.Nil(t, eerr)
	assert.Equal(t, []any{"x", "y"}, items)
}

func TestLoop_ResolveItems_CommaList(t *testing.T) {
	e := NewLoopExecutor(&fakeRunner{}, nil)
	items, eerr := e.resolveItems(context.Background(), "alpha, beta, gamma", newEC(t, nil))
	require.Nil(t, eerr)
	assert.Equal(t, []any{"alpha", "beta", "gamma"}, items)
}

func TestLoop_ResolveItems_SingleLiteral(t *testing.T) {
	e := NewLoopExecutor(&fakeRunner{}, nil)
	items, eerr := e.resolveItems(context.Background(), "only-one", newEC(t, nil))
	require.Nil(t, eerr)
	assert.Equal(t, []any{"only-one"}, items)
}

func TestExpandRange(t *testing.T) {
	cases := []struct {
		items string
		want  []any
	}{
		{"range(3)", []any{0, 1, 2}},
		{"range(1,4)", []any{1, 2, 3}},
		{"range(0,10,3)", []any{0, 3, 6, 9}},
		{"range(3,0,-1)", []any{3, 2, 1}},
	}
	e := NewLoopExecutor(&fakeRunner{}, nil)
	for _, tc := range cases {
		items, eerr := e.resolveItems(context.Background(), tc.items, newEC(t, nil))
		require.Nil(t, eerr, tc.items)
		assert.Equal(t, tc.want, items, tc.items)
	}
}

func TestExpandRange_ZeroStep(t *testing.T) {
	e := NewLoopExecutor(&fakeRunner{}, nil)
	_, eerr := e.resolveItems(context.Background(), "range(0,5,0)", newEC(t, nil))
	require.NotNil(t, eerr)
	assert.Equal(t, schema.ErrCodeStructural, eerr.Code)
}

func TestExpandVariable_Map(t *testing.T) {
	items := expandVariable(map[string]any{"b": 2, "a": 1})
	require.Len(t, items, 2)
	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a", first["key"])
	assert.Equal(t, 1, first["value"])
}

func TestExpandVariable_NewlineString(t *testing.T) {
	items := expandVariable("one\ntwo\n\nthree\n")
	assert.Equal(t, []any{"one", "two", "three"}, items)
}
