package executors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

func newDecisionExecutor(t *testing.T) *DecisionExecutor {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewDecisionExecutor(expressions.NewExprEngine(), cel)
}

func decide(t *testing.T, ec *ExecutionContext, condition string) *schema.Result {
	t.Helper()
	step := &schema.Step{
		ID:          "gate",
		Type:        schema.StepTypeDecision,
		Condition:   condition,
		TrueBranch:  []string{"yes"},
		FalseBranch: []string{"no"},
	}
	res, err := newDecisionExecutor(t).Execute(context.Background(), step, ec)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func TestDecision_FileExists(t *testing.T) {
	ec := newEC(t, nil)
	path := filepath.Join(t.TempDir(), "present.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	res := decide(t, ec, "file exists: "+path)
	assert.Equal(t, true, res.Outputs["condition_result"])
	assert.Equal(t, "true", res.Outputs["next_branch"])
	assert.Equal(t, []string{"yes"}, res.Outputs["next_steps"])

	res = decide(t, ec, "file exists: "+path+".missing")
	assert.Equal(t, false, res.Outputs["condition_result"])
	assert.Equal(t, []string{"no"}, res.Outputs["next_steps"])
}

func TestDecision_CommandSuccess(t *testing.T) {
	ec := newEC(t, nil)
	ec.Scope.Results["build"] = &schema.Result{StepID: "build", Success: true}
	ec.Scope.Results["lint"] = &schema.Result{StepID: "lint", Success: false}

	assert.Equal(t, true, decide(t, ec, "command success: build").Outputs["condition_result"])
	assert.Equal(t, false, decide(t, ec, "command success: lint").Outputs["condition_result"])
	assert.Equal(t, false, decide(t, ec, "command success: ghost").Outputs["condition_result"])
}

func TestDecision_OutputContains(t *testing.T) {
	ec := newEC(t, nil)
	ec.Scope.Results["scan"] = &schema.Result{
		StepID:  "scan",
		Success: true,
		Outputs: map[string]any{"stdout": "3 vulnerabilities found in deps"},
	}

	assert.Equal(t, true, decide(t, ec, "output contains: vulnerabilities in scan").Outputs["condition_result"])
	assert.Equal(t, false, decide(t, ec, "output contains: clean in scan").Outputs["condition_result"])
}

func TestDecision_OutputContains_Malformed(t *testing.T) {
	step := &schema.Step{ID: "gate", Type: schema.StepTypeDecision, Condition: "output contains: no-step-part"}
	_, err := newDecisionExecutor(t).Execute(context.Background(), step, newEC(t, nil))
	assertCode(t, err, schema.ErrCodeStructural)
}

// --- variable comparisons ---

func TestDecision_VariableComparisons(t *testing.T) {
	ec := newEC(t, map[string]any{
		"count":  int64(5),
		"name":   "prod",
		"ratio":  0.5,
		"flag":   true,
		"strnum": "10",
	})

	cases := map[string]bool{
		"variable count == 5":       true,
		"variable count != 5":       false,
		"variable count > 3":        true,
		"variable count <= 4":       false,
		"variable name == 'prod'":   true,
		"variable name == prod":     true,
		"variable flag == true":     true,
		"variable ratio < 1":        true,
		"variable strnum >= 10":     true,
		"variable missing == 1":     false,
		"variable missing != 1":     true,
		"variable name > 'alpha'":   true, // lexicographic fallback
	}
	for cond, want := range cases {
		res := decide(t, ec, cond)
		assert.Equal(t, want, res.Outputs["condition_result"], "condition %q", cond)
	}
}

func TestDecision_VariableComparedToVariable(t *testing.T) {
	ec := newEC(t, map[string]any{"a": 3, "b": 3})
	assert.Equal(t, true, decide(t, ec, "variable a == b").Outputs["condition_result"])
}

// --- expression engines ---

func TestDecision_ExprCondition(t *testing.T) {
	ec := newEC(t, map[string]any{"count": 5})
	assert.Equal(t, true, decide(t, ec, "expr: vars.count > 3").Outputs["condition_result"])
	assert.Equal(t, false, decide(t, ec, "expr: vars.count > 9").Outputs["condition_result"])
}

func TestDecision_CELCondition(t *testing.T) {
	ec := newEC(t, map[string]any{"env": "prod"})
	assert.Equal(t, true, decide(t, ec, `cel: vars.env == "prod"`).Outputs["condition_result"])
}

func TestDecision_ExprError(t *testing.T) {
	step := &schema.Step{ID: "gate", Type: schema.StepTypeDecision, Condition: "expr: vars.count >"}
	_, err := newDecisionExecutor(t).Execute(context.Background(), step, newEC(t, nil))
	require.Error(t, err)
}

// --- fallbacks ---

func TestDecision_TruthyFallback(t *testing.T) {
	ec := newEC(t, nil)
	assert.Equal(t, true, decide(t, ec, "anything else").Outputs["condition_result"])
	assert.Equal(t, false, decide(t, ec, "false").Outputs["condition_result"])
	assert.Equal(t, false, decide(t, ec, "0").Outputs["condition_result"])
	assert.Equal(t, false, decide(t, ec, "no").Outputs["condition_result"])
}

func TestDecision_EmptyCondition(t *testing.T) {
	step := &schema.Step{ID: "gate", Type: schema.StepTypeDecision}
	_, err := newDecisionExecutor(t).Execute(context.Background(), step, newEC(t, nil))
	assertCode(t, err, schema.ErrCodeStructural)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("  FALSE "))
	assert.False(t, Truthy("n"))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy("1"))
}
