package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// --- helpers ---

func linearPlan() *schema.Plan {
	return &schema.Plan{
		ID:   "linear",
		Goal: "three steps in a row",
		Steps: map[string]*schema.Step{
			"a": {ID: "a", Type: schema.StepTypeCommand, Command: "true"},
			"b": {ID: "b", Type: schema.StepTypeCommand, Command: "true", Dependencies: []string{"a"}},
			"c": {ID: "c", Type: schema.StepTypeCommand, Command: "true", Dependencies: []string{"b"}},
		},
		EntryPoints: []string{"a"},
	}
}

// --- BuildGraph ---

func TestBuildGraph_TopologicalOrder(t *testing.T) {
	g, err := BuildGraph(linearPlan())
	require.NoError(t, err)

	assert.False(t, g.Cyclic)
	assert.Equal(t, []string{"a", "b", "c"}, g.Sorted)
	assert.Equal(t, []string{"b"}, g.Reverse["a"])
	assert.Equal(t, []string{"a"}, g.Edges["b"])
}

func TestBuildGraph_DiamondIsDeterministic(t *testing.T) {
	plan := &schema.Plan{
		ID:   "diamond",
		Goal: "fan out and join",
		Steps: map[string]*schema.Step{
			"root":  {ID: "root", Type: schema.StepTypeCommand},
			"left":  {ID: "left", Type: schema.StepTypeCommand, Dependencies: []string{"root"}},
			"right": {ID: "right", Type: schema.StepTypeCommand, Dependencies: []string{"root"}},
			"join":  {ID: "join", Type: schema.StepTypeCommand, Dependencies: []string{"left", "right"}},
		},
		EntryPoints: []string{"root"},
	}

	g, err := BuildGraph(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "left", "right", "join"}, g.Sorted)
}

func TestBuildGraph_CycleMarksGraphCyclic(t *testing.T) {
	plan := linearPlan()
	plan.Steps["a"].Dependencies = []string{"c"}

	g, err := BuildGraph(plan)
	require.NoError(t, err)

	assert.True(t, g.Cyclic)
	assert.Empty(t, g.Sorted)
}

func TestBuildGraph_EmptyPlan(t *testing.T) {
	_, err := BuildGraph(&schema.Plan{ID: "empty"})
	require.Error(t, err)

	_, err = BuildGraph(nil)
	require.Error(t, err)
}

func TestBuildGraph_UnknownDependency(t *testing.T) {
	plan := linearPlan()
	plan.Steps["b"].Dependencies = []string{"ghost"}

	_, err := BuildGraph(plan)
	require.Error(t, err)
	ee := &schema.EngineError{}
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeStructural, ee.Code)
}

func TestBuildGraph_UnknownStepType(t *testing.T) {
	plan := linearPlan()
	plan.Steps["b"].Type = "teleport"

	_, err := BuildGraph(plan)
	require.Error(t, err)
}

func TestBuildGraph_BranchAndLoopMembership(t *testing.T) {
	plan := &schema.Plan{
		ID:   "shapes",
		Goal: "branch and loop ownership",
		Steps: map[string]*schema.Step{
			"gate": {ID: "gate", Type: schema.StepTypeDecision, Condition: "true",
				TrueBranch: []string{"yes"}, FalseBranch: []string{"no"}},
			"yes":  {ID: "yes", Type: schema.StepTypeCommand, Dependencies: []string{"gate"}},
			"no":   {ID: "no", Type: schema.StepTypeCommand, Dependencies: []string{"gate"}},
			"each": {ID: "each", Type: schema.StepTypeLoop, Items: "range(2)", LoopBody: []string{"body"}},
			"body": {ID: "body", Type: schema.StepTypeCommand},
		},
		EntryPoints: []string{"gate", "each"},
	}

	g, err := BuildGraph(plan)
	require.NoError(t, err)

	assert.True(t, g.Branches["yes"])
	assert.True(t, g.Branches["no"])
	assert.False(t, g.Branches["gate"])
	assert.True(t, g.LoopBodies["body"])
	assert.False(t, g.LoopBodies["each"])
}

func TestBuildGraph_Reachability(t *testing.T) {
	plan := linearPlan()
	plan.Steps["island"] = &schema.Step{ID: "island", Type: schema.StepTypeCommand}

	g, err := BuildGraph(plan)
	require.NoError(t, err)

	assert.True(t, g.Reachable["a"])
	assert.True(t, g.Reachable["c"])
	assert.False(t, g.Reachable["island"])
	assert.Equal(t, []string{"island"}, g.UnreachableSteps())
}

func TestBuildGraph_ReachabilityFollowsBranchesAndBodies(t *testing.T) {
	plan := &schema.Plan{
		ID:   "follow",
		Goal: "branches and bodies count as reachable",
		Steps: map[string]*schema.Step{
			"gate": {ID: "gate", Type: schema.StepTypeDecision, Condition: "true",
				TrueBranch: []string{"loop"}},
			"loop": {ID: "loop", Type: schema.StepTypeLoop, Items: "range(1)",
				Dependencies: []string{"gate"}, LoopBody: []string{"inner"}},
			"inner": {ID: "inner", Type: schema.StepTypeCommand},
		},
		EntryPoints: []string{"gate"},
	}

	g, err := BuildGraph(plan)
	require.NoError(t, err)

	assert.True(t, g.Reachable["loop"])
	assert.True(t, g.Reachable["inner"])
	assert.Empty(t, g.UnreachableSteps())
}
