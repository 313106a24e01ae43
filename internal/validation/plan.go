package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// PlanValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema, for raw documents)
// 2. Graph (references, cycles, reachability)
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewPlanValidator creates a PlanValidator with the plan schema pre-compiled.
func NewPlanValidator() (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline on an already-parsed Plan and returns an
// aggregated result. Reference errors short-circuit cycle/reachability
// analysis, which is meaningless on a broken graph.
func (pv *PlanValidator) Validate(plan *schema.Plan) *schema.ValidationResult {
	result := validatePlanShape(plan)
	if !result.Valid() {
		return result
	}

	result.Merge(validateReferences(plan))
	if result.Valid() {
		result.Merge(validateGraph(plan))
	}
	return result
}

// ValidateDocument validates a raw plan document against the JSON schema and,
// when it parses, runs the full Plan pipeline.
func (pv *PlanValidator) ValidateDocument(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := pv.jsonSchema.ValidateDocument(raw); err != nil {
		appendEngineError(result, err)
		return result
	}
	plan, err := schema.ParsePlan(raw)
	if err != nil {
		appendEngineError(result, err)
		return result
	}
	result.Merge(pv.Validate(plan))
	return result
}

// validatePlanShape checks plan-level invariants that precede graph analysis.
func validatePlanShape(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if plan == nil {
		result.AddError("/", schema.ErrCodeStructural, "plan is nil")
		return result
	}
	if len(plan.Steps) == 0 {
		result.AddError("/steps", schema.ErrCodeStructural, "plan has no steps")
		return result
	}
	if len(plan.EntryPoints) == 0 {
		result.AddError("/entry_points", schema.ErrCodeStructural, "plan has no entry points")
	}

	for _, id := range sortedIDs(plan) {
		step := plan.Steps[id]
		path := fmt.Sprintf("/steps/%s", id)
		if step.ID != id {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("step key %q does not match embedded id %q", id, step.ID))
		}
		if !schema.ValidStepTypes[step.Type] {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("step %q has unknown type %q", id, step.Type))
			continue
		}
		if step.EstimatedRisk < 0 || step.EstimatedRisk > 4 {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("step %q has estimated_risk %d outside 0..4", id, step.EstimatedRisk))
		}
		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				result.AddError(path, schema.ErrCodeStructural,
					fmt.Sprintf("step %q has invalid timeout %q", id, step.Timeout))
			}
		}
		if step.Retry < 0 {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("step %q has negative retry count", id))
		}
		validatePayload(result, path, step)
	}

	return result
}

// validatePayload checks type-specific payload constraints.
func validatePayload(result *schema.ValidationResult, path string, step *schema.Step) {
	switch step.Type {
	case schema.StepTypeCommand:
		if step.Command == "" {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("command step %q has empty command", step.ID))
		}
	case schema.StepTypeCode:
		if step.Code == "" {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("code step %q has empty source", step.ID))
		}
		switch step.Language {
		case "python", "javascript", "shell":
		default:
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("code step %q has unsupported language %q", step.ID, step.Language))
		}
	case schema.StepTypeFile:
		if step.Path == "" {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("file step %q has empty path", step.ID))
		}
		switch step.Operation {
		case "read", "write", "delete", "copy", "move":
		default:
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("file step %q has unknown operation %q", step.ID, step.Operation))
		}
		if (step.Operation == "copy" || step.Operation == "move") && step.Destination == "" {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("file step %q operation %q requires a destination", step.ID, step.Operation))
		}
	case schema.StepTypeDecision:
		if step.Condition == "" {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("decision step %q has empty condition", step.ID))
		}
		if len(step.TrueBranch) == 0 && len(step.FalseBranch) == 0 {
			result.AddWarning(path, schema.ErrCodeStructural,
				fmt.Sprintf("decision step %q has no branches", step.ID))
		}
	case schema.StepTypeAPI:
		if step.URL == "" {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("api step %q has empty url", step.ID))
		}
	case schema.StepTypeLoop:
		if step.Items == "" {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("loop step %q has empty items expression", step.ID))
		}
		if len(step.LoopBody) == 0 {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("loop step %q has empty body", step.ID))
		}
	}
}

// validateReferences ensures every step ID referenced anywhere in the plan
// exists as a key in steps. Unresolved references are a structural error,
// never silently dropped.
func validateReferences(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	check := func(path, kind, ref string) {
		if _, ok := plan.Steps[ref]; !ok {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("%s references non-existent step %q", kind, ref))
		}
	}

	for _, ep := range plan.EntryPoints {
		check("/entry_points", "entry point", ep)
	}

	for _, id := range sortedIDs(plan) {
		step := plan.Steps[id]
		path := fmt.Sprintf("/steps/%s", id)
		seen := make(map[string]bool, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if dep == id {
				result.AddError(path, schema.ErrCodeStructural,
					fmt.Sprintf("step %q depends on itself", id))
				continue
			}
			if seen[dep] {
				result.AddError(path, schema.ErrCodeStructural,
					fmt.Sprintf("step %q has duplicate dependency %q", id, dep))
				continue
			}
			seen[dep] = true
			check(path, fmt.Sprintf("step %q dependency", id), dep)
		}
		for _, ref := range step.TrueBranch {
			check(path, fmt.Sprintf("step %q true_branch", id), ref)
		}
		for _, ref := range step.FalseBranch {
			check(path, fmt.Sprintf("step %q false_branch", id), ref)
		}
		for _, ref := range step.LoopBody {
			check(path, fmt.Sprintf("step %q loop body", id), ref)
		}
	}

	return result
}

// validateGraph performs cycle detection (Kahn's algorithm) over the
// dependency edges and flags steps unreachable from the entry points as a
// structural warning only — they are never executed and never counted as
// failures.
func validateGraph(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// edges[id] = dependencies of id, reverse[id] = dependents of id.
	edges := make(map[string][]string, len(plan.Steps))
	reverse := make(map[string][]string, len(plan.Steps))
	for id, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			edges[id] = append(edges[id], dep)
			reverse[dep] = append(reverse[dep], id)
		}
	}

	inDegree := make(map[string]int, len(plan.Steps))
	for id := range plan.Steps {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(plan.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(plan.Steps) {
		result.AddError("/steps", schema.ErrCodeStructural, "plan contains a dependency cycle")
		return result
	}

	// Reachability: BFS from entry points through dependents, branch targets
	// and loop bodies.
	reachable := make(map[string]bool, len(plan.Steps))
	bfs := append([]string(nil), plan.EntryPoints...)
	for _, ep := range bfs {
		reachable[ep] = true
	}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		step := plan.Steps[node]
		next := make([]string, 0, len(reverse[node]))
		next = append(next, reverse[node]...)
		next = append(next, step.TrueBranch...)
		next = append(next, step.FalseBranch...)
		next = append(next, step.LoopBody...)
		for _, n := range next {
			if !reachable[n] {
				reachable[n] = true
				bfs = append(bfs, n)
			}
		}
	}

	for _, id := range sortedIDs(plan) {
		if !reachable[id] {
			result.AddWarning(fmt.Sprintf("/steps/%s", id), schema.ErrCodeStructural,
				fmt.Sprintf("step %q is unreachable from any entry point", id))
		}
	}

	return result
}

// sortedIDs returns step IDs in sorted order for deterministic output.
func sortedIDs(plan *schema.Plan) []string {
	ids := make([]string, 0, len(plan.Steps))
	for id := range plan.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// appendEngineError folds an error into a ValidationResult, expanding
// EngineError violation details when present.
func appendEngineError(result *schema.ValidationResult, err error) {
	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeStructural, err.Error())
		return
	}
	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", engErr.Code, v)
			}
			return
		}
	}
	result.AddError("/", engErr.Code, engErr.Message)
}
