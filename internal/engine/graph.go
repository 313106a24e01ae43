package engine

import (
	"sort"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Graph is the in-memory dependency graph of a plan. Built once per Execute
// call and consulted by the scheduler to compute the ready frontier.
type Graph struct {
	Steps      map[string]*schema.Step
	Edges      map[string][]string // step ID -> dependencies
	Reverse    map[string][]string // step ID -> dependents
	Sorted     []string            // topological order, empty when cyclic
	Reachable  map[string]bool     // reachable from entry points
	LoopBodies map[string]bool     // steps owned by some loop body
	Branches   map[string]bool     // steps owned by some decision branch
	Cyclic     bool
}

// BuildGraph parses a plan into an executable Graph. Reference errors were
// already rejected by validation; a cycle here marks the graph cyclic rather
// than erroring so the scheduler can report it as an incomplete run.
func BuildGraph(plan *schema.Plan) (*Graph, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeStructural, "plan has no steps")
	}

	g := &Graph{
		Steps:      make(map[string]*schema.Step, len(plan.Steps)),
		Edges:      make(map[string][]string, len(plan.Steps)),
		Reverse:    make(map[string][]string, len(plan.Steps)),
		Reachable:  make(map[string]bool, len(plan.Steps)),
		LoopBodies: make(map[string]bool),
		Branches:   make(map[string]bool),
	}

	for id, step := range plan.Steps {
		if !schema.ValidStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "step %q has unknown type %q", id, step.Type).WithStep(id)
		}
		g.Steps[id] = step
	}

	for id, step := range g.Steps {
		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeStructural,
					"step %q depends on unknown step %q", id, dep).WithStep(id)
			}
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps

		switch step.Type {
		case schema.StepTypeDecision:
			for _, b := range step.TrueBranch {
				g.Branches[b] = true
			}
			for _, b := range step.FalseBranch {
				g.Branches[b] = true
			}
		case schema.StepTypeLoop:
			for _, b := range step.LoopBody {
				g.LoopBodies[b] = true
			}
		}
	}

	g.topoSort()
	g.markReachable(plan.EntryPoints)
	return g, nil
}

// topoSort runs Kahn's algorithm for deterministic ordering and cycle
// detection. Branch and loop-body membership does not affect in-degrees:
// only explicit dependencies order execution.
func (g *Graph) topoSort() {
	inDegree := make(map[string]int, len(g.Steps))
	for id := range g.Steps {
		inDegree[id] = len(g.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), g.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Steps) {
		g.Cyclic = true
		return
	}
	g.Sorted = sorted
}

// markReachable flags every step reachable from the entry points through
// dependents, decision branches and loop bodies. Unreachable steps are never
// executed and never counted against completion.
func (g *Graph) markReachable(entryPoints []string) {
	queue := make([]string, 0, len(entryPoints))
	for _, id := range entryPoints {
		if _, ok := g.Steps[id]; ok && !g.Reachable[id] {
			g.Reachable[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		next := append([]string(nil), g.Reverse[id]...)
		if step := g.Steps[id]; step != nil {
			next = append(next, step.TrueBranch...)
			next = append(next, step.FalseBranch...)
			next = append(next, step.LoopBody...)
		}
		for _, n := range next {
			if _, ok := g.Steps[n]; ok && !g.Reachable[n] {
				g.Reachable[n] = true
				queue = append(queue, n)
			}
		}
	}
}

// UnreachableSteps lists the steps no path from the entry points covers,
// sorted for deterministic warnings.
func (g *Graph) UnreachableSteps() []string {
	var out []string
	for id := range g.Steps {
		if !g.Reachable[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
