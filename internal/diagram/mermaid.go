// Package diagram renders a plan's dependency DAG as Mermaid flowchart text,
// optionally colored with the statuses from a finished run.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// RenderMermaid renders a plan as a Mermaid flowchart. When summary is
// non-nil, nodes are classed by their run outcome.
func RenderMermaid(plan *schema.Plan, summary *schema.Summary) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if plan.Goal != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", firstLine(plan.Goal)))
	}

	ids := make([]string, 0, len(plan.Steps))
	for id := range plan.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(plan.Steps[id])))
	}

	// Dependency edges, then branch and loop ownership edges with labels.
	for _, id := range ids {
		step := plan.Steps[id]
		for _, dep := range step.Dependencies {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(dep), safeID(id)))
		}
		for _, t := range step.TrueBranch {
			b.WriteString(fmt.Sprintf("    %s -->|true| %s\n", safeID(id), safeID(t)))
		}
		for _, f := range step.FalseBranch {
			b.WriteString(fmt.Sprintf("    %s -->|false| %s\n", safeID(id), safeID(f)))
		}
		for _, l := range step.LoopBody {
			b.WriteString(fmt.Sprintf("    %s -.->|each| %s\n", safeID(id), safeID(l)))
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	if summary != nil {
		for _, id := range ids {
			if cls := statusClass(summary, id); cls != "" {
				b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(id), cls))
			}
		}
	}

	return b.String()
}

// nodeDef returns a node definition with a shape per step type: diamonds for
// decisions, double brackets for loops, plain boxes otherwise.
func nodeDef(step *schema.Step) string {
	id := safeID(step.ID)
	label := firstLine(step.Description)
	if label == "" {
		label = step.ID
	}

	switch step.Type {
	case schema.StepTypeDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.StepTypeLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case schema.StepTypeAPI:
		return fmt.Sprintf("%s([%q])", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// safeID converts a step ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func statusClass(summary *schema.Summary, stepID string) string {
	res, ok := summary.Results[stepID]
	if !ok {
		return "skipped"
	}
	if res.Success {
		return "completed"
	}
	return "failed"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
