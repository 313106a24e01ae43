// Package executors implements the six step types the engine can schedule.
// Each executor receives a fully resolved step: every ${...} reference was
// substituted by the resolver before Execute is called.
package executors

import (
	"context"
	"log/slog"
	"time"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// ExecutionContext carries the per-run state an executor may consult.
// Executors read from the scope; only the engine writes results back.
type ExecutionContext struct {
	PlanID        string
	TransactionID string
	Scope         *expressions.Scope
	Resolver      *expressions.Resolver
	DryRun        bool
	Logger        *slog.Logger
}

func (ec *ExecutionContext) logger() *slog.Logger {
	if ec == nil || ec.Logger == nil {
		return slog.Default()
	}
	return ec.Logger
}

// StepExecutor runs a single resolved step. On failure the returned error is
// an *schema.EngineError whose code decides whether the retry controller may
// re-run the step; a Result may accompany the error to preserve partial
// outputs.
type StepExecutor interface {
	Type() schema.StepType
	Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.Result, error)
}

// SubPlanRunner re-enters the scheduler for a loop iteration. The engine
// implements it; it is declared here to keep the dependency one-way.
type SubPlanRunner interface {
	RunSubPlan(ctx context.Context, plan *schema.Plan, vars map[string]any) (*schema.Summary, error)
}

// Registry maps step types to their executors. The step-type set is closed,
// so registration conflicts are programming errors surfaced loudly.
type Registry struct {
	executors map[schema.StepType]StepExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.StepType]StepExecutor)}
}

func (r *Registry) Register(e StepExecutor) error {
	if _, exists := r.executors[e.Type()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for step type %q already registered", e.Type())
	}
	r.executors[e.Type()] = e
	return nil
}

func (r *Registry) Get(t schema.StepType) (StepExecutor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStructural, "no executor registered for step type %q", t)
	}
	return e, nil
}

// stepTimeout parses the step's timeout, falling back to def when absent or
// malformed. Validation already rejected malformed values for loaded plans.
func stepTimeout(step *schema.Step, def time.Duration) time.Duration {
	if step.Timeout == "" {
		return def
	}
	d, err := time.ParseDuration(step.Timeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// newResult builds the Result skeleton every executor fills in.
func newResult(step *schema.Step) *schema.Result {
	return &schema.Result{
		StepID:  step.ID,
		Type:    step.Type,
		Outputs: map[string]any{},
	}
}

// failResult marks the result failed with the error's message and returns
// both, the standard failure return shape for executors.
func failResult(res *schema.Result, err *schema.EngineError) (*schema.Result, error) {
	res.Success = false
	res.Error = err.Message
	return res, err
}
