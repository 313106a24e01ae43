// Package engine schedules plan execution: it computes the ready frontier
// from the dependency graph, dispatches steps to their executors, follows
// decision branches, and drives the retry/recovery pipeline on failure.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/executors"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/logging"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/streaming"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Config wires the engine's collaborators. Registry and Resolver are
// required; everything else is optional.
type Config struct {
	Registry      *executors.Registry
	Resolver      *expressions.Resolver
	Recovery      RecoveryService
	Rollback      RollbackRecorder
	Hub           streaming.EventHub
	Logger        *slog.Logger
	MaxConcurrent int // ready steps executed at once, default 1
}

// Options shape a single Execute call.
type Options struct {
	DryRun           bool
	TransactionID    string
	InitialVariables map[string]any
}

// Engine executes plans. One Engine serves many Execute calls; all per-run
// state lives in the runState created per call.
type Engine struct {
	registry      *executors.Registry
	resolver      *expressions.Resolver
	retry         *RetryController
	rollback      RollbackRecorder
	hub           streaming.EventHub
	logger        *slog.Logger
	maxConcurrent int
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		registry:      cfg.Registry,
		resolver:      cfg.Resolver,
		retry:         NewRetryController(cfg.Recovery, logger),
		rollback:      cfg.Rollback,
		hub:           cfg.Hub,
		logger:        logger,
		maxConcurrent: maxConcurrent,
	}
}

// runState is the per-Execute mutable state. The mutex serializes result and
// bookkeeping writes when independent steps run concurrently; the variable
// store carries its own lock.
type runState struct {
	mu        sync.Mutex
	plan      *schema.Plan
	graph     *Graph
	scope     *expressions.Scope
	opts      Options
	completed map[string]bool
	pruned    map[string]bool
	activated map[string]bool
	path      []string
	failed    string
	fatalErr  error
}

// snapshot returns a stable view of the run for one step's resolution and
// execution. Sibling steps in the same wave record results concurrently, so
// the live Results map and path must never leave the lock; the variable store
// is shared as-is because it carries its own lock.
func (st *runState) snapshot() (*expressions.Scope, []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	results := make(map[string]*schema.Result, len(st.scope.Results))
	for id, res := range st.scope.Results {
		results[id] = res
	}
	scope := &expressions.Scope{
		Plan:    st.scope.Plan,
		Vars:    st.scope.Vars,
		Results: results,
	}
	return scope, append([]string(nil), st.path...)
}

// Execute runs a plan to completion or first fatal failure and returns the
// Summary. Structural defects in the plan itself surface as an error; step
// failures are reported in the Summary, not as an error return.
func (e *Engine) Execute(ctx context.Context, plan *schema.Plan, opts Options) (*schema.Summary, error) {
	graph, err := BuildGraph(plan)
	if err != nil {
		return nil, err
	}

	if opts.TransactionID == "" {
		opts.TransactionID = uuid.NewString()
	}
	ctx = logging.WithIDs(ctx, plan.ID, "", opts.TransactionID)

	st := &runState{
		plan:  plan,
		graph: graph,
		opts:  opts,
		scope: &expressions.Scope{
			Plan:    plan,
			Vars:    expressions.NewVariableStore(opts.InitialVariables),
			Results: make(map[string]*schema.Result, len(plan.Steps)),
		},
		completed: make(map[string]bool, len(plan.Steps)),
		pruned:    make(map[string]bool),
		activated: make(map[string]bool),
	}

	summary := &schema.Summary{
		PlanID:        plan.ID,
		TransactionID: opts.TransactionID,
		Goal:          plan.Goal,
		StepsTotal:    len(plan.Steps),
		StartedAt:     time.Now().UTC(),
	}
	for _, id := range graph.UnreachableSteps() {
		summary.Warnings = append(summary.Warnings, "step "+id+" is unreachable from the entry points")
	}

	e.publish(ctx, plan.ID, "", schema.EventPlanStarted, map[string]any{
		"goal": plan.Goal, "steps": len(plan.Steps), "dry_run": opts.DryRun,
	})
	e.logger.Info("plan execution started",
		"plan_id", plan.ID, "steps", len(plan.Steps), "dry_run", opts.DryRun)

	if graph.Cyclic {
		summary.Warnings = append(summary.Warnings, "plan contains a dependency cycle")
	}

	e.runFrontier(ctx, st)

	return e.finalize(ctx, st, summary), nil
}

// runFrontier repeatedly computes the ready set and executes it. An empty
// ready set with unfinished reachable steps means a cycle or a stall; the
// loop stops and finalize reports the run unsuccessful.
func (e *Engine) runFrontier(ctx context.Context, st *runState) {
	queue := newWorkQueue(e.maxConcurrent, e.logger)

	for {
		if ctx.Err() != nil || st.fatalErr != nil {
			return
		}

		ready := e.readySteps(st)
		if len(ready) == 0 {
			return
		}

		for _, id := range ready {
			stepID := id
			if err := queue.Dispatch(ctx, func(ctx context.Context) {
				e.runStep(ctx, st, stepID)
			}); err != nil {
				queue.Drain()
				return
			}
		}
		queue.Drain()
	}
}

// readySteps returns the schedulable steps whose dependencies are all
// completed, in topological order for determinism. Loop-body steps are owned
// by their loop and never scheduled at the top level; branch members wait for
// their decision to activate them.
func (e *Engine) readySteps(st *runState) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	order := st.graph.Sorted
	if st.graph.Cyclic {
		// No topological order exists; steps off the cycle can still run.
		order = make([]string, 0, len(st.graph.Steps))
		for id := range st.graph.Steps {
			order = append(order, id)
		}
		sort.Strings(order)
	}

	var ready []string
	for _, id := range order {
		if st.completed[id] || st.pruned[id] {
			continue
		}
		if _, seen := st.scope.Results[id]; seen {
			continue
		}
		if !st.graph.Reachable[id] || st.graph.LoopBodies[id] {
			continue
		}
		if st.graph.Branches[id] && !st.activated[id] {
			continue
		}
		depsDone := true
		for _, dep := range st.graph.Edges[id] {
			if !st.completed[dep] {
				depsDone = false
				break
			}
		}
		if depsDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// runStep resolves, executes and records one step. Failures that survive the
// retry/recovery pipeline mark the run fatal and stop the frontier loop.
// Every exit records a result; an unrecorded step would stay ready forever.
func (e *Engine) runStep(ctx context.Context, st *runState, stepID string) {
	step := st.graph.Steps[stepID]
	ctx = logging.WithStepID(ctx, stepID)

	defer func() {
		if r := recover(); r != nil {
			e.recordFailure(ctx, st, step, nil,
				schema.NewErrorf(schema.ErrCodeExecution, "step panicked: %v", r).WithStep(stepID))
		}
	}()

	e.publish(ctx, st.plan.ID, stepID, schema.EventStepStarted, map[string]any{"type": step.Type})
	e.logger.Info("step started", "step_id", stepID, "type", step.Type)

	scope, path := st.snapshot()
	ec := &executors.ExecutionContext{
		PlanID:        st.plan.ID,
		TransactionID: st.opts.TransactionID,
		Scope:         scope,
		Resolver:      e.resolver,
		DryRun:        st.opts.DryRun,
		Logger:        e.logger,
	}

	executor, err := e.registry.Get(step.Type)
	if err != nil {
		e.recordFailure(ctx, st, step, nil, err)
		return
	}

	execContext := map[string]any{
		"plan_id":        st.plan.ID,
		"transaction_id": st.opts.TransactionID,
		"execution_path": path,
	}

	start := time.Now()
	result, execErr := e.retry.Run(ctx, step, execContext, func(ctx context.Context) (*schema.Result, error) {
		// Full re-execution on every attempt: resolution and gates included.
		resolved := e.resolver.ResolveStep(ctx, step, scope)
		return executor.Execute(ctx, resolved, ec)
	})
	if result == nil {
		result = &schema.Result{StepID: stepID, Type: step.Type, Outputs: map[string]any{}}
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(start)
	}

	if execErr != nil {
		e.recordFailure(ctx, st, step, result, execErr)
		return
	}

	e.recordSuccess(ctx, st, step, result)
}

// recordSuccess stores the result, copies outputs into the variable store
// and performs decision branch activation/pruning.
func (e *Engine) recordSuccess(ctx context.Context, st *runState, step *schema.Step, result *schema.Result) {
	st.mu.Lock()
	st.scope.Results[step.ID] = result
	st.completed[step.ID] = true
	st.path = append(st.path, step.ID)
	st.mu.Unlock()

	// Output writes shadow same-name variables; the store tags the producer.
	for name, value := range result.Outputs {
		st.scope.Vars.Set(name, value, step.ID)
	}

	if step.Type == schema.StepTypeDecision {
		e.applyDecision(ctx, st, step, result)
	}

	if e.rollback != nil && step.Type == schema.StepTypeCommand && !st.opts.DryRun {
		e.rollback.RecordStepSuccess(ctx, step.ID, step.Command, result.Outputs, st.opts.TransactionID)
	}

	e.publish(ctx, st.plan.ID, step.ID, schema.EventStepCompleted, map[string]any{
		"retried":          result.Retried,
		"recovery_applied": result.RecoveryApplied,
		"duration_ms":      result.ExecutionTime.Milliseconds(),
	})
	e.logger.Info("step completed",
		"step_id", step.ID, "type", step.Type,
		"duration_ms", result.ExecutionTime.Milliseconds(), "retried", result.Retried)
}

// recordFailure stores the failing result and marks the run fatal. Per the
// abort rule there is no partial-success continuation past a fatal step.
func (e *Engine) recordFailure(ctx context.Context, st *runState, step *schema.Step, result *schema.Result, err error) {
	if result == nil {
		result = &schema.Result{StepID: step.ID, Type: step.Type, Outputs: map[string]any{}}
	}
	result.Success = false
	if result.Error == "" {
		result.Error = err.Error()
	}

	st.mu.Lock()
	st.scope.Results[step.ID] = result
	st.path = append(st.path, step.ID)
	if st.fatalErr == nil {
		st.fatalErr = err
		st.failed = step.ID
	}
	st.mu.Unlock()

	event := schema.EventStepFailed
	if ee, ok := err.(*schema.EngineError); ok && ee.Code == schema.ErrCodeSafetyRejection {
		event = schema.EventSafetyRejected
	}
	e.publish(ctx, st.plan.ID, step.ID, event, map[string]any{"error": result.Error})
	e.logger.Error("step failed", "step_id", step.ID, "type", step.Type, "error", err)
}

// applyDecision activates the taken branch and prunes the other. Pruning
// cascades through dependents: a step downstream of a pruned step can never
// become ready, so it is skipped rather than left to stall the run.
func (e *Engine) applyDecision(ctx context.Context, st *runState, step *schema.Step, result *schema.Result) {
	taken, _ := result.Outputs["condition_result"].(bool)

	activate, prune := step.FalseBranch, step.TrueBranch
	if taken {
		activate, prune = step.TrueBranch, step.FalseBranch
	}

	st.mu.Lock()
	for _, id := range activate {
		st.activated[id] = true
	}
	var skipped []string
	for _, id := range prune {
		skipped = append(skipped, st.pruneLocked(id)...)
	}
	st.mu.Unlock()

	e.publish(ctx, st.plan.ID, step.ID, schema.EventDecisionEvaluated, map[string]any{
		"condition_result": taken,
		"activated":        activate,
		"pruned":           skipped,
	})
	for _, id := range skipped {
		e.publish(ctx, st.plan.ID, id, schema.EventStepSkipped, map[string]any{"reason": "branch not taken"})
	}
}

// pruneLocked marks a step and its exclusive downstream closure skipped.
// Steps shared with the taken branch are spared: an activated step is only
// pruned if a pruned dependency makes it unrunnable anyway.
func (st *runState) pruneLocked(id string) []string {
	if st.pruned[id] || st.completed[id] {
		return nil
	}
	st.pruned[id] = true
	skipped := []string{id}

	step := st.graph.Steps[id]
	if step != nil {
		// A pruned decision can never activate its branches.
		for _, b := range step.TrueBranch {
			skipped = append(skipped, st.pruneLocked(b)...)
		}
		for _, b := range step.FalseBranch {
			skipped = append(skipped, st.pruneLocked(b)...)
		}
		for _, b := range step.LoopBody {
			skipped = append(skipped, st.pruneLocked(b)...)
		}
	}
	for _, dep := range st.graph.Reverse[id] {
		skipped = append(skipped, st.pruneLocked(dep)...)
	}
	return skipped
}

// finalize computes the terminal summary: success means every reachable,
// branch-pruned, top-level step completed.
func (e *Engine) finalize(ctx context.Context, st *runState, summary *schema.Summary) *schema.Summary {
	st.mu.Lock()
	defer st.mu.Unlock()

	summary.Results = st.scope.Results
	summary.ExecutionPath = append([]string(nil), st.path...)
	summary.Variables = st.scope.Vars.Snapshot()
	summary.StepsCompleted = len(st.completed)
	now := time.Now().UTC()
	summary.CompletedAt = &now
	summary.FailedStep = st.failed

	success := st.fatalErr == nil
	for id := range st.graph.Steps {
		if !st.graph.Reachable[id] || st.graph.LoopBodies[id] || st.pruned[id] {
			continue
		}
		if st.graph.Branches[id] && !st.activated[id] {
			// Branch never reached; its decision was pruned or never ran.
			continue
		}
		if !st.completed[id] {
			success = false
			break
		}
	}
	summary.Success = success

	event := schema.EventPlanCompleted
	if !success {
		event = schema.EventPlanFailed
	}
	e.publish(ctx, st.plan.ID, "", event, map[string]any{
		"steps_completed": summary.StepsCompleted,
		"failed_step":     summary.FailedStep,
	})
	e.logger.Info("plan execution finished",
		"plan_id", st.plan.ID, "success", success,
		"steps_completed", summary.StepsCompleted, "failed_step", summary.FailedStep)
	return summary
}

// RunSubPlan re-enters the scheduler for a loop body. It satisfies
// executors.SubPlanRunner.
func (e *Engine) RunSubPlan(ctx context.Context, plan *schema.Plan, vars map[string]any) (*schema.Summary, error) {
	return e.Execute(ctx, plan, Options{InitialVariables: vars})
}

// ExecuteSingleStep runs one step outside any plan, for ad-hoc invocation.
func (e *Engine) ExecuteSingleStep(ctx context.Context, step *schema.Step, vars map[string]any, dryRun bool) (*schema.Result, error) {
	if step.ID == "" {
		step = step.Clone()
		step.ID = "adhoc-" + uuid.NewString()[:8]
	}
	plan := &schema.Plan{
		ID:          "adhoc-" + uuid.NewString()[:8],
		Goal:        "single step " + step.ID,
		Steps:       map[string]*schema.Step{step.ID: step},
		EntryPoints: []string{step.ID},
	}
	summary, err := e.Execute(ctx, plan, Options{DryRun: dryRun, InitialVariables: vars})
	if err != nil {
		return nil, err
	}
	if res, ok := summary.Results[step.ID]; ok {
		return res, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecution, "step %q produced no result", step.ID).WithStep(step.ID)
}

func (e *Engine) publish(ctx context.Context, planID, stepID, eventType string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.ProgressEvent{
		PlanID:    planID,
		StepID:    stepID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
