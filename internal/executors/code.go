package executors

import (
	"context"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/sandbox"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Compile-time interface check.
var _ StepExecutor = (*CodeExecutor)(nil)

// CodeExecutor delegates to the sandbox: security gate, scratch directory,
// hard timeout. New bindings produced by the code become step outputs, so a
// later ${result.<step>.<name>} reference picks them up.
type CodeExecutor struct {
	sandbox *sandbox.Sandbox
}

func NewCodeExecutor(sb *sandbox.Sandbox) *CodeExecutor {
	return &CodeExecutor{sandbox: sb}
}

func (e *CodeExecutor) Type() schema.StepType { return schema.StepTypeCode }

func (e *CodeExecutor) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.Result, error) {
	res := newResult(step)

	if strings.TrimSpace(step.Code) == "" {
		return failResult(res, schema.NewError(schema.ErrCodeStructural, "code step has no code").WithStep(step.ID))
	}
	language := step.Language
	if language == "" {
		language = "python"
	}

	if ec.DryRun {
		// The gate still runs so a dry run surfaces safety rejections early.
		if err := sandbox.CheckSource(language, step.Code); err != nil {
			ee := err.(*schema.EngineError)
			return failResult(res, ee.WithStep(step.ID))
		}
		res.Success = true
		res.Outputs["stdout"] = "[dry-run] would execute " + language + " code"
		return res, nil
	}

	vars := map[string]any{}
	if ec.Scope != nil && ec.Scope.Vars != nil {
		vars = ec.Scope.Vars.Snapshot()
	}

	run, err := e.sandbox.Run(ctx, language, step.Code, vars, stepTimeout(step, sandbox.DefaultTimeout))
	if run != nil {
		for k, v := range run.Outputs {
			res.Outputs[k] = v
		}
		res.Outputs["stdout"] = run.Stdout
		res.Outputs["stderr"] = run.Stderr
		res.Outputs["exit_code"] = run.ExitCode
	}
	if err != nil {
		var ee *schema.EngineError
		if e2, ok := err.(*schema.EngineError); ok {
			ee = e2.WithStep(step.ID)
		} else {
			ee = schema.NewErrorf(schema.ErrCodeExecution, "code execution failed: %v", err).WithStep(step.ID).WithCause(err)
		}
		return failResult(res, ee)
	}

	if run.ErrMsg != "" {
		details := map[string]any{"exit_code": run.ExitCode}
		if run.Traceback != "" {
			details["traceback"] = run.Traceback
		}
		return failResult(res, schema.NewErrorf(schema.ErrCodeExecution, "%s", run.ErrMsg).
			WithStep(step.ID).WithDetails(details))
	}

	res.Success = true
	return res, nil
}
