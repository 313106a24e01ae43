package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// RecoveryService is the external collaborator consulted after retries are
// exhausted. A successful recovery flips the failing result to success.
type RecoveryService interface {
	Recover(ctx context.Context, step *schema.Step, failing *schema.Result, execContext map[string]any) (*RecoveryOutcome, error)
}

// RecoveryOutcome reports what the recovery collaborator did.
type RecoveryOutcome struct {
	Success  bool           `json:"success"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
}

// RollbackRecorder receives fire-and-forget notifications of step successes
// so an external transaction log can prepare undo actions.
type RollbackRecorder interface {
	RecordStepSuccess(ctx context.Context, stepID, command string, outputs map[string]any, transactionID string)
}

// RetryController wraps one step invocation with backoff retries and the
// recovery escalation. Safety rejections and structural errors are never
// retried and never sent to recovery: re-running cannot change them.
type RetryController struct {
	recovery RecoveryService
	logger   *slog.Logger
	onRetry  func(attempt int, err error)
}

func NewRetryController(recovery RecoveryService, logger *slog.Logger) *RetryController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryController{recovery: recovery, logger: logger}
}

// OnRetry registers a callback invoked before each re-execution.
func (c *RetryController) OnRetry(fn func(attempt int, err error)) {
	c.onRetry = fn
}

// Run executes the step via exec, retrying per the step's retry declaration.
// Each retry repeats the full execution, safety and security gates included.
// The first success is final. On exhaustion the recovery collaborator gets
// one chance to flip the result.
func (c *RetryController) Run(ctx context.Context, step *schema.Step, execContext map[string]any, exec func(context.Context) (*schema.Result, error)) (*schema.Result, error) {
	var (
		result  *schema.Result
		execErr error
	)

	attempts := step.Retry
	if attempts < 0 {
		attempts = 0
	}

	for attempt := 0; ; attempt++ {
		result, execErr = exec(ctx)
		if execErr == nil {
			if attempt > 0 {
				result.Retried = true
				result.RetryCount = attempt
			}
			return result, nil
		}

		if !isRetryable(execErr) || attempt >= attempts {
			break
		}

		delay := computeBackoff(attempt)
		c.logger.Warn("step failed, retrying",
			"step_id", step.ID, "attempt", attempt+1, "max_retries", attempts,
			"backoff", delay, "error", execErr)
		if c.onRetry != nil {
			c.onRetry(attempt+1, execErr)
		}
		if err := waitForBackoff(ctx, delay); err != nil {
			return result, schema.NewError(schema.ErrCodeCancelled, "retry wait cancelled").WithStep(step.ID).WithCause(err)
		}
	}

	if result != nil && attempts > 0 && isRetryable(execErr) {
		result.Retried = true
		result.RetryCount = attempts
	}

	// Gate failures are terminal: executing never happened, recovering from
	// a plan defect is not the recovery collaborator's job.
	if !isRetryable(execErr) || c.recovery == nil {
		return result, execErr
	}

	outcome, recErr := c.recovery.Recover(ctx, step, result, execContext)
	if recErr != nil || outcome == nil || !outcome.Success {
		if recErr != nil {
			c.logger.Error("recovery failed", "step_id", step.ID, "error", recErr)
		}
		return result, execErr
	}

	c.logger.Info("step recovered", "step_id", step.ID, "strategy", outcome.Strategy)
	if result == nil {
		result = &schema.Result{StepID: step.ID, Type: step.Type, Outputs: map[string]any{}}
	}
	result.Success = true
	result.Error = ""
	result.RecoveryApplied = true
	if result.Outputs == nil {
		result.Outputs = map[string]any{}
	}
	for k, v := range outcome.Outputs {
		result.Outputs[k] = v
	}
	return result, nil
}

// isRetryable classifies an execution error. Typed errors answer for
// themselves; a bare deadline error counts as a timeout and is retryable,
// anything else is treated as an execution failure.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// computeBackoff returns the exponential delay before re-running: 2^attempt
// seconds for attempt 0, 1, 2...
func computeBackoff(attempt int) time.Duration {
	delay := time.Second
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// waitForBackoff sleeps for the delay or returns early on cancellation.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
