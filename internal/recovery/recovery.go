// Package recovery bridges the engine's post-retry escalation to an
// external recovery collaborator, typically the agent driving angela over
// MCP. It packages the failure into a self-contained context document and
// validates whatever the collaborator decides.
package recovery

import (
	"context"
	"encoding/json"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/engine"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// FailureContext is everything a recovery collaborator needs to decide
// what to do about a failed step, without access to engine internals.
type FailureContext struct {
	StepID        string         `json:"step_id"`
	StepType      string         `json:"step_type"`
	Description   string         `json:"description,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	Error         string         `json:"error"`
	RetryCount    int            `json:"retry_count"`
	PartialOutput map[string]any `json:"partial_output,omitempty"`
	ExecContext   map[string]any `json:"exec_context,omitempty"`
}

// BuildFailureContext assembles the context document for one failed step.
func BuildFailureContext(step *schema.Step, failing *schema.Result, execContext map[string]any) json.RawMessage {
	fc := FailureContext{
		StepID:      step.ID,
		StepType:    string(step.Type),
		Description: step.Description,
		ExecContext: execContext,
	}
	if failing != nil {
		fc.Error = failing.Error
		fc.RetryCount = failing.RetryCount
		fc.PartialOutput = failing.Outputs
	}
	// The result carries only the message; the code travels in outputs
	// when the executor recorded one.
	if failing != nil {
		if code, ok := failing.Outputs["error_code"].(string); ok {
			fc.ErrorCode = code
		}
	}
	data, err := json.Marshal(fc)
	if err != nil {
		// Only reachable with non-serializable outputs; keep the step id.
		data, _ = json.Marshal(FailureContext{StepID: step.ID, Error: "context serialization failed"})
	}
	return data
}

// ValidateStrategy checks a collaborator's chosen strategy against the
// allowed set. An empty allowed set accepts any strategy.
func ValidateStrategy(allowed []string, strategy string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, s := range allowed {
		if s == strategy {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeRecovery, "strategy %q is not in the allowed set", strategy)
}

// Func adapts a plain function to engine.RecoveryService.
type Func func(ctx context.Context, step *schema.Step, failing *schema.Result, execContext map[string]any) (*engine.RecoveryOutcome, error)

func (f Func) Recover(ctx context.Context, step *schema.Step, failing *schema.Result, execContext map[string]any) (*engine.RecoveryOutcome, error) {
	return f(ctx, step, failing, execContext)
}

// None declines every escalation so the original error propagates. It is
// the default when no external collaborator is attached.
type None struct{}

func (None) Recover(ctx context.Context, step *schema.Step, failing *schema.Result, execContext map[string]any) (*engine.RecoveryOutcome, error) {
	return &engine.RecoveryOutcome{Success: false}, nil
}
