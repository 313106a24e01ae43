package schema

import (
	"encoding/json"
	"time"
)

// Plan is the JSON-serializable execution plan format. The planning
// collaborator (typically an LLM) produces one of these; the engine only
// requires that it is well-formed.
type Plan struct {
	ID          string           `json:"id"`
	Goal        string           `json:"goal"`
	Description string           `json:"description,omitempty"`
	Steps       map[string]*Step `json:"steps"`
	EntryPoints []string         `json:"entry_points"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// Step describes a single unit of work in a plan. Steps are immutable once
// scheduling starts: resolution yields a resolved copy, never mutates the
// original.
type Step struct {
	ID            string   `json:"id"`
	Type          StepType `json:"type"`
	Description   string   `json:"description,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	EstimatedRisk int      `json:"estimated_risk,omitempty"` // 0 (safe) .. 4 (destructive)
	Timeout       string   `json:"timeout,omitempty"`        // e.g. "30s", "5m"
	Retry         int      `json:"retry,omitempty"`          // max retry attempts after first failure

	// Command payload.
	Command         string `json:"command,omitempty"`
	SkipSafetyCheck bool   `json:"skip_safety_check,omitempty"`

	// Code payload.
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"` // python | javascript | shell

	// File payload.
	Path        string `json:"path,omitempty"`
	Operation   string `json:"operation,omitempty"` // read | write | delete | copy | move
	Content     string `json:"content,omitempty"`
	Destination string `json:"destination,omitempty"`

	// Decision payload.
	Condition   string   `json:"condition,omitempty"`
	TrueBranch  []string `json:"true_branch,omitempty"`
	FalseBranch []string `json:"false_branch,omitempty"`

	// API payload.
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]any    `json:"params,omitempty"`
	Body    any               `json:"body,omitempty"`
	Extract map[string]string `json:"extract,omitempty"` // output name -> jq expression over the response

	// Loop payload.
	Items    string   `json:"items,omitempty"`
	LoopBody []string `json:"loop_body,omitempty"` // body step IDs, executed per item
}

// Clone returns a deep-enough copy of the step for parameter resolution.
// Slice and map fields are copied so resolution never touches the original.
func (s *Step) Clone() *Step {
	c := *s
	c.Dependencies = append([]string(nil), s.Dependencies...)
	c.TrueBranch = append([]string(nil), s.TrueBranch...)
	c.FalseBranch = append([]string(nil), s.FalseBranch...)
	c.LoopBody = append([]string(nil), s.LoopBody...)
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	if s.Extract != nil {
		c.Extract = make(map[string]string, len(s.Extract))
		for k, v := range s.Extract {
			c.Extract[k] = v
		}
	}
	if s.Params != nil {
		c.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// StepType enumerates the six kinds of steps the engine executes.
// The set is closed: new step types extend this enum and the executor
// registry, never a subclass hierarchy.
type StepType string

const (
	StepTypeCommand  StepType = "command"
	StepTypeCode     StepType = "code"
	StepTypeFile     StepType = "file"
	StepTypeDecision StepType = "decision"
	StepTypeAPI      StepType = "api"
	StepTypeLoop     StepType = "loop"
)

// ValidStepTypes is the set of recognized step types.
var ValidStepTypes = map[StepType]bool{
	StepTypeCommand:  true,
	StepTypeCode:     true,
	StepTypeFile:     true,
	StepTypeDecision: true,
	StepTypeAPI:      true,
	StepTypeLoop:     true,
}

// Result is the outcome of a single step execution. A retried or recovered
// execution yields one final Result that replaces the provisional failing one.
type Result struct {
	StepID          string         `json:"step_id"`
	Type            StepType       `json:"type"`
	Success         bool           `json:"success"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTime   time.Duration  `json:"execution_time"`
	Retried         bool           `json:"retried,omitempty"`
	RetryCount      int            `json:"retry_count,omitempty"`
	RecoveryApplied bool           `json:"recovery_applied,omitempty"`
}

// Output returns a named output value, or nil when absent.
func (r *Result) Output(name string) any {
	if r == nil || r.Outputs == nil {
		return nil
	}
	return r.Outputs[name]
}

// Summary is returned by Execute with the overall plan outcome.
type Summary struct {
	PlanID         string             `json:"plan_id"`
	TransactionID  string             `json:"transaction_id,omitempty"`
	Goal           string             `json:"goal,omitempty"`
	Success        bool               `json:"success"`
	StepsCompleted int                `json:"steps_completed"`
	StepsTotal     int                `json:"steps_total"`
	Results        map[string]*Result `json:"results"`
	ExecutionPath  []string           `json:"execution_path"`
	Variables      map[string]any     `json:"variables,omitempty"`
	FailedStep     string             `json:"failed_step,omitempty"`
	Warnings       []string           `json:"warnings,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// StepStatus represents the lifecycle state of a step during one execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped" // pruned decision branch or unreachable
)

// ParsePlan unmarshals a raw plan document.
func ParsePlan(raw []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewErrorf(ErrCodeStructural, "malformed plan document: %s", err.Error()).WithCause(err)
	}
	// Step map keys win over embedded IDs; fill empty IDs from the key.
	for id, step := range p.Steps {
		if step == nil {
			return nil, NewErrorf(ErrCodeStructural, "step %q is null", id)
		}
		if step.ID == "" {
			step.ID = id
		}
	}
	return &p, nil
}
