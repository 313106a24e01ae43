package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// planSchemaJSON is the JSON Schema for raw plan documents.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://angela.dev/schemas/plan.json",
  "type": "object",
  "required": ["id", "goal", "steps", "entry_points"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "goal": {"type": "string"},
    "description": {"type": "string"},
    "steps": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/step" }
    },
    "entry_points": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "created_at": {"type": "string"},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": {"type": "string"},
        "type": {
          "type": "string",
          "enum": ["command", "code", "file", "decision", "api", "loop"]
        },
        "description": {"type": "string"},
        "dependencies": {"type": "array", "items": {"type": "string"}},
        "estimated_risk": {"type": "integer", "minimum": 0, "maximum": 4},
        "timeout": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"},
        "retry": {"type": "integer", "minimum": 0},
        "command": {"type": "string"},
        "skip_safety_check": {"type": "boolean"},
        "code": {"type": "string"},
        "language": {"type": "string", "enum": ["python", "javascript", "shell"]},
        "path": {"type": "string"},
        "operation": {"type": "string", "enum": ["read", "write", "delete", "copy", "move"]},
        "content": {"type": "string"},
        "destination": {"type": "string"},
        "condition": {"type": "string"},
        "true_branch": {"type": "array", "items": {"type": "string"}},
        "false_branch": {"type": "array", "items": {"type": "string"}},
        "url": {"type": "string"},
        "method": {"type": "string"},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "params": {"type": "object"},
        "body": {},
        "extract": {"type": "object", "additionalProperties": {"type": "string"}},
        "items": {"type": "string"},
        "loop_body": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates raw plan documents against the embedded
// JSON Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the plan schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://angela.dev/schemas/plan.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	compiled, err := c.Compile("https://angela.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &JSONSchemaValidator{planSchema: compiled}, nil
}

// ValidateDocument validates raw plan JSON against the plan schema.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeStructural, "plan document is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeStructural, "plan document is not valid JSON").WithCause(err)
	}

	if err := v.planSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with clear, actionable messages for agent consumption.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeStructural, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeStructural, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeStructural, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("plan validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeStructural, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
