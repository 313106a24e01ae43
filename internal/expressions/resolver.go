package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/secrets"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Scope holds all data available for reference resolution within one step.
type Scope struct {
	Plan    *schema.Plan              // the enclosing plan, for body expansion
	Vars    *VariableStore            // inter-step variables
	Results map[string]*schema.Result // results of already-completed steps
}

// Resolver substitutes ${...} references in step parameters and conditions.
// Supported forms:
//
//	${name}                      — Variable Store lookup (dotted traversal
//	                               into map-valued variables is allowed)
//	${result.<step>.<field...>}  — deep index into a completed step's Result
//	${secret.KEY}                — Vault lookup (when a vault is configured)
//
// An unresolvable reference is left as literal text, never an error: the
// value may be meaningful to the step itself (e.g. shell `${HOME}`).
type Resolver struct {
	vault secrets.Vault
}

// NewResolver creates a Resolver with an optional Vault for ${secret.*}.
func NewResolver(vault secrets.Vault) *Resolver {
	return &Resolver{vault: vault}
}

// Resolve recursively walks strings, maps and lists, substituting references
// in string leaves only. Non-string leaves pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, value any, scope *Scope) any {
	switch v := value.(type) {
	case string:
		return r.resolveString(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Resolve(ctx, item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Resolve(ctx, item, scope)
		}
		return out
	default:
		return value
	}
}

// ResolveString resolves references in a single string, preserving the value
// type when the whole string is exactly one reference (so `"${count}"`
// resolves to the number 3, not the text "3").
func (r *Resolver) ResolveString(ctx context.Context, s string, scope *Scope) any {
	return r.resolveString(ctx, s, scope)
}

// ResolveStep returns a resolved copy of the step with references substituted
// in every string payload field. The original step is never mutated.
func (r *Resolver) ResolveStep(ctx context.Context, step *schema.Step, scope *Scope) *schema.Step {
	resolved := step.Clone()

	resolveInto := func(s string) string {
		return Stringify(r.resolveString(ctx, s, scope))
	}

	resolved.Command = resolveInto(step.Command)
	resolved.Code = resolveInto(step.Code)
	resolved.Path = resolveInto(step.Path)
	resolved.Content = resolveInto(step.Content)
	resolved.Destination = resolveInto(step.Destination)
	resolved.Condition = resolveInto(step.Condition)
	resolved.URL = resolveInto(step.URL)
	resolved.Items = resolveInto(step.Items)
	for k, v := range resolved.Headers {
		resolved.Headers[k] = resolveInto(v)
	}
	if step.Params != nil {
		resolved.Params, _ = r.Resolve(ctx, step.Params, scope).(map[string]any)
	}
	if step.Body != nil {
		resolved.Body = r.Resolve(ctx, step.Body, scope)
	}
	return resolved
}

// HasReference reports whether s contains any ${...} token.
func HasReference(s string) bool {
	return strings.Contains(s, "${")
}

func (r *Resolver) resolveString(ctx context.Context, s string, scope *Scope) any {
	if !HasReference(s) {
		return s
	}

	// Whole-string single reference: preserve the resolved value's type.
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		inner := s[2 : len(s)-1]
		if !strings.ContainsAny(inner, "${}") {
			if val, ok := r.resolveToken(ctx, inner, scope); ok {
				return val
			}
			return s
		}
	}

	var out strings.Builder
	out.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}")
		if end == -1 {
			// Unclosed token: keep the tail literally.
			out.WriteString(s[i+idx:])
			break
		}
		end += start

		token := strings.TrimSpace(s[start:end])
		if val, ok := r.resolveToken(ctx, token, scope); ok {
			out.WriteString(Stringify(val))
		} else {
			out.WriteString(s[i+idx : end+1])
		}
		i = end + 1
	}
	return out.String()
}

// resolveToken resolves one reference body (without the ${} wrapper).
// The boolean result distinguishes "resolved" from "leave literal".
func (r *Resolver) resolveToken(ctx context.Context, token string, scope *Scope) (any, bool) {
	if token == "" {
		return nil, false
	}

	switch {
	case strings.HasPrefix(token, "result."):
		return r.resolveResult(token, scope)
	case strings.HasPrefix(token, "secret."):
		return r.resolveSecret(ctx, strings.TrimPrefix(token, "secret."))
	default:
		return r.resolveVariable(token, scope)
	}
}

// resolveResult handles result.<step>.<field...> references. The step's
// Result is viewed as {success, error, outputs, execution_time_ms} with a
// convenience fallthrough: a field not found at the top level is looked up
// inside outputs, so result.build.stdout works without the extra segment.
func (r *Resolver) resolveResult(token string, scope *Scope) (any, bool) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 || scope == nil || scope.Results == nil {
		return nil, false
	}
	stepID := parts[1]
	res, ok := scope.Results[stepID]
	if !ok || res == nil {
		return nil, false
	}

	view := map[string]any{
		"success":           res.Success,
		"error":             res.Error,
		"outputs":           anyMap(res.Outputs),
		"execution_time_ms": res.ExecutionTime.Milliseconds(),
	}

	if len(parts) == 2 {
		return view, true
	}

	rest := parts[2:]
	if _, found := view[rest[0]]; !found {
		if _, found := res.Outputs[rest[0]]; found {
			return traversePath(anyMap(res.Outputs), rest)
		}
		return nil, false
	}
	return traversePath(view, rest)
}

func (r *Resolver) resolveSecret(ctx context.Context, key string) (any, bool) {
	if r.vault == nil || key == "" {
		return nil, false
	}
	val, err := r.vault.Resolve(ctx, key)
	if err != nil {
		return nil, false
	}
	return string(val), true
}

// resolveVariable handles plain ${name} lookups, trying the literal name
// first (names may contain dots) and dotted traversal second.
func (r *Resolver) resolveVariable(token string, scope *Scope) (any, bool) {
	if scope == nil || scope.Vars == nil {
		return nil, false
	}
	if val, ok := scope.Vars.Get(token); ok {
		return val, true
	}
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, false
	}
	root, ok := scope.Vars.Get(parts[0])
	if !ok {
		return nil, false
	}
	return traversePath(root, parts[1:])
}

// traversePath navigates into nested maps and slices using path segments.
func traversePath(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			var idx int
			if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify converts a resolved value into its inline text representation.
// Strings pass through unquoted; complex values are JSON-encoded.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// anyMap widens a map[string]any for traversal (nil-safe).
func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
