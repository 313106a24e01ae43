package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Compile-time interface check.
var _ Runner = (*ShellRunner)(nil)

// ShellRunner executes shell source with variables exported as environment
// variables. There is no wrapper protocol on the way out: outputs are
// harvested by scanning stdout for NAME=value lines, the same convention the
// command step uses.
type ShellRunner struct {
	// Shell overrides the binary, default "/bin/sh".
	Shell string
}

func (r *ShellRunner) Language() string { return "shell" }

var (
	shellIdentRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	shellAssignRe = regexp.MustCompile(`^(?:export\s+)?([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)
)

func (r *ShellRunner) Prepare(dir, source string, vars map[string]any) ([]string, error) {
	var b strings.Builder
	for name, value := range vars {
		if !shellIdentRe.MatchString(name) {
			continue
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(shellQuote(shellValue(value)))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, "vars.sh"), []byte(b.String()), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write vars.sh: %v", err).WithCause(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "user_code.sh"), []byte(source), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write user_code.sh: %v", err).WithCause(err)
	}
	wrapper := "set -a\n. ./vars.sh\nset +a\n. ./user_code.sh\n"
	if err := os.WriteFile(filepath.Join(dir, "wrapper.sh"), []byte(wrapper), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write wrapper.sh: %v", err).WithCause(err)
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "wrapper.sh"}, nil
}

func (r *ShellRunner) Collect(_ string, stdout, stderr []byte, exitCode int) (*RunResult, error) {
	res := &RunResult{
		Outputs:  ScanAssignments(string(stdout)),
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		ExitCode: exitCode,
	}
	if exitCode != 0 {
		res.ErrMsg = strings.TrimSpace(string(stderr))
		if res.ErrMsg == "" {
			res.ErrMsg = fmt.Sprintf("shell exited with code %d", exitCode)
		}
	}
	return res, nil
}

// ScanAssignments extracts NAME=value bindings from output lines. Shared with
// the command step, which uses the same stdout convention.
func ScanAssignments(out string) map[string]any {
	outputs := map[string]any{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		m := shellAssignRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		outputs[m[1]] = strings.Trim(m[2], `"'`)
	}
	return outputs
}

// shellValue renders a variable for env export: scalars as-is, complex as JSON.
func shellValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", t)
	default:
		return stringify(t)
	}
}

// shellQuote single-quotes a value for sh, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
