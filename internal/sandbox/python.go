package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Compile-time interface check.
var _ Runner = (*PythonRunner)(nil)

// PythonRunner executes python source under a wrapper that injects vars.json
// as the global namespace, captures stdout/stderr and serializes new or
// changed bindings back to output.json.
type PythonRunner struct {
	// Interpreter overrides the binary name, default "python3".
	Interpreter string
}

func (r *PythonRunner) Language() string { return "python" }

const pythonWrapper = `import io
import json
import sys
import traceback
import types

with open("vars.json", "r") as _fh:
    _vars = json.load(_fh)

_ns = dict(_vars)
_result = {"outputs": {}, "stdout": "", "stderr": "", "error": "", "traceback": ""}
_out, _err = io.StringIO(), io.StringIO()
_real = (sys.stdout, sys.stderr)
sys.stdout, sys.stderr = _out, _err
try:
    with open("user_code.py", "r") as _fh:
        _src = _fh.read()
    exec(compile(_src, "user_code.py", "exec"), _ns)
except BaseException as _exc:
    _result["error"] = "%s: %s" % (type(_exc).__name__, _exc)
    _result["traceback"] = traceback.format_exc()
finally:
    sys.stdout, sys.stderr = _real

def _keep(name, value):
    if name.startswith("_"):
        return False
    if isinstance(value, (types.ModuleType, types.FunctionType, types.BuiltinFunctionType, type)):
        return False
    if name in _vars:
        try:
            if _vars[name] == value:
                return False
        except Exception:
            pass
    try:
        json.dumps(value)
    except (TypeError, ValueError):
        return False
    return True

for _k, _v in _ns.items():
    if _keep(_k, _v):
        _result["outputs"][_k] = _v

_result["stdout"] = _out.getvalue()
_result["stderr"] = _err.getvalue()
with open("output.json", "w") as _fh:
    json.dump(_result, _fh)
sys.exit(1 if _result["error"] else 0)
`

func (r *PythonRunner) Prepare(dir, source string, _ map[string]any) ([]string, error) {
	if err := os.WriteFile(filepath.Join(dir, "user_code.py"), []byte(source), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write user_code.py: %v", err).WithCause(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "wrapper.py"), []byte(pythonWrapper), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write wrapper.py: %v", err).WithCause(err)
	}
	interp := r.Interpreter
	if interp == "" {
		interp = "python3"
	}
	return []string{interp, "wrapper.py"}, nil
}

func (r *PythonRunner) Collect(dir string, stdout, stderr []byte, exitCode int) (*RunResult, error) {
	payload, err := readPayload(dir)
	if err != nil {
		// Wrapper never reached the write, fall back to the raw streams.
		return &RunResult{
			Stdout:   string(stdout),
			Stderr:   string(stderr),
			ExitCode: exitCode,
			ErrMsg:   strings.TrimSpace(string(stderr)),
		}, nil
	}
	return &RunResult{
		Outputs:   payload.Outputs,
		Stdout:    payload.Stdout,
		Stderr:    payload.Stderr,
		ExitCode:  exitCode,
		ErrMsg:    payload.Error,
		Traceback: payload.Traceback,
	}, nil
}
