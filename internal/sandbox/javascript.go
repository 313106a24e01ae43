package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Compile-time interface check.
var _ Runner = (*JavaScriptRunner)(nil)

// JavaScriptRunner executes javascript source inside a node vm context seeded
// with vars.json plus a small set of safe globals. console output is captured
// and new or changed context bindings are serialized back to output.json.
type JavaScriptRunner struct {
	// Interpreter overrides the binary name, default "node".
	Interpreter string
}

func (r *JavaScriptRunner) Language() string { return "javascript" }

const javascriptWrapper = `"use strict";
const fs = require("fs");
const vm = require("vm");

const vars = JSON.parse(fs.readFileSync("vars.json", "utf8"));
const result = { outputs: {}, stdout: "", stderr: "", error: "", traceback: "" };
const outChunks = [];
const errChunks = [];

function fmt(v) {
  if (typeof v === "string") return v;
  try { return JSON.stringify(v); } catch (_) { return String(v); }
}
const fakeConsole = {
  log: (...a) => outChunks.push(a.map(fmt).join(" ") + "\n"),
  info: (...a) => outChunks.push(a.map(fmt).join(" ") + "\n"),
  warn: (...a) => errChunks.push(a.map(fmt).join(" ") + "\n"),
  error: (...a) => errChunks.push(a.map(fmt).join(" ") + "\n"),
};

const injected = {
  console: fakeConsole,
  JSON: JSON, Math: Math, Date: Date,
  String: String, Number: Number, Boolean: Boolean,
  Array: Array, Object: Object, RegExp: RegExp,
  parseInt: parseInt, parseFloat: parseFloat, isNaN: isNaN,
};
const context = vm.createContext(Object.assign({}, vars, injected));
try {
  const src = fs.readFileSync("user_code.js", "utf8");
  vm.runInContext(src, context, { filename: "user_code.js" });
} catch (err) {
  result.error = err && err.message ? String(err.message) : String(err);
  result.traceback = err && err.stack ? String(err.stack) : "";
}

for (const key of Object.keys(context)) {
  if (key in injected && context[key] === injected[key]) continue;
  const v = context[key];
  if (typeof v === "function" || typeof v === "undefined") continue;
  const encoded = fmt(v);
  if (key in vars && fmt(vars[key]) === encoded) continue;
  try { JSON.stringify(v); result.outputs[key] = v; } catch (_) {}
}

result.stdout = outChunks.join("");
result.stderr = errChunks.join("");
fs.writeFileSync("output.json", JSON.stringify(result));
process.exitCode = result.error ? 1 : 0;
`

func (r *JavaScriptRunner) Prepare(dir, source string, _ map[string]any) ([]string, error) {
	if err := os.WriteFile(filepath.Join(dir, "user_code.js"), []byte(source), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write user_code.js: %v", err).WithCause(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "wrapper.js"), []byte(javascriptWrapper), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write wrapper.js: %v", err).WithCause(err)
	}
	interp := r.Interpreter
	if interp == "" {
		interp = "node"
	}
	return []string{interp, "wrapper.js"}, nil
}

func (r *JavaScriptRunner) Collect(dir string, stdout, stderr []byte, exitCode int) (*RunResult, error) {
	payload, err := readPayload(dir)
	if err != nil {
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
