package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/safety"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/sandbox"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandOutput      = 10 * 1024 * 1024 // 10MB per stream
)

// Compile-time interface check.
var _ StepExecutor = (*CommandExecutor)(nil)

// CommandExecutor runs a shell command through the safety gate, captures its
// streams and harvests outputs from stdout. NAME=value lines become outputs,
// and any top-level JSON object in stdout has its keys merged in.
type CommandExecutor struct {
	validator safety.Validator
	workDir   string
}

// NewCommandExecutor creates a CommandExecutor gated by validator. An empty
// workDir runs commands in the process working directory.
func NewCommandExecutor(validator safety.Validator, workDir string) *CommandExecutor {
	if validator == nil {
		validator = safety.NewPatternValidator()
	}
	return &CommandExecutor{validator: validator, workDir: workDir}
}

func (e *CommandExecutor) Type() schema.StepType { return schema.StepTypeCommand }

func (e *CommandExecutor) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.Result, error) {
	res := newResult(step)

	command := strings.TrimSpace(step.Command)
	if command == "" {
		return failResult(res, schema.NewError(schema.ErrCodeStructural, "command step has no command").WithStep(step.ID))
	}

	if !step.SkipSafetyCheck {
		if ok, reason := e.validator.Validate(command); !ok {
			return failResult(res, schema.NewErrorf(schema.ErrCodeSafetyRejection,
				"command rejected by safety gate: %s", reason).
				WithStep(step.ID).
				WithDetails(map[string]any{"command": command}))
		}
	}

	if ec.DryRun {
		res.Success = true
		res.Outputs["stdout"] = "[dry-run] would execute: " + command
		res.Outputs["exit_code"] = 0
		res.Outputs["success"] = true
		return res, nil
	}

	timeout := stepTimeout(step, defaultCommandTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	cmd.Dir = e.workDir
	cmd.Env = os.Environ()
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, limit: maxCommandOutput}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, limit: maxCommandOutput}

	start := time.Now()
	runErr := cmd.Run()
	res.ExecutionTime = time.Since(start)

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()
	res.Outputs["stdout"] = stdout
	res.Outputs["stderr"] = stderr

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if execCtx.Err() == nil {
			res.Outputs["exit_code"] = -1
			res.Outputs["success"] = false
			return failResult(res, schema.NewErrorf(schema.ErrCodeExecution,
				"command spawn failed: %v", runErr).WithStep(step.ID).WithCause(runErr))
		}
	}
	res.Outputs["exit_code"] = exitCode
	res.Outputs["success"] = exitCode == 0 && runErr == nil

	if execCtx.Err() == context.DeadlineExceeded {
		return failResult(res, schema.NewErrorf(schema.ErrCodeTimeout,
			"command killed after %s", timeout).
			WithStep(step.ID).
			WithDetails(map[string]any{"timeout": timeout.String()}))
	}
	if err := ctx.Err(); err != nil {
		return failResult(res, schema.NewError(schema.ErrCodeCancelled, "command cancelled").WithStep(step.ID).WithCause(err))
	}

	mergeStdoutOutputs(res.Outputs, stdout)

	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "command exited with code " + strconv.Itoa(exitCode)
		}
		return failResult(res, schema.NewErrorf(schema.ErrCodeExecution, "%s", msg).
			WithStep(step.ID).
			WithDetails(map[string]any{"exit_code": exitCode}))
	}

	res.Success = true
	return res, nil
}

// mergeStdoutOutputs harvests structured outputs from stdout: top-level keys
// of any JSON object found in the stream, then NAME=value assignment lines.
// Explicit assignments win over JSON keys of the same name.
func mergeStdoutOutputs(outputs map[string]any, stdout string) {
	for _, obj := range stdoutJSONObjects(stdout) {
		for k, v := range obj {
			if _, reserved := outputs[k]; !reserved {
				outputs[k] = v
			}
		}
	}
	for k, v := range sandbox.ScanAssignments(stdout) {
		if _, reserved := reservedOutputs[k]; reserved {
			continue
		}
		outputs[k] = v
	}
}

// stdoutJSONObjects finds top-level JSON objects in stdout: the whole stream
// when it parses as one object (covers pretty-printed multi-line JSON),
// otherwise every individual line that does.
func stdoutJSONObjects(stdout string) []map[string]any {
	if obj := parseJSONObject(strings.TrimSpace(stdout)); obj != nil {
		return []map[string]any{obj}
	}
	var objs []map[string]any
	for _, line := range strings.Split(stdout, "\n") {
		if obj := parseJSONObject(strings.TrimSpace(line)); obj != nil {
			objs = append(objs, obj)
		}
	}
	return objs
}

func parseJSONObject(s string) map[string]any {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil
	}
	return parsed
}

// reservedOutputs are the output names every command result owns; harvested
// values never overwrite them.
var reservedOutputs = map[string]struct{}{
	"stdout": {}, "stderr": {}, "exit_code": {}, "success": {},
}

// cappedWriter discards bytes beyond the limit while still reporting the full
// write, so the child never blocks on a full pipe.
type cappedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := cw.limit - cw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(total) > remaining {
		p = p[:remaining]
	}
	n, err := cw.w.Write(p)
	cw.written += int64(n)
	if err != nil {
		return n, err
	}
	return total, nil
}
