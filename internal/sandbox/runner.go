package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

const (
	// DefaultTimeout bounds a code step that declares no timeout of its own.
	DefaultTimeout = 30 * time.Second

	defaultMaxOutputSize = 1 << 20 // 1 MiB per stream

	varsFileName   = "vars.json"
	outputFileName = "output.json"
)

// Runner prepares and harvests a single language's sandboxed execution.
// Prepare writes the wrapper and user source into dir and returns the argv
// to spawn. Collect builds the result after the process has exited.
type Runner interface {
	Language() string
	Prepare(dir, source string, vars map[string]any) ([]string, error)
	Collect(dir string, stdout, stderr []byte, exitCode int) (*RunResult, error)
}

// RunResult is the harvested outcome of one sandboxed execution.
type RunResult struct {
	Outputs   map[string]any
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	ErrMsg    string
	Traceback string
}

// wrapperPayload is the JSON document the language wrappers write to
// output.json: new or changed bindings plus captured streams and failure info.
type wrapperPayload struct {
	Outputs   map[string]any `json:"outputs"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	Error     string         `json:"error"`
	Traceback string         `json:"traceback"`
}

// Sandbox executes Code step source in a scratch directory with a hard
// timeout. The directory is created fresh per run and removed on every exit
// path, success, failure and timeout alike.
type Sandbox struct {
	runners        map[string]Runner
	logger         *slog.Logger
	maxOutputSize  int64
	defaultTimeout time.Duration
}

// New creates a Sandbox with the built-in python, javascript and shell runners.
func New(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sandbox{
		runners:        make(map[string]Runner),
		logger:         logger,
		maxOutputSize:  defaultMaxOutputSize,
		defaultTimeout: DefaultTimeout,
	}
	s.Register(&PythonRunner{})
	s.Register(&JavaScriptRunner{})
	s.Register(&ShellRunner{})
	return s
}

// Register installs a runner, replacing any previous one for its language.
func (s *Sandbox) Register(r Runner) {
	s.runners[r.Language()] = r
}

// SetDefaultTimeout overrides the timeout used when a step declares none.
func (s *Sandbox) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		s.defaultTimeout = d
	}
}

// Run gates, spawns and harvests one sandboxed execution. A non-nil RunResult
// may accompany a non-nil error (partial output from a timed-out process).
func (s *Sandbox) Run(ctx context.Context, language, source string, vars map[string]any, timeout time.Duration) (*RunResult, error) {
	if err := CheckSource(language, source); err != nil {
		return nil, err
	}

	runner, ok := s.runners[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported sandbox language %q", language)
	}

	dir, err := os.MkdirTemp("", "angela-sandbox-*")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: create scratch dir: %v", err).WithCause(err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn("sandbox scratch dir cleanup failed", "dir", dir, "error", rmErr)
		}
	}()

	if vars == nil {
		vars = map[string]any{}
	}
	varsJSON, err := json.Marshal(jsonSafe(vars))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: encode variables: %v", err).WithCause(err)
	}
	if err := os.WriteFile(filepath.Join(dir, varsFileName), varsJSON, 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: write %s: %v", varsFileName, err).WithCause(err)
	}

	argv, err := runner.Prepare(dir, source, vars)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "ANGELA_SANDBOX=1")

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: s.maxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: s.maxOutputSize}

	// Kill on context cancellation, allowing a short drain of the pipes.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if execCtx.Err() == nil {
			// Spawn failure (interpreter missing, permission), not a code failure.
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "sandbox: spawn %s: %v", argv[0], runErr).WithCause(runErr)
		}
	}

	if execCtx.Err() == context.DeadlineExceeded {
		s.logger.Warn("sandbox execution timed out",
			"language", language, "timeout", timeout, "duration_ms", duration.Milliseconds())
		res := &RunResult{
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: exitCode,
			TimedOut: true,
			ErrMsg:   "execution exceeded timeout of " + timeout.String(),
		}
		return res, schema.NewErrorf(schema.ErrCodeTimeout,
			"code execution killed after %s", timeout).
			WithDetails(map[string]any{"language": language, "timeout": timeout.String()})
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "code execution cancelled").WithCause(err)
	}

	res, err := runner.Collect(dir, stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sandbox execution finished",
		"language", language, "exit_code", res.ExitCode, "duration_ms", duration.Milliseconds())
	return res, nil
}

// readPayload loads and decodes the wrapper's output.json from the scratch dir.
func readPayload(dir string) (*wrapperPayload, error) {
	raw, err := os.ReadFile(filepath.Join(dir, outputFileName))
	if err != nil {
		return nil, err
	}
	var p wrapperPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Outputs == nil {
		p.Outputs = map[string]any{}
	}
	return &p, nil
}

// jsonSafe replaces values that cannot round-trip through JSON with their
// string form so a single odd variable cannot abort the whole run.
func jsonSafe(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if _, err := json.Marshal(v); err != nil {
			out[k] = stringify(v)
			continue
		}
		out[k] = v
	}
	return out
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(total) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	return total, nil
}
