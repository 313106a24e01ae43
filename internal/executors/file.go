package executors

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// Compile-time interface check.
var _ StepExecutor = (*FileExecutor)(nil)

// FileExecutor performs read, write, delete, copy and move operations.
// Writes create missing parent directories; reads expose the content as an
// output for downstream ${result...} references.
type FileExecutor struct{}

func NewFileExecutor() *FileExecutor { return &FileExecutor{} }

func (e *FileExecutor) Type() schema.StepType { return schema.StepTypeFile }

func (e *FileExecutor) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.Result, error) {
	res := newResult(step)

	if err := ctx.Err(); err != nil {
		return failResult(res, schema.NewError(schema.ErrCodeCancelled, "file operation cancelled").WithStep(step.ID).WithCause(err))
	}

	op := strings.ToLower(strings.TrimSpace(step.Operation))
	if op == "" {
		op = "read"
	}
	path := step.Path
	if path == "" {
		return failResult(res, schema.NewError(schema.ErrCodeStructural, "file step has no path").WithStep(step.ID))
	}
	res.Outputs["path"] = path
	res.Outputs["operation"] = op

	if ec.DryRun {
		res.Success = true
		res.Outputs["message"] = "[dry-run] would " + op + " " + path
		return res, nil
	}

	var err *schema.EngineError
	switch op {
	case "read":
		err = e.read(path, res)
	case "write":
		err = e.write(path, step.Content, res)
	case "delete":
		err = e.delete(path, res)
	case "copy":
		err = e.copyTo(path, step.Destination, res)
	case "move":
		err = e.moveTo(path, step.Destination, res)
	default:
		err = schema.NewErrorf(schema.ErrCodeStructural, "unknown file operation %q", op)
	}
	if err != nil {
		return failResult(res, err.WithStep(step.ID))
	}

	res.Success = true
	return res, nil
}

func (e *FileExecutor) read(path string, res *schema.Result) *schema.EngineError {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "file not found: %s", path).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "read %s: %v", path, err).WithCause(err)
	}
	res.Outputs["content"] = string(data)
	res.Outputs["size"] = len(data)
	return nil
}

func (e *FileExecutor) write(path, content string, res *schema.Result) *schema.EngineError {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "create parent dir for %s: %v", path, err).WithCause(err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "write %s: %v", path, err).WithCause(err)
	}
	res.Outputs["bytes_written"] = len(content)
	return nil
}

func (e *FileExecutor) delete(path string, res *schema.Result) *schema.EngineError {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "file not found: %s", path).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "stat %s: %v", path, err).WithCause(err)
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "delete %s: %v", path, err).WithCause(err)
	}
	res.Outputs["deleted"] = true
	return nil
}

func (e *FileExecutor) copyTo(path, dest string, res *schema.Result) *schema.EngineError {
	if dest == "" {
		return schema.NewError(schema.ErrCodeStructural, "copy requires a destination")
	}
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "file not found: %s", path).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "open %s: %v", path, err).WithCause(err)
	}
	defer src.Close()

	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "create parent dir for %s: %v", dest, err).WithCause(err)
		}
	}
	dst, err := os.Create(dest)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "create %s: %v", dest, err).WithCause(err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "copy %s to %s: %v", path, dest, err).WithCause(err)
	}
	res.Outputs["destination"] = dest
	res.Outputs["bytes_copied"] = n
	return nil
}

func (e *FileExecutor) moveTo(path, dest string, res *schema.Result) *schema.EngineError {
	if dest == "" {
		return schema.NewError(schema.ErrCodeStructural, "move requires a destination")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "file not found: %s", path).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "stat %s: %v", path, err).WithCause(err)
	}
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "create parent dir for %s: %v", dest, err).WithCause(err)
		}
	}
	if err := os.Rename(path, dest); err != nil {
		// Cross-device moves fall back to copy then delete.
		if ce := e.copyTo(path, dest, res); ce != nil {
			return ce
		}
		if err := os.Remove(path); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "remove %s after copy: %v", path, err).WithCause(err)
		}
	}
	res.Outputs["destination"] = dest
	res.Outputs["moved"] = true
	return nil
}
