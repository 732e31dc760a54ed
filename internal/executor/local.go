package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// LocalExecutor runs commands directly on the local machine.
type LocalExecutor struct{}

var _ CommandExecutor = (*LocalExecutor)(nil)

// NewLocalExecutor creates a local command executor.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// Exec runs the command and captures its output. A non-zero exit code is
// reported through the Result, not as an error; errors mean the command
// could not run at all.
func (e *LocalExecutor) Exec(ctx context.Context, command string, args []string, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	result.Success = true
	return result, nil
}

// WriteFile writes data to a local file.
func (e *LocalExecutor) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads a local file.
func (e *LocalExecutor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// FileExists checks whether a local path exists.
func (e *LocalExecutor) FileExists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Close releases nothing for local execution.
func (e *LocalExecutor) Close() error {
	return nil
}
