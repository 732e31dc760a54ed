// Package executor runs shell commands and file operations either locally
// or over SSH. Both implementations share one transport-agnostic contract.
package executor

import (
	"context"
)

// Result is the uniform outcome of an executed command.
type Result struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Options carry per-call execution settings.
type Options struct {
	// Cwd is the working directory for the command. Empty means the
	// executor's default root.
	Cwd string
}

// CommandExecutor executes commands and file operations. Implementations
// must be safe for concurrent read-style use; callers serialize mutations
// per directory.
type CommandExecutor interface {
	Exec(ctx context.Context, command string, args []string, opts Options) (*Result, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	FileExists(ctx context.Context, path string) (bool, error)
	Close() error
}
