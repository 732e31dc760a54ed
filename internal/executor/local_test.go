package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalExecutorExec(t *testing.T) {
	e := NewLocalExecutor()
	ctx := context.Background()

	result, err := e.Exec(ctx, "echo", []string{"hello"}, Options{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got exit code %d, stderr %q", result.ExitCode, result.Stderr)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("expected stdout %q, got %q", "hello\n", result.Stdout)
	}
}

func TestLocalExecutorExecNonZeroExit(t *testing.T) {
	e := NewLocalExecutor()
	ctx := context.Background()

	result, err := e.Exec(ctx, "sh", []string{"-c", "exit 3"}, Options{})
	if err != nil {
		t.Fatalf("Exec should not error on non-zero exit: %v", err)
	}
	if result.Success {
		t.Error("expected failure result")
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
}

func TestLocalExecutorExecCwd(t *testing.T) {
	e := NewLocalExecutor()
	ctx := context.Background()
	dir := t.TempDir()

	result, err := e.Exec(ctx, "pwd", nil, Options{Cwd: dir})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}

	got, err := filepath.EvalSymlinks(result.Stdout[:len(result.Stdout)-1])
	if err != nil {
		t.Fatalf("EvalSymlinks failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("expected cwd %q, got %q", want, got)
	}
}

func TestLocalExecutorExecCancelled(t *testing.T) {
	e := NewLocalExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Exec(ctx, "sleep", []string{"10"}, Options{}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestLocalExecutorFiles(t *testing.T) {
	e := NewLocalExecutor()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.txt")

	exists, err := e.FileExists(ctx, path)
	if err != nil {
		t.Fatalf("FileExists failed: %v", err)
	}
	if exists {
		t.Error("file should not exist yet")
	}

	if err := e.WriteFile(ctx, path, []byte("data")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	exists, err = e.FileExists(ctx, path)
	if err != nil {
		t.Fatalf("FileExists failed: %v", err)
	}
	if !exists {
		t.Error("file should exist after write")
	}

	data, err := e.ReadFile(ctx, path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("expected %q, got %q", "data", string(data))
	}

	_ = os.Remove(path)
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"":            "''",
		"plain":       "'plain'",
		"with space":  "'with space'",
		"don't":       `'don'\''t'`,
		"$HOME; rm x": "'$HOME; rm x'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
