package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/executor"
	"github.com/loopdev/loopdev/internal/loop/models"
)

// gitRepo wraps the workspace's command executor for git operations in one
// directory. Mutations are serialized by the caller per directory.
type gitRepo struct {
	exec executor.CommandExecutor
	dir  string
}

func (g *gitRepo) run(ctx context.Context, args ...string) (*executor.Result, error) {
	return g.exec.Exec(ctx, "git", args, executor.Options{Cwd: g.dir})
}

// runOK runs git and converts a non-zero exit into an error carrying stderr.
func (g *gitRepo) runOK(ctx context.Context, args ...string) (*executor.Result, error) {
	res, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

func (g *gitRepo) currentBranch(ctx context.Context) (string, error) {
	res, err := g.runOK(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (g *gitRepo) isRepo(ctx context.Context) bool {
	res, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && res.Success
}

// uncommittedFiles lists paths reported by git status --porcelain.
func (g *gitRepo) uncommittedFiles(ctx context.Context) ([]string, error) {
	res, err := g.runOK(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

// commitAll stages and commits everything. It reports false without error
// when the working tree is clean.
func (g *gitRepo) commitAll(ctx context.Context, message string) (*models.GitCommit, bool, error) {
	files, err := g.uncommittedFiles(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(files) == 0 {
		return nil, false, nil
	}

	if _, err := g.runOK(ctx, "add", "-A"); err != nil {
		return nil, false, err
	}
	if _, err := g.runOK(ctx, "commit", "-m", message); err != nil {
		return nil, false, err
	}

	sha, err := g.runOK(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, false, err
	}
	return &models.GitCommit{
		SHA:          strings.TrimSpace(sha.Stdout),
		Message:      message,
		Timestamp:    time.Now().UTC(),
		FilesChanged: len(files),
	}, true, nil
}

func (g *gitRepo) stashAll(ctx context.Context) error {
	_, err := g.runOK(ctx, "stash", "--include-untracked")
	return err
}

func (g *gitRepo) checkout(ctx context.Context, branch string) error {
	_, err := g.runOK(ctx, "checkout", branch)
	return err
}

func (g *gitRepo) branchExists(ctx context.Context, branch string) (bool, error) {
	res, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

func (g *gitRepo) createBranch(ctx context.Context, branch string) error {
	_, err := g.runOK(ctx, "checkout", "-b", branch)
	return err
}

// merge merges branch into the currently checked out branch. A conflicted
// merge is aborted and surfaced as a CONFLICT error for the caller to route
// into resolving_conflicts.
func (g *gitRepo) merge(ctx context.Context, branch, message string) error {
	res, err := g.run(ctx, "merge", "--no-ff", "-m", message, branch)
	if err != nil {
		return err
	}
	if res.Success {
		return nil
	}
	if strings.Contains(res.Stdout, "CONFLICT") || strings.Contains(res.Stderr, "CONFLICT") {
		_, _ = g.run(ctx, "merge", "--abort")
		return errors.Conflict("merge conflict between " + branch + " and the current branch")
	}
	return fmt.Errorf("git merge %s: %s", branch, strings.TrimSpace(res.Stderr))
}

func (g *gitRepo) push(ctx context.Context, branch string) error {
	res, err := g.run(ctx, "push", "-u", "origin", branch)
	if err != nil {
		return err
	}
	if !res.Success {
		if strings.Contains(res.Stderr, "non-fast-forward") || strings.Contains(res.Stderr, "rejected") {
			return errors.Conflict("push rejected for " + branch + ": " + strings.TrimSpace(res.Stderr))
		}
		return fmt.Errorf("git push %s: %s", branch, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// sanitizeBranchName lowercases the loop name and keeps only characters
// valid in a git ref component.
func sanitizeBranchName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// workingBranchName builds {branchPrefix}{sanitized-name}-{shortid}.
func workingBranchName(cfg *models.LoopConfig) string {
	name := sanitizeBranchName(cfg.Name)
	if name == "" {
		name = "loop"
	}
	return cfg.Git.BranchPrefix + name + "-" + shortID(cfg.ID)
}
