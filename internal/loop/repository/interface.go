// Package repository persists loops and workspaces. Three implementations
// share the contract: in-memory (tests), SQLite (default) and Postgres.
package repository

import (
	"context"
	"time"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/loop/models"
)

// activeStatuses are the statuses in which a loop still holds its
// directory: anything except draft and the closed-out statuses.
var activeStatuses = []v1.LoopStatus{
	v1.LoopStatusIdle,
	v1.LoopStatusPlanning,
	v1.LoopStatusStarting,
	v1.LoopStatusRunning,
	v1.LoopStatusWaiting,
	v1.LoopStatusCompleted,
	v1.LoopStatusMaxIterations,
	v1.LoopStatusResolvingConflicts,
}

// staleStatuses are bulk-reset to stopped on startup recovery. planning is
// deliberately absent: plan sessions survive a restart.
var staleStatuses = []v1.LoopStatus{
	v1.LoopStatusIdle,
	v1.LoopStatusRunning,
	v1.LoopStatusWaiting,
	v1.LoopStatusStarting,
}

// WorkspaceExport is the portable snapshot of all registered workspaces.
type WorkspaceExport struct {
	Version    int                 `json:"version"`
	ExportedAt time.Time           `json:"exported_at"`
	Workspaces []*models.Workspace `json:"workspaces"`
}

// ImportEntry reports the outcome for one imported workspace.
type ImportEntry struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
	Created   bool   `json:"created"`
}

// ImportResult summarizes an import. Entries appear in input order.
type ImportResult struct {
	Created int           `json:"created"`
	Skipped int           `json:"skipped"`
	Entries []ImportEntry `json:"entries"`
}

// Repository stores loops and workspaces.
type Repository interface {
	// SaveLoop upserts the full loop (config and state).
	SaveLoop(ctx context.Context, loop *models.Loop) error
	// LoadLoop returns nil, nil when the loop does not exist.
	LoadLoop(ctx context.Context, id string) (*models.Loop, error)
	ListLoops(ctx context.Context) ([]*models.Loop, error)
	// DeleteLoop reports whether a row was removed.
	DeleteLoop(ctx context.Context, id string) (bool, error)

	// GetActiveLoopByDirectory returns the loop currently holding the
	// directory, excluding drafts and closed-out statuses. Nil when free.
	GetActiveLoopByDirectory(ctx context.Context, directory string) (*models.Loop, error)

	// ResetStaleLoops bulk-moves loops left in idle, running, waiting or
	// starting by a previous process to stopped, skipping planning. It
	// writes status directly, without state-machine checks: the rows
	// describe runs that no longer exist.
	ResetStaleLoops(ctx context.Context) (int, error)

	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	// GetWorkspace returns nil, nil when the workspace does not exist.
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *models.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)

	// ExportWorkspaces snapshots every workspace; ImportWorkspaces inserts
	// the ones whose directory is not yet registered, trimming names and
	// directories while preserving case.
	ExportWorkspaces(ctx context.Context) (*WorkspaceExport, error)
	ImportWorkspaces(ctx context.Context, export *WorkspaceExport) (*ImportResult, error)

	Close() error
}
