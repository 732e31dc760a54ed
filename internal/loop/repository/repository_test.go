package repository

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/loop/models"
)

// The contract tests run against both the memory and SQLite stores.
func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "loopdev.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqlite,
	}
}

func testLoop(id, directory string, status v1.LoopStatus) *models.Loop {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Loop{
		Config: models.LoopConfig{
			ID:            id,
			Name:          "loop-" + id,
			WorkspaceID:   "ws-1",
			Directory:     directory,
			Prompt:        "fix the tests",
			MaxIterations: 10,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		State: models.LoopState{ID: id, Status: status},
	}
}

func TestLoopRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			loop := testLoop("l1", "/work/app", v1.LoopStatusIdle)
			if err := repo.SaveLoop(ctx, loop); err != nil {
				t.Fatalf("SaveLoop: %v", err)
			}

			got, err := repo.LoadLoop(ctx, "l1")
			if err != nil {
				t.Fatalf("LoadLoop: %v", err)
			}
			if got == nil || got.Config.Name != "loop-l1" || got.State.Status != v1.LoopStatusIdle {
				t.Fatalf("loaded loop mismatch: %+v", got)
			}

			// Saving again updates in place.
			loop.State.Status = v1.LoopStatusRunning
			loop.State.CurrentIteration = 3
			if err := repo.SaveLoop(ctx, loop); err != nil {
				t.Fatalf("SaveLoop update: %v", err)
			}
			got, _ = repo.LoadLoop(ctx, "l1")
			if got.State.Status != v1.LoopStatusRunning || got.State.CurrentIteration != 3 {
				t.Fatalf("update not persisted: %+v", got.State)
			}

			loops, err := repo.ListLoops(ctx)
			if err != nil || len(loops) != 1 {
				t.Fatalf("ListLoops = %d loops, err %v", len(loops), err)
			}

			deleted, err := repo.DeleteLoop(ctx, "l1")
			if err != nil || !deleted {
				t.Fatalf("DeleteLoop = %v, %v", deleted, err)
			}
			deleted, err = repo.DeleteLoop(ctx, "l1")
			if err != nil || deleted {
				t.Fatalf("second DeleteLoop = %v, %v; want false", deleted, err)
			}

			got, err = repo.LoadLoop(ctx, "missing")
			if err != nil || got != nil {
				t.Fatalf("LoadLoop(missing) = %+v, %v; want nil, nil", got, err)
			}
		})
	}
}

func TestGetActiveLoopByDirectoryExcludesDraftAndClosed(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, status := range []v1.LoopStatus{
				v1.LoopStatusDraft, v1.LoopStatusStopped, v1.LoopStatusFailed,
				v1.LoopStatusMerged, v1.LoopStatusPushed,
			} {
				loop := testLoop(string(rune('a'+i)), "/work/app", status)
				if err := repo.SaveLoop(ctx, loop); err != nil {
					t.Fatalf("SaveLoop: %v", err)
				}
			}

			got, err := repo.GetActiveLoopByDirectory(ctx, "/work/app")
			if err != nil {
				t.Fatalf("GetActiveLoopByDirectory: %v", err)
			}
			if got != nil {
				t.Fatalf("closed statuses must not occupy the directory, got %+v", got.State.Status)
			}

			if err := repo.SaveLoop(ctx, testLoop("active", "/work/app", v1.LoopStatusRunning)); err != nil {
				t.Fatalf("SaveLoop: %v", err)
			}
			got, err = repo.GetActiveLoopByDirectory(ctx, "/work/app")
			if err != nil || got == nil || got.Config.ID != "active" {
				t.Fatalf("running loop not found: %+v, %v", got, err)
			}

			// Other directories stay free.
			got, _ = repo.GetActiveLoopByDirectory(ctx, "/work/other")
			if got != nil {
				t.Fatalf("unexpected loop for other directory: %+v", got)
			}
		})
	}
}

func TestResetStaleLoopsSkipsPlanning(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			statuses := map[string]v1.LoopStatus{
				"i": v1.LoopStatusIdle,
				"r": v1.LoopStatusRunning,
				"w": v1.LoopStatusWaiting,
				"s": v1.LoopStatusStarting,
				"p": v1.LoopStatusPlanning,
				"d": v1.LoopStatusDraft,
				"m": v1.LoopStatusMerged,
			}
			for id, status := range statuses {
				if err := repo.SaveLoop(ctx, testLoop(id, "/work/"+id, status)); err != nil {
					t.Fatalf("SaveLoop: %v", err)
				}
			}

			count, err := repo.ResetStaleLoops(ctx)
			if err != nil {
				t.Fatalf("ResetStaleLoops: %v", err)
			}
			if count != 4 {
				t.Errorf("reset %d loops, want 4", count)
			}

			for id, want := range map[string]v1.LoopStatus{
				"i": v1.LoopStatusStopped,
				"r": v1.LoopStatusStopped,
				"w": v1.LoopStatusStopped,
				"s": v1.LoopStatusStopped,
				"p": v1.LoopStatusPlanning,
				"d": v1.LoopStatusDraft,
				"m": v1.LoopStatusMerged,
			} {
				loop, _ := repo.LoadLoop(ctx, id)
				if loop.State.Status != want {
					t.Errorf("loop %s status = %s, want %s", id, loop.State.Status, want)
				}
			}

			count, err = repo.ResetStaleLoops(ctx)
			if err != nil || count != 0 {
				t.Errorf("second reset = %d, %v; want 0, nil", count, err)
			}
		})
	}
}

func testWorkspace(name, directory string) *models.Workspace {
	return &models.Workspace{
		Name:      name,
		Directory: directory,
		ServerSettings: models.ServerSettings{
			Agent:     models.AgentSettings{Provider: v1.AgentProviderOpenCode, Transport: v1.TransportStdio, Command: "opencode"},
			Execution: models.ExecutionSettings{Provider: v1.ExecutionLocal},
		},
	}
}

func TestWorkspaceCRUDAndDirectoryConflict(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ws := testWorkspace("  app  ", " /work/app ")
			if err := repo.CreateWorkspace(ctx, ws); err != nil {
				t.Fatalf("CreateWorkspace: %v", err)
			}
			if ws.ID == "" {
				t.Fatal("CreateWorkspace must assign an id")
			}
			if ws.Name != "app" || ws.Directory != "/work/app" {
				t.Errorf("name/directory not trimmed: %q %q", ws.Name, ws.Directory)
			}

			err := repo.CreateWorkspace(ctx, testWorkspace("other", "/work/app"))
			if !errors.IsConflict(err) {
				t.Errorf("duplicate directory: got %v, want CONFLICT", err)
			}

			got, err := repo.GetWorkspace(ctx, ws.ID)
			if err != nil || got == nil || got.Name != "app" {
				t.Fatalf("GetWorkspace = %+v, %v", got, err)
			}

			got.Name = "renamed"
			if err := repo.UpdateWorkspace(ctx, got); err != nil {
				t.Fatalf("UpdateWorkspace: %v", err)
			}
			got, _ = repo.GetWorkspace(ctx, ws.ID)
			if got.Name != "renamed" {
				t.Errorf("update not persisted: %q", got.Name)
			}

			if err := repo.DeleteWorkspace(ctx, ws.ID); err != nil {
				t.Fatalf("DeleteWorkspace: %v", err)
			}
			if err := repo.DeleteWorkspace(ctx, ws.ID); !errors.IsNotFound(err) {
				t.Errorf("second delete: got %v, want NOT_FOUND", err)
			}
			got, err = repo.GetWorkspace(ctx, ws.ID)
			if err != nil || got != nil {
				t.Errorf("GetWorkspace after delete = %+v, %v; want nil, nil", got, err)
			}
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()

	source := NewMemoryRepository()
	for _, ws := range []*models.Workspace{
		testWorkspace("app", "/work/app"),
		testWorkspace("lib", "/work/lib"),
	} {
		if err := source.CreateWorkspace(ctx, ws); err != nil {
			t.Fatalf("CreateWorkspace: %v", err)
		}
	}

	export, err := source.ExportWorkspaces(ctx)
	if err != nil {
		t.Fatalf("ExportWorkspaces: %v", err)
	}
	if len(export.Workspaces) != 2 {
		t.Fatalf("exported %d workspaces, want 2", len(export.Workspaces))
	}

	target := NewMemoryRepository()
	result, err := target.ImportWorkspaces(ctx, export)
	if err != nil {
		t.Fatalf("ImportWorkspaces: %v", err)
	}
	if result.Created != 2 || result.Skipped != 0 {
		t.Fatalf("first import = %+v", result)
	}

	imported, _ := target.ListWorkspaces(ctx)
	byDir := map[string]*models.Workspace{}
	for _, ws := range imported {
		byDir[ws.Directory] = ws
	}
	for _, want := range export.Workspaces {
		got := byDir[want.Directory]
		if got == nil {
			t.Fatalf("workspace %s missing after import", want.Directory)
		}
		if got.Name != want.Name || !reflect.DeepEqual(got.ServerSettings, want.ServerSettings) {
			t.Errorf("imported workspace differs: got %+v, want %+v", got, want)
		}
	}

	// Re-importing the same export creates nothing: directory dedup.
	result, err = target.ImportWorkspaces(ctx, export)
	if err != nil {
		t.Fatalf("second ImportWorkspaces: %v", err)
	}
	if result.Created != 0 || result.Skipped != 2 {
		t.Fatalf("second import = %+v, want all skipped", result)
	}
	for _, entry := range result.Entries {
		if entry.Created {
			t.Errorf("entry %s created on re-import", entry.Directory)
		}
	}
}

func TestImportTrimsNamesAndDirectories(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	export := &WorkspaceExport{
		Version: 1,
		Workspaces: []*models.Workspace{
			{Name: "  Mixed Case App  ", Directory: "  /Work/App  "},
		},
	}
	result, err := repo.ImportWorkspaces(ctx, export)
	if err != nil || result.Created != 1 {
		t.Fatalf("ImportWorkspaces = %+v, %v", result, err)
	}

	list, _ := repo.ListWorkspaces(ctx)
	if list[0].Name != "Mixed Case App" || list[0].Directory != "/Work/App" {
		t.Errorf("trimming must preserve case: %q %q", list[0].Name, list[0].Directory)
	}
}
