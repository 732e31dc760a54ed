package repository

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/loop/models"
)

// MemoryRepository is the in-memory Repository used by tests and as a
// fallback when no database is configured.
type MemoryRepository struct {
	mu         sync.RWMutex
	loops      map[string]*models.Loop
	workspaces map[string]*models.Workspace
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		loops:      make(map[string]*models.Loop),
		workspaces: make(map[string]*models.Workspace),
	}
}

func cloneLoop(loop *models.Loop) *models.Loop {
	data, _ := json.Marshal(loop)
	out := &models.Loop{}
	_ = json.Unmarshal(data, out)
	return out
}

func cloneWorkspace(ws *models.Workspace) *models.Workspace {
	data, _ := json.Marshal(ws)
	out := &models.Workspace{}
	_ = json.Unmarshal(data, out)
	return out
}

func (r *MemoryRepository) SaveLoop(ctx context.Context, loop *models.Loop) error {
	if loop.Config.ID == "" {
		return errors.ValidationError("id", "loop id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loops[loop.Config.ID] = cloneLoop(loop)
	return nil
}

func (r *MemoryRepository) LoadLoop(ctx context.Context, id string) (*models.Loop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loop, ok := r.loops[id]
	if !ok {
		return nil, nil
	}
	return cloneLoop(loop), nil
}

func (r *MemoryRepository) ListLoops(ctx context.Context) ([]*models.Loop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Loop, 0, len(r.loops))
	for _, loop := range r.loops {
		out = append(out, cloneLoop(loop))
	}
	return out, nil
}

func (r *MemoryRepository) DeleteLoop(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loops[id]; !ok {
		return false, nil
	}
	delete(r.loops, id)
	return true, nil
}

func (r *MemoryRepository) GetActiveLoopByDirectory(ctx context.Context, directory string) (*models.Loop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, loop := range r.loops {
		if loop.Config.Directory != directory {
			continue
		}
		for _, status := range activeStatuses {
			if loop.State.Status == status {
				return cloneLoop(loop), nil
			}
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ResetStaleLoops(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, loop := range r.loops {
		for _, status := range staleStatuses {
			if loop.State.Status == status {
				loop.State.Status = v1.LoopStatusStopped
				count++
				break
			}
		}
	}
	return count, nil
}

func (r *MemoryRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	ws.Name = strings.TrimSpace(ws.Name)
	ws.Directory = strings.TrimSpace(ws.Directory)
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.workspaces {
		if existing.Directory == ws.Directory {
			return errors.Conflict("workspace directory already registered: " + ws.Directory)
		}
	}
	r.workspaces[ws.ID] = cloneWorkspace(ws)
	return nil
}

func (r *MemoryRepository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, nil
	}
	return cloneWorkspace(ws), nil
}

func (r *MemoryRepository) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workspaces[ws.ID]; !ok {
		return errors.NotFound("workspace", ws.ID)
	}
	ws.Name = strings.TrimSpace(ws.Name)
	ws.Directory = strings.TrimSpace(ws.Directory)
	ws.UpdatedAt = time.Now().UTC()
	r.workspaces[ws.ID] = cloneWorkspace(ws)
	return nil
}

func (r *MemoryRepository) DeleteWorkspace(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workspaces[id]; !ok {
		return errors.NotFound("workspace", id)
	}
	delete(r.workspaces, id)
	return nil
}

func (r *MemoryRepository) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, cloneWorkspace(ws))
	}
	return out, nil
}

func (r *MemoryRepository) ExportWorkspaces(ctx context.Context) (*WorkspaceExport, error) {
	workspaces, err := r.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	return &WorkspaceExport{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Workspaces: workspaces,
	}, nil
}

func (r *MemoryRepository) ImportWorkspaces(ctx context.Context, export *WorkspaceExport) (*ImportResult, error) {
	return importWorkspaces(ctx, r, export)
}

func (r *MemoryRepository) Close() error { return nil }

// importWorkspaces is shared by all implementations: each entry is created
// unless its trimmed directory is already registered.
func importWorkspaces(ctx context.Context, repo Repository, export *WorkspaceExport) (*ImportResult, error) {
	if export == nil {
		return nil, errors.ValidationError("export", "import payload is required")
	}

	existing, err := repo.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, ws := range existing {
		seen[ws.Directory] = true
	}

	result := &ImportResult{}
	for _, ws := range export.Workspaces {
		name := strings.TrimSpace(ws.Name)
		directory := strings.TrimSpace(ws.Directory)
		entry := ImportEntry{Name: name, Directory: directory}

		if directory == "" || seen[directory] {
			result.Skipped++
			result.Entries = append(result.Entries, entry)
			continue
		}

		created := &models.Workspace{
			Name:           name,
			Directory:      directory,
			ServerSettings: ws.ServerSettings,
		}
		if err := repo.CreateWorkspace(ctx, created); err != nil {
			return nil, err
		}
		seen[directory] = true
		entry.Created = true
		result.Created++
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}
