package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/config"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/connection"
	"github.com/loopdev/loopdev/internal/events/bus"
	"github.com/loopdev/loopdev/internal/executor"
	"github.com/loopdev/loopdev/internal/loop/manager"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/internal/loop/repository"
	v1 "github.com/loopdev/loopdev/pkg/api/v1"
)

// fakeExec answers every command with success so loop creation passes the
// git repository probe.
type fakeExec struct{}

func (f *fakeExec) Exec(ctx context.Context, command string, args []string, opts executor.Options) (*executor.Result, error) {
	return &executor.Result{Success: true, Stdout: "main\n"}, nil
}
func (f *fakeExec) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (f *fakeExec) ReadFile(ctx context.Context, path string) ([]byte, error)     { return nil, nil }
func (f *fakeExec) FileExists(ctx context.Context, path string) (bool, error)     { return false, nil }
func (f *fakeExec) Close() error                                                  { return nil }

// fakeConns satisfies both the manager's and the handler's connection
// dependencies without touching any real transport.
type fakeConns struct {
	testResults connection.TestResult
	validated   connection.ValidateResult
	resets      []string
}

func (f *fakeConns) GetConnection(ctx context.Context, ws *models.Workspace) (agent.AgentConnection, error) {
	return nil, nil
}
func (f *fakeConns) GetCommandExecutor(ws *models.Workspace) (executor.CommandExecutor, error) {
	return &fakeExec{}, nil
}
func (f *fakeConns) ResetAllConnections() int { return 0 }
func (f *fakeConns) TestConnection(ctx context.Context, settings models.ServerSettings, directory string) connection.TestResult {
	return f.testResults
}
func (f *fakeConns) ValidateRemoteDirectory(ctx context.Context, settings models.ServerSettings, directory string) connection.ValidateResult {
	return f.validated
}
func (f *fakeConns) ValidateSettings(settings models.ServerSettings) error { return nil }
func (f *fakeConns) ResetConnection(workspaceID string) {
	f.resets = append(f.resets, workspaceID)
}

func setupTestHandler(t *testing.T) (*repository.MemoryRepository, *fakeConns, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemoryRepository()
	conns := &fakeConns{}
	log := logger.NewNop()
	eventBus := bus.NewInProcBus(log)
	defaults := config.LoopDefaults{
		MaxIterations:          25,
		MaxConsecutiveErrors:   3,
		ActivityTimeoutSeconds: 300,
		BranchPrefix:           "loop/",
		CommitPrefix:           "loop: ",
	}
	mgr := manager.NewManager(repo, conns, eventBus, defaults, log)
	t.Cleanup(mgr.Stop)

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), mgr, repo, conns, log)
	return repo, conns, router
}

func seedWorkspace(t *testing.T, repo *repository.MemoryRepository) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{Name: "App", Directory: "/srv/repos/app"}
	if err := repo.CreateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return ws
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// Loop handler tests

func TestHandler_CreateLoop(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	body := manager.CreateLoopInput{
		WorkspaceID: ws.ID,
		Name:        "Fix Tests",
		Prompt:      "make the tests pass",
		StopPattern: "ALL TESTS PASS",
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/loops", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp LoopResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Name != "Fix Tests" {
		t.Errorf("expected name 'Fix Tests', got %s", resp.Name)
	}
	if resp.Status != string(v1.LoopStatusIdle) {
		t.Errorf("expected status idle, got %s", resp.Status)
	}
	if resp.MaxIterations != 25 {
		t.Errorf("expected default max_iterations 25, got %d", resp.MaxIterations)
	}
}

func TestHandler_CreateLoopMissingName(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	body := manager.CreateLoopInput{WorkspaceID: ws.ID, Prompt: "do it"}
	w := doJSON(t, router, http.MethodPost, "/api/v1/loops", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetLoopNotFound(t *testing.T) {
	_, _, router := setupTestHandler(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/loops/nonexistent", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestHandler_ListLoops(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	for _, name := range []string{"Loop One", "Loop Two"} {
		body := manager.CreateLoopInput{WorkspaceID: ws.ID, Name: name, Prompt: "go"}
		if w := doJSON(t, router, http.MethodPost, "/api/v1/loops", body); w.Code != http.StatusCreated {
			t.Fatalf("seed loop %s: %d", name, w.Code)
		}
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/loops", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp LoopsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Total != 2 || len(resp.Loops) != 2 {
		t.Errorf("expected 2 loops, got total=%d len=%d", resp.Total, len(resp.Loops))
	}
}

func TestHandler_UpdateLoop(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	created := doJSON(t, router, http.MethodPost, "/api/v1/loops", manager.CreateLoopInput{
		WorkspaceID: ws.ID, Name: "Original", Prompt: "go",
	})
	var loop LoopResponse
	if err := json.Unmarshal(created.Body.Bytes(), &loop); err != nil {
		t.Fatalf("failed to unmarshal created loop: %v", err)
	}

	name := "Renamed"
	w := doJSON(t, router, http.MethodPut, "/api/v1/loops/"+loop.ID, manager.UpdateLoopInput{Name: &name})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp LoopResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Name != "Renamed" {
		t.Errorf("expected name 'Renamed', got %s", resp.Name)
	}
}

func TestHandler_DeleteLoop(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	created := doJSON(t, router, http.MethodPost, "/api/v1/loops", manager.CreateLoopInput{
		WorkspaceID: ws.ID, Name: "Short Lived", Prompt: "go",
	})
	var loop LoopResponse
	if err := json.Unmarshal(created.Body.Bytes(), &loop); err != nil {
		t.Fatalf("failed to unmarshal created loop: %v", err)
	}

	w := doJSON(t, router, http.MethodDelete, "/api/v1/loops/"+loop.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}

	if got, _ := repo.LoadLoop(context.Background(), loop.ID); got != nil {
		t.Error("expected loop to be deleted")
	}
}

func TestHandler_StartLoopNotFound(t *testing.T) {
	_, _, router := setupTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/loops/nonexistent/start", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestHandler_GetReviewHistoryDefault(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	created := doJSON(t, router, http.MethodPost, "/api/v1/loops", manager.CreateLoopInput{
		WorkspaceID: ws.ID, Name: "Review Me", Prompt: "go",
	})
	var loop LoopResponse
	if err := json.Unmarshal(created.Body.Bytes(), &loop); err != nil {
		t.Fatalf("failed to unmarshal created loop: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/loops/"+loop.ID+"/review", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var review models.ReviewMode
	if err := json.Unmarshal(w.Body.Bytes(), &review); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if review.Addressable || review.ReviewCycles != 0 {
		t.Errorf("expected default review history, got %+v", review)
	}
}

func TestHandler_PurgeLoopFromIdleRefused(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	created := doJSON(t, router, http.MethodPost, "/api/v1/loops", manager.CreateLoopInput{
		WorkspaceID: ws.ID, Name: "Still Idle", Prompt: "go",
	})
	var loop LoopResponse
	if err := json.Unmarshal(created.Body.Bytes(), &loop); err != nil {
		t.Fatalf("failed to unmarshal created loop: %v", err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/loops/"+loop.ID+"/purge", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
}

// Workspace handler tests

func TestHandler_CreateWorkspace(t *testing.T) {
	_, _, router := setupTestHandler(t)

	body := CreateWorkspaceRequest{Name: "App", Directory: "/srv/repos/app"}
	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp WorkspaceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.ID == "" {
		t.Error("expected a generated workspace ID")
	}
	if resp.Name != "App" {
		t.Errorf("expected name 'App', got %s", resp.Name)
	}
}

func TestHandler_CreateWorkspaceDuplicateDirectory(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	seedWorkspace(t, repo)

	body := CreateWorkspaceRequest{Name: "Again", Directory: "/srv/repos/app"}
	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces", body)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_UpdateWorkspaceResetsConnection(t *testing.T) {
	repo, conns, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	body := UpdateWorkspaceRequest{ServerSettings: &models.ServerSettings{}}
	w := doJSON(t, router, http.MethodPut, "/api/v1/workspaces/"+ws.ID, body)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(conns.resets) != 1 || conns.resets[0] != ws.ID {
		t.Errorf("expected connection reset for %s, got %v", ws.ID, conns.resets)
	}
}

func TestHandler_DeleteWorkspaceWithLoopsRefused(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	created := doJSON(t, router, http.MethodPost, "/api/v1/loops", manager.CreateLoopInput{
		WorkspaceID: ws.ID, Name: "Holds Workspace", Prompt: "go",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("seed loop: %d", created.Code)
	}

	w := doJSON(t, router, http.MethodDelete, "/api/v1/workspaces/"+ws.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	if got, _ := repo.GetWorkspace(context.Background(), ws.ID); got == nil {
		t.Error("workspace must survive a refused delete")
	}
}

func TestHandler_DeleteWorkspace(t *testing.T) {
	repo, conns, router := setupTestHandler(t)
	ws := seedWorkspace(t, repo)

	w := doJSON(t, router, http.MethodDelete, "/api/v1/workspaces/"+ws.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	if len(conns.resets) != 1 {
		t.Errorf("expected connection reset on delete, got %v", conns.resets)
	}
}

func TestHandler_TestConnection(t *testing.T) {
	_, conns, router := setupTestHandler(t)
	conns.testResults = connection.TestResult{Success: true}

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/test-connection", ProbeRequest{
		Directory: "/srv/repos/app",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp connection.TestResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !resp.Success {
		t.Error("expected probe success")
	}
}

func TestHandler_ValidateDirectoryRequiresDirectory(t *testing.T) {
	_, _, router := setupTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/workspaces/validate-directory", ProbeRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ExportImportWorkspaces(t *testing.T) {
	repo, _, router := setupTestHandler(t)
	seedWorkspace(t, repo)

	w := doJSON(t, router, http.MethodGet, "/api/v1/workspaces/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var export repository.WorkspaceExport
	if err := json.Unmarshal(w.Body.Bytes(), &export); err != nil {
		t.Fatalf("failed to unmarshal export: %v", err)
	}
	if len(export.Workspaces) != 1 {
		t.Fatalf("expected 1 exported workspace, got %d", len(export.Workspaces))
	}

	// Re-importing the same snapshot is a no-op; a new directory is created.
	export.Workspaces = append(export.Workspaces, &models.Workspace{
		Name:      "Other",
		Directory: "/srv/repos/other",
	})
	w = doJSON(t, router, http.MethodPost, "/api/v1/workspaces/import", export)
	if w.Code != http.StatusOK {
		t.Fatalf("import: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var result repository.ImportResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to unmarshal import result: %v", err)
	}
	if result.Created != 1 || result.Skipped != 1 {
		t.Errorf("expected created=1 skipped=1, got %+v", result)
	}
}

func TestHandler_ForceResetAll(t *testing.T) {
	_, _, router := setupTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var result manager.ResetResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if result.EnginesCleared != 0 || result.LoopsReset != 0 {
		t.Errorf("expected empty reset, got %+v", result)
	}
}
