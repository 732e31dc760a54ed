package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/internal/loop/repository"
)

// Workspace endpoints

// CreateWorkspace registers a new workspace
// POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.conns.ValidateSettings(req.ServerSettings); err != nil {
		h.respondError(c, err, "invalid server settings")
		return
	}

	ws := &models.Workspace{
		Name:           req.Name,
		Directory:      req.Directory,
		ServerSettings: req.ServerSettings,
	}
	if err := h.repo.CreateWorkspace(c.Request.Context(), ws); err != nil {
		h.respondError(c, err, "failed to create workspace")
		return
	}

	c.JSON(http.StatusCreated, workspaceToResponse(ws))
}

// GetWorkspace retrieves a workspace by ID
// GET /api/v1/workspaces/:id
func (h *Handler) GetWorkspace(c *gin.Context) {
	id := c.Param("id")
	ws, err := h.repo.GetWorkspace(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get workspace")
		return
	}
	if ws == nil {
		appErr := errors.NotFound("workspace", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, workspaceToResponse(ws))
}

// ListWorkspaces returns all workspaces
// GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.repo.ListWorkspaces(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list workspaces")
		return
	}

	resp := WorkspacesListResponse{
		Workspaces: make([]*WorkspaceResponse, len(workspaces)),
		Total:      len(workspaces),
	}
	for i, ws := range workspaces {
		resp.Workspaces[i] = workspaceToResponse(ws)
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateWorkspace updates a workspace. Settings changes evict the cached
// connection so the next loop start reconnects with the new settings.
// PUT /api/v1/workspaces/:id
func (h *Handler) UpdateWorkspace(c *gin.Context) {
	id := c.Param("id")

	var req UpdateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ws, err := h.repo.GetWorkspace(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get workspace")
		return
	}
	if ws == nil {
		appErr := errors.NotFound("workspace", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if req.Name != nil {
		ws.Name = *req.Name
	}
	if req.Directory != nil {
		ws.Directory = *req.Directory
	}
	settingsChanged := false
	if req.ServerSettings != nil {
		if err := h.conns.ValidateSettings(*req.ServerSettings); err != nil {
			h.respondError(c, err, "invalid server settings")
			return
		}
		ws.ServerSettings = *req.ServerSettings
		settingsChanged = true
	}

	if err := h.repo.UpdateWorkspace(c.Request.Context(), ws); err != nil {
		h.respondError(c, err, "failed to update workspace")
		return
	}
	if settingsChanged {
		h.conns.ResetConnection(ws.ID)
	}

	c.JSON(http.StatusOK, workspaceToResponse(ws))
}

// DeleteWorkspace deletes a workspace. Deletion is refused while any loop
// still references it.
// DELETE /api/v1/workspaces/:id
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	id := c.Param("id")

	loops, err := h.manager.ListLoops(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list loops")
		return
	}
	for _, l := range loops {
		if l.Config.WorkspaceID == id {
			appErr := errors.Conflict("workspace has loops; delete them first")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	if err := h.repo.DeleteWorkspace(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "failed to delete workspace")
		return
	}
	h.conns.ResetConnection(id)

	c.Status(http.StatusNoContent)
}

// GetWorkspaceModels lists the models offered by the workspace's agent
// GET /api/v1/workspaces/:id/models
func (h *Handler) GetWorkspaceModels(c *gin.Context) {
	id := c.Param("id")
	ws, err := h.repo.GetWorkspace(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get workspace")
		return
	}
	if ws == nil {
		appErr := errors.NotFound("workspace", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conn, err := h.conns.GetConnection(c.Request.Context(), ws)
	if err != nil {
		h.respondError(c, err, "failed to connect to agent")
		return
	}
	list, err := conn.GetModels(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list models")
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": list, "total": len(list)})
}

// TestConnection probes the agent channel without registering anything
// POST /api/v1/workspaces/test-connection
func (h *Handler) TestConnection(c *gin.Context) {
	var req ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result := h.conns.TestConnection(c.Request.Context(), req.ServerSettings, req.Directory)
	c.JSON(http.StatusOK, result)
}

// ValidateDirectory probes a directory over the execution channel
// POST /api/v1/workspaces/validate-directory
func (h *Handler) ValidateDirectory(c *gin.Context) {
	var req ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Directory == "" {
		appErr := errors.ValidationError("directory", "directory is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result := h.conns.ValidateRemoteDirectory(c.Request.Context(), req.ServerSettings, req.Directory)
	c.JSON(http.StatusOK, result)
}

// ExportWorkspaces returns a portable snapshot of all workspaces
// GET /api/v1/workspaces/export
func (h *Handler) ExportWorkspaces(c *gin.Context) {
	export, err := h.repo.ExportWorkspaces(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to export workspaces")
		return
	}

	c.JSON(http.StatusOK, export)
}

// ImportWorkspaces inserts workspaces whose directory is not yet registered
// POST /api/v1/workspaces/import
func (h *Handler) ImportWorkspaces(c *gin.Context) {
	var export repository.WorkspaceExport
	if err := c.ShouldBindJSON(&export); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.repo.ImportWorkspaces(c.Request.Context(), &export)
	if err != nil {
		h.respondError(c, err, "failed to import workspaces")
		return
	}

	h.logger.Info("Workspaces imported",
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
	)
	c.JSON(http.StatusOK, result)
}

func workspaceToResponse(ws *models.Workspace) *WorkspaceResponse {
	return &WorkspaceResponse{
		ID:             ws.ID,
		Name:           ws.Name,
		Directory:      ws.Directory,
		ServerSettings: ws.ServerSettings,
		CreatedAt:      ws.CreatedAt,
		UpdatedAt:      ws.UpdatedAt,
	}
}
