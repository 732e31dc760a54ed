package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/connection"
	"github.com/loopdev/loopdev/internal/loop/manager"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/internal/loop/repository"
)

// ConnectionProber is the slice of the connection manager the workspace
// handlers need.
type ConnectionProber interface {
	GetConnection(ctx context.Context, ws *models.Workspace) (agent.AgentConnection, error)
	TestConnection(ctx context.Context, settings models.ServerSettings, directory string) connection.TestResult
	ValidateRemoteDirectory(ctx context.Context, settings models.ServerSettings, directory string) connection.ValidateResult
	ValidateSettings(settings models.ServerSettings) error
	ResetConnection(workspaceID string)
}

// Handler contains HTTP handlers for the loop API
type Handler struct {
	manager *manager.Manager
	repo    repository.Repository
	conns   ConnectionProber
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(mgr *manager.Manager, repo repository.Repository, conns ConnectionProber, log *logger.Logger) *Handler {
	return &Handler{
		manager: mgr,
		repo:    repo,
		conns:   conns,
		logger:  log,
	}
}

// respondError maps domain errors to their HTTP status, falling back to an
// internal error for anything untyped.
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		h.logger.Error(fallback, zap.Error(err))
		appErr = errors.InternalError(fallback, err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Loop endpoints

// CreateLoop creates a new loop
// POST /api/v1/loops
func (h *Handler) CreateLoop(c *gin.Context) {
	var req manager.CreateLoopInput
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	loop, err := h.manager.CreateLoop(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "failed to create loop")
		return
	}

	c.JSON(http.StatusCreated, loopToResponse(loop))
}

// GetLoop retrieves a loop by ID
// GET /api/v1/loops/:id
func (h *Handler) GetLoop(c *gin.Context) {
	loop, err := h.manager.GetLoop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get loop")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// ListLoops returns all loops
// GET /api/v1/loops
func (h *Handler) ListLoops(c *gin.Context) {
	loops, err := h.manager.ListLoops(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list loops")
		return
	}

	resp := LoopsListResponse{
		Loops: make([]*LoopResponse, len(loops)),
		Total: len(loops),
	}
	for i, l := range loops {
		resp.Loops[i] = loopToResponse(l)
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateLoop updates a loop's editable config fields
// PUT /api/v1/loops/:id
func (h *Handler) UpdateLoop(c *gin.Context) {
	var req manager.UpdateLoopInput
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	loop, err := h.manager.UpdateLoop(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err, "failed to update loop")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// DeleteLoop deletes a loop
// DELETE /api/v1/loops/:id
func (h *Handler) DeleteLoop(c *gin.Context) {
	if err := h.manager.DeleteLoop(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "failed to delete loop")
		return
	}

	c.Status(http.StatusNoContent)
}

// StartLoop starts or resumes a loop
// POST /api/v1/loops/:id/start
func (h *Handler) StartLoop(c *gin.Context) {
	var opts manager.StartOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	loop, err := h.manager.StartLoop(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		h.respondError(c, err, "failed to start loop")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// StopLoop stops a running loop
// POST /api/v1/loops/:id/stop
func (h *Handler) StopLoop(c *gin.Context) {
	var req StopLoopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	loop, err := h.manager.StopLoop(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err, "failed to stop loop")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// SetPendingPrompt queues a prompt for the next iteration boundary
// PUT /api/v1/loops/:id/prompt
func (h *Handler) SetPendingPrompt(c *gin.Context) {
	var req PendingPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	loop, err := h.manager.SetPendingPrompt(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		h.respondError(c, err, "failed to set pending prompt")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// SetPendingModel queues a model switch for the next iteration boundary
// PUT /api/v1/loops/:id/model
func (h *Handler) SetPendingModel(c *gin.Context) {
	var req PendingModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	model := models.ModelRef{
		ProviderID: req.ProviderID,
		ModelID:    req.ModelID,
		Variant:    req.Variant,
	}
	loop, err := h.manager.SetPendingModel(c.Request.Context(), c.Param("id"), model)
	if err != nil {
		h.respondError(c, err, "failed to set pending model")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// ReplyPermission answers a pending permission request
// POST /api/v1/loops/:id/permission
func (h *Handler) ReplyPermission(c *gin.Context) {
	var req ReplyPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.ReplyToPermission(c.Request.Context(), c.Param("id"), req.RequestID, req.Outcome); err != nil {
		h.respondError(c, err, "failed to reply to permission request")
		return
	}

	c.Status(http.StatusNoContent)
}

// ReplyQuestion answers a pending agent question
// POST /api/v1/loops/:id/question
func (h *Handler) ReplyQuestion(c *gin.Context) {
	var req ReplyQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.ReplyToQuestion(c.Request.Context(), c.Param("id"), req.QuestionID, req.Answers); err != nil {
		h.respondError(c, err, "failed to reply to question")
		return
	}

	c.Status(http.StatusNoContent)
}

// Review endpoints

// AcceptLoop merges the working branch back into the original branch
// POST /api/v1/loops/:id/accept
func (h *Handler) AcceptLoop(c *gin.Context) {
	loop, err := h.manager.AcceptLoop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to accept loop")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// PushLoop pushes the working branch to the remote
// POST /api/v1/loops/:id/push
func (h *Handler) PushLoop(c *gin.Context) {
	loop, err := h.manager.PushLoop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to push loop")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// AddressReviewComments starts another cycle on a fresh review branch
// POST /api/v1/loops/:id/review-comments
func (h *Handler) AddressReviewComments(c *gin.Context) {
	var req AddressCommentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	loop, err := h.manager.AddressReviewComments(c.Request.Context(), c.Param("id"), req.Comments)
	if err != nil {
		h.respondError(c, err, "failed to address review comments")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// GetReviewHistory returns the loop's review workflow state
// GET /api/v1/loops/:id/review
func (h *Handler) GetReviewHistory(c *gin.Context) {
	review, err := h.manager.GetReviewHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get review history")
		return
	}

	c.JSON(http.StatusOK, review)
}

// PurgeLoop removes a reviewed or stopped loop entirely
// POST /api/v1/loops/:id/purge
func (h *Handler) PurgeLoop(c *gin.Context) {
	if err := h.manager.PurgeLoop(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "failed to purge loop")
		return
	}

	c.Status(http.StatusNoContent)
}

// Plan endpoints

// AcceptPlan approves the produced plan and resumes implementation
// POST /api/v1/loops/:id/plan/accept
func (h *Handler) AcceptPlan(c *gin.Context) {
	var req AcceptPlanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	loop, err := h.manager.AcceptPlan(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		h.respondError(c, err, "failed to accept plan")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// DiscardPlan abandons the produced plan and stops the loop
// POST /api/v1/loops/:id/plan/discard
func (h *Handler) DiscardPlan(c *gin.Context) {
	loop, err := h.manager.DiscardPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to discard plan")
		return
	}

	c.JSON(http.StatusOK, loopToResponse(loop))
}

// ForceResetAll clears every engine and connection
// POST /api/v1/reset
func (h *Handler) ForceResetAll(c *gin.Context) {
	result, err := h.manager.ForceResetAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to force reset")
		return
	}

	c.JSON(http.StatusOK, result)
}

// loopToResponse converts the internal model to the API shape
func loopToResponse(l *models.Loop) *LoopResponse {
	return &LoopResponse{
		ID:                     l.Config.ID,
		Name:                   l.Config.Name,
		WorkspaceID:            l.Config.WorkspaceID,
		Directory:              l.Config.Directory,
		Prompt:                 l.Config.Prompt,
		Model:                  l.Config.Model,
		MaxIterations:          l.Config.MaxIterations,
		MaxConsecutiveErrors:   l.Config.MaxConsecutiveErrors,
		ActivityTimeoutSeconds: l.Config.ActivityTimeoutSeconds,
		StopPattern:            l.Config.StopPattern,
		Git:                    l.Config.Git,
		BaseBranch:             l.Config.BaseBranch,
		PlanMode:               l.Config.PlanMode,
		Mode:                   string(l.Config.Mode),
		CreatedAt:              l.Config.CreatedAt,
		UpdatedAt:              l.Config.UpdatedAt,
		Status:                 string(l.State.Status),
		CurrentIteration:       l.State.CurrentIteration,
		GitState:               l.State.Git,
		SessionID:              l.State.SessionID,
		PendingPrompt:          l.State.PendingPrompt,
		PendingModel:           l.State.PendingModel,
		Error:                  l.State.Error,
		Review:                 l.State.ReviewMode,
		RecentIterations:       l.State.RecentIterations,
		Messages:               l.State.Messages,
		ToolCalls:              l.State.ToolCalls,
		Todos:                  l.State.Todos,
		Logs:                   l.State.Logs,
	}
}
