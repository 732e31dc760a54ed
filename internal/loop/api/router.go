package api

import (
	"github.com/gin-gonic/gin"

	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/loop/manager"
	"github.com/loopdev/loopdev/internal/loop/repository"
)

// SetupRoutes configures the loop and workspace API routes
func SetupRoutes(router *gin.RouterGroup, mgr *manager.Manager, repo repository.Repository, conns ConnectionProber, log *logger.Logger) {
	handler := NewHandler(mgr, repo, conns, log)

	// Loop routes
	loops := router.Group("/loops")
	{
		loops.POST("", handler.CreateLoop)
		loops.GET("", handler.ListLoops)
		loops.GET("/:id", handler.GetLoop)
		loops.PUT("/:id", handler.UpdateLoop)
		loops.DELETE("/:id", handler.DeleteLoop)

		// Lifecycle
		loops.POST("/:id/start", handler.StartLoop)
		loops.POST("/:id/stop", handler.StopLoop)
		loops.PUT("/:id/prompt", handler.SetPendingPrompt)
		loops.PUT("/:id/model", handler.SetPendingModel)
		loops.POST("/:id/permission", handler.ReplyPermission)
		loops.POST("/:id/question", handler.ReplyQuestion)

		// Review workflow
		loops.POST("/:id/accept", handler.AcceptLoop)
		loops.POST("/:id/push", handler.PushLoop)
		loops.POST("/:id/review-comments", handler.AddressReviewComments)
		loops.GET("/:id/review", handler.GetReviewHistory)
		loops.POST("/:id/purge", handler.PurgeLoop)

		// Plan workflow
		loops.POST("/:id/plan/accept", handler.AcceptPlan)
		loops.POST("/:id/plan/discard", handler.DiscardPlan)
	}

	// Workspace routes
	workspaces := router.Group("/workspaces")
	{
		workspaces.POST("", handler.CreateWorkspace)
		workspaces.GET("", handler.ListWorkspaces)
		workspaces.GET("/export", handler.ExportWorkspaces)
		workspaces.POST("/import", handler.ImportWorkspaces)
		workspaces.POST("/test-connection", handler.TestConnection)
		workspaces.POST("/validate-directory", handler.ValidateDirectory)
		workspaces.GET("/:id", handler.GetWorkspace)
		workspaces.GET("/:id/models", handler.GetWorkspaceModels)
		workspaces.PUT("/:id", handler.UpdateWorkspace)
		workspaces.DELETE("/:id", handler.DeleteWorkspace)
	}

	// Global reset
	router.POST("/reset", handler.ForceResetAll)
}
