package api

import (
	"time"

	"github.com/loopdev/loopdev/internal/loop/models"
)

// StopLoopRequest for stopping a loop. The body is optional.
type StopLoopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PendingPromptRequest queues a prompt for the next iteration boundary
type PendingPromptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// PendingModelRequest queues a model switch for the next iteration boundary
type PendingModelRequest struct {
	ProviderID string `json:"provider_id" binding:"required"`
	ModelID    string `json:"model_id" binding:"required"`
	Variant    string `json:"variant,omitempty"`
}

// ReplyPermissionRequest answers a pending permission request
type ReplyPermissionRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Outcome   string `json:"outcome" binding:"required"` // once, always, reject
}

// ReplyQuestionRequest answers a pending agent question
type ReplyQuestionRequest struct {
	QuestionID string     `json:"question_id" binding:"required"`
	Answers    [][]string `json:"answers" binding:"required"`
}

// AddressCommentsRequest starts a review cycle with reviewer feedback
type AddressCommentsRequest struct {
	Comments string `json:"comments" binding:"required"`
}

// AcceptPlanRequest approves a plan; Prompt optionally overrides the
// default go-ahead instruction.
type AcceptPlanRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

// CreateWorkspaceRequest registers a git working directory
type CreateWorkspaceRequest struct {
	Name           string                `json:"name" binding:"required"`
	Directory      string                `json:"directory" binding:"required"`
	ServerSettings models.ServerSettings `json:"server_settings"`
}

// UpdateWorkspaceRequest for updating a workspace
type UpdateWorkspaceRequest struct {
	Name           *string                `json:"name,omitempty"`
	Directory      *string                `json:"directory,omitempty"`
	ServerSettings *models.ServerSettings `json:"server_settings,omitempty"`
}

// ProbeRequest carries settings for test-connection and validate-directory
type ProbeRequest struct {
	ServerSettings models.ServerSettings `json:"server_settings"`
	Directory      string                `json:"directory"`
}

// Response types

// LoopResponse represents a loop in API responses
type LoopResponse struct {
	ID                     string                    `json:"id"`
	Name                   string                    `json:"name"`
	WorkspaceID            string                    `json:"workspace_id"`
	Directory              string                    `json:"directory"`
	Prompt                 string                    `json:"prompt"`
	Model                  models.ModelRef           `json:"model"`
	MaxIterations          int                       `json:"max_iterations"`
	MaxConsecutiveErrors   int                       `json:"max_consecutive_errors"`
	ActivityTimeoutSeconds int                       `json:"activity_timeout_seconds"`
	StopPattern            string                    `json:"stop_pattern,omitempty"`
	Git                    models.GitSettings        `json:"git"`
	BaseBranch             string                    `json:"base_branch,omitempty"`
	PlanMode               bool                      `json:"plan_mode"`
	Mode                   string                    `json:"mode"`
	CreatedAt              time.Time                 `json:"created_at"`
	UpdatedAt              time.Time                 `json:"updated_at"`
	Status                 string                    `json:"status"`
	CurrentIteration       int                       `json:"current_iteration"`
	GitState               models.GitState           `json:"git_state"`
	SessionID              string                    `json:"session_id,omitempty"`
	PendingPrompt          string                    `json:"pending_prompt,omitempty"`
	PendingModel           *models.ModelRef          `json:"pending_model,omitempty"`
	Error                  *models.LoopError         `json:"error,omitempty"`
	Review                 *models.ReviewMode        `json:"review,omitempty"`
	RecentIterations       []models.IterationSummary `json:"recent_iterations,omitempty"`
	Messages               []models.Message          `json:"messages,omitempty"`
	ToolCalls              []models.ToolCall         `json:"tool_calls,omitempty"`
	Todos                  []models.TodoItem         `json:"todos,omitempty"`
	Logs                   []models.LogEntry         `json:"logs,omitempty"`
}

// LoopsListResponse for listing loops
type LoopsListResponse struct {
	Loops []*LoopResponse `json:"loops"`
	Total int             `json:"total"`
}

// WorkspaceResponse represents a workspace in API responses
type WorkspaceResponse struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Directory      string                `json:"directory"`
	ServerSettings models.ServerSettings `json:"server_settings"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// WorkspacesListResponse for listing workspaces
type WorkspacesListResponse struct {
	Workspaces []*WorkspaceResponse `json:"workspaces"`
	Total      int                  `json:"total"`
}
