// Package agent defines the capability surface of a protocol client to one
// AI coding-agent process. Two implementations exist: a streaming JSON-RPC
// client over a spawned subprocess's stdio (internal/agent/stdio, optionally
// tunneled through SSH) and a line-based RPC client to a long-lived server
// (internal/agent/tcpclient).
package agent

import (
	"context"
	"time"

	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/pkg/acp/protocol"
)

// ConnectConfig describes how a connection reaches its agent process.
type ConnectConfig struct {
	Settings models.AgentSettings

	// Directory is the target git working directory on the execution host.
	// Local stdio spawns use it as the subprocess cwd.
	Directory string

	// WorkspaceRoot is the local cwd for SSH-wrapped spawns. The remote
	// path travels inside the remote command string, not the local
	// filesystem, so the local process is rooted here instead.
	WorkspaceRoot string
}

// Session is the client-side record of an agent session.
type Session struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	ModelID   string    `json:"model_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptOptions carry per-prompt settings.
type PromptOptions struct {
	ModelID  string
	PlanMode bool
}

// UpdateHandler receives streamed session updates in production order.
type UpdateHandler func(update *protocol.SessionUpdate)

// PermissionHandler surfaces an agent-initiated permission request. The
// answer arrives later through ReplyToPermission.
type PermissionHandler func(req *protocol.PermissionRequestParams)

// QuestionHandler surfaces an agent-initiated question. The answer arrives
// later through ReplyToQuestion.
type QuestionHandler func(q *protocol.QuestionParams)

// Subscription is the cancellation handle returned by Subscribe. Abort is
// idempotent and detaches the handler without touching the session itself.
type Subscription struct {
	SessionID string
	Abort     func()
}

// AgentConnection is the protocol client to one agent process.
//
// All operations except Connect and IsConnected fail with a NOT_CONNECTED
// error before a successful Connect.
type AgentConnection interface {
	Connect(ctx context.Context, cfg ConnectConfig) error
	Disconnect() error
	IsConnected() bool

	CreateSession(ctx context.Context, cwd, modelID string) (*Session, error)
	GetSession(sessionID string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// SendPrompt resolves when the agent finishes the turn. SendPromptAsync
	// returns immediately; the turn outcome is delivered to the session's
	// subscription as a turn_end update.
	SendPrompt(ctx context.Context, sessionID, prompt string, opts PromptOptions) (*protocol.SessionPromptResult, error)
	SendPromptAsync(ctx context.Context, sessionID, prompt string, opts PromptOptions) error
	AbortSession(ctx context.Context, sessionID string) error

	Subscribe(sessionID string, handler UpdateHandler) (*Subscription, error)
	AbortAllSubscriptions()

	SetPermissionHandler(h PermissionHandler)
	SetQuestionHandler(h QuestionHandler)
	ReplyToPermission(requestID, outcome string) error
	ReplyToQuestion(questionID string, answers [][]string) error

	GetModels(ctx context.Context) ([]protocol.Model, error)
}
