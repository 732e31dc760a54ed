// Package models defines the loop and workspace data model.
package models

import (
	"time"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"
)

// Buffer bounds for streamed state. Oldest entries are dropped first.
const (
	MaxLogs             = 500
	MaxMessages         = 200
	MaxToolCalls        = 200
	MaxRecentIterations = 20
)

// ModelRef identifies a concrete agent model.
type ModelRef struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	Variant    string `json:"variant,omitempty"`
}

// GitSettings configures branch and commit naming for a loop.
type GitSettings struct {
	BranchPrefix string `json:"branch_prefix"`
	CommitPrefix string `json:"commit_prefix"`
}

// LoopConfig is immutable after creation except through explicit update.
type LoopConfig struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	WorkspaceID            string      `json:"workspace_id"`
	Directory              string      `json:"directory"`
	Prompt                 string      `json:"prompt"`
	Model                  ModelRef    `json:"model"`
	MaxIterations          int         `json:"max_iterations"`
	MaxConsecutiveErrors   int         `json:"max_consecutive_errors"`
	ActivityTimeoutSeconds int         `json:"activity_timeout_seconds"`
	StopPattern            string      `json:"stop_pattern"`
	Git                    GitSettings `json:"git"`
	BaseBranch             string      `json:"base_branch,omitempty"`
	ClearPlanningFolder    bool        `json:"clear_planning_folder"`
	PlanMode               bool        `json:"plan_mode"`
	Mode                   v1.LoopMode `json:"mode"`
	CreatedAt              time.Time   `json:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at"`
}

// GitCommit records one commit produced by a loop iteration.
type GitCommit struct {
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	FilesChanged int       `json:"files_changed"`
}

// GitState tracks the loop's branch lifecycle.
type GitState struct {
	OriginalBranch string      `json:"original_branch,omitempty"`
	WorkingBranch  string      `json:"working_branch,omitempty"`
	Commits        []GitCommit `json:"commits,omitempty"`
}

// LoopError records the failure that moved a loop to failed.
type LoopError struct {
	Message   string    `json:"message"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
}

// IterationSummary is one entry in the recent-iterations ring.
type IterationSummary struct {
	Iteration  int                 `json:"iteration"`
	Outcome    v1.IterationOutcome `json:"outcome"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Error      string              `json:"error,omitempty"`
}

// Message is one streamed agent message.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is one streamed tool invocation.
type ToolCall struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    v1.ToolCallStatus `json:"status"`
	Input     string            `json:"input,omitempty"`
	Output    string            `json:"output,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// TodoItem is one entry of the agent's todo list snapshot.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed
}

// LogEntry is one loop log line.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ReviewMode tracks the post-completion review workflow. It is created the
// first time a loop is merged or pushed; CompletionAction is then immutable
// for the loop's lifetime.
type ReviewMode struct {
	Addressable      bool                `json:"addressable"`
	CompletionAction v1.CompletionAction `json:"completion_action,omitempty"`
	ReviewCycles     int                 `json:"review_cycles"`
	ReviewBranches   []string            `json:"review_branches"`
}

// LoopState is the mutable working set of a loop. It is mutated exclusively
// by the loop manager under the state machine's transition rules.
type LoopState struct {
	ID               string             `json:"id"`
	Status           v1.LoopStatus      `json:"status"`
	CurrentIteration int                `json:"current_iteration"`
	RecentIterations []IterationSummary `json:"recent_iterations,omitempty"`
	Logs             []LogEntry         `json:"logs,omitempty"`
	Messages         []Message          `json:"messages,omitempty"`
	ToolCalls        []ToolCall         `json:"tool_calls,omitempty"`
	Todos            []TodoItem         `json:"todos,omitempty"`
	Git              GitState           `json:"git"`
	SessionID        string             `json:"session_id,omitempty"`
	Error            *LoopError         `json:"error,omitempty"`
	PendingPrompt    string             `json:"pending_prompt,omitempty"`
	PendingModel     *ModelRef          `json:"pending_model,omitempty"`
	ReviewMode       *ReviewMode        `json:"review_mode,omitempty"`
}

// Loop pairs a config with its state.
type Loop struct {
	Config LoopConfig `json:"config"`
	State  LoopState  `json:"state"`
}

// AgentSettings configures how the agent process is reached.
type AgentSettings struct {
	Provider      v1.AgentProvider  `json:"provider"`
	Transport     v1.AgentTransport `json:"transport"`
	Hostname      string            `json:"hostname,omitempty"`
	Port          int               `json:"port,omitempty"`
	Password      string            `json:"password,omitempty"`
	UseHTTPS      bool              `json:"use_https,omitempty"`
	AllowInsecure bool              `json:"allow_insecure,omitempty"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
}

// ExecutionSettings configures where shell/git commands run. The execution
// channel is independent of the agent channel.
type ExecutionSettings struct {
	Provider      v1.ExecutionProvider `json:"provider"`
	Host          string               `json:"host,omitempty"`
	Port          int                  `json:"port,omitempty"`
	User          string               `json:"user,omitempty"`
	WorkspaceRoot string               `json:"workspace_root,omitempty"`
}

// ServerSettings pairs the agent and execution channels for a workspace.
type ServerSettings struct {
	Agent     AgentSettings     `json:"agent"`
	Execution ExecutionSettings `json:"execution"`
}

// Workspace is a registered git working directory.
type Workspace struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Directory      string         `json:"directory"`
	ServerSettings ServerSettings `json:"server_settings"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AppendLog appends a log entry, dropping the oldest beyond MaxLogs.
func (s *LoopState) AppendLog(entry LogEntry) {
	s.Logs = append(s.Logs, entry)
	if len(s.Logs) > MaxLogs {
		s.Logs = s.Logs[len(s.Logs)-MaxLogs:]
	}
}

// AppendMessage appends a message, dropping the oldest beyond MaxMessages.
func (s *LoopState) AppendMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	if len(s.Messages) > MaxMessages {
		s.Messages = s.Messages[len(s.Messages)-MaxMessages:]
	}
}

// UpsertToolCall inserts or updates a tool call by ID, keeping the buffer
// bounded.
func (s *LoopState) UpsertToolCall(tc ToolCall) {
	for i := range s.ToolCalls {
		if s.ToolCalls[i].ID == tc.ID {
			s.ToolCalls[i] = tc
			return
		}
	}
	s.ToolCalls = append(s.ToolCalls, tc)
	if len(s.ToolCalls) > MaxToolCalls {
		s.ToolCalls = s.ToolCalls[len(s.ToolCalls)-MaxToolCalls:]
	}
}

// RecordIteration appends to the recent-iterations ring.
func (s *LoopState) RecordIteration(summary IterationSummary) {
	s.RecentIterations = append(s.RecentIterations, summary)
	if len(s.RecentIterations) > MaxRecentIterations {
		s.RecentIterations = s.RecentIterations[len(s.RecentIterations)-MaxRecentIterations:]
	}
}

// ReviewHistory returns the review mode, or the zero-value default for loops
// that never entered review.
func (s *LoopState) ReviewHistory() ReviewMode {
	if s.ReviewMode == nil {
		return ReviewMode{
			Addressable:    false,
			ReviewCycles:   0,
			ReviewBranches: []string{},
		}
	}
	return *s.ReviewMode
}

// Clone returns a deep copy of the loop so callers cannot mutate manager
// state through returned pointers.
func (l *Loop) Clone() *Loop {
	cp := *l
	cp.State.RecentIterations = append([]IterationSummary(nil), l.State.RecentIterations...)
	cp.State.Logs = append([]LogEntry(nil), l.State.Logs...)
	cp.State.Messages = append([]Message(nil), l.State.Messages...)
	cp.State.ToolCalls = append([]ToolCall(nil), l.State.ToolCalls...)
	cp.State.Todos = append([]TodoItem(nil), l.State.Todos...)
	cp.State.Git.Commits = append([]GitCommit(nil), l.State.Git.Commits...)
	if l.State.Error != nil {
		e := *l.State.Error
		cp.State.Error = &e
	}
	if l.State.PendingModel != nil {
		m := *l.State.PendingModel
		cp.State.PendingModel = &m
	}
	if l.State.ReviewMode != nil {
		rm := *l.State.ReviewMode
		rm.ReviewBranches = append([]string(nil), l.State.ReviewMode.ReviewBranches...)
		cp.State.ReviewMode = &rm
	}
	return &cp
}
