// Package protocol defines the agent session protocol spoken on top of
// JSON-RPC 2.0. The agent process (opencode, copilot) exposes sessions;
// the loop manager drives them with prompts and receives streamed
// session/update notifications plus server-initiated permission and
// question requests.
package protocol

import "encoding/json"

// Methods initiated by the client (loop manager -> agent).
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
	MethodSessionDelete = "session/delete"
	MethodModelsList    = "models/list"
)

// Methods initiated by the agent (agent -> loop manager).
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodQuestion          = "session/question"
)

// ProtocolVersion is the session protocol revision this package speaks.
const ProtocolVersion = 1

// ClientInfo identifies the connecting client during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises optional client-side features.
type ClientCapabilities struct {
	Permissions bool `json:"permissions"`
	Questions   bool `json:"questions"`
}

// InitializeParams is the payload for the initialize handshake.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// AgentCapabilities describes what the agent supports.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession"`
	Planning    bool `json:"planning"`
}

// InitializeResult is the agent's reply to initialize.
type InitializeResult struct {
	ProtocolVersion int               `json:"protocolVersion"`
	AgentInfo       ClientInfo        `json:"agentInfo"`
	Capabilities    AgentCapabilities `json:"capabilities"`
}

// SessionNewParams creates a fresh agent session rooted at Cwd.
type SessionNewParams struct {
	Cwd     string `json:"cwd"`
	ModelID string `json:"modelId,omitempty"`
}

// SessionNewResult carries the identifier of the created session.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams resumes a previously created session.
type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

// ContentBlock is a single piece of prompt or response content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// SessionPromptParams sends a user turn into a session.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
	ModelID   string         `json:"modelId,omitempty"`
	PlanMode  bool           `json:"planMode,omitempty"`
}

// Stop reasons reported at the end of a prompt turn.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
	StopReasonError     = "error"
)

// SessionPromptResult is returned when the agent finishes a turn.
type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// SessionCancelParams aborts the in-flight turn of a session.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionDeleteParams discards a session on the agent side.
type SessionDeleteParams struct {
	SessionID string `json:"sessionId"`
}

// Session update kinds carried by session/update notifications.
const (
	UpdateMessageDelta = "message_delta"
	UpdateToolCall     = "tool_call"
	UpdateTodo         = "todo"
	UpdatePlanReady    = "plan_ready"
	UpdateTurnEnd      = "turn_end"
)

// SessionUpdate is the envelope of a session/update notification. The
// Type field selects which of the payload pointers is populated.
type SessionUpdate struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Message   *MessageDelta   `json:"message,omitempty"`
	ToolCall  *ToolCallUpdate `json:"toolCall,omitempty"`
	Todos     []TodoItem      `json:"todos,omitempty"`
	Plan      *PlanReady      `json:"plan,omitempty"`
	TurnEnd   *TurnEnd        `json:"turnEnd,omitempty"`
}

// MessageDelta is an incremental chunk of assistant output.
type MessageDelta struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ToolCallUpdate reports a tool call starting, progressing or finishing.
type ToolCallUpdate struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TodoItem is one entry of the agent's working plan snapshot.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// PlanReady signals that a planning turn produced a reviewable plan.
type PlanReady struct {
	Plan string `json:"plan"`
}

// TurnEnd closes out a turn inside the update stream.
type TurnEnd struct {
	StopReason string `json:"stopReason"`
}

// PermissionRequestParams is sent by the agent before a gated action.
type PermissionRequestParams struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Permission reply kinds accepted by the agent.
const (
	PermissionOnce   = "once"
	PermissionAlways = "always"
	PermissionReject = "reject"
)

// PermissionRequestResult answers a permission request.
type PermissionRequestResult struct {
	Outcome string `json:"outcome"`
}

// QuestionOption is one selectable answer within a question group.
type QuestionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// QuestionGroup is a titled set of options. Multi selects allow more
// than one option id in the reply for that group.
type QuestionGroup struct {
	Title   string           `json:"title"`
	Multi   bool             `json:"multi"`
	Options []QuestionOption `json:"options"`
}

// QuestionParams is sent by the agent when it needs user input.
type QuestionParams struct {
	SessionID  string          `json:"sessionId"`
	QuestionID string          `json:"questionId"`
	Text       string          `json:"text"`
	Groups     []QuestionGroup `json:"groups"`
}

// QuestionResult answers a question with one option id list per group.
type QuestionResult struct {
	Answers [][]string `json:"answers"`
}

// Model describes a selectable agent model.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

// ModelsResult lists the models the agent can run.
type ModelsResult struct {
	Models []Model `json:"models"`
}
