// Package v1 contains the public API types shared between the loop manager
// service and its clients.
package v1

// LoopStatus is the closed set of loop lifecycle statuses.
type LoopStatus string

const (
	LoopStatusIdle               LoopStatus = "idle"
	LoopStatusDraft              LoopStatus = "draft"
	LoopStatusPlanning           LoopStatus = "planning"
	LoopStatusStarting           LoopStatus = "starting"
	LoopStatusRunning            LoopStatus = "running"
	LoopStatusWaiting            LoopStatus = "waiting"
	LoopStatusCompleted          LoopStatus = "completed"
	LoopStatusStopped            LoopStatus = "stopped"
	LoopStatusFailed             LoopStatus = "failed"
	LoopStatusMaxIterations      LoopStatus = "max_iterations"
	LoopStatusResolvingConflicts LoopStatus = "resolving_conflicts"
	LoopStatusMerged             LoopStatus = "merged"
	LoopStatusPushed             LoopStatus = "pushed"
	LoopStatusDeleted            LoopStatus = "deleted"
)

// AllLoopStatuses enumerates every status in the enum.
var AllLoopStatuses = []LoopStatus{
	LoopStatusIdle,
	LoopStatusDraft,
	LoopStatusPlanning,
	LoopStatusStarting,
	LoopStatusRunning,
	LoopStatusWaiting,
	LoopStatusCompleted,
	LoopStatusStopped,
	LoopStatusFailed,
	LoopStatusMaxIterations,
	LoopStatusResolvingConflicts,
	LoopStatusMerged,
	LoopStatusPushed,
	LoopStatusDeleted,
}

// IsValid reports whether s is a member of the status enum.
func (s LoopStatus) IsValid() bool {
	for _, known := range AllLoopStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// LoopMode selects between full coding loops and single-shot chat runs.
type LoopMode string

const (
	LoopModeLoop LoopMode = "loop"
	LoopModeChat LoopMode = "chat"
)

// AgentProvider identifies the AI coding agent family.
type AgentProvider string

const (
	AgentProviderOpenCode AgentProvider = "opencode"
	AgentProviderCopilot  AgentProvider = "copilot"
)

// AgentTransport identifies how the agent process is reached.
type AgentTransport string

const (
	TransportStdio    AgentTransport = "stdio"
	TransportTCP      AgentTransport = "tcp"
	TransportSSHStdio AgentTransport = "ssh-stdio"
)

// ExecutionProvider identifies where shell/git commands run.
type ExecutionProvider string

const (
	ExecutionLocal ExecutionProvider = "local"
	ExecutionSSH   ExecutionProvider = "ssh"
)

// ToolCallStatus tracks a streamed tool call's lifecycle.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// IterationOutcome classifies how a single iteration ended.
type IterationOutcome string

const (
	OutcomeContinue  IterationOutcome = "continue"
	OutcomeComplete  IterationOutcome = "complete"
	OutcomePlanReady IterationOutcome = "plan_ready"
	OutcomeError     IterationOutcome = "error"
)

// CompletionAction is the review action that first closed a loop.
type CompletionAction string

const (
	CompletionMerge CompletionAction = "merge"
	CompletionPush  CompletionAction = "push"
)
