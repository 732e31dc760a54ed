// Package events defines the closed set of loop event types.
package events

const (
	LoopCreated        = "loop.created"
	LoopStarted        = "loop.started"
	LoopIterationStart = "loop.iteration.start"
	LoopIterationEnd   = "loop.iteration.end"
	LoopMessage        = "loop.message"
	LoopToolCall       = "loop.tool_call"
	LoopProgress       = "loop.progress"
	LoopLog            = "loop.log"
	LoopGitCommit      = "loop.git.commit"
	LoopCompleted      = "loop.completed"
	LoopStopped        = "loop.stopped"
	LoopError          = "loop.error"
	LoopDeleted        = "loop.deleted"
	LoopAccepted       = "loop.accepted"
	LoopDiscarded      = "loop.discarded"
	LoopPushed         = "loop.pushed"
	LoopPlanReady      = "loop.plan.ready"
	LoopPlanFeedback   = "loop.plan.feedback"
	LoopPlanAccepted   = "loop.plan.accepted"
	LoopPlanDiscarded  = "loop.plan.discarded"
	LoopTodoUpdated    = "loop.todo.updated"
	LoopPendingUpdated = "loop.pending.updated"
)
