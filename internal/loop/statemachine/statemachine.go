// Package statemachine validates loop status transitions. It is pure: no
// I/O, no hidden state. Every status mutation in the loop manager must pass
// through AssertValidTransition before it is applied.
package statemachine

import (
	"github.com/loopdev/loopdev/internal/common/errors"
	v1 "github.com/loopdev/loopdev/pkg/api/v1"
)

// transitions is the single authoritative adjacency map. Self-transitions
// are illegal except stopped→stopped (restart of a jump-started run) and
// pushed→pushed (re-push after the working branch moved).
var transitions = map[v1.LoopStatus][]v1.LoopStatus{
	v1.LoopStatusIdle: {
		v1.LoopStatusStarting,
		v1.LoopStatusPlanning,
		v1.LoopStatusDraft,
		v1.LoopStatusDeleted,
	},
	v1.LoopStatusDraft: {
		v1.LoopStatusIdle,
		v1.LoopStatusPlanning,
		v1.LoopStatusDeleted,
	},
	v1.LoopStatusPlanning: {
		v1.LoopStatusRunning,
		v1.LoopStatusStopped,
		v1.LoopStatusFailed,
		v1.LoopStatusDeleted,
	},
	v1.LoopStatusStarting: {
		v1.LoopStatusRunning,
		v1.LoopStatusFailed,
		v1.LoopStatusStopped,
		v1.LoopStatusDeleted,
	},
	v1.LoopStatusRunning: {
		v1.LoopStatusCompleted,
		v1.LoopStatusStopped,
		v1.LoopStatusFailed,
		v1.LoopStatusMaxIterations,
		v1.LoopStatusDeleted,
	},
	v1.LoopStatusWaiting: {
		v1.LoopStatusRunning,
		v1.LoopStatusCompleted,
		v1.LoopStatusStopped,
		v1.LoopStatusFailed,
		v1.LoopStatusMaxIterations,
		v1.LoopStatusDeleted,
	},
	v1.LoopStatusCompleted: {
		v1.LoopStatusMerged,
		v1.LoopStatusPushed,
		v1.LoopStatusDeleted,
		v1.LoopStatusResolvingConflicts,
		v1.LoopStatusIdle,
		v1.LoopStatusStopped,
		v1.LoopStatusPlanning,
	},
	v1.LoopStatusStopped: {
		v1.LoopStatusStarting,
		v1.LoopStatusPlanning,
		v1.LoopStatusDeleted,
		v1.LoopStatusStopped,
	},
	v1.LoopStatusFailed: {
		v1.LoopStatusDeleted,
		v1.LoopStatusStopped,
		v1.LoopStatusPlanning,
	},
	v1.LoopStatusMaxIterations: {
		v1.LoopStatusMerged,
		v1.LoopStatusPushed,
		v1.LoopStatusDeleted,
		v1.LoopStatusResolvingConflicts,
		v1.LoopStatusStopped,
		v1.LoopStatusPlanning,
	},
	v1.LoopStatusResolvingConflicts: {
		v1.LoopStatusStarting,
		v1.LoopStatusStopped,
		v1.LoopStatusFailed,
		v1.LoopStatusPushed,
		v1.LoopStatusCompleted,
		v1.LoopStatusMaxIterations,
		v1.LoopStatusDeleted,
	},
	v1.LoopStatusMerged: {
		v1.LoopStatusDeleted,
		v1.LoopStatusIdle,
	},
	v1.LoopStatusPushed: {
		v1.LoopStatusDeleted,
		v1.LoopStatusIdle,
		v1.LoopStatusResolvingConflicts,
		v1.LoopStatusPushed,
	},
	v1.LoopStatusDeleted: {},
}

// activeStatuses are the statuses that consume a "one loop per directory"
// slot.
var activeStatuses = map[v1.LoopStatus]bool{
	v1.LoopStatusStarting:           true,
	v1.LoopStatusRunning:            true,
	v1.LoopStatusPlanning:           true,
	v1.LoopStatusResolvingConflicts: true,
}

// IsValidTransition reports whether from → to is a legal transition.
func IsValidTransition(from, to v1.LoopStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AssertValidTransition returns an INVALID_TRANSITION error when from → to
// is illegal. The optional context is embedded in the error message.
func AssertValidTransition(from, to v1.LoopStatus, context string) error {
	if IsValidTransition(from, to) {
		return nil
	}
	return errors.InvalidTransition(string(from), string(to), context)
}

// ValidTransitions returns the set of statuses reachable from the given one.
func ValidTransitions(from v1.LoopStatus) map[v1.LoopStatus]bool {
	out := make(map[v1.LoopStatus]bool, len(transitions[from]))
	for _, to := range transitions[from] {
		out[to] = true
	}
	return out
}

// IsTerminalStatus reports whether a status has no outgoing edges.
func IsTerminalStatus(status v1.LoopStatus) bool {
	return len(transitions[status]) == 0
}

// IsActiveStatus reports whether a loop in this status occupies its
// directory's single active slot.
func IsActiveStatus(status v1.LoopStatus) bool {
	return activeStatuses[status]
}
