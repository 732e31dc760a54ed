package manager

import (
	"context"
	"fmt"
	"strings"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/events"
	"github.com/loopdev/loopdev/internal/loop/models"
)

// gitFor builds the git helper for a loop's directory over the workspace's
// execution channel.
func (m *Manager) gitFor(ctx context.Context, loop *models.Loop) (*gitRepo, error) {
	ws, err := m.repo.GetWorkspace(ctx, loop.Config.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, errors.NotFound("workspace", loop.Config.WorkspaceID)
	}
	exec, err := m.conns.GetCommandExecutor(ws)
	if err != nil {
		return nil, err
	}
	return &gitRepo{exec: exec, dir: loop.Config.Directory}, nil
}

// routeToCompleted moves waiting and resolving_conflicts loops onto the
// completed edge so the subsequent merged/pushed transition is legal.
func (m *Manager) routeToCompleted(ctx context.Context, loop *models.Loop, context_ string) error {
	switch loop.State.Status {
	case v1.LoopStatusWaiting, v1.LoopStatusResolvingConflicts:
		return m.transitionAndSave(ctx, loop, v1.LoopStatusCompleted, context_)
	}
	return nil
}

// assertReviewEntry gates acceptLoop and pushLoop on the statuses that may
// enter review. Re-push of an already pushed loop is the one extra edge.
func assertReviewEntry(status, target v1.LoopStatus) error {
	switch status {
	case v1.LoopStatusCompleted, v1.LoopStatusMaxIterations,
		v1.LoopStatusWaiting, v1.LoopStatusResolvingConflicts:
		return nil
	case v1.LoopStatusPushed:
		if target == v1.LoopStatusPushed {
			return nil
		}
	}
	return errors.InvalidTransition(string(status), string(target), "review action")
}

// reviewModeFor returns the loop's review mode, creating it on first use.
func reviewModeFor(loop *models.Loop) *models.ReviewMode {
	if loop.State.ReviewMode == nil {
		loop.State.ReviewMode = &models.ReviewMode{ReviewBranches: []string{}}
	}
	return loop.State.ReviewMode
}

// AcceptLoop merges the working branch into the original branch and moves
// the loop to merged. A loop whose first review cycle pushed cannot later
// be merged.
func (m *Manager) AcceptLoop(ctx context.Context, id string) (*models.Loop, error) {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if rm := loop.State.ReviewMode; rm != nil && rm.CompletionAction == v1.CompletionPush {
		return nil, errors.Conflict("loop was originally pushed; it cannot be merged in a later review cycle")
	}
	if loop.State.Git.WorkingBranch == "" || loop.State.Git.OriginalBranch == "" {
		return nil, errors.Conflict("loop has no working branch to merge")
	}

	git, err := m.gitFor(ctx, loop)
	if err != nil {
		return nil, err
	}

	lock := m.directoryLock(loop.Config.Directory)
	lock.Lock()
	defer lock.Unlock()

	if err := assertReviewEntry(loop.State.Status, v1.LoopStatusMerged); err != nil {
		return nil, err
	}
	if err := m.routeToCompleted(ctx, loop, "acceptLoop"); err != nil {
		return nil, err
	}

	if err := git.checkout(ctx, loop.State.Git.OriginalBranch); err != nil {
		return nil, errors.InternalError("failed to checkout original branch", err)
	}
	message := loop.Config.Git.CommitPrefix + fmt.Sprintf("merge %s", loop.State.Git.WorkingBranch)
	if err := git.merge(ctx, loop.State.Git.WorkingBranch, message); err != nil {
		if errors.IsConflict(err) {
			if terr := m.transitionAndSave(ctx, loop, v1.LoopStatusResolvingConflicts, "merge conflict"); terr != nil {
				return nil, terr
			}
			return nil, err
		}
		return nil, errors.InternalError("merge failed", err)
	}

	rm := reviewModeFor(loop)
	rm.Addressable = true
	rm.CompletionAction = v1.CompletionMerge
	rm.ReviewBranches = append(rm.ReviewBranches, loop.State.Git.WorkingBranch)

	if err := m.transitionAndSave(ctx, loop, v1.LoopStatusMerged, "acceptLoop"); err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopAccepted, id, map[string]interface{}{
		"working_branch":  loop.State.Git.WorkingBranch,
		"original_branch": loop.State.Git.OriginalBranch,
		"review_cycles":   rm.ReviewCycles,
	})
	return loop, nil
}

// PushLoop pushes the working branch to the remote and moves the loop to
// pushed. A loop whose first review cycle merged cannot later be pushed.
func (m *Manager) PushLoop(ctx context.Context, id string) (*models.Loop, error) {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if rm := loop.State.ReviewMode; rm != nil && rm.CompletionAction == v1.CompletionMerge {
		return nil, errors.Conflict("loop was originally merged; it cannot be pushed in a later review cycle")
	}
	if loop.State.Git.WorkingBranch == "" {
		return nil, errors.Conflict("loop has no working branch to push")
	}

	git, err := m.gitFor(ctx, loop)
	if err != nil {
		return nil, err
	}

	lock := m.directoryLock(loop.Config.Directory)
	lock.Lock()
	defer lock.Unlock()

	if err := assertReviewEntry(loop.State.Status, v1.LoopStatusPushed); err != nil {
		return nil, err
	}
	if err := m.routeToCompleted(ctx, loop, "pushLoop"); err != nil {
		return nil, err
	}

	if err := git.push(ctx, loop.State.Git.WorkingBranch); err != nil {
		if errors.IsConflict(err) {
			if terr := m.transitionAndSave(ctx, loop, v1.LoopStatusResolvingConflicts, "push rejected"); terr != nil {
				return nil, terr
			}
			return nil, err
		}
		return nil, errors.InternalError("push failed", err)
	}

	rm := reviewModeFor(loop)
	rm.Addressable = true
	rm.CompletionAction = v1.CompletionPush
	rm.ReviewBranches = append(rm.ReviewBranches, loop.State.Git.WorkingBranch)

	if err := m.transitionAndSave(ctx, loop, v1.LoopStatusPushed, "pushLoop"); err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopPushed, id, map[string]interface{}{
		"working_branch": loop.State.Git.WorkingBranch,
		"review_cycles":  rm.ReviewCycles,
	})
	return loop, nil
}

// AddressReviewComments re-enters the iteration loop with the reviewer's
// comments as the next prompt. The loop must be in review mode; the original
// completion action is preserved so the follow-up accept or push stays
// constrained to it.
func (m *Manager) AddressReviewComments(ctx context.Context, id, comments string) (*models.Loop, error) {
	if strings.TrimSpace(comments) == "" {
		return nil, errors.ValidationError("comments", "review comments cannot be empty")
	}

	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	rm := loop.State.ReviewMode
	if rm == nil || !rm.Addressable {
		return nil, errors.Conflict("loop is not addressable; only merged or pushed loops accept review comments")
	}

	rm.ReviewCycles++
	loop.State.PendingPrompt = comments
	// Each review cycle works on a fresh branch so reviewBranches records
	// one branch per cycle.
	loop.State.Git.WorkingBranch = fmt.Sprintf("%s-review-%d", workingBranchName(&loop.Config), rm.ReviewCycles)

	if err := m.transitionAndSave(ctx, loop, v1.LoopStatusIdle, "addressReviewComments"); err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopPlanFeedback, id, map[string]interface{}{"review_cycle": rm.ReviewCycles})

	return m.StartLoop(ctx, id, StartOptions{})
}

// PurgeLoop deletes a reviewed loop entirely. Git history is left intact;
// only the persisted record goes away.
func (m *Manager) PurgeLoop(ctx context.Context, id string) error {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	switch loop.State.Status {
	case v1.LoopStatusMerged, v1.LoopStatusPushed, v1.LoopStatusStopped, v1.LoopStatusFailed:
	default:
		return errors.Conflict("only reviewed or terminal loops can be purged; status is " + string(loop.State.Status))
	}

	if _, err := m.repo.DeleteLoop(ctx, id); err != nil {
		return err
	}
	m.emit(ctx, events.LoopDiscarded, id, map[string]interface{}{"status": string(loop.State.Status)})
	return nil
}

// AcceptPlan approves a plan-mode loop's plan and resumes the same session
// in execution mode.
func (m *Manager) AcceptPlan(ctx context.Context, id, prompt string) (*models.Loop, error) {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if loop.State.Status != v1.LoopStatusPlanning {
		return nil, errors.Conflict("only planning loops have a plan to accept; status is " + string(loop.State.Status))
	}

	ws, err := m.repo.GetWorkspace(ctx, loop.Config.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, errors.NotFound("workspace", loop.Config.WorkspaceID)
	}
	git, err := m.gitFor(ctx, loop)
	if err != nil {
		return nil, err
	}

	// A blank prompt falls back to queued plan feedback before the stock
	// approval, so feedback sent but not yet delivered is not lost.
	prompt = strings.TrimSpace(prompt)
	approve := func(l *models.Loop) {
		l.Config.PlanMode = false
		if prompt != "" {
			l.State.PendingPrompt = prompt
		} else if l.State.PendingPrompt == "" {
			l.State.PendingPrompt = "The plan is approved. Proceed with the implementation."
		}
	}

	if e := m.liveEngine(id); e != nil {
		// A plan turn is still in flight; the running task picks up the
		// approval at its next iteration boundary.
		e.st.mu.Lock()
		approve(e.loop)
		terr := m.transitionAndSave(ctx, e.loop, v1.LoopStatusRunning, "acceptPlan")
		e.st.mu.Unlock()
		if terr != nil {
			return nil, terr
		}
		loop = e.loop
		if m.liveEngine(id) == nil {
			// The task wound down while the approval was being applied.
			if err := m.startEngine(ctx, loop, ws, git); err != nil {
				return nil, err
			}
		}
		m.emit(ctx, events.LoopPlanAccepted, id, nil)
		return loop, nil
	}

	approve(loop)
	if err := m.transitionAndSave(ctx, loop, v1.LoopStatusRunning, "acceptPlan"); err != nil {
		return nil, err
	}
	if err := m.startEngine(ctx, loop, ws, git); err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopPlanAccepted, id, nil)
	return loop, nil
}

// DiscardPlan abandons a plan-mode loop's plan and stops the loop.
func (m *Manager) DiscardPlan(ctx context.Context, id string) (*models.Loop, error) {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if loop.State.Status != v1.LoopStatusPlanning {
		return nil, errors.Conflict("only planning loops have a plan to discard; status is " + string(loop.State.Status))
	}

	m.cancelEngine(id)
	loop.State.PendingPrompt = ""
	if err := m.transitionAndSave(ctx, loop, v1.LoopStatusStopped, "discardPlan"); err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopPlanDiscarded, id, nil)
	return loop, nil
}
