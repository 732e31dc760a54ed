// Package manager owns all loop state. It is the only component allowed to
// change a loop's status, and every change passes through the state
// machine's transition table before it is persisted.
package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/config"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/events"
	"github.com/loopdev/loopdev/internal/events/bus"
	"github.com/loopdev/loopdev/internal/executor"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/internal/loop/repository"
	"github.com/loopdev/loopdev/internal/loop/statemachine"
)

// Connections is the slice of the connection manager the loop manager
// depends on.
type Connections interface {
	GetConnection(ctx context.Context, ws *models.Workspace) (agent.AgentConnection, error)
	GetCommandExecutor(ws *models.Workspace) (executor.CommandExecutor, error)
	ResetAllConnections() int
}

// engine tracks one running iteration task. loop and st are shared with the
// task goroutine; mutate loop only while holding st.mu.
type engine struct {
	loopID string
	cancel context.CancelFunc
	done   chan struct{}

	conn agent.AgentConnection
	loop *models.Loop
	st   *stream
}

// Manager orchestrates loops: lifecycle, iteration tasks, review workflow.
type Manager struct {
	repo     repository.Repository
	conns    Connections
	eventBus bus.EventBus
	defaults config.LoopDefaults
	logger   *logger.Logger

	mu      sync.Mutex
	engines map[string]*engine

	// gitMu serializes git mutations per directory. Reads may run
	// concurrently with an active loop; mutations may not.
	gitMu   sync.Mutex
	gitLock map[string]*sync.Mutex
}

func NewManager(repo repository.Repository, conns Connections, eventBus bus.EventBus, defaults config.LoopDefaults, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		repo:     repo,
		conns:    conns,
		eventBus: eventBus,
		defaults: defaults,
		logger:   log.WithFields(zap.String("component", "loop-manager")),
		engines:  make(map[string]*engine),
		gitLock:  make(map[string]*sync.Mutex),
	}
}

// Start performs startup recovery: loops left active by a previous process
// are bulk-reset to stopped.
func (m *Manager) Start(ctx context.Context) error {
	count, err := m.repo.ResetStaleLoops(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		m.logger.Info("reset stale loops from previous run", zap.Int("count", count))
	}
	return nil
}

// Stop cancels every running iteration task and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	engines := make([]*engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	for _, e := range engines {
		e.cancel()
		<-e.done
	}
}

func (m *Manager) directoryLock(directory string) *sync.Mutex {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	lock, ok := m.gitLock[directory]
	if !ok {
		lock = &sync.Mutex{}
		m.gitLock[directory] = lock
	}
	return lock
}

// emit publishes a loop event. Every event carries the loop id; the bus
// envelope adds the ISO-8601 timestamp.
func (m *Manager) emit(ctx context.Context, eventType, loopID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["loop_id"] = loopID
	if err := m.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "loop-manager", data)); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("event", eventType),
			zap.String("loop_id", loopID),
			zap.Error(err))
	}
}

// transitionAndSave asserts the edge, applies it in memory and persists the
// whole loop. Persistence failure restores the previous status so no reader
// ever observes a status that was not durably written.
func (m *Manager) transitionAndSave(ctx context.Context, loop *models.Loop, to v1.LoopStatus, context_ string) error {
	from := loop.State.Status
	if err := statemachine.AssertValidTransition(from, to, context_); err != nil {
		return err
	}
	loop.State.Status = to
	if err := m.repo.SaveLoop(ctx, loop); err != nil {
		loop.State.Status = from
		return errors.InternalError("failed to persist loop transition", err)
	}
	m.logger.Debug("loop transition",
		zap.String("loop_id", loop.Config.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// CreateLoopInput carries the createLoop parameters. Zero numeric fields
// fall back to the configured defaults.
type CreateLoopInput struct {
	WorkspaceID            string             `json:"workspace_id"`
	Name                   string             `json:"name"`
	Prompt                 string             `json:"prompt"`
	Directory              string             `json:"directory,omitempty"`
	Model                  models.ModelRef    `json:"model"`
	MaxIterations          int                `json:"max_iterations,omitempty"`
	MaxConsecutiveErrors   int                `json:"max_consecutive_errors,omitempty"`
	ActivityTimeoutSeconds int                `json:"activity_timeout_seconds,omitempty"`
	StopPattern            string             `json:"stop_pattern,omitempty"`
	Git                    models.GitSettings `json:"git"`
	BaseBranch             string             `json:"base_branch,omitempty"`
	ClearPlanningFolder    bool               `json:"clear_planning_folder,omitempty"`
	PlanMode               bool               `json:"plan_mode,omitempty"`
	Mode                   v1.LoopMode        `json:"mode,omitempty"`
	Draft                  bool               `json:"draft,omitempty"`
}

// CreateLoop validates the workspace and directory, allocates the loop and
// persists it in idle (or draft) state.
func (m *Manager) CreateLoop(ctx context.Context, input CreateLoopInput) (*models.Loop, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.ValidationError("name", "loop name is required")
	}
	if strings.TrimSpace(input.Prompt) == "" && !input.Draft {
		return nil, errors.ValidationError("prompt", "loop prompt is required")
	}
	if input.WorkspaceID == "" {
		return nil, errors.ValidationError("workspace_id", "workspace id is required")
	}

	ws, err := m.repo.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, errors.NotFound("workspace", input.WorkspaceID)
	}

	directory := input.Directory
	if directory == "" {
		directory = ws.Directory
	}

	exec, err := m.conns.GetCommandExecutor(ws)
	if err != nil {
		return nil, err
	}
	git := &gitRepo{exec: exec, dir: directory}
	if !git.isRepo(ctx) {
		return nil, errors.ValidationError("directory", "not a git repository: "+directory)
	}

	now := time.Now().UTC()
	loop := &models.Loop{
		Config: models.LoopConfig{
			ID:                     uuid.New().String(),
			Name:                   strings.TrimSpace(input.Name),
			WorkspaceID:            ws.ID,
			Directory:              directory,
			Prompt:                 input.Prompt,
			Model:                  input.Model,
			MaxIterations:          input.MaxIterations,
			MaxConsecutiveErrors:   input.MaxConsecutiveErrors,
			ActivityTimeoutSeconds: input.ActivityTimeoutSeconds,
			StopPattern:            input.StopPattern,
			Git:                    input.Git,
			BaseBranch:             input.BaseBranch,
			ClearPlanningFolder:    input.ClearPlanningFolder,
			PlanMode:               input.PlanMode,
			Mode:                   input.Mode,
			CreatedAt:              now,
			UpdatedAt:              now,
		},
	}
	if loop.Config.MaxIterations == 0 {
		loop.Config.MaxIterations = m.defaults.MaxIterations
	}
	if loop.Config.MaxConsecutiveErrors == 0 {
		loop.Config.MaxConsecutiveErrors = m.defaults.MaxConsecutiveErrors
	}
	if loop.Config.ActivityTimeoutSeconds == 0 {
		loop.Config.ActivityTimeoutSeconds = m.defaults.ActivityTimeoutSeconds
	}
	if loop.Config.Git.BranchPrefix == "" {
		loop.Config.Git.BranchPrefix = m.defaults.BranchPrefix
	}
	if loop.Config.Git.CommitPrefix == "" {
		loop.Config.Git.CommitPrefix = m.defaults.CommitPrefix
	}
	if loop.Config.Mode == "" {
		loop.Config.Mode = v1.LoopModeLoop
	}

	status := v1.LoopStatusIdle
	if input.Draft {
		status = v1.LoopStatusDraft
	}
	loop.State = models.LoopState{ID: loop.Config.ID, Status: status}

	if err := m.repo.SaveLoop(ctx, loop); err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopCreated, loop.Config.ID, map[string]interface{}{
		"name":      loop.Config.Name,
		"directory": loop.Config.Directory,
		"status":    string(status),
	})
	return loop, nil
}

// GetLoop returns the persisted loop or NotFound.
func (m *Manager) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	loop, err := m.repo.LoadLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if loop == nil {
		return nil, errors.NotFound("loop", id)
	}
	return loop, nil
}

func (m *Manager) ListLoops(ctx context.Context) ([]*models.Loop, error) {
	return m.repo.ListLoops(ctx)
}

// StartOptions controls how startLoop deals with a dirty working tree.
type StartOptions struct {
	// HandleUncommitted is "commit", "stash" or empty. Empty fails with
	// UNCOMMITTED_CHANGES when the tree is dirty.
	HandleUncommitted string `json:"handle_uncommitted,omitempty"`
}

// StartLoop admits the loop into the single active slot for its directory,
// prepares the working branch and spawns the iteration task.
func (m *Manager) StartLoop(ctx context.Context, id string, opts StartOptions) (*models.Loop, error) {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}

	active, err := m.repo.GetActiveLoopByDirectory(ctx, loop.Config.Directory)
	if err != nil {
		return nil, err
	}
	if active != nil && active.Config.ID != id {
		return nil, errors.Conflict("directory " + loop.Config.Directory + " already has an active loop: " + active.Config.ID)
	}

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
	git := &gitRepo{exec: exec, dir: loop.Config.Directory}

	lock := m.directoryLock(loop.Config.Directory)
	lock.Lock()
	defer lock.Unlock()

	// Drafts are promoted to idle before they can start.
	if loop.State.Status == v1.LoopStatusDraft {
		if strings.TrimSpace(loop.Config.Prompt) == "" {
			return nil, errors.ValidationError("prompt", "draft loop needs a prompt before starting")
		}
		if err := m.transitionAndSave(ctx, loop, v1.LoopStatusIdle, "draft promotion"); err != nil {
			return nil, err
		}
	}

	files, err := git.uncommittedFiles(ctx)
	if err != nil {
		return nil, errors.InternalError("failed to inspect working tree", err)
	}
	if len(files) > 0 {
		switch opts.HandleUncommitted {
		case "commit":
			message := loop.Config.Git.CommitPrefix + "save work in progress"
			if _, _, err := git.commitAll(ctx, message); err != nil {
				return nil, errors.InternalError("failed to commit working tree", err)
			}
		case "stash":
			if err := git.stashAll(ctx); err != nil {
				return nil, errors.InternalError("failed to stash working tree", err)
			}
		default:
			return nil, errors.UncommittedChanges(files)
		}
	}

	if loop.State.Git.OriginalBranch == "" {
		branch, err := git.currentBranch(ctx)
		if err != nil {
			return nil, errors.InternalError("failed to read current branch", err)
		}
		if loop.Config.BaseBranch != "" {
			branch = loop.Config.BaseBranch
		}
		loop.State.Git.OriginalBranch = branch
	}

	if loop.State.Git.WorkingBranch == "" {
		loop.State.Git.WorkingBranch = workingBranchName(&loop.Config)
	}
	exists, err := git.branchExists(ctx, loop.State.Git.WorkingBranch)
	if err != nil {
		return nil, errors.InternalError("failed to check working branch", err)
	}
	if exists {
		if err := git.checkout(ctx, loop.State.Git.WorkingBranch); err != nil {
			return nil, errors.InternalError("failed to checkout working branch", err)
		}
	} else {
		if err := git.createBranch(ctx, loop.State.Git.WorkingBranch); err != nil {
			return nil, errors.InternalError("failed to create working branch", err)
		}
	}

	target := v1.LoopStatusStarting
	if loop.Config.PlanMode {
		target = v1.LoopStatusPlanning
		if loop.Config.ClearPlanningFolder {
			if _, err := exec.Exec(ctx, "rm", []string{"-rf", planningFolder}, executor.Options{Cwd: loop.Config.Directory}); err != nil {
				m.logger.Warn("could not clear planning folder",
					zap.String("loop_id", id),
					zap.Error(err))
			}
		}
	}
	if err := m.transitionAndSave(ctx, loop, target, "startLoop"); err != nil {
		return nil, err
	}

	if err := m.startEngine(ctx, loop, ws, git); err != nil {
		return nil, err
	}

	m.emit(ctx, events.LoopStarted, id, map[string]interface{}{
		"working_branch": loop.State.Git.WorkingBranch,
		"plan_mode":      loop.Config.PlanMode,
	})
	return loop, nil
}

// StopLoop hard-cancels the iteration task and transitions to stopped.
// Stopping an already stopped loop is legal and a no-op.
func (m *Manager) StopLoop(ctx context.Context, id, reason string) (*models.Loop, error) {
	m.cancelEngine(id)

	// Loaded after the engine is gone so its final save is not clobbered.
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.transitionAndSave(ctx, loop, v1.LoopStatusStopped, reason); err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopStopped, id, map[string]interface{}{"reason": reason})
	return loop, nil
}

// cancelEngine aborts the loop's iteration task if one is running and
// waits for it to wind down.
func (m *Manager) cancelEngine(id string) bool {
	m.mu.Lock()
	e := m.engines[id]
	delete(m.engines, id)
	m.mu.Unlock()
	if e == nil {
		return false
	}
	e.cancel()
	<-e.done
	return true
}

// finishEngine is called by the iteration task itself on exit.
func (m *Manager) finishEngine(e *engine) {
	m.mu.Lock()
	if m.engines[e.loopID] == e {
		delete(m.engines, e.loopID)
	}
	m.mu.Unlock()
	close(e.done)
}

// UpdateLoopInput carries the editable config fields. Nil pointers leave
// the field unchanged.
type UpdateLoopInput struct {
	Name          *string          `json:"name,omitempty"`
	Prompt        *string          `json:"prompt,omitempty"`
	Model         *models.ModelRef `json:"model,omitempty"`
	MaxIterations *int             `json:"max_iterations,omitempty"`
	StopPattern   *string          `json:"stop_pattern,omitempty"`
	BaseBranch    *string          `json:"base_branch,omitempty"`
	PlanMode      *bool            `json:"plan_mode,omitempty"`
}

// UpdateLoop applies structural config edits. No status change is implied,
// so the state machine is not consulted.
func (m *Manager) UpdateLoop(ctx context.Context, id string, input UpdateLoopInput) (*models.Loop, error) {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return nil, errors.ValidationError("name", "loop name cannot be empty")
	}

	return m.withLiveLoop(ctx, id, func(loop *models.Loop) {
		if input.Name != nil {
			loop.Config.Name = strings.TrimSpace(*input.Name)
		}
		if input.Prompt != nil {
			loop.Config.Prompt = *input.Prompt
		}
		if input.Model != nil {
			loop.Config.Model = *input.Model
		}
		if input.MaxIterations != nil {
			loop.Config.MaxIterations = *input.MaxIterations
		}
		if input.StopPattern != nil {
			loop.Config.StopPattern = *input.StopPattern
		}
		if input.BaseBranch != nil {
			loop.Config.BaseBranch = *input.BaseBranch
		}
		if input.PlanMode != nil {
			loop.Config.PlanMode = *input.PlanMode
		}
		loop.Config.UpdatedAt = time.Now().UTC()
	})
}

// DeleteLoop destroys the loop. The transition to deleted is asserted
// against the table; a running engine is cancelled first.
func (m *Manager) DeleteLoop(ctx context.Context, id string) error {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if err := statemachine.AssertValidTransition(loop.State.Status, v1.LoopStatusDeleted, "deleteLoop"); err != nil {
		return err
	}

	m.cancelEngine(id)

	if _, err := m.repo.DeleteLoop(ctx, id); err != nil {
		return err
	}
	m.emit(ctx, events.LoopDeleted, id, nil)
	return nil
}

// withLiveLoop applies fn to the loop and persists the result. When an
// iteration task is active it mutates the task's in-memory copy under its
// lock, so the engine never clobbers the change at its next save.
func (m *Manager) withLiveLoop(ctx context.Context, id string, fn func(loop *models.Loop)) (*models.Loop, error) {
	if e := m.liveEngine(id); e != nil {
		e.st.mu.Lock()
		defer e.st.mu.Unlock()
		fn(e.loop)
		if err := m.repo.SaveLoop(ctx, e.loop); err != nil {
			return nil, err
		}
		return e.loop, nil
	}

	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(loop)
	if err := m.repo.SaveLoop(ctx, loop); err != nil {
		return nil, err
	}
	return loop, nil
}

// SetPendingPrompt queues a prompt to be applied at the next iteration
// boundary. On a planning loop whose iteration task already parked at
// plan_ready, the task is restarted so the feedback reaches the live session.
func (m *Manager) SetPendingPrompt(ctx context.Context, id, prompt string) (*models.Loop, error) {
	loop, err := m.withLiveLoop(ctx, id, func(loop *models.Loop) {
		loop.State.PendingPrompt = prompt
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopPendingUpdated, id, map[string]interface{}{"field": "prompt"})
	if loop.State.Status == v1.LoopStatusPlanning {
		m.emit(ctx, events.LoopPlanFeedback, id, nil)
		if prompt != "" && m.liveEngine(id) == nil {
			if err := m.resumePlanSession(ctx, loop); err != nil {
				return nil, err
			}
		}
	}
	return loop, nil
}

// resumePlanSession restarts the iteration task for a planning loop whose
// engine exited at plan_ready. The persisted session id keeps the agent's
// plan context, so no new agent process or session is created.
func (m *Manager) resumePlanSession(ctx context.Context, loop *models.Loop) error {
	ws, err := m.repo.GetWorkspace(ctx, loop.Config.WorkspaceID)
	if err != nil {
		return err
	}
	if ws == nil {
		return errors.NotFound("workspace", loop.Config.WorkspaceID)
	}
	exec, err := m.conns.GetCommandExecutor(ws)
	if err != nil {
		return err
	}
	git := &gitRepo{exec: exec, dir: loop.Config.Directory}
	return m.startEngine(ctx, loop, ws, git)
}

// SetPendingModel queues a model switch for the next iteration boundary.
func (m *Manager) SetPendingModel(ctx context.Context, id string, model models.ModelRef) (*models.Loop, error) {
	loop, err := m.withLiveLoop(ctx, id, func(loop *models.Loop) {
		loop.State.PendingModel = &model
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, events.LoopPendingUpdated, id, map[string]interface{}{"field": "model"})
	return loop, nil
}

// ResetResult reports what forceResetAll tore down.
type ResetResult struct {
	EnginesCleared int `json:"engines_cleared"`
	LoopsReset     int `json:"loops_reset"`
}

// ForceResetAll is administrative recovery: abort every subscription and
// iteration task, then bulk-stop every loop in an active status except
// planning. Calling it twice with no activity in between reports zeros the
// second time.
func (m *Manager) ForceResetAll(ctx context.Context) (*ResetResult, error) {
	result := &ResetResult{}

	m.mu.Lock()
	engines := make([]*engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.engines = make(map[string]*engine)
	m.mu.Unlock()

	for _, e := range engines {
		e.cancel()
		<-e.done
		result.EnginesCleared++
	}

	m.conns.ResetAllConnections()

	loops, err := m.repo.ListLoops(ctx)
	if err != nil {
		return nil, err
	}
	for _, loop := range loops {
		// Planning is exempt: a parked plan can be resumed with feedback
		// without re-running the agent, so resetting it only loses work.
		switch loop.State.Status {
		case v1.LoopStatusStarting, v1.LoopStatusRunning,
			v1.LoopStatusWaiting, v1.LoopStatusResolvingConflicts:
		default:
			continue
		}
		if err := m.transitionAndSave(ctx, loop, v1.LoopStatusStopped, "forceResetAll"); err != nil {
			m.logger.Warn("force reset could not stop loop",
				zap.String("loop_id", loop.Config.ID),
				zap.Error(err))
			continue
		}
		m.emit(ctx, events.LoopStopped, loop.Config.ID, map[string]interface{}{"reason": "force reset"})
		result.LoopsReset++
	}
	return result, nil
}

// GetReviewHistory returns the loop's review mode, or the zero-value
// history for loops that never entered review.
func (m *Manager) GetReviewHistory(ctx context.Context, id string) (*models.ReviewMode, error) {
	loop, err := m.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if loop.State.ReviewMode == nil {
		return &models.ReviewMode{Addressable: false, ReviewCycles: 0, ReviewBranches: []string{}}, nil
	}
	return loop.State.ReviewMode, nil
}
