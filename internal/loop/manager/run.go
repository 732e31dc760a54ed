package manager

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/events"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/pkg/acp/protocol"
)

// planningFolder holds the plan documents an agent writes during plan mode,
// relative to the loop's directory.
const planningFolder = ".loopdev/plans"

// continuationPrompt drives iterations after the first when no pending
// prompt is queued.
const continuationPrompt = "Continue working on the task. Review what has been done so far and keep going until the completion criteria are met."

// watchdogInterval is how often the engine checks the activity deadline.
const watchdogInterval = 5 * time.Second

// stream collects one turn's agent output. Its mutex also guards the
// engine's in-memory loop while the engine runs; every mutation of
// loop.State outside the engine goroutine must hold it.
type stream struct {
	mu           sync.Mutex
	response     strings.Builder
	lastActivity time.Time
	planReady    bool
	turnEnd      chan string
}

func newStream() *stream {
	return &stream{
		lastActivity: time.Now(),
		turnEnd:      make(chan string, 1),
	}
}

// resetTurn clears per-turn accumulation. Caller holds st.mu.
func (st *stream) resetTurn() {
	st.response.Reset()
	st.planReady = false
	st.lastActivity = time.Now()
	select {
	case <-st.turnEnd:
	default:
	}
}

// startEngine connects to the workspace's agent and spawns the iteration
// task for a loop that is already in starting, planning or running state.
func (m *Manager) startEngine(ctx context.Context, loop *models.Loop, ws *models.Workspace, git *gitRepo) error {
	conn, err := m.conns.GetConnection(ctx, ws)
	if err != nil {
		m.failLoop(ctx, loop, fmt.Sprintf("agent connection failed: %v", err))
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &engine{
		loopID: loop.Config.ID,
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
		loop:   loop,
		st:     newStream(),
	}
	m.mu.Lock()
	m.engines[loop.Config.ID] = e
	m.mu.Unlock()

	go m.runLoop(runCtx, e, git)
	return nil
}

// failLoop records the error and moves the loop to failed.
func (m *Manager) failLoop(ctx context.Context, loop *models.Loop, message string) {
	loop.State.Error = &models.LoopError{
		Message:   message,
		Iteration: loop.State.CurrentIteration,
		Timestamp: time.Now().UTC(),
	}
	if err := m.transitionAndSave(ctx, loop, v1.LoopStatusFailed, "loop failure"); err != nil {
		m.logger.Error("could not mark loop failed",
			zap.String("loop_id", loop.Config.ID),
			zap.Error(err))
		return
	}
	m.emit(ctx, events.LoopError, loop.Config.ID, map[string]interface{}{
		"message":   message,
		"iteration": loop.State.CurrentIteration,
	})
}

// runLoop is the iteration task. It owns the loop pointer for its lifetime;
// concurrent mutators go through the engine's stream mutex.
func (m *Manager) runLoop(ctx context.Context, e *engine, git *gitRepo) {
	defer m.finishEngine(e)

	loop, st, conn := e.loop, e.st, e.conn
	id := loop.Config.ID
	log := m.logger.WithFields(zap.String("loop_id", id))

	// Nothing else touches the loop until Subscribe below, so setup
	// failures need no locking.
	var stopPattern *regexp.Regexp
	if loop.Config.StopPattern != "" {
		compiled, err := regexp.Compile(loop.Config.StopPattern)
		if err != nil {
			m.failLoop(ctx, loop, fmt.Sprintf("invalid stop pattern %q: %v", loop.Config.StopPattern, err))
			return
		}
		stopPattern = compiled
	}

	if loop.State.Status == v1.LoopStatusStarting {
		if err := m.transitionAndSave(ctx, loop, v1.LoopStatusRunning, "engine start"); err != nil {
			log.Error("could not enter running", zap.Error(err))
			return
		}
	}

	session, err := m.ensureSession(ctx, loop, st, conn)
	if err != nil {
		m.failLoop(ctx, loop, fmt.Sprintf("session setup failed: %v", err))
		return
	}

	sub, err := conn.Subscribe(session.ID, m.updateHandler(ctx, e, session.ID))
	if err != nil {
		m.failLoop(ctx, loop, fmt.Sprintf("subscription failed: %v", err))
		return
	}
	defer sub.Abort()

	m.bindInteractionHandlers(ctx, e, session.ID)
	defer func() {
		conn.SetPermissionHandler(nil)
		conn.SetQuestionHandler(nil)
	}()

	consecutiveErrors := 0
	lastError := ""

	for {
		if ctx.Err() != nil {
			m.abortTurn(conn, session.ID)
			return
		}

		st.mu.Lock()
		if loop.State.CurrentIteration >= loop.Config.MaxIterations {
			if err := m.transitionAndSave(ctx, loop, v1.LoopStatusMaxIterations, "iteration budget exhausted"); err != nil {
				log.Error("could not enter max_iterations", zap.Error(err))
			}
			st.mu.Unlock()
			m.emit(ctx, events.LoopProgress, id, map[string]interface{}{
				"status":     string(v1.LoopStatusMaxIterations),
				"iterations": loop.State.CurrentIteration,
			})
			return
		}

		// Pending prompt and model apply at iteration boundaries only.
		prompt := continuationPrompt
		if loop.State.PendingPrompt != "" {
			prompt = loop.State.PendingPrompt
			loop.State.PendingPrompt = ""
		} else if loop.State.CurrentIteration == 0 {
			prompt = loop.Config.Prompt
		}
		if loop.State.PendingModel != nil {
			loop.Config.Model = *loop.State.PendingModel
			loop.State.PendingModel = nil
		}
		loop.State.CurrentIteration++
		iteration := loop.State.CurrentIteration
		loop.State.AppendLog(models.LogEntry{
			Level:     "info",
			Message:   fmt.Sprintf("iteration %d started", iteration),
			Timestamp: time.Now().UTC(),
		})
		if err := m.repo.SaveLoop(ctx, loop); err != nil {
			log.Warn("could not persist iteration start", zap.Error(err))
		}
		st.resetTurn()
		planTurn := loop.State.Status == v1.LoopStatusPlanning
		modelID := loop.Config.Model.ModelID
		st.mu.Unlock()

		m.emit(ctx, events.LoopIterationStart, id, map[string]interface{}{"iteration": iteration})
		startedAt := time.Now().UTC()

		outcome, errMsg := m.runTurn(ctx, e, session.ID, prompt, agent.PromptOptions{
			ModelID:  modelID,
			PlanMode: planTurn,
		}, stopPattern)
		if ctx.Err() != nil {
			m.abortTurn(conn, session.ID)
			return
		}

		var committed *models.GitCommit
		if commit, made, err := git.commitAll(ctx, loop.Config.Git.CommitPrefix+fmt.Sprintf("iteration %d", iteration)); err != nil {
			log.Warn("iteration commit failed", zap.Error(err))
		} else if made {
			committed = commit
		}

		st.mu.Lock()
		if committed != nil {
			loop.State.Git.Commits = append(loop.State.Git.Commits, *committed)
		}
		loop.State.RecordIteration(models.IterationSummary{
			Iteration:  iteration,
			Outcome:    outcome,
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
			Error:      errMsg,
		})
		if err := m.repo.SaveLoop(ctx, loop); err != nil {
			log.Warn("could not persist iteration end", zap.Error(err))
		}
		st.mu.Unlock()

		if committed != nil {
			m.emit(ctx, events.LoopGitCommit, id, map[string]interface{}{
				"sha":           committed.SHA,
				"message":       committed.Message,
				"files_changed": committed.FilesChanged,
			})
		}
		m.emit(ctx, events.LoopIterationEnd, id, map[string]interface{}{
			"iteration": iteration,
			"outcome":   string(outcome),
		})

		switch outcome {
		case v1.OutcomeComplete:
			st.mu.Lock()
			err := m.transitionAndSave(ctx, loop, v1.LoopStatusCompleted, "stop pattern matched")
			st.mu.Unlock()
			if err != nil {
				log.Error("could not enter completed", zap.Error(err))
				return
			}
			m.emit(ctx, events.LoopCompleted, id, map[string]interface{}{"iterations": iteration})
			return

		case v1.OutcomePlanReady:
			m.emit(ctx, events.LoopPlanReady, id, map[string]interface{}{"iteration": iteration})
			st.mu.Lock()
			queued := loop.State.PendingPrompt != ""
			st.mu.Unlock()
			if queued {
				// Feedback or an approval landed while the plan turn ran;
				// the next turn delivers it on the same session.
				continue
			}
			// The loop stays in planning until the plan is accepted or
			// discarded; the agent session is kept alive for feedback.
			return

		case v1.OutcomeError:
			if errMsg == lastError {
				consecutiveErrors++
			} else {
				lastError = errMsg
				consecutiveErrors = 1
			}
			log.Warn("iteration error",
				zap.Int("iteration", iteration),
				zap.Int("consecutive", consecutiveErrors),
				zap.String("error", errMsg))
			if consecutiveErrors >= loop.Config.MaxConsecutiveErrors {
				st.mu.Lock()
				loop.State.Error = &models.LoopError{
					Message:   errMsg,
					Iteration: iteration,
					Timestamp: time.Now().UTC(),
				}
				terr := m.transitionAndSave(ctx, loop, v1.LoopStatusFailed, "consecutive error limit")
				st.mu.Unlock()
				if terr != nil {
					log.Error("could not enter failed", zap.Error(terr))
					return
				}
				m.emit(ctx, events.LoopError, id, map[string]interface{}{
					"message":   errMsg,
					"iteration": iteration,
				})
				return
			}
			// Transient: retry without consuming an extra iteration slot.
			st.mu.Lock()
			loop.State.CurrentIteration--
			st.mu.Unlock()

		default:
			consecutiveErrors = 0
			lastError = ""
			if loop.Config.Mode == v1.LoopModeChat {
				// Chat runs are single-shot; no continuation turn follows.
				st.mu.Lock()
				terr := m.transitionAndSave(ctx, loop, v1.LoopStatusCompleted, "chat turn finished")
				st.mu.Unlock()
				if terr != nil {
					log.Error("could not enter completed", zap.Error(terr))
					return
				}
				m.emit(ctx, events.LoopCompleted, id, map[string]interface{}{"iterations": iteration})
				return
			}
		}
	}
}

// ensureSession reuses the persisted session when the agent still knows it,
// otherwise creates a fresh one.
func (m *Manager) ensureSession(ctx context.Context, loop *models.Loop, st *stream, conn agent.AgentConnection) (*agent.Session, error) {
	st.mu.Lock()
	existing := loop.State.SessionID
	st.mu.Unlock()

	if existing != "" {
		if session, err := conn.GetSession(existing); err == nil {
			return session, nil
		}
	}

	session, err := conn.CreateSession(ctx, loop.Config.Directory, loop.Config.Model.ModelID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	loop.State.SessionID = session.ID
	err = m.repo.SaveLoop(ctx, loop)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return session, nil
}

// runTurn submits one prompt and waits for the turn to end, watching for
// activity stalls. It classifies the finished turn into an outcome.
func (m *Manager) runTurn(ctx context.Context, e *engine, sessionID, prompt string, opts agent.PromptOptions, stopPattern *regexp.Regexp) (v1.IterationOutcome, string) {
	loop, st, conn := e.loop, e.st, e.conn

	if err := conn.SendPromptAsync(ctx, sessionID, prompt, opts); err != nil {
		return v1.OutcomeError, fmt.Sprintf("prompt submission failed: %v", err)
	}

	stallAfter := time.Duration(loop.Config.ActivityTimeoutSeconds) * time.Second
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return v1.OutcomeError, "cancelled"

		case stopReason := <-st.turnEnd:
			switch stopReason {
			case protocol.StopReasonError:
				return v1.OutcomeError, "agent reported an error ending the turn"
			case protocol.StopReasonCancelled:
				return v1.OutcomeError, "agent turn was cancelled"
			}
			st.mu.Lock()
			planReady := st.planReady
			response := st.response.String()
			st.mu.Unlock()
			if planReady && opts.PlanMode {
				return v1.OutcomePlanReady, ""
			}
			if stopPattern != nil && stopPattern.MatchString(response) {
				return v1.OutcomeComplete, ""
			}
			return v1.OutcomeContinue, ""

		case <-watchdog.C:
			st.mu.Lock()
			// A loop parked on a permission or question is waiting on the
			// user, not the agent; that is not a stall.
			if loop.State.Status == v1.LoopStatusWaiting {
				st.lastActivity = time.Now()
			}
			idle := time.Since(st.lastActivity)
			st.mu.Unlock()
			if idle > stallAfter {
				m.abortTurn(conn, sessionID)
				return v1.OutcomeError, fmt.Sprintf("no agent activity for %s", stallAfter)
			}
		}
	}
}

func (m *Manager) abortTurn(conn agent.AgentConnection, sessionID string) {
	abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.AbortSession(abortCtx, sessionID); err != nil {
		m.logger.Debug("abort session failed", zap.Error(err))
	}
}

// updateHandler streams agent updates into loop state and the event bus.
// It runs on the protocol client's read goroutine.
func (m *Manager) updateHandler(ctx context.Context, e *engine, sessionID string) agent.UpdateHandler {
	loop, st := e.loop, e.st
	id := e.loopID

	return func(update *protocol.SessionUpdate) {
		if update.SessionID != sessionID {
			return
		}
		now := time.Now().UTC()

		switch update.Type {
		case protocol.UpdateMessageDelta:
			if update.Message == nil {
				return
			}
			st.mu.Lock()
			st.lastActivity = time.Now()
			st.response.WriteString(update.Message.Text)
			loop.State.AppendMessage(models.Message{
				Role:      update.Message.Role,
				Content:   update.Message.Text,
				Timestamp: now,
			})
			st.mu.Unlock()
			m.emit(ctx, events.LoopMessage, id, map[string]interface{}{
				"role": update.Message.Role,
				"text": update.Message.Text,
			})

		case protocol.UpdateToolCall:
			if update.ToolCall == nil {
				return
			}
			st.mu.Lock()
			st.lastActivity = time.Now()
			loop.State.UpsertToolCall(models.ToolCall{
				ID:        update.ToolCall.ID,
				Name:      update.ToolCall.Name,
				Status:    v1.ToolCallStatus(update.ToolCall.Status),
				Input:     string(update.ToolCall.Input),
				Output:    update.ToolCall.Output,
				Timestamp: now,
			})
			st.mu.Unlock()
			m.emit(ctx, events.LoopToolCall, id, map[string]interface{}{
				"tool_call_id": update.ToolCall.ID,
				"name":         update.ToolCall.Name,
				"status":       update.ToolCall.Status,
			})

		case protocol.UpdateTodo:
			st.mu.Lock()
			st.lastActivity = time.Now()
			todos := make([]models.TodoItem, 0, len(update.Todos))
			for _, todo := range update.Todos {
				todos = append(todos, models.TodoItem{Content: todo.Content, Status: todo.Status})
			}
			loop.State.Todos = todos
			st.mu.Unlock()
			m.emit(ctx, events.LoopTodoUpdated, id, map[string]interface{}{"count": len(todos)})

		case protocol.UpdatePlanReady:
			st.mu.Lock()
			st.lastActivity = time.Now()
			st.planReady = true
			st.mu.Unlock()

		case protocol.UpdateTurnEnd:
			stopReason := protocol.StopReasonEndTurn
			if update.TurnEnd != nil {
				stopReason = update.TurnEnd.StopReason
			}
			select {
			case st.turnEnd <- stopReason:
			default:
			}
		}
	}
}

// bindInteractionHandlers parks the loop in waiting whenever the agent asks
// for a permission or a question; the reply APIs resume it.
func (m *Manager) bindInteractionHandlers(ctx context.Context, e *engine, sessionID string) {
	loop, st, conn := e.loop, e.st, e.conn
	id := e.loopID

	enterWaiting := func(kind string, data map[string]interface{}) {
		st.mu.Lock()
		st.lastActivity = time.Now()
		if loop.State.Status == v1.LoopStatusRunning {
			if err := m.transitionAndSave(ctx, loop, v1.LoopStatusWaiting, kind); err != nil {
				m.logger.Warn("could not enter waiting",
					zap.String("loop_id", id),
					zap.Error(err))
			}
		}
		st.mu.Unlock()
		data["kind"] = kind
		m.emit(ctx, events.LoopProgress, id, data)
	}

	conn.SetPermissionHandler(func(req *protocol.PermissionRequestParams) {
		if req.SessionID != sessionID {
			return
		}
		enterWaiting("permission_request", map[string]interface{}{
			"request_id": req.RequestID,
			"tool":       req.ToolName,
			"reason":     req.Reason,
		})
	})
	conn.SetQuestionHandler(func(q *protocol.QuestionParams) {
		if q.SessionID != sessionID {
			return
		}
		enterWaiting("question", map[string]interface{}{
			"question_id": q.QuestionID,
			"text":        q.Text,
		})
	})
}

// resumeFromWaiting moves a waiting loop back to running before a reply is
// forwarded to the agent.
func (m *Manager) resumeFromWaiting(ctx context.Context, e *engine) {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	if e.loop.State.Status != v1.LoopStatusWaiting {
		return
	}
	if err := m.transitionAndSave(ctx, e.loop, v1.LoopStatusRunning, "interaction answered"); err != nil {
		m.logger.Warn("could not resume from waiting",
			zap.String("loop_id", e.loopID),
			zap.Error(err))
	}
}

// ReplyToPermission answers an agent permission request for a running loop.
func (m *Manager) ReplyToPermission(ctx context.Context, loopID, requestID, outcome string) error {
	e := m.liveEngine(loopID)
	if e == nil {
		return errors.Conflict("loop " + loopID + " has no running iteration task")
	}
	m.resumeFromWaiting(ctx, e)
	return e.conn.ReplyToPermission(requestID, outcome)
}

// ReplyToQuestion answers an agent question for a running loop.
func (m *Manager) ReplyToQuestion(ctx context.Context, loopID, questionID string, answers [][]string) error {
	e := m.liveEngine(loopID)
	if e == nil {
		return errors.Conflict("loop " + loopID + " has no running iteration task")
	}
	m.resumeFromWaiting(ctx, e)
	return e.conn.ReplyToQuestion(questionID, answers)
}

func (m *Manager) liveEngine(loopID string) *engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[loopID]
}
