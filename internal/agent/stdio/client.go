// Package stdio implements the streaming JSON-RPC agent client over a
// spawned subprocess. The subprocess is either the agent command itself
// (stdio transport) or an ssh/sshpass wrapper running it on a remote host
// (ssh-stdio transport).
package stdio

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/pkg/acp/jsonrpc"
	"github.com/loopdev/loopdev/pkg/acp/protocol"
)

const (
	handshakeTimeout = 30 * time.Second
	stderrLimit      = 64 * 1024
)

// Client is the spawned-subprocess AgentConnection. Safe for concurrent use.
type Client struct {
	logger *logger.Logger

	mu        sync.Mutex
	connected bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	rpc       *jsonrpc.Client
	rpcCancel context.CancelFunc
	stderr    *boundedBuffer

	exitCh   chan struct{}
	exitCode int

	sessions map[string]*agent.Session
	subs     map[string]agent.UpdateHandler

	pending      *agent.PendingReplies
	onPermission agent.PermissionHandler
	onQuestion   agent.QuestionHandler
}

var _ agent.AgentConnection = (*Client)(nil)

func NewClient(log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		logger:   log,
		sessions: make(map[string]*agent.Session),
		subs:     make(map[string]agent.UpdateHandler),
		pending:  agent.NewPendingReplies(),
	}
}

// Connect spawns the agent subprocess and performs the initialize
// handshake. A process that exits before the handshake completes surfaces
// as a PROCESS_EXITED error carrying the captured stderr.
func (c *Client) Connect(ctx context.Context, cfg agent.ConnectConfig) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	spec, err := buildSpawnSpec(cfg)
	if err != nil {
		return err
	}

	c.logger.Info("spawning agent process",
		zap.Strings("command", sanitizeArgs(spec.name, spec.args)),
		zap.String("cwd", spec.cwd))

	cmd := exec.Command(spec.name, spec.args...)
	cmd.Dir = spec.cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.AgentError("failed to open agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.AgentError("failed to open agent stdout", err)
	}
	stderr := newBoundedBuffer(stderrLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return errors.AgentError("failed to start agent process", err)
	}

	rpc := jsonrpc.NewClient(stdin, stdout, c.logger)
	rpc.SetNotificationHandler(c.handleNotification)
	rpc.SetRequestHandler(c.handleServerRequest)

	rpcCtx, rpcCancel := context.WithCancel(context.Background())
	rpc.Start(rpcCtx)

	exitCh := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.rpc = rpc
	c.rpcCancel = rpcCancel
	c.stderr = stderr
	c.exitCh = exitCh
	c.exitCode = 0
	c.mu.Unlock()

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}
		c.mu.Lock()
		c.exitCode = code
		c.mu.Unlock()
		close(exitCh)
		rpc.Stop()
	}()

	hctx, hcancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hcancel()

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      protocol.ClientInfo{Name: "loopdev", Version: "1.0"},
		Capabilities:    protocol.ClientCapabilities{Permissions: true, Questions: true},
	}
	resp, err := rpc.Call(hctx, protocol.MethodInitialize, params)
	if err != nil {
		// The read loop can observe EOF before the wait goroutine records
		// the exit status, so give the exit a moment to land.
		exitErr := c.waitExitError(2 * time.Second)
		c.teardown()
		if exitErr != nil {
			return exitErr
		}
		return errors.AgentError("agent initialize handshake failed", err)
	}
	if resp.Error != nil {
		c.teardown()
		return errors.AgentError("agent rejected initialize: "+resp.Error.Message, nil)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("agent process connected")
	return nil
}

// Disconnect tears the subprocess down. Idempotent.
func (c *Client) Disconnect() error {
	c.AbortAllSubscriptions()
	c.teardown()
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) CreateSession(ctx context.Context, cwd, modelID string) (*agent.Session, error) {
	rpc, err := c.liveRPC("createSession")
	if err != nil {
		return nil, err
	}
	resp, err := rpc.Call(ctx, protocol.MethodSessionNew, protocol.SessionNewParams{Cwd: cwd, ModelID: modelID})
	if err != nil {
		return nil, c.classifyCallError("createSession", err)
	}
	if resp.Error != nil {
		return nil, errors.AgentError("session create failed: "+resp.Error.Message, nil)
	}

	var result protocol.SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, errors.AgentError("malformed session create result", err)
	}
	sessionID := result.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sess := &agent.Session{ID: sessionID, Cwd: cwd, ModelID: modelID, CreatedAt: time.Now().UTC()}
	c.mu.Lock()
	c.sessions[sessionID] = sess
	c.mu.Unlock()
	return sess, nil
}

func (c *Client) GetSession(sessionID string) (*agent.Session, error) {
	if !c.IsConnected() {
		return nil, errors.NotConnected("getSession")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	return sess, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	rpc, err := c.liveRPC("deleteSession")
	if err != nil {
		return err
	}
	_, callErr := rpc.Call(ctx, protocol.MethodSessionDelete, protocol.SessionDeleteParams{SessionID: sessionID})

	c.mu.Lock()
	delete(c.sessions, sessionID)
	delete(c.subs, sessionID)
	c.mu.Unlock()

	if callErr != nil {
		return c.classifyCallError("deleteSession", callErr)
	}
	return nil
}

func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, opts agent.PromptOptions) (*protocol.SessionPromptResult, error) {
	rpc, err := c.liveRPC("sendPrompt")
	if err != nil {
		return nil, err
	}
	params := protocol.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock(prompt)},
		ModelID:   opts.ModelID,
		PlanMode:  opts.PlanMode,
	}
	resp, err := rpc.Call(ctx, protocol.MethodSessionPrompt, params)
	if err != nil {
		return nil, c.classifyCallError("sendPrompt", err)
	}
	if resp.Error != nil {
		return nil, errors.AgentError("prompt failed: "+resp.Error.Message, nil)
	}

	var result protocol.SessionPromptResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, errors.AgentError("malformed prompt result", err)
		}
	}
	if result.StopReason == "" {
		result.StopReason = protocol.StopReasonEndTurn
	}
	return &result, nil
}

// SendPromptAsync submits the prompt and returns immediately. The turn
// outcome reaches the session's subscription as a turn_end update; errors
// are synthesized into one so the subscriber always sees the turn close.
func (c *Client) SendPromptAsync(ctx context.Context, sessionID, prompt string, opts agent.PromptOptions) error {
	if !c.IsConnected() {
		return errors.NotConnected("sendPromptAsync")
	}
	go func() {
		result, err := c.SendPrompt(ctx, sessionID, prompt, opts)
		stopReason := protocol.StopReasonError
		if err == nil {
			stopReason = result.StopReason
		}
		c.deliverUpdate(&protocol.SessionUpdate{
			SessionID: sessionID,
			Type:      protocol.UpdateTurnEnd,
			TurnEnd:   &protocol.TurnEnd{StopReason: stopReason},
		})
	}()
	return nil
}

func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	rpc, err := c.liveRPC("abortSession")
	if err != nil {
		return err
	}
	if err := rpc.Notify(protocol.MethodSessionCancel, protocol.SessionCancelParams{SessionID: sessionID}); err != nil {
		return c.classifyCallError("abortSession", err)
	}
	return nil
}

// Subscribe registers the single update handler for a session. The returned
// handle's Abort detaches it; aborting twice is harmless.
func (c *Client) Subscribe(sessionID string, handler agent.UpdateHandler) (*agent.Subscription, error) {
	if !c.IsConnected() {
		return nil, errors.NotConnected("subscribe")
	}
	c.mu.Lock()
	c.subs[sessionID] = handler
	c.mu.Unlock()

	return &agent.Subscription{
		SessionID: sessionID,
		Abort: func() {
			c.mu.Lock()
			delete(c.subs, sessionID)
			c.mu.Unlock()
		},
	}, nil
}

// AbortAllSubscriptions drops every registered handler. Safe with none.
func (c *Client) AbortAllSubscriptions() {
	c.mu.Lock()
	c.subs = make(map[string]agent.UpdateHandler)
	c.mu.Unlock()
}

func (c *Client) SetPermissionHandler(h agent.PermissionHandler) {
	c.mu.Lock()
	c.onPermission = h
	c.mu.Unlock()
}

func (c *Client) SetQuestionHandler(h agent.QuestionHandler) {
	c.mu.Lock()
	c.onQuestion = h
	c.mu.Unlock()
}

func (c *Client) ReplyToPermission(requestID, outcome string) error {
	if !c.IsConnected() {
		return errors.NotConnected("replyToPermission")
	}
	return c.pending.AnswerPermission(requestID, outcome)
}

func (c *Client) ReplyToQuestion(questionID string, answers [][]string) error {
	if !c.IsConnected() {
		return errors.NotConnected("replyToQuestion")
	}
	return c.pending.AnswerQuestion(questionID, answers)
}

func (c *Client) GetModels(ctx context.Context) ([]protocol.Model, error) {
	rpc, err := c.liveRPC("getModels")
	if err != nil {
		return nil, err
	}
	resp, err := rpc.Call(ctx, protocol.MethodModelsList, nil)
	if err != nil {
		return nil, c.classifyCallError("getModels", err)
	}
	if resp.Error != nil {
		return nil, errors.AgentError("models list failed: "+resp.Error.Message, nil)
	}
	var result protocol.ModelsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, errors.AgentError("malformed models result", err)
	}
	return result.Models, nil
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method != protocol.MethodSessionUpdate {
		c.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}
	var update protocol.SessionUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		c.logger.Warn("malformed session update", zap.Error(err))
		return
	}
	c.deliverUpdate(&update)
}

func (c *Client) deliverUpdate(update *protocol.SessionUpdate) {
	c.mu.Lock()
	handler := c.subs[update.SessionID]
	c.mu.Unlock()
	if handler != nil {
		handler(update)
	}
}

func (c *Client) handleServerRequest(method string, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	switch method {
	case protocol.MethodRequestPermission:
		var req protocol.PermissionRequestParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "malformed permission request"}
		}
		return c.awaitPermission(&req)

	case protocol.MethodQuestion:
		var q protocol.QuestionParams
		if err := json.Unmarshal(params, &q); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "malformed question"}
		}
		return c.awaitQuestion(&q)

	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unsupported agent request: " + method}
	}
}

func (c *Client) awaitPermission(req *protocol.PermissionRequestParams) (interface{}, *jsonrpc.Error) {
	c.mu.Lock()
	handler := c.onPermission
	exitCh := c.exitCh
	c.mu.Unlock()

	if handler == nil {
		return protocol.PermissionRequestResult{Outcome: protocol.PermissionReject}, nil
	}

	answer := c.pending.AwaitPermission(req.RequestID)
	handler(req)

	select {
	case outcome := <-answer:
		return protocol.PermissionRequestResult{Outcome: outcome}, nil
	case <-exitCh:
		c.pending.DropPermission(req.RequestID)
		return protocol.PermissionRequestResult{Outcome: protocol.PermissionReject}, nil
	}
}

func (c *Client) awaitQuestion(q *protocol.QuestionParams) (interface{}, *jsonrpc.Error) {
	c.mu.Lock()
	handler := c.onQuestion
	exitCh := c.exitCh
	c.mu.Unlock()

	if handler == nil {
		return protocol.QuestionResult{}, nil
	}

	answer := c.pending.AwaitQuestion(q.QuestionID)
	handler(q)

	select {
	case answers := <-answer:
		return protocol.QuestionResult{Answers: answers}, nil
	case <-exitCh:
		c.pending.DropQuestion(q.QuestionID)
		return protocol.QuestionResult{}, nil
	}
}

// liveRPC returns the RPC client or a NOT_CONNECTED error for op.
func (c *Client) liveRPC(op string) (*jsonrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.rpc == nil {
		return nil, errors.NotConnected(op)
	}
	return c.rpc, nil
}

// classifyCallError converts transport failures into the typed taxonomy.
// A dead subprocess is always fatal and reported as PROCESS_EXITED.
func (c *Client) classifyCallError(op string, err error) error {
	if exitErr := c.exitError(); exitErr != nil {
		c.teardown()
		return exitErr
	}
	return errors.AgentError(op+" failed", err)
}

// waitExitError waits up to d for the subprocess to finish reporting its
// exit, then returns the PROCESS_EXITED error, or nil if it stayed alive.
func (c *Client) waitExitError(d time.Duration) error {
	c.mu.Lock()
	exitCh := c.exitCh
	c.mu.Unlock()
	if exitCh == nil {
		return nil
	}
	select {
	case <-exitCh:
	case <-time.After(d):
		return nil
	}

	c.mu.Lock()
	code := c.exitCode
	var stderr string
	if c.stderr != nil {
		stderr = c.stderr.String()
	}
	c.mu.Unlock()
	return errors.ProcessExited(code, stderr)
}

// exitError returns a PROCESS_EXITED error if the subprocess has died.
func (c *Client) exitError() error {
	c.mu.Lock()
	exitCh := c.exitCh
	code := c.exitCode
	var stderr string
	if c.stderr != nil {
		stderr = c.stderr.String()
	}
	c.mu.Unlock()

	if exitCh == nil {
		return nil
	}
	select {
	case <-exitCh:
		return errors.ProcessExited(code, stderr)
	default:
		return nil
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	rpc := c.rpc
	cancel := c.rpcCancel
	c.connected = false
	c.cmd = nil
	c.stdin = nil
	c.rpc = nil
	c.rpcCancel = nil
	c.sessions = make(map[string]*agent.Session)
	c.mu.Unlock()

	if rpc != nil {
		rpc.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
