// Package tcpclient implements the line-based RPC agent client for a
// long-lived agent server reached over TCP, optionally with TLS.
package tcpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/pkg/acp/jsonrpc"
	"github.com/loopdev/loopdev/pkg/acp/protocol"
)

const (
	dialTimeout      = 15 * time.Second
	handshakeTimeout = 30 * time.Second
)

// Client is the socket-based AgentConnection. Safe for concurrent use.
type Client struct {
	logger *logger.Logger

	mu        sync.Mutex
	connected bool
	conn      net.Conn
	rpc       *jsonrpc.Client
	rpcCancel context.CancelFunc
	exitCh    chan struct{}

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

// Connect dials the agent server and performs the initialize handshake.
// Spawn transports belong to the stdio client family and are rejected.
func (c *Client) Connect(ctx context.Context, cfg agent.ConnectConfig) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	s := cfg.Settings
	if s.Transport != v1.TransportTCP {
		return errors.ConnectModeUnsupported(string(s.Transport), "tcp")
	}
	if s.Hostname == "" || s.Port == 0 {
		return errors.ValidationError("agent", "hostname and port are required for tcp transport")
	}

	addr := net.JoinHostPort(s.Hostname, strconv.Itoa(s.Port))
	c.logger.Info("dialing agent server",
		zap.String("addr", addr),
		zap.Bool("tls", s.UseHTTPS))

	var conn net.Conn
	var err error
	if s.UseHTTPS {
		dialer := &net.Dialer{Timeout: dialTimeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			InsecureSkipVerify: s.AllowInsecure,
		})
	} else {
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return errors.AgentError("failed to dial agent server at "+addr, err)
	}

	rpc := jsonrpc.NewClient(conn, conn, c.logger)
	rpc.SetNotificationHandler(c.handleNotification)
	rpc.SetRequestHandler(c.handleServerRequest)

	exitCh := make(chan struct{})
	c.mu.Lock()
	c.exitCh = exitCh
	c.mu.Unlock()

	rpcCtx, rpcCancel := context.WithCancel(context.Background())
	rpc.Start(rpcCtx)

	hctx, hcancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hcancel()
	resp, err := rpc.Call(hctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      protocol.ClientInfo{Name: "loopdev", Version: "1.0"},
		Capabilities:    protocol.ClientCapabilities{Permissions: true, Questions: true},
	})
	if err != nil {
		c.failDial(exitCh, rpc, rpcCancel, conn)
		return errors.AgentError("agent initialize handshake failed", err)
	}
	if resp.Error != nil {
		c.failDial(exitCh, rpc, rpcCancel, conn)
		return errors.AgentError("agent rejected initialize: "+resp.Error.Message, nil)
	}

	c.mu.Lock()
	c.conn = conn
	c.rpc = rpc
	c.rpcCancel = rpcCancel
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("agent server connected", zap.String("addr", addr))
	return nil
}

// failDial unwinds a half-open connection when the handshake fails.
func (c *Client) failDial(exitCh chan struct{}, rpc *jsonrpc.Client, cancel context.CancelFunc, conn net.Conn) {
	c.mu.Lock()
	c.exitCh = nil
	c.mu.Unlock()
	close(exitCh)
	rpc.Stop()
	cancel()
	_ = conn.Close()
}

// Disconnect closes the socket and releases every dispatch goroutine still
// waiting on a permission or question answer. Idempotent.
func (c *Client) Disconnect() error {
	c.AbortAllSubscriptions()

	c.mu.Lock()
	conn := c.conn
	rpc := c.rpc
	cancel := c.rpcCancel
	exitCh := c.exitCh
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	c.rpc = nil
	c.rpcCancel = nil
	// exitCh stays in place so a request dispatched during teardown still
	// observes the close instead of parking on a nil channel.
	c.sessions = make(map[string]*agent.Session)
	c.mu.Unlock()

	if wasConnected && exitCh != nil {
		close(exitCh)
	}
	if rpc != nil {
		rpc.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
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
		return nil, errors.AgentError("createSession failed", err)
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
		return errors.AgentError("deleteSession failed", callErr)
	}
	return nil
}

func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, opts agent.PromptOptions) (*protocol.SessionPromptResult, error) {
	rpc, err := c.liveRPC("sendPrompt")
	if err != nil {
		return nil, err
	}
	resp, err := rpc.Call(ctx, protocol.MethodSessionPrompt, protocol.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock(prompt)},
		ModelID:   opts.ModelID,
		PlanMode:  opts.PlanMode,
	})
	if err != nil {
		return nil, errors.AgentError("sendPrompt failed", err)
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
		return errors.AgentError("abortSession failed", err)
	}
	return nil
}

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
		return nil, errors.AgentError("getModels failed", err)
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

func (c *Client) liveRPC(op string) (*jsonrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.rpc == nil {
		return nil, errors.NotConnected(op)
	}
	return c.rpc, nil
}
