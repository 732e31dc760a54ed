package connection

import (
	"context"
	goerrors "errors"
	"testing"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/pkg/acp/protocol"
)

type fakeConn struct {
	connected       bool
	connectErr      error
	modelsErr       error
	disconnectCalls int
	abortAllCalls   int
}

func (f *fakeConn) Connect(ctx context.Context, cfg agent.ConnectConfig) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.connected = false
	f.disconnectCalls++
	return nil
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) CreateSession(ctx context.Context, cwd, modelID string) (*agent.Session, error) {
	return &agent.Session{ID: "s1", Cwd: cwd}, nil
}

func (f *fakeConn) GetSession(sessionID string) (*agent.Session, error) {
	return &agent.Session{ID: sessionID}, nil
}

func (f *fakeConn) DeleteSession(ctx context.Context, sessionID string) error { return nil }

func (f *fakeConn) SendPrompt(ctx context.Context, sessionID, prompt string, opts agent.PromptOptions) (*protocol.SessionPromptResult, error) {
	return &protocol.SessionPromptResult{StopReason: protocol.StopReasonEndTurn}, nil
}

func (f *fakeConn) SendPromptAsync(ctx context.Context, sessionID, prompt string, opts agent.PromptOptions) error {
	return nil
}

func (f *fakeConn) AbortSession(ctx context.Context, sessionID string) error { return nil }

func (f *fakeConn) Subscribe(sessionID string, handler agent.UpdateHandler) (*agent.Subscription, error) {
	return &agent.Subscription{SessionID: sessionID, Abort: func() {}}, nil
}

func (f *fakeConn) AbortAllSubscriptions() { f.abortAllCalls++ }

func (f *fakeConn) SetPermissionHandler(h agent.PermissionHandler) {}
func (f *fakeConn) SetQuestionHandler(h agent.QuestionHandler)     {}

func (f *fakeConn) ReplyToPermission(requestID, outcome string) error { return nil }

func (f *fakeConn) ReplyToQuestion(questionID string, answers [][]string) error { return nil }

func (f *fakeConn) GetModels(ctx context.Context) ([]protocol.Model, error) {
	if f.modelsErr != nil {
		return nil, f.modelsErr
	}
	return []protocol.Model{{ID: "m1"}}, nil
}

func localWorkspace(id string) *models.Workspace {
	return &models.Workspace{
		ID:        id,
		Name:      "ws-" + id,
		Directory: "/work/" + id,
		ServerSettings: models.ServerSettings{
			Agent:     models.AgentSettings{Provider: v1.AgentProviderOpenCode, Transport: v1.TransportStdio, Command: "opencode"},
			Execution: models.ExecutionSettings{Provider: v1.ExecutionLocal},
		},
	}
}

func newTestManager(remoteOnly bool) (*Manager, *[]*fakeConn) {
	m := NewManager(remoteOnly, logger.NewNop())
	var built []*fakeConn
	m.connFactory = func(models.AgentSettings) agent.AgentConnection {
		c := &fakeConn{}
		built = append(built, c)
		return c
	}
	return m, &built
}

func TestGetConnectionIsCachedPerWorkspace(t *testing.T) {
	m, built := newTestManager(false)
	ctx := context.Background()

	ws := localWorkspace("w1")
	c1, err := m.GetConnection(ctx, ws)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	c2, err := m.GetConnection(ctx, ws)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if c1 != c2 {
		t.Error("second call must return the cached connection")
	}
	if len(*built) != 1 {
		t.Errorf("built %d connections, want 1", len(*built))
	}

	if _, err := m.GetConnection(ctx, localWorkspace("w2")); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if len(*built) != 2 {
		t.Errorf("built %d connections, want one per workspace", len(*built))
	}
}

func TestResetConnectionEvictsAndDisconnects(t *testing.T) {
	m, built := newTestManager(false)
	ctx := context.Background()
	ws := localWorkspace("w1")

	if _, err := m.GetConnection(ctx, ws); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	m.ResetConnection(ws.ID)

	first := (*built)[0]
	if first.abortAllCalls != 1 || first.disconnectCalls != 1 {
		t.Errorf("reset must abort subscriptions and disconnect, got aborts=%d disconnects=%d",
			first.abortAllCalls, first.disconnectCalls)
	}

	if _, err := m.GetConnection(ctx, ws); err != nil {
		t.Fatalf("GetConnection after reset: %v", err)
	}
	if len(*built) != 2 {
		t.Error("reset must evict the cache entry")
	}

	// Resetting an unknown workspace is a no-op.
	m.ResetConnection("missing")
}

func TestResetAllConnectionsIsIdempotent(t *testing.T) {
	m, _ := newTestManager(false)
	ctx := context.Background()

	if _, err := m.GetConnection(ctx, localWorkspace("w1")); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if _, err := m.GetConnection(ctx, localWorkspace("w2")); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}

	if n := m.ResetAllConnections(); n != 2 {
		t.Errorf("first reset cleared %d, want 2", n)
	}
	if n := m.ResetAllConnections(); n != 0 {
		t.Errorf("second reset cleared %d, want 0", n)
	}
}

func TestRemoteOnlyRefusesSpawnAndLocalExecution(t *testing.T) {
	m, _ := newTestManager(true)
	ws := localWorkspace("w1")

	_, err := m.GetConnection(context.Background(), ws)
	var appErr *errors.AppError
	if !goerrors.As(err, &appErr) || appErr.Code != errors.ErrCodeSpawnDisabled {
		t.Errorf("stdio transport in remote-only: got %v, want SPAWN_DISABLED", err)
	}

	_, err = m.GetCommandExecutor(ws)
	if !goerrors.As(err, &appErr) || appErr.Code != errors.ErrCodeSpawnDisabled {
		t.Errorf("local execution in remote-only: got %v, want SPAWN_DISABLED", err)
	}
}

func TestTestConnectionNeverThrows(t *testing.T) {
	m := NewManager(false, logger.NewNop())
	m.connFactory = func(models.AgentSettings) agent.AgentConnection {
		return &fakeConn{connectErr: errors.AgentError("boom", nil)}
	}

	res := m.TestConnection(context.Background(), localWorkspace("w1").ServerSettings, "/work/w1")
	if res.Success {
		t.Error("expected failure result")
	}
	if res.Error == "" {
		t.Error("failure result must carry a message")
	}

	m.connFactory = func(models.AgentSettings) agent.AgentConnection { return &fakeConn{} }
	res = m.TestConnection(context.Background(), localWorkspace("w1").ServerSettings, "/work/w1")
	if !res.Success {
		t.Errorf("expected success, got error %q", res.Error)
	}
}

func TestTestConnectionDoesNotMutateCache(t *testing.T) {
	m, built := newTestManager(false)
	ws := localWorkspace("w1")

	m.TestConnection(context.Background(), ws.ServerSettings, ws.Directory)
	probe := (*built)[0]
	if probe.disconnectCalls != 1 {
		t.Error("probe connection must be disconnected afterwards")
	}

	if _, err := m.GetConnection(context.Background(), ws); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if len(*built) != 2 {
		t.Error("probe must not seed the cache")
	}
}
