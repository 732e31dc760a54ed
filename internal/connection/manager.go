// Package connection owns, per workspace, the lazily constructed agent
// connection and command executor described by the workspace's server
// settings. The agent channel (how we talk to the AI) and the execution
// channel (where shell commands run) are configured independently.
package connection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/agent/stdio"
	"github.com/loopdev/loopdev/internal/agent/tcpclient"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/executor"
	"github.com/loopdev/loopdev/internal/loop/models"
)

// TestResult reports a connectivity probe outcome. Error is a message, not
// an error value, because TestConnection never fails hard.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ValidateResult reports a remote directory probe.
type ValidateResult struct {
	Success         bool   `json:"success"`
	DirectoryExists bool   `json:"directory_exists"`
	IsGitRepo       bool   `json:"is_git_repo"`
	Error           string `json:"error,omitempty"`
}

type entry struct {
	mu   sync.Mutex // serializes connect against reset per workspace
	conn agent.AgentConnection
	exec executor.CommandExecutor
}

// Manager caches one agent connection and one command executor per
// workspace. Construction is lazy; reset evicts and disconnects.
type Manager struct {
	logger     *logger.Logger
	remoteOnly bool

	// connFactory is replaceable in tests.
	connFactory func(settings models.AgentSettings) agent.AgentConnection

	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(remoteOnly bool, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	m := &Manager{
		logger:     log,
		remoteOnly: remoteOnly,
		entries:    make(map[string]*entry),
	}
	m.connFactory = m.newConnection
	return m
}

func (m *Manager) entryFor(workspaceID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[workspaceID]
	if !ok {
		e = &entry{}
		m.entries[workspaceID] = e
	}
	return e
}

// GetConnection returns the workspace's live agent connection, dialing or
// spawning it on first use.
func (m *Manager) GetConnection(ctx context.Context, ws *models.Workspace) (agent.AgentConnection, error) {
	if err := m.ValidateSettings(ws.ServerSettings); err != nil {
		return nil, err
	}

	e := m.entryFor(ws.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && e.conn.IsConnected() {
		return e.conn, nil
	}

	conn := m.connFactory(ws.ServerSettings.Agent)
	cfg := agent.ConnectConfig{
		Settings:      ws.ServerSettings.Agent,
		Directory:     ws.Directory,
		WorkspaceRoot: ws.ServerSettings.Execution.WorkspaceRoot,
	}
	if err := conn.Connect(ctx, cfg); err != nil {
		return nil, err
	}
	e.conn = conn
	m.logger.Info("agent connection established",
		zap.String("workspace_id", ws.ID),
		zap.String("transport", string(ws.ServerSettings.Agent.Transport)))
	return conn, nil
}

// GetCommandExecutor returns the workspace's executor, building it on first
// use. Executors are shared across concurrent reads; callers serialize git
// mutations per directory.
func (m *Manager) GetCommandExecutor(ws *models.Workspace) (executor.CommandExecutor, error) {
	if err := m.ValidateSettings(ws.ServerSettings); err != nil {
		return nil, err
	}

	e := m.entryFor(ws.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exec != nil {
		return e.exec, nil
	}
	exec, err := m.newExecutor(ws.ServerSettings.Execution)
	if err != nil {
		return nil, err
	}
	e.exec = exec
	return exec, nil
}

// TestConnection performs a connect, handshake and disconnect cycle against
// the given settings without touching the cache. It never returns an error;
// failures land in the result.
func (m *Manager) TestConnection(ctx context.Context, settings models.ServerSettings, directory string) TestResult {
	if err := m.ValidateSettings(settings); err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}

	conn := m.connFactory(settings.Agent)
	cfg := agent.ConnectConfig{
		Settings:      settings.Agent,
		Directory:     directory,
		WorkspaceRoot: settings.Execution.WorkspaceRoot,
	}
	if err := conn.Connect(ctx, cfg); err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}
	defer func() { _ = conn.Disconnect() }()

	if _, err := conn.GetModels(ctx); err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}
	return TestResult{Success: true}
}

// ValidateRemoteDirectory checks directory existence and git-repo-ness over
// the execution channel, before a workspace is created.
func (m *Manager) ValidateRemoteDirectory(ctx context.Context, settings models.ServerSettings, directory string) ValidateResult {
	if err := m.ValidateSettings(settings); err != nil {
		return ValidateResult{Success: false, Error: err.Error()}
	}
	if directory == "" {
		return ValidateResult{Success: false, Error: "directory is required"}
	}

	exec, err := m.newExecutor(settings.Execution)
	if err != nil {
		return ValidateResult{Success: false, Error: err.Error()}
	}
	defer func() { _ = exec.Close() }()

	exists, err := exec.FileExists(ctx, directory)
	if err != nil {
		return ValidateResult{Success: false, Error: err.Error()}
	}
	if !exists {
		return ValidateResult{Success: true, DirectoryExists: false}
	}

	res, err := exec.Exec(ctx, "git", []string{"rev-parse", "--is-inside-work-tree"}, executor.Options{Cwd: directory})
	if err != nil {
		return ValidateResult{Success: false, DirectoryExists: true, Error: err.Error()}
	}
	return ValidateResult{Success: true, DirectoryExists: true, IsGitRepo: res.Success}
}

// ResetConnection aborts subscriptions, disconnects and evicts the cache
// entry for one workspace. Safe when nothing is cached.
func (m *Manager) ResetConnection(workspaceID string) {
	m.mu.Lock()
	e := m.entries[workspaceID]
	delete(m.entries, workspaceID)
	m.mu.Unlock()

	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.AbortAllSubscriptions()
		_ = e.conn.Disconnect()
	}
	if e.exec != nil {
		_ = e.exec.Close()
	}
	m.logger.Info("connection reset", zap.String("workspace_id", workspaceID))
}

// ResetAllConnections resets every cached workspace and reports how many
// live connections were torn down.
func (m *Manager) ResetAllConnections() int {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	cleared := 0
	for id, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			if e.conn.IsConnected() {
				cleared++
			}
			e.conn.AbortAllSubscriptions()
			_ = e.conn.Disconnect()
		}
		if e.exec != nil {
			_ = e.exec.Close()
		}
		e.mu.Unlock()
		m.logger.Debug("connection reset", zap.String("workspace_id", id))
	}
	return cleared
}

// ValidateSettings enforces the deployment policy: spawn transports and
// local execution are refused in remote-only deployments. Checked when
// settings enter the system, not per call site.
func (m *Manager) ValidateSettings(settings models.ServerSettings) error {
	if !m.remoteOnly {
		return nil
	}
	if settings.Agent.Transport == v1.TransportStdio {
		return errors.SpawnDisabled("stdio agent transport")
	}
	if settings.Execution.Provider == v1.ExecutionLocal {
		return errors.SpawnDisabled("local command execution")
	}
	return nil
}

func (m *Manager) newConnection(settings models.AgentSettings) agent.AgentConnection {
	if settings.Transport == v1.TransportTCP {
		return tcpclient.NewClient(m.logger)
	}
	return stdio.NewClient(m.logger)
}

func (m *Manager) newExecutor(settings models.ExecutionSettings) (executor.CommandExecutor, error) {
	switch settings.Provider {
	case v1.ExecutionSSH:
		return executor.NewSSHExecutor(executor.SSHConfig{
			Host:          settings.Host,
			Port:          settings.Port,
			User:          settings.User,
			WorkspaceRoot: settings.WorkspaceRoot,
		}, m.logger)
	default:
		return executor.NewLocalExecutor(), nil
	}
}
