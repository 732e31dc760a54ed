package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/loopdev/loopdev/internal/common/logger"
)

// SSHConfig configures the remote execution channel.
type SSHConfig struct {
	Host          string
	Port          int
	User          string
	Password      string // optional; key/agent auth preferred
	KeyPath       string // optional private key path
	WorkspaceRoot string // remote root that relative cwds resolve against
	Timeout       time.Duration
}

// SSHExecutor runs commands on a remote host via golang.org/x/crypto/ssh.
// Remote commands run relative to / with the target path carried in the
// command string, so relative cwds are resolved against WorkspaceRoot here.
type SSHExecutor struct {
	cfg    SSHConfig
	logger *logger.Logger

	mu     sync.Mutex
	client *ssh.Client
}

var _ CommandExecutor = (*SSHExecutor)(nil)

// NewSSHExecutor creates an executor for the given remote host. The
// connection is established lazily on first use.
func NewSSHExecutor(cfg SSHConfig, log *logger.Logger) (*SSHExecutor, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh executor requires a host")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SSHExecutor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "ssh-executor"), zap.String("host", cfg.Host)),
	}, nil
}

func (e *SSHExecutor) getClient() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	auth, err := e.buildAuthMethods()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            auth,
		Timeout:         e.cfg.Timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host identity is pinned by deployment config
	}

	addr := net.JoinHostPort(e.cfg.Host, fmt.Sprintf("%d", e.cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s failed: %w", addr, err)
	}

	e.client = client
	e.logger.Debug("ssh connection established", zap.String("addr", addr))
	return client, nil
}

func (e *SSHExecutor) buildAuthMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if e.cfg.KeyPath != "" {
		key, err := os.ReadFile(e.cfg.KeyPath)
		if err != nil {
			if len(methods) == 0 && e.cfg.Password == "" {
				return nil, fmt.Errorf("failed to read private key %s: %w", e.cfg.KeyPath, err)
			}
			e.logger.Warn("failed to read private key, falling back", zap.String("key_path", e.cfg.KeyPath), zap.Error(err))
		} else {
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if e.cfg.Password != "" {
		methods = append(methods, ssh.Password(e.cfg.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication methods available")
	}
	return methods, nil
}

// Exec runs the command remotely, resolving a relative cwd against the
// configured workspace root.
func (e *SSHExecutor) Exec(ctx context.Context, command string, args []string, opts Options) (*Result, error) {
	client, err := e.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	remote := e.remoteCommand(command, args, opts.Cwd)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(remote)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		result := &Result{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, fmt.Errorf("ssh exec failed: %w", err)
		}
		result.Success = true
		return result, nil
	}
}

// WriteFile writes data to a remote file through a shell redirect.
func (e *SSHExecutor) WriteFile(ctx context.Context, filePath string, data []byte) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	remote := fmt.Sprintf("cat > %s", shellQuote(e.resolvePath(filePath)))

	done := make(chan error, 1)
	go func() {
		done <- session.Run(remote)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("remote write failed: %w", err)
		}
		return nil
	}
}

// ReadFile reads a remote file.
func (e *SSHExecutor) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	result, err := e.Exec(ctx, "cat", []string{e.resolvePath(filePath)}, Options{})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("remote read failed: %s", strings.TrimSpace(result.Stderr))
	}
	return []byte(result.Stdout), nil
}

// FileExists checks whether a remote path exists.
func (e *SSHExecutor) FileExists(ctx context.Context, filePath string) (bool, error) {
	result, err := e.Exec(ctx, "test", []string{"-e", e.resolvePath(filePath)}, Options{})
	if err != nil {
		return false, err
	}
	return result.Success, nil
}

// Close tears down the cached connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *SSHExecutor) remoteCommand(command string, args []string, cwd string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	cmdline := strings.Join(parts, " ")

	dir := e.resolvePath(cwd)
	if dir == "" {
		return cmdline
	}
	return fmt.Sprintf("cd %s && %s", shellQuote(dir), cmdline)
}

func (e *SSHExecutor) resolvePath(p string) string {
	if p == "" {
		return e.cfg.WorkspaceRoot
	}
	if strings.HasPrefix(p, "/") || e.cfg.WorkspaceRoot == "" {
		return p
	}
	return path.Join(e.cfg.WorkspaceRoot, p)
}

// shellQuote wraps a value in single quotes, escaping embedded quotes, so
// arbitrary arguments survive the remote shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
