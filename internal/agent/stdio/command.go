package stdio

import (
	"fmt"
	"strings"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
)

// spawnSpec is the resolved subprocess invocation for a connect attempt.
type spawnSpec struct {
	name string
	args []string
	cwd  string
}

// buildSpawnSpec resolves the subprocess to launch for the configured
// transport. Local stdio runs the agent command rooted in the target
// directory. ssh-stdio wraps the agent command in ssh (via sshpass when a
// password is set) and keeps the local process rooted at the workspace
// root; the remote path travels inside the remote command string.
func buildSpawnSpec(cfg agent.ConnectConfig) (*spawnSpec, error) {
	s := cfg.Settings
	if s.Command == "" {
		return nil, errors.ValidationError("agent.command", "agent command is required for spawn transports")
	}

	switch s.Transport {
	case v1.TransportStdio:
		return &spawnSpec{
			name: s.Command,
			args: append([]string(nil), s.Args...),
			cwd:  cfg.Directory,
		}, nil

	case v1.TransportSSHStdio:
		if s.Hostname == "" {
			return nil, errors.ValidationError("agent.hostname", "hostname is required for ssh-stdio transport")
		}
		remote := s.Command
		if len(s.Args) > 0 {
			remote += " " + strings.Join(s.Args, " ")
		}
		if cfg.Directory != "" {
			remote = fmt.Sprintf("cd %s && %s", cfg.Directory, remote)
		}

		sshArgs := []string{"-o", "StrictHostKeyChecking=no", "-o", "BatchMode=no"}
		if s.Port != 0 {
			sshArgs = append(sshArgs, "-p", fmt.Sprintf("%d", s.Port))
		}
		sshArgs = append(sshArgs, s.Hostname, remote)

		if s.Password != "" {
			args := append([]string{"-p", s.Password, "ssh"}, sshArgs...)
			return &spawnSpec{name: "sshpass", args: args, cwd: cfg.WorkspaceRoot}, nil
		}
		return &spawnSpec{name: "ssh", args: sshArgs, cwd: cfg.WorkspaceRoot}, nil

	default:
		return nil, errors.ConnectModeUnsupported(string(s.Transport), "stdio, ssh-stdio")
	}
}

// sanitizeArgs returns a copy of the command line safe to log. Only the
// password argument of an sshpass invocation is masked; every other
// argument, including ones that merely look like options, passes through
// unchanged.
func sanitizeArgs(name string, args []string) []string {
	out := append([]string{name}, args...)
	if name != "sshpass" {
		return out
	}
	for i := 1; i < len(out)-1; i++ {
		if out[i] == "-p" {
			out[i+1] = "****"
			break
		}
	}
	return out
}
