package stdio

import (
	goerrors "errors"
	"strings"
	"testing"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/loop/models"
)

func TestBuildSpawnSpecStdio(t *testing.T) {
	spec, err := buildSpawnSpec(agent.ConnectConfig{
		Settings: models.AgentSettings{
			Transport: v1.TransportStdio,
			Command:   "opencode",
			Args:      []string{"serve", "--stdio"},
		},
		Directory: "/work/repo",
	})
	if err != nil {
		t.Fatalf("buildSpawnSpec: %v", err)
	}
	if spec.name != "opencode" {
		t.Errorf("name = %q, want opencode", spec.name)
	}
	if spec.cwd != "/work/repo" {
		t.Errorf("cwd = %q, want target directory", spec.cwd)
	}
}

func TestBuildSpawnSpecSSHWithPassword(t *testing.T) {
	spec, err := buildSpawnSpec(agent.ConnectConfig{
		Settings: models.AgentSettings{
			Transport: v1.TransportSSHStdio,
			Command:   "opencode",
			Args:      []string{"serve"},
			Hostname:  "build@remote",
			Port:      2222,
			Password:  "hunter2",
		},
		Directory:     "/srv/repos/app",
		WorkspaceRoot: "/var/loopdev",
	})
	if err != nil {
		t.Fatalf("buildSpawnSpec: %v", err)
	}
	if spec.name != "sshpass" {
		t.Fatalf("name = %q, want sshpass", spec.name)
	}
	if spec.cwd != "/var/loopdev" {
		t.Errorf("cwd = %q, want workspace root", spec.cwd)
	}
	remote := spec.args[len(spec.args)-1]
	if !strings.Contains(remote, "cd /srv/repos/app && opencode serve") {
		t.Errorf("remote command = %q, want cd into target directory", remote)
	}
}

func TestBuildSpawnSpecSSHWithoutPassword(t *testing.T) {
	spec, err := buildSpawnSpec(agent.ConnectConfig{
		Settings: models.AgentSettings{
			Transport: v1.TransportSSHStdio,
			Command:   "opencode",
			Hostname:  "remote",
		},
		Directory: "/srv/repo",
	})
	if err != nil {
		t.Fatalf("buildSpawnSpec: %v", err)
	}
	if spec.name != "ssh" {
		t.Errorf("name = %q, want ssh when no password is set", spec.name)
	}
}

func TestBuildSpawnSpecRejectsTCP(t *testing.T) {
	_, err := buildSpawnSpec(agent.ConnectConfig{
		Settings: models.AgentSettings{
			Transport: v1.TransportTCP,
			Command:   "opencode",
			Hostname:  "remote",
			Port:      9000,
		},
	})
	if err == nil {
		t.Fatal("expected error for tcp transport")
	}
	var appErr *errors.AppError
	if !goerrors.As(err, &appErr) || appErr.Code != errors.ErrCodeConnectModeUnsupported {
		t.Errorf("error = %v, want CONNECT_MODE_UNSUPPORTED", err)
	}
}

func TestSanitizeArgsMasksSSHPassPassword(t *testing.T) {
	argv := sanitizeArgs("sshpass", []string{
		"-p", "hunter2", "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-p", "2222",
		"build@remote", "cd /srv/repo && opencode serve",
	})

	for _, a := range argv {
		if a == "hunter2" {
			t.Fatalf("password leaked into loggable argv: %v", argv)
		}
	}
	if argv[2] != "****" {
		t.Errorf("argv[2] = %q, want masked password", argv[2])
	}
	// ssh's own -p port flag stays intact even though it looks identical.
	if argv[7] != "2222" {
		t.Errorf("argv[7] = %q, want ssh port left untouched", argv[7])
	}
}

func TestSanitizeArgsLeavesOtherCommandsAlone(t *testing.T) {
	argv := sanitizeArgs("opencode", []string{"-p", "not-a-secret", "serve"})
	if argv[2] != "not-a-secret" {
		t.Errorf("argv[2] = %q, non-sshpass arguments must pass through", argv[2])
	}
}
