package stdio

import (
	"context"
	goerrors "errors"
	"testing"
	"time"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/pkg/acp/protocol"
)

// fakeAgentScript answers the initialize request (always request id 1 on a
// fresh client) and then keeps the pipe open so the connection stays live.
const fakeAgentScript = `read line
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":1,"agentInfo":{"name":"fake","version":"0"}}}'
sleep 30`

func connectFakeAgent(t *testing.T) *Client {
	t.Helper()
	c := NewClient(logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Connect(ctx, agent.ConnectConfig{
		Settings: models.AgentSettings{
			Transport: v1.TransportStdio,
			Command:   "sh",
			Args:      []string{"-c", fakeAgentScript},
		},
		Directory: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestOperationsBeforeConnectReturnNotConnected(t *testing.T) {
	c := NewClient(logger.NewNop())
	ctx := context.Background()

	ops := map[string]func() error{
		"createSession": func() error { _, err := c.CreateSession(ctx, "/tmp", ""); return err },
		"getSession":    func() error { _, err := c.GetSession("s1"); return err },
		"deleteSession": func() error { return c.DeleteSession(ctx, "s1") },
		"sendPrompt": func() error {
			_, err := c.SendPrompt(ctx, "s1", "hi", agent.PromptOptions{})
			return err
		},
		"sendPromptAsync": func() error { return c.SendPromptAsync(ctx, "s1", "hi", agent.PromptOptions{}) },
		"abortSession":    func() error { return c.AbortSession(ctx, "s1") },
		"subscribe":       func() error { _, err := c.Subscribe("s1", func(*protocol.SessionUpdate) {}); return err },
		"replyPermission": func() error { return c.ReplyToPermission("r1", protocol.PermissionOnce) },
		"replyQuestion":   func() error { return c.ReplyToQuestion("q1", nil) },
		"getModels":       func() error { _, err := c.GetModels(ctx); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.IsNotConnected(err) {
			t.Errorf("%s before connect: got %v, want NOT_CONNECTED", name, err)
		}
	}
}

func TestConnectFailsWhenProcessExitsBeforeHandshake(t *testing.T) {
	c := NewClient(logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.Connect(ctx, agent.ConnectConfig{
		Settings: models.AgentSettings{
			Transport: v1.TransportStdio,
			Command:   "sh",
			Args:      []string{"-c", "echo boom >&2; exit 3"},
		},
		Directory: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	var appErr *errors.AppError
	if !goerrors.As(err, &appErr) || appErr.Code != errors.ErrCodeProcessExited {
		t.Fatalf("error = %v, want PROCESS_EXITED", err)
	}
	if appErr.Details["exit_code"] != 3 {
		t.Errorf("exit_code = %v, want 3", appErr.Details["exit_code"])
	}
	if appErr.Details["stderr"] != "boom\n" {
		t.Errorf("stderr = %q, want captured boom", appErr.Details["stderr"])
	}
	if c.IsConnected() {
		t.Error("client must not report connected after failed handshake")
	}
}

func TestConnectHandshakeAndDisconnectIdempotent(t *testing.T) {
	c := connectFakeAgent(t)
	if !c.IsConnected() {
		t.Fatal("expected connected after handshake")
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.IsConnected() {
		t.Error("still connected after disconnect")
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func TestSubscribeDeliversUpdatesUntilAborted(t *testing.T) {
	c := connectFakeAgent(t)

	got := make(chan *protocol.SessionUpdate, 4)
	sub, err := c.Subscribe("s1", func(u *protocol.SessionUpdate) { got <- u })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c.deliverUpdate(&protocol.SessionUpdate{
		SessionID: "s1",
		Type:      protocol.UpdateMessageDelta,
		Message:   &protocol.MessageDelta{Role: "assistant", Text: "hello"},
	})
	select {
	case u := <-got:
		if u.Message == nil || u.Message.Text != "hello" {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("update not delivered")
	}

	// Updates for other sessions never reach this handler.
	c.deliverUpdate(&protocol.SessionUpdate{SessionID: "s2", Type: protocol.UpdateTurnEnd})
	select {
	case u := <-got:
		t.Fatalf("received update for foreign session: %+v", u)
	default:
	}

	sub.Abort()
	sub.Abort() // aborting twice is harmless
	c.deliverUpdate(&protocol.SessionUpdate{SessionID: "s1", Type: protocol.UpdateTurnEnd})
	select {
	case u := <-got:
		t.Fatalf("received update after abort: %+v", u)
	default:
	}
}

func TestAbortAllSubscriptionsIsSafeWithNone(t *testing.T) {
	c := NewClient(logger.NewNop())
	c.AbortAllSubscriptions()
	c.AbortAllSubscriptions()
}

func TestReplyToUnknownPermissionFails(t *testing.T) {
	c := connectFakeAgent(t)
	if err := c.ReplyToPermission("nope", protocol.PermissionOnce); err == nil {
		t.Error("expected error for unknown permission request id")
	}
	if err := c.ReplyToQuestion("nope", [][]string{{"a"}}); err == nil {
		t.Error("expected error for unknown question id")
	}
}
