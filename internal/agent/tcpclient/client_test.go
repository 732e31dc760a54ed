package tcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	goerrors "errors"
	"net"
	"strconv"
	"testing"
	"time"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/agent"
	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/loop/models"
	"github.com/loopdev/loopdev/pkg/acp/protocol"
)

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// fakeAgentServer answers initialize, session/new and session/prompt, and
// interleaves a permission request before completing each prompt.
func fakeAgentServer(t *testing.T, askPermission bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		enc := json.NewEncoder(conn)
		send := func(f frame) {
			f.JSONRPC = "2.0"
			_ = enc.Encode(f)
		}
		result := func(id interface{}, v interface{}) {
			data, _ := json.Marshal(v)
			send(frame{ID: id, Result: data})
		}

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var f frame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				continue
			}
			switch f.Method {
			case protocol.MethodInitialize:
				result(f.ID, protocol.InitializeResult{ProtocolVersion: 1})
			case protocol.MethodSessionNew:
				result(f.ID, protocol.SessionNewResult{SessionID: "sess-1"})
			case protocol.MethodSessionPrompt:
				if askPermission {
					params, _ := json.Marshal(protocol.PermissionRequestParams{
						SessionID: "sess-1",
						RequestID: "perm-1",
						ToolName:  "write_file",
					})
					send(frame{ID: 100, Method: protocol.MethodRequestPermission, Params: params})
					// Wait for the permission response before finishing the turn.
					if !scanner.Scan() {
						return
					}
				}
				params, _ := json.Marshal(protocol.SessionUpdate{
					SessionID: "sess-1",
					Type:      protocol.UpdateMessageDelta,
					Message:   &protocol.MessageDelta{Role: "assistant", Text: "done"},
				})
				send(frame{Method: protocol.MethodSessionUpdate, Params: params})
				result(f.ID, protocol.SessionPromptResult{StopReason: protocol.StopReasonEndTurn})
			case "":
				// Response frame (permission reply), handled inline above.
			}
		}
	}()

	return ln.Addr().String()
}

func connectTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	c := NewClient(logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = c.Connect(ctx, agent.ConnectConfig{
		Settings: models.AgentSettings{
			Transport: v1.TransportTCP,
			Hostname:  host,
			Port:      port,
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestConnectRejectsSpawnTransports(t *testing.T) {
	c := NewClient(logger.NewNop())
	err := c.Connect(context.Background(), agent.ConnectConfig{
		Settings: models.AgentSettings{Transport: v1.TransportStdio, Command: "opencode"},
	})
	if err == nil {
		t.Fatal("expected error for stdio transport")
	}
	var appErr *errors.AppError
	if !goerrors.As(err, &appErr) || appErr.Code != errors.ErrCodeConnectModeUnsupported {
		t.Errorf("error = %v, want CONNECT_MODE_UNSUPPORTED", err)
	}
}

func TestPromptRoundTripWithStreaming(t *testing.T) {
	addr := fakeAgentServer(t, false)
	c := connectTestClient(t, addr)

	sess, err := c.CreateSession(context.Background(), "/work/repo", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Fatalf("session id = %q", sess.ID)
	}

	updates := make(chan *protocol.SessionUpdate, 4)
	if _, err := c.Subscribe(sess.ID, func(u *protocol.SessionUpdate) { updates <- u }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	result, err := c.SendPrompt(context.Background(), sess.ID, "build it", agent.PromptOptions{})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if result.StopReason != protocol.StopReasonEndTurn {
		t.Errorf("stop reason = %q", result.StopReason)
	}

	select {
	case u := <-updates:
		if u.Type != protocol.UpdateMessageDelta || u.Message.Text != "done" {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("streamed update never arrived")
	}
}

func TestPermissionRequestAnsweredViaReply(t *testing.T) {
	addr := fakeAgentServer(t, true)
	c := connectTestClient(t, addr)

	sess, err := c.CreateSession(context.Background(), "/work/repo", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	c.SetPermissionHandler(func(req *protocol.PermissionRequestParams) {
		go func() {
			if err := c.ReplyToPermission(req.RequestID, protocol.PermissionOnce); err != nil {
				t.Errorf("ReplyToPermission: %v", err)
			}
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := c.SendPrompt(ctx, sess.ID, "touch a file", agent.PromptOptions{})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if result.StopReason != protocol.StopReasonEndTurn {
		t.Errorf("stop reason = %q", result.StopReason)
	}
}

func TestDisconnectReleasesPendingPermission(t *testing.T) {
	addr := fakeAgentServer(t, true)
	c := connectTestClient(t, addr)

	sess, err := c.CreateSession(context.Background(), "/work/repo", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	asked := make(chan struct{})
	c.SetPermissionHandler(func(req *protocol.PermissionRequestParams) {
		close(asked)
	})

	promptErr := make(chan error, 1)
	go func() {
		_, err := c.SendPrompt(context.Background(), sess.ID, "touch a file", agent.PromptOptions{})
		promptErr <- err
	}()

	select {
	case <-asked:
	case <-time.After(5 * time.Second):
		t.Fatal("permission request never arrived")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-promptErr:
		if err == nil {
			t.Fatal("prompt succeeded after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt call still blocked after disconnect")
	}

	// The dispatch goroutine must abandon the wait and unregister the
	// pending entry rather than block on the answer forever.
	deadline := time.Now().Add(2 * time.Second)
	for c.pending.AnswerPermission("perm-1", protocol.PermissionOnce) == nil {
		if time.Now().After(deadline) {
			t.Fatal("pending permission entry survived disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
