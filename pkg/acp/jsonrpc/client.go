// Package jsonrpc implements newline-delimited JSON-RPC 2.0 over a pair of
// byte streams, as spoken by agent processes on stdio or a socket.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/common/logger"
)

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives server-initiated requests (e.g. permission or
// question prompts) and returns the result to send back, or an error.
type RequestHandler func(method string, params json.RawMessage) (interface{}, *Error)

// Client handles JSON-RPC 2.0 communication over a write/read stream pair.
type Client struct {
	out io.Writer
	in  io.Reader

	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex

	writeMu sync.Mutex

	onNotification NotificationHandler
	onRequest      RequestHandler

	logger    *logger.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client writing requests to out and reading frames
// from in.
func NewClient(out io.Writer, in io.Reader, log *logger.Logger) *Client {
	return &Client{
		out:     out,
		in:      in,
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications. Must
// be called before Start.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for server-initiated requests. Must be
// called before Start.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// Start begins reading frames from the input stream.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client and unblocks every pending call.
func (c *Client) Stop() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return c.send(&Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	})
}

// Respond sends a response to a server-initiated request.
func (c *Client) Respond(id interface{}, result interface{}, rpcErr *Error) error {
	resp := &Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if result != nil && rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resp.Result = data
	}
	return c.send(resp)
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.out.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.logger.Debug("sent frame", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received frame", zap.ByteString("data", line))
		c.dispatch(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop ended", zap.Error(err))
	}
	// The stream is gone; unblock every waiter.
	c.Stop()
}

// dispatch classifies a frame as response, server request, or notification.
func (c *Client) dispatch(line []byte) {
	var frame struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		c.logger.Warn("unparseable frame", zap.ByteString("data", line))
		return
	}

	switch {
	case frame.ID != nil && frame.Method == "":
		c.handleResponse(&Response{JSONRPC: "2.0", ID: frame.ID, Result: frame.Result, Error: frame.Error})
	case frame.ID != nil && frame.Method != "":
		c.handleServerRequest(frame.ID, frame.Method, frame.Params)
	case frame.Method != "":
		if c.onNotification != nil {
			c.onNotification(frame.Method, frame.Params)
		}
	default:
		c.logger.Warn("frame with neither id nor method", zap.ByteString("data", line))
	}
}

func (c *Client) handleResponse(resp *Response) {
	// JSON numbers decode as float64.
	var key int64
	switch id := resp.ID.(type) {
	case float64:
		key = int64(id)
	case int64:
		key = id
	default:
		c.logger.Warn("response with non-numeric id", zap.Any("id", resp.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[key]
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Warn("response for unknown request", zap.Int64("id", key))
	}
}

func (c *Client) handleServerRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest == nil {
		_ = c.Respond(id, nil, &Error{Code: CodeMethodNotFound, Message: "no request handler registered"})
		return
	}

	// Handlers may block on user input (permission replies), so each
	// server request gets its own goroutine.
	go func() {
		result, rpcErr := c.onRequest(method, params)
		if err := c.Respond(id, result, rpcErr); err != nil {
			c.logger.Warn("failed to respond to server request",
				zap.String("method", method),
				zap.Error(err))
		}
	}()
}
