// Package client provides a Go client for the cfctld socket protocol. Used
// by the CLI and by tests that drive a running server.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/protocol"
)

// maxResponseBytes bounds a single response line.
const maxResponseBytes = 64 << 20

// ConnectError means the daemon socket could not be reached.
type ConnectError struct {
	Socket string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("Cannot connect to cfctl daemon at %s. Is the daemon running?", e.Socket)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Client talks to cfctld over a unix socket. Each call opens a fresh
// connection.
type Client struct {
	socket      string
	dialTimeout time.Duration
}

// New creates a client for the socket at socketPath.
func New(socketPath string) *Client {
	return &Client{socket: socketPath, dialTimeout: 5 * time.Second}
}

// DefaultSocketPath returns $CFCTL_SOCKET, or the daemon's default socket.
func DefaultSocketPath() string {
	if p := os.Getenv("CFCTL_SOCKET"); p != "" {
		return p
	}
	return config.DefaultConfig().Socket
}

// NewDefault creates a client using the default socket path.
func NewDefault() *Client {
	return New(DefaultSocketPath())
}

// Socket returns the socket path.
func (c *Client) Socket() string { return c.socket }

// Do sends req and returns the daemon's response. A response with OK false
// is not an error; transport failures are.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return protocol.Response{}, &ConnectError{Socket: c.socket, Err: err}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return protocol.Response{}, c.ioError(ctx, "send request", err)
	}

	r := bufio.NewReader(io.LimitReader(conn, maxResponseBytes))
	data, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(data) > 0) {
		return protocol.Response{}, c.ioError(ctx, "read response", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ResponseError is returned by the typed helpers when the daemon answers
// with OK false.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		e := &ResponseError{Code: "unknown_error"}
		if resp.Error != nil {
			e.Code, e.Message = resp.Error.Code, resp.Error.Message
		}
		return resp, e
	}
	return resp, nil
}

// --- Typed helpers ---

// CreateInstance allocates a new instance.
func (c *Client) CreateInstance(ctx context.Context, purpose string) (protocol.InstanceSummary, error) {
	resp, err := c.call(ctx, protocol.CreateInstance(purpose))
	if err != nil {
		return protocol.InstanceSummary{}, err
	}
	if resp.Create == nil {
		return protocol.InstanceSummary{}, errors.New("create response missing summary")
	}
	return resp.Create.Summary, nil
}

// Status returns the summary of one instance.
func (c *Client) Status(ctx context.Context, id protocol.InstanceID) (protocol.InstanceSummary, error) {
	resp, err := c.call(ctx, protocol.Status(id))
	if err != nil {
		return protocol.InstanceSummary{}, err
	}
	if resp.Action == nil {
		return protocol.InstanceSummary{}, errors.New("status response missing summary")
	}
	return resp.Action.Summary, nil
}

// ListInstances returns every live instance.
func (c *Client) ListInstances(ctx context.Context) ([]protocol.InstanceSummary, error) {
	resp, err := c.call(ctx, protocol.ListInstances())
	if err != nil {
		return nil, err
	}
	return resp.Instances, nil
}
