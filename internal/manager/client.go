package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/doughall/hostmgr/internal/apierror"
)

// Client calls the public endpoint. Results come back in their JSON form:
// numbers as json.Number and string lists as []any. Use the member's
// schema type to coerce them.
type Client struct {
	socketPath string
}

// NewClient returns a client for the endpoint listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call invokes a method.
func (c *Client) Call(ctx context.Context, member string, args ...any) (any, error) {
	return c.invoke(ctx, Request{Op: "call", Member: member, Args: args})
}

// Get reads a property.
func (c *Client) Get(ctx context.Context, member string) (any, error) {
	return c.invoke(ctx, Request{Op: "get", Member: member})
}

// Set writes a property.
func (c *Client) Set(ctx context.Context, member string, value any) error {
	_, err := c.invoke(ctx, Request{Op: "set", Member: member, Args: []any{value}})
	return err
}

// Introspect returns the surface advertised on this host.
func (c *Client) Introspect(ctx context.Context) (*Surface, error) {
	resp, err := c.do(ctx, Request{Op: OpIntrospect})
	if err != nil {
		return nil, err
	}
	if !resp.OK || resp.Surface == nil {
		return nil, responseError(resp)
	}
	return resp.Surface, nil
}

func (c *Client) invoke(ctx context.Context, req Request) (any, error) {
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMs = max(time.Until(deadline).Milliseconds(), 1)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, responseError(resp)
	}
	return resp.Result, nil
}

func responseError(resp *Response) error {
	if resp.Error == nil {
		return apierror.Rejected("", "endpoint refused the call without a reason")
	}
	return resp.Error
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	var resp Response
	dec := json.NewDecoder(io.LimitReader(conn, maxRequestBytes))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, apierror.Timeout(req.Member)
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &resp, nil
}
