// client.go is the relay proxy the session daemon uses to reach the
// privileged helper. Only connection establishment is retried: once an
// envelope has been written it is never sent again, since the helper may
// already be running the delegate.
package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/journal"
	"github.com/doughall/hostmgr/internal/schema"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Interface is the private interface name sent in every envelope.
	// Default: schema.RootInterface.
	Interface string

	// DialAttempts bounds connection attempts per call. Default: 3.
	DialAttempts uint

	// DialBackoff is the initial retry interval. Default: 50ms.
	DialBackoff time.Duration
}

// Client relays invocations to the helper.
type Client struct {
	socketPath string
	opts       ClientOptions
	logger     *slog.Logger
}

// NewClient creates a relay proxy for the helper listening on socketPath.
func NewClient(socketPath string, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.Interface == "" {
		opts.Interface = schema.RootInterface
	}
	if opts.DialAttempts == 0 {
		opts.DialAttempts = 3
	}
	if opts.DialBackoff == 0 {
		opts.DialBackoff = 50 * time.Millisecond
	}
	return &Client{socketPath: socketPath, opts: opts, logger: logger}
}

// Available reports whether the helper socket accepts connections.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Call relays inv and blocks until the helper replies or the invocation
// deadline passes. Taxonomy errors reported by the helper are returned
// unchanged.
func (c *Client) Call(ctx context.Context, inv *schema.Invocation) (any, error) {
	ctx, cancel := inv.Context(ctx)
	defer cancel()

	member := inv.Identity.String()
	reply, err := c.roundTrip(ctx, member, NewEnvelope(c.opts.Interface, inv))
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, replyError(member, reply.Error)
	}
	return reply.Result, nil
}

// Bindings returns the private identities the helper has bound.
func (c *Client) Bindings(ctx context.Context) ([]schema.Identity, error) {
	inv := schema.NewInvocation(schema.Identity{}, nil, time.Time{})
	env := Envelope{Interface: c.opts.Interface, Op: OpBindings, Token: inv.Token}
	if deadline, ok := ctx.Deadline(); ok {
		env.DeadlineMs = deadline.UnixMilli()
	}

	reply, err := c.roundTrip(ctx, OpBindings, env)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, replyError(OpBindings, reply.Error)
	}
	return reply.Bindings, nil
}

// Journal returns up to limit of the helper's newest journal entries and
// the number of entries it holds. A helper without a journal reports
// Unavailable.
func (c *Client) Journal(ctx context.Context, limit int) ([]*journal.Entry, int, error) {
	inv := schema.NewInvocation(schema.Identity{}, nil, time.Time{})
	env := Envelope{Interface: c.opts.Interface, Op: OpJournal, Token: inv.Token, Limit: limit}
	if deadline, ok := ctx.Deadline(); ok {
		env.DeadlineMs = deadline.UnixMilli()
	}

	reply, err := c.roundTrip(ctx, OpJournal, env)
	if err != nil {
		return nil, 0, err
	}
	if !reply.OK {
		return nil, 0, replyError(OpJournal, reply.Error)
	}
	total, err := schema.TypeUint32.Coerce(reply.Result)
	if err != nil {
		return nil, 0, apierror.Rejected(OpJournal, fmt.Sprintf("journal size: %v", err))
	}
	return reply.Entries, int(total.(uint32)), nil
}

func replyError(member string, e *apierror.Error) error {
	if e == nil {
		return apierror.Rejected(member, "helper refused the call without a reason")
	}
	if !e.Kind.Valid() {
		return apierror.Rejected(member, e.Error())
	}
	return e
}

func (c *Client) roundTrip(ctx context.Context, member string, env Envelope) (*Reply, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierror.Timeout(member)
		}
		return nil, apierror.RelayUnreachable(member, err)
	}
	defer conn.Close()

	// Cancellation unblocks the read by expiring the connection deadline.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := encMode.NewEncoder(conn).Encode(env); err != nil {
		return nil, c.transportError(ctx, member, "sending envelope", err)
	}

	var reply Reply
	if err := decMode.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&reply); err != nil {
		return nil, c.transportError(ctx, member, "reading reply", err)
	}

	// The helper cannot echo a token it failed to decode; its reason is
	// still the answer to this envelope.
	if reply.Token == "" && !reply.OK && reply.Error != nil {
		c.logger.Warn("helper rejected envelope", "member", env.Member, "token", env.Token, "error", reply.Error)
		return &reply, nil
	}
	if reply.Token != env.Token {
		c.logger.Warn("helper reply token mismatch", "member", env.Member, "sent", env.Token, "received", reply.Token)
		return nil, apierror.Rejected(member, "reply token mismatch")
	}
	return &reply, nil
}

// dial connects to the helper, retrying with exponential backoff bounded
// by ctx and the configured attempt count.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.DialBackoff
	b.MaxInterval = 20 * c.opts.DialBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (net.Conn, error) {
		attempt++
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", c.socketPath)
		if err != nil {
			c.logger.Debug("helper dial failed", "attempt", attempt, "error", err)
			if errors.Is(err, os.ErrPermission) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.opts.DialAttempts))
}

func (c *Client) transportError(ctx context.Context, member, stage string, err error) error {
	var netErr net.Error
	if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apierror.Timeout(member)
	}
	return apierror.RelayUnreachable(member, fmt.Errorf("%s: %w", stage, err))
}
