// Package manager implements the unprivileged session endpoint: the only
// surface clients talk to. Every public call is resolved against the public
// schema and the feature gate, validated, and then either executed by a
// local handler or relayed to the privileged helper.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/schema"
)

// readTimeout bounds reading one request after accept.
const readTimeout = 10 * time.Second

// Relay forwards privileged invocations to the helper.
type Relay interface {
	Call(ctx context.Context, inv *schema.Invocation) (any, error)
}

// Gate answers whether a member is advertised on this host.
type Gate interface {
	IsAvailable(member string) bool
}

// LocalHandler executes an unprivileged member in-process. args are already
// validated against the member's signature.
type LocalHandler func(ctx context.Context, args []any) (any, error)

// Options configures an Endpoint.
type Options struct {
	// RequestTimeout applies to requests that carry no timeout_ms.
	RequestTimeout time.Duration

	// CallTimeouts overrides RequestTimeout per member, for delegates that
	// are expected to run longer.
	CallTimeouts map[schema.Identity]time.Duration

	// MaxRequestBytes caps one request. Default: 1 MiB.
	MaxRequestBytes int64

	// Mode is applied to the socket file. Zero keeps the umask-derived mode.
	Mode os.FileMode
}

// Endpoint is the public call surface.
type Endpoint struct {
	schema *schema.Schema
	gate   Gate
	relay  Relay
	local  map[schema.Identity]LocalHandler
	opts   Options
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	active    sync.WaitGroup
}

// NewEndpoint creates an endpoint serving s. relay may be nil, in which
// case every privileged member fails with RelayUnreachable.
func NewEndpoint(s *schema.Schema, gate Gate, relay Relay, opts Options, logger *slog.Logger) *Endpoint {
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = maxRequestBytes
	}
	return &Endpoint{
		schema: s,
		gate:   gate,
		relay:  relay,
		local:  make(map[schema.Identity]LocalHandler),
		opts:   opts,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Handle installs the local handler for an unprivileged identity. It must
// be called before Serve.
func (e *Endpoint) Handle(id schema.Identity, h LocalHandler) error {
	sig, ok := e.schema.Lookup(id)
	if !ok {
		return fmt.Errorf("manager: %s is not declared in %s", id, e.schema.Interface())
	}
	if sig.Tier != schema.Unprivileged {
		return fmt.Errorf("manager: %s is privileged and cannot run locally", id)
	}
	e.local[id] = h
	return nil
}

// Ready is closed once the socket is listening.
func (e *Endpoint) Ready() <-chan struct{} { return e.ready }

// Invoke runs one public call through the full resolve, gate, validate and
// execute sequence. The returned error is always an *apierror.Error.
func (e *Endpoint) Invoke(ctx context.Context, id schema.Identity, args []any, deadline time.Time) (any, error) {
	member := id.String()

	sig, ok := e.schema.Lookup(id)
	if !ok {
		return nil, apierror.UnknownMethod(member)
	}
	if !e.gate.IsAvailable(id.Member) {
		return nil, apierror.Unavailable(member)
	}
	validated, err := sig.Validate(args)
	if err != nil {
		return nil, apierror.InvalidArguments(member, "%v", err)
	}

	inv := schema.NewInvocation(id, validated, deadline)
	inv.Advance(schema.StateValidated)
	logger := e.logger.With("member", id.Member, "op", id.Op, "token", inv.Token)

	start := time.Now()
	result, err := e.execute(ctx, sig, inv)
	duration := time.Since(start)

	if err != nil {
		inv.Fail()
		apiErr := apierror.From(member, err)
		logger.Info("call failed", "kind", apiErr.Kind, "error", apiErr, "duration", duration)
		return nil, apiErr
	}
	inv.Advance(schema.StateCompleted)
	logger.Debug("call completed", "duration", duration)
	return result, nil
}

func (e *Endpoint) execute(ctx context.Context, sig schema.Signature, inv *schema.Invocation) (any, error) {
	member := inv.Identity.String()
	ctx, cancel := inv.Context(ctx)
	defer cancel()

	var (
		result any
		err    error
	)
	if sig.Tier == schema.Unprivileged {
		h, ok := e.local[inv.Identity]
		if !ok {
			return nil, apierror.UnknownMethod(member)
		}
		inv.Advance(schema.StateExecutingLocal)
		result, err = h(ctx, inv.Args)
	} else {
		if e.relay == nil {
			return nil, apierror.RelayUnreachable(member, errors.New("no relay configured"))
		}
		inv.Advance(schema.StateRelaying)
		result, err = e.relay.Call(ctx, inv)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && apierror.KindOf(err) == "" {
			return nil, apierror.Timeout(member)
		}
		return nil, err
	}

	// Results keep the declared output shape whichever side produced them.
	out, err := sig.Output.Coerce(result)
	if err != nil {
		return nil, apierror.Rejected(member, fmt.Sprintf("result does not match output type %s: %v", sig.Output, err))
	}
	return out, nil
}

// Surface returns the members advertised on this host.
func (e *Endpoint) Surface() *Surface {
	doc := e.schema.Document()
	s := &Surface{
		Interface:  doc.Interface,
		Version:    doc.Version,
		Methods:    []schema.MethodDoc{},
		Properties: []schema.PropertyDoc{},
	}
	for _, m := range doc.Methods {
		if e.gate.IsAvailable(m.Name) {
			s.Methods = append(s.Methods, m)
		}
	}
	for _, p := range doc.Properties {
		if e.gate.IsAvailable(p.Name) {
			s.Properties = append(s.Properties, p)
		}
	}
	return s
}

// Serve listens on socketPath until ctx is cancelled, then stops accepting
// and waits for in-flight calls. The parent directory is created if needed.
func (e *Endpoint) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(socketPath)
	}()

	if e.opts.Mode != 0 {
		if err := os.Chmod(socketPath, e.opts.Mode); err != nil {
			return fmt.Errorf("setting mode of %s: %w", socketPath, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	e.logger.Info("manager listening", "path", socketPath, "interface", e.schema.Interface(), "version", e.schema.Version())
	e.readyOnce.Do(func() { close(e.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			e.logger.Error("accept failed", "error", err)
			continue
		}

		e.active.Add(1)
		go func() {
			defer e.active.Done()
			e.handleConnection(ctx, conn)
		}()
	}

	e.active.Wait()
	return nil
}

func (e *Endpoint) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req Request
	dec := json.NewDecoder(io.LimitReader(conn, e.opts.MaxRequestBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		e.writeResponse(conn, Response{Error: apierror.InvalidArguments("", "malformed request: %v", err)})
		return
	}
	conn.SetReadDeadline(time.Time{})

	// A call that has started runs to its deadline even during shutdown.
	e.writeResponse(conn, e.handle(context.WithoutCancel(ctx), &req))
}

func (e *Endpoint) handle(ctx context.Context, req *Request) Response {
	if req.Op == OpIntrospect {
		return Response{OK: true, Surface: e.Surface()}
	}

	id, err := req.Identity()
	if err != nil {
		return Response{Error: apierror.InvalidArguments(req.Member, "%v", err)}
	}

	result, err := e.Invoke(ctx, id, req.Args, e.deadline(id, req.TimeoutMs))
	if err != nil {
		return Response{Error: apierror.From(id.String(), err)}
	}
	return Response{OK: true, Result: result}
}

func (e *Endpoint) deadline(id schema.Identity, timeoutMs int64) time.Time {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.opts.RequestTimeout
		if d, ok := e.opts.CallTimeouts[id]; ok {
			timeout = d
		}
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func (e *Endpoint) writeResponse(conn net.Conn, resp Response) {
	conn.SetWriteDeadline(time.Now().Add(readTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		e.logger.Debug("failed to write response", "error", err)
	}
}
