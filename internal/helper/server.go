// server.go implements the privileged endpoint. It runs as root, listens on
// the system socket and executes relayed invocations through the dispatch
// registry. Access control is the socket's file mode and group; nothing
// else about the caller is checked. Under systemd socket activation the
// unit's SocketMode and SocketGroup take their place.
package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/journal"
	"github.com/doughall/hostmgr/internal/registry"
	"github.com/doughall/hostmgr/internal/schema"
)

// readTimeout is how long the server waits for the envelope after accept.
const readTimeout = 10 * time.Second

// writeTimeout bounds writing the reply.
const writeTimeout = 10 * time.Second

// Journal receives one entry per executed invocation and serves them back
// to the journal op.
type Journal interface {
	Append(e *journal.Entry) error
	Recent(limit int) ([]*journal.Entry, error)
	Count() (int, error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Mode is applied to the socket file after listening. Zero keeps the
	// umask-derived mode.
	Mode os.FileMode

	// Group, when positive, is the gid given to the socket file.
	Group int

	// Listener, when set, is served instead of creating the socket. The
	// socket file then belongs to whoever created it; Mode and Group are
	// not applied and the file is not removed.
	Listener net.Listener

	// MaxRuntime bounds each invocation in addition to the envelope
	// deadline. Zero means only the envelope deadline applies.
	MaxRuntime time.Duration

	// Journal records every executed invocation when set.
	Journal Journal
}

// Server is the privileged endpoint.
type Server struct {
	socketPath string
	registry   *registry.Registry
	iface      string
	opts       ServerOptions
	logger     *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	// Serve waits for every active connection before returning.
	active sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]schema.Identity
}

// NewServer creates a server that dispatches through reg. The interface
// name it accepts is the registry's schema interface.
func NewServer(socketPath string, reg *registry.Registry, opts ServerOptions, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   reg,
		iface:      reg.Schema().Interface(),
		opts:       opts,
		logger:     logger,
		ready:      make(chan struct{}),
		inflight:   make(map[string]schema.Identity),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// InFlight returns the number of invocations currently executing.
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Serve accepts connections until ctx is cancelled, then stops accepting
// and waits for in-flight invocations to finish. Unless a Listener was
// given, a stale socket at the path is removed first and the socket is
// removed on return.
func (s *Server) Serve(ctx context.Context) error {
	listener := s.opts.Listener
	if listener == nil {
		var err error
		if listener, err = s.listen(); err != nil {
			return err
		}
		defer os.Remove(s.socketPath)
	}
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("helper listening",
		"path", s.socketPath,
		"interface", s.iface,
		"bindings", len(s.registry.Identities()),
	)
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	if n := s.InFlight(); n > 0 {
		s.logger.Info("waiting for in-flight invocations", "count", n)
	}
	s.active.Wait()
	return nil
}

// listen creates the socket and applies Mode and Group.
func (s *Server) listen() (net.Listener, error) {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	if s.opts.Mode != 0 {
		if err := os.Chmod(s.socketPath, s.opts.Mode); err != nil {
			listener.Close()
			return nil, fmt.Errorf("setting mode of %s: %w", s.socketPath, err)
		}
	}
	if s.opts.Group > 0 {
		if err := os.Chown(s.socketPath, -1, s.opts.Group); err != nil {
			listener.Close()
			return nil, fmt.Errorf("setting group of %s: %w", s.socketPath, err)
		}
	}
	return listener, nil
}

// handleConnection processes one envelope.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var env Envelope
	if err := decMode.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeReply(conn, Reply{Error: apierror.Rejected("", fmt.Sprintf("invalid envelope: %v", err))})
		return
	}

	if env.Interface != s.iface {
		s.writeReply(conn, Reply{
			Token: env.Token,
			Error: apierror.Rejected(env.Member, fmt.Sprintf("unknown interface %q", env.Interface)),
		})
		return
	}

	switch env.Op {
	case OpBindings:
		s.writeReply(conn, Reply{Token: env.Token, OK: true, Bindings: s.registry.Identities()})
		return
	case OpJournal:
		s.writeReply(conn, s.journalReply(env))
		return
	}

	// In-flight work outlives shutdown; the deadlines below still bound it.
	s.writeReply(conn, s.execute(context.WithoutCancel(ctx), env))
}

func (s *Server) execute(ctx context.Context, env Envelope) Reply {
	reply := Reply{Token: env.Token}

	id, err := env.Identity()
	if err != nil {
		reply.Error = apierror.UnknownMethod(env.Member)
		return reply
	}

	inv := schema.NewInvocation(id, env.Args, env.Deadline())
	if env.Token != "" {
		inv.Token = env.Token
	}
	reply.Token = inv.Token
	logger := s.logger.With("member", id.Member, "op", id.Op, "token", inv.Token)

	start := time.Now()
	result, err := s.run(ctx, inv)
	duration := time.Since(start)

	if err != nil {
		inv.Fail()
		reply.Error = apierror.From(id.String(), err)
		logger.Info("invocation failed", "kind", reply.Error.Kind, "error", reply.Error, "duration", duration)
	} else {
		inv.Advance(schema.StateCompleted)
		reply.OK = true
		reply.Result = result
		logger.Info("invocation completed", "duration", duration)
	}

	s.record(inv, start, duration, reply)
	return reply
}

func (s *Server) run(ctx context.Context, inv *schema.Invocation) (any, error) {
	binding, err := s.registry.Resolve(inv.Identity)
	if err != nil {
		return nil, err
	}
	if err := inv.Advance(schema.StateValidated); err != nil {
		return nil, err
	}
	if inv.Expired() {
		return nil, apierror.Timeout(inv.Identity.String())
	}

	ctx, cancel := inv.Context(ctx)
	defer cancel()
	if s.opts.MaxRuntime > 0 {
		var cancelMax context.CancelFunc
		ctx, cancelMax = context.WithTimeout(ctx, s.opts.MaxRuntime)
		defer cancelMax()
	}

	if err := inv.Advance(schema.StateExecuting); err != nil {
		return nil, err
	}
	s.track(inv)
	defer s.untrack(inv)

	return s.registry.Invoke(ctx, binding, inv.Args)
}

func (s *Server) track(inv *schema.Invocation) {
	s.mu.Lock()
	s.inflight[inv.Token] = inv.Identity
	s.mu.Unlock()
}

func (s *Server) untrack(inv *schema.Invocation) {
	s.mu.Lock()
	delete(s.inflight, inv.Token)
	s.mu.Unlock()
}

func (s *Server) record(inv *schema.Invocation, start time.Time, duration time.Duration, reply Reply) {
	if s.opts.Journal == nil {
		return
	}
	e := &journal.Entry{
		Token:      inv.Token,
		Member:     inv.Identity.Member,
		Op:         string(inv.Identity.Op),
		ReceivedAt: start,
		DurationMs: duration.Milliseconds(),
		OK:         reply.OK,
	}
	if reply.Error != nil {
		e.ErrorKind = string(reply.Error.Kind)
		e.Error = reply.Error.Error()
	}
	if err := s.opts.Journal.Append(e); err != nil {
		s.logger.Warn("failed to record invocation", "token", inv.Token, "error", err)
	}
}

func (s *Server) journalReply(env Envelope) Reply {
	reply := Reply{Token: env.Token}
	if s.opts.Journal == nil {
		reply.Error = apierror.Unavailable(OpJournal)
		return reply
	}

	limit := env.Limit
	if limit <= 0 || limit > maxJournalEntries {
		limit = maxJournalEntries
	}
	entries, err := s.opts.Journal.Recent(limit)
	if err != nil {
		reply.Error = apierror.Rejected(OpJournal, fmt.Sprintf("reading journal: %v", err))
		return reply
	}
	total, err := s.opts.Journal.Count()
	if err != nil {
		reply.Error = apierror.Rejected(OpJournal, fmt.Sprintf("counting journal: %v", err))
		return reply
	}

	reply.OK = true
	reply.Entries = entries
	reply.Result = total
	return reply
}

// writeReply sends reply. Write failures are logged at debug level; the
// connection is closing regardless.
func (s *Server) writeReply(conn net.Conn, reply Reply) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := encMode.NewEncoder(conn).Encode(reply); err != nil {
		s.logger.Debug("failed to write reply", "token", reply.Token, "error", err)
	}
}
