// Package daemon runs the long-lived services of one process and tears them
// down in order.
//
// Services run concurrently in an errgroup. The first service to fail
// cancels the rest. Cleanup hooks run after every service has returned, in
// reverse order of registration, so something registered later (an endpoint)
// is released before what it depends on (the journal it writes to).
//
// Usage:
//
//	g := daemon.New(logger)
//	g.OnShutdown("journal", func(context.Context) error { return j.Close() })
//	g.Go("helper", srv.Serve)
//	err := g.Run(ctx, 30*time.Second)
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunFunc is a service body. It blocks until ctx is cancelled or the
// service fails. Returning nil or context.Canceled after cancellation is a
// clean stop.
type RunFunc func(ctx context.Context) error

// CleanupFunc releases a resource. It should respect ctx's deadline.
type CleanupFunc func(ctx context.Context) error

type service struct {
	name string
	run  RunFunc
}

type hook struct {
	name    string
	cleanup CleanupFunc
}

// Group is the set of services and cleanup hooks of one daemon.
type Group struct {
	services []service
	hooks    []hook
	logger   *slog.Logger
}

// New creates an empty group.
func New(logger *slog.Logger) *Group {
	return &Group{logger: logger.With(slog.String("component", "daemon"))}
}

// Go adds a service. Services start when Run is called.
func (g *Group) Go(name string, run RunFunc) {
	g.services = append(g.services, service{name: name, run: run})
}

// OnShutdown adds a cleanup hook. Hooks run last in, first out.
func (g *Group) OnShutdown(name string, cleanup CleanupFunc) {
	g.hooks = append(g.hooks, hook{name: name, cleanup: cleanup})
	g.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Run starts every service and blocks until ctx is cancelled or a service
// fails, then runs the cleanup hooks bounded by timeout. It returns the
// first service failure, or else the first cleanup failure.
func (g *Group) Run(ctx context.Context, timeout time.Duration) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range g.services {
		eg.Go(func() error {
			g.logger.Debug("service starting", slog.String("service", s.name))
			err := s.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("service failed", slog.String("service", s.name), slog.String("error", err.Error()))
				return fmt.Errorf("%s: %w", s.name, err)
			}
			g.logger.Debug("service stopped", slog.String("service", s.name))
			return nil
		})
	}
	runErr := eg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.shutdown(shutdownCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// shutdown runs the hooks in reverse order. It keeps going past failures
// but stops once the deadline passes.
func (g *Group) shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(g.hooks) - 1; i >= 0; i-- {
		h := g.hooks[i]

		if ctx.Err() != nil {
			g.logger.Error("shutdown deadline exceeded", slog.String("remaining_component", h.name))
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at %s: %w", h.name, ctx.Err())
			}
			return firstErr
		}

		start := time.Now()
		if err := h.cleanup(ctx); err != nil {
			g.logger.Error("component shutdown failed",
				slog.String("handler", h.name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to shutdown %s: %w", h.name, err)
			}
			continue
		}
		g.logger.Debug("component shutdown complete",
			slog.String("handler", h.name),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return firstErr
}
