// Package registry maps private member identities to their delegates.
//
// A Registry is built once from the private schema and a fixed set of
// bindings and is read-only afterwards, so concurrent dispatch needs no
// locking. An identity that has no binding fails closed with UnknownMethod:
// there is no default route and no fallback handler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/delegate"
	"github.com/doughall/hostmgr/internal/schema"
)

// Binding ties one private identity to the delegate that implements it.
type Binding struct {
	Identity schema.Identity
	Delegate delegate.Delegate
	Output   Output

	// Signature is filled in by New from the schema.
	Signature schema.Signature
}

// Registry is the dispatch table of the privileged endpoint.
type Registry struct {
	schema   *schema.Schema
	bindings map[schema.Identity]*Binding
	logger   *slog.Logger
}

// New builds a registry. Every binding must name an identity declared in s,
// at most once, with an output mode that fits the declared output type.
func New(s *schema.Schema, bindings []Binding, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		schema:   s,
		bindings: make(map[schema.Identity]*Binding, len(bindings)),
		logger:   logger,
	}
	for i := range bindings {
		b := bindings[i]
		sig, ok := s.Lookup(b.Identity)
		if !ok {
			return nil, fmt.Errorf("registry: %s is not declared in %s", b.Identity, s.Interface())
		}
		if _, dup := r.bindings[b.Identity]; dup {
			return nil, fmt.Errorf("registry: %s bound twice", b.Identity)
		}
		if b.Delegate == nil {
			return nil, fmt.Errorf("registry: %s has no delegate", b.Identity)
		}
		out, err := b.Output.normalize(sig.Output)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: %w", b.Identity, err)
		}
		b.Output = out
		b.Signature = sig
		r.bindings[b.Identity] = &b
	}
	return r, nil
}

// Schema returns the private schema the registry was built against.
func (r *Registry) Schema() *schema.Schema { return r.schema }

// Resolve returns the binding for id.
func (r *Registry) Resolve(id schema.Identity) (*Binding, error) {
	b, ok := r.bindings[id]
	if !ok {
		return nil, apierror.UnknownMethod(id.String())
	}
	return b, nil
}

// Identities returns the bound identities sorted by member then op.
func (r *Registry) Identities() []schema.Identity {
	ids := make([]schema.Identity, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Member != ids[j].Member {
			return ids[i].Member < ids[j].Member
		}
		return ids[i].Op < ids[j].Op
	})
	return ids
}

// Invoke validates args against the binding's signature, runs the delegate
// and translates its outcome. Invalid arguments never reach the delegate.
func (r *Registry) Invoke(ctx context.Context, b *Binding, args []any) (any, error) {
	member := b.Identity.String()

	validated, err := b.Signature.Validate(args)
	if err != nil {
		return nil, apierror.InvalidArguments(member, "%v", err)
	}

	start := time.Now()
	outcome, err := b.Delegate.Run(ctx, delegate.Args(b.Signature.Named(validated)))
	if err != nil {
		r.logger.Warn("delegate did not run",
			"member", b.Identity.Member,
			"op", b.Identity.Op,
			"error", err,
		)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, apierror.Timeout(member)
		case errors.Is(err, context.Canceled):
			return nil, apierror.Rejected(member, "invocation cancelled")
		}
		return nil, apierror.DelegateFailed(member, -1, err.Error())
	}

	r.logger.Debug("delegate finished",
		"member", b.Identity.Member,
		"op", b.Identity.Op,
		"exit_code", outcome.ExitCode,
		"timed_out", outcome.TimedOut,
		"duration", time.Since(start),
	)

	if outcome.TimedOut {
		return nil, apierror.Timeout(member)
	}
	return b.Output.translate(member, b.Signature.Output, outcome)
}

// Dispatch resolves id and invokes it.
func (r *Registry) Dispatch(ctx context.Context, id schema.Identity, args []any) (any, error) {
	b, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return r.Invoke(ctx, b, args)
}
