package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/doughall/hostmgr/internal/config"
	"github.com/doughall/hostmgr/internal/delegate"
	"github.com/doughall/hostmgr/internal/schema"
)

// Deps are the shared resources delegates built from configuration use.
type Deps struct {
	Programs    *delegate.ProgramCache
	Units       delegate.UnitController
	OutputLimit int
}

// FromConfig builds a registry from the delegate table. Entries that name
// a program which is not installed are skipped with a warning, leaving the
// identity unbound; every other problem is a configuration error.
func FromConfig(s *schema.Schema, delegates map[string]config.DelegateConfig, deps Deps, logger *slog.Logger) (*Registry, error) {
	if deps.Programs == nil {
		deps.Programs = delegate.NewProgramCache()
	}

	keys := make([]string, 0, len(delegates))
	for k := range delegates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var bindings []Binding
	for _, key := range keys {
		dc := delegates[key]
		if !dc.Bound() {
			continue
		}

		id, err := schema.ParseIdentity(key)
		if err != nil {
			return nil, fmt.Errorf("delegates: %w", err)
		}
		sig, ok := s.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("delegates: %s is not a privileged member of %s", key, s.Interface())
		}

		d, err := buildDelegate(dc, sig, deps)
		if err != nil {
			var missing *missingProgramError
			if errors.As(err, &missing) {
				logger.Warn("delegate program not installed, leaving member unbound",
					"member", id.Member,
					"op", id.Op,
					"program", dc.Program,
					"error", missing.err,
				)
				continue
			}
			return nil, fmt.Errorf("delegates: %s: %w", key, err)
		}

		bindings = append(bindings, Binding{
			Identity: id,
			Delegate: d,
			Output: Output{
				Mode:    OutputMode(dc.Output),
				Value:   dc.Value,
				Failure: dc.Failure,
				Map:     dc.Map,
			},
		})
	}

	return New(s, bindings, logger)
}

type missingProgramError struct {
	err error
}

func (e *missingProgramError) Error() string { return e.err.Error() }

func buildDelegate(dc config.DelegateConfig, sig schema.Signature, deps Deps) (delegate.Delegate, error) {
	if dc.Program != "" && dc.Unit != "" {
		return nil, fmt.Errorf("program and unit are mutually exclusive")
	}

	if dc.Unit != "" {
		action := delegate.ServiceAction(dc.Action)
		if !action.Valid() {
			return nil, fmt.Errorf("unknown unit action %q", dc.Action)
		}
		if action == delegate.ActionToggle && sig.Identity.Op != schema.OpSet {
			return nil, fmt.Errorf("toggle is only valid for property setters")
		}
		return &delegate.Service{Unit: dc.Unit, Action: action, Units: deps.Units}, nil
	}

	tmpl := delegate.ParseTemplate(dc.Args)
	if err := tmpl.Check(sig.Inputs); err != nil {
		return nil, err
	}
	path, err := deps.Programs.Resolve(dc.Program)
	if err != nil {
		return nil, &missingProgramError{err: err}
	}
	return &delegate.Program{
		Path:        path,
		Args:        tmpl,
		Dir:         dc.Dir,
		Timeout:     dc.Timeout,
		OutputLimit: deps.OutputLimit,
	}, nil
}
