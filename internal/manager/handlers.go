package manager

import (
	"context"

	"github.com/doughall/hostmgr/internal/schema"
)

// Builtins are the values behind the unprivileged properties.
type Builtins struct {
	// Variant is the hardware variant name reported by HardwareVariant.
	Variant string

	// Features returns the enabled feature keys.
	Features func() []string
}

// RegisterBuiltins installs the local handlers for Version,
// HardwareVariant and Features.
func (e *Endpoint) RegisterBuiltins(b Builtins) error {
	handlers := map[schema.Identity]LocalHandler{
		schema.Get("Version"): func(context.Context, []any) (any, error) {
			return e.schema.Version(), nil
		},
		schema.Get("HardwareVariant"): func(context.Context, []any) (any, error) {
			return b.Variant, nil
		},
		schema.Get("Features"): func(context.Context, []any) (any, error) {
			if b.Features == nil {
				return []string{}, nil
			}
			return b.Features(), nil
		},
	}
	for id, h := range handlers {
		if err := e.Handle(id, h); err != nil {
			return err
		}
	}
	return nil
}
