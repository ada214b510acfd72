// Package feature decides which conditional members a host advertises.
//
// Each feature key referenced by the schema is bound to a Predicate. The Gate
// evaluates every predicate exactly once, at construction, and caches the
// result for the life of the process. A feature with no predicate, or whose
// predicate fails, is unavailable.
package feature

import (
	"context"
	"log/slog"
	"sort"

	"github.com/doughall/hostmgr/internal/schema"
)

// Predicate reports whether a feature is available on this host.
type Predicate func(ctx context.Context) (bool, error)

// Gate is the cached availability of every feature in a schema.
type Gate struct {
	schema  *schema.Schema
	enabled map[string]bool
}

// NewGate evaluates predicates for every feature key s references.
// Predicates for keys the schema does not reference are ignored.
func NewGate(ctx context.Context, s *schema.Schema, predicates map[string]Predicate, logger *slog.Logger) *Gate {
	g := &Gate{schema: s, enabled: make(map[string]bool)}

	for _, key := range s.Features() {
		pred, ok := predicates[key]
		if !ok {
			logger.Warn("feature has no predicate, marking unavailable", "feature", key)
			continue
		}
		on, err := pred(ctx)
		if err != nil {
			logger.Warn("feature probe failed, marking unavailable", "feature", key, "error", err)
			continue
		}
		g.enabled[key] = on
		logger.Debug("feature evaluated", "feature", key, "available", on)
	}
	return g
}

// Enabled reports whether feature is available.
func (g *Gate) Enabled(feature string) bool {
	return g.enabled[feature]
}

// IsAvailable reports whether member is advertised: declared in the schema
// and either unconditional or gated by an enabled feature.
func (g *Gate) IsAvailable(member string) bool {
	if !g.schema.Has(member) {
		return false
	}
	feature := g.schema.FeatureOf(member)
	return feature == "" || g.enabled[feature]
}

// Features returns the enabled feature keys, sorted.
func (g *Gate) Features() []string {
	out := make([]string, 0, len(g.enabled))
	for key, on := range g.enabled {
		if on {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
