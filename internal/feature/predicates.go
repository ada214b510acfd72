package feature

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/doughall/hostmgr/internal/config"
	"github.com/doughall/hostmgr/internal/schema"
)

// ErrBindingsUnknown is returned by a Privileged predicate when the helper
// could not be asked for its bindings.
var ErrBindingsUnknown = errors.New("helper bindings unknown")

// UnitChecker reports whether a systemd unit is loaded.
type UnitChecker interface {
	Loaded(ctx context.Context, unit string) (bool, error)
}

// Const is a predicate with a fixed answer.
func Const(on bool) Predicate {
	return func(context.Context) (bool, error) { return on, nil }
}

// Board matches when the host board is one of boards ("vendor/name").
func Board(facts *HostFacts, boards ...string) Predicate {
	return func(context.Context) (bool, error) {
		for _, b := range boards {
			if strings.EqualFold(b, facts.Board()) {
				return true, nil
			}
		}
		return false, nil
	}
}

// Platform matches the OS platform ID.
func Platform(facts *HostFacts, id string) Predicate {
	return func(context.Context) (bool, error) {
		return strings.EqualFold(facts.Platform, id), nil
	}
}

// OSVersion matches the platform version against a semver constraint.
func OSVersion(facts *HostFacts, constraint string) (Predicate, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid os_version constraint %q: %w", constraint, err)
	}
	return func(context.Context) (bool, error) {
		if facts.PlatformVersion == "" {
			return false, nil
		}
		v, err := semver.NewVersion(facts.PlatformVersion)
		if err != nil {
			return false, fmt.Errorf("platform version %q: %w", facts.PlatformVersion, err)
		}
		return c.Check(v), nil
	}, nil
}

// Unit matches when the systemd unit is loaded.
func Unit(units UnitChecker, name string) Predicate {
	return func(ctx context.Context) (bool, error) {
		if units == nil {
			return false, fmt.Errorf("unit %s: no systemd connection", name)
		}
		return units.Loaded(ctx, name)
	}
}

// Path matches when path exists.
func Path(path string) Predicate {
	return func(context.Context) (bool, error) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
}

// Privileged matches when every identity in required is bound on the
// helper. A nil bound set means the helper could not be queried.
func Privileged(bound map[schema.Identity]bool, required []schema.Identity) Predicate {
	return func(context.Context) (bool, error) {
		if bound == nil {
			return false, ErrBindingsUnknown
		}
		for _, id := range required {
			if !bound[id] {
				return false, nil
			}
		}
		return true, nil
	}
}

// All matches when every predicate matches. Evaluation stops at the first
// miss or error.
func All(preds ...Predicate) Predicate {
	return func(ctx context.Context) (bool, error) {
		for _, p := range preds {
			on, err := p(ctx)
			if err != nil || !on {
				return false, err
			}
		}
		return true, nil
	}
}

// Env is what configured predicates are evaluated against.
type Env struct {
	Facts *HostFacts
	Units UnitChecker

	// Bound is the set of identities the helper reported. Nil when the
	// helper was unreachable.
	Bound map[schema.Identity]bool
}

// BoundSet turns a bindings list into a lookup set.
func BoundSet(ids []schema.Identity) map[schema.Identity]bool {
	set := make(map[schema.Identity]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// FromConfig builds one predicate per configured feature. s supplies the
// privileged identities each feature's members need.
func FromConfig(s *schema.Schema, features map[string]config.FeatureConfig, env Env) (map[string]Predicate, error) {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	facts := env.Facts
	if facts == nil {
		facts = &HostFacts{}
	}

	out := make(map[string]Predicate, len(features))
	for _, key := range keys {
		fc := features[key]
		if fc.Enabled != nil && !*fc.Enabled {
			out[key] = Const(false)
			continue
		}

		var preds []Predicate
		if len(fc.Boards) > 0 {
			preds = append(preds, Board(facts, fc.Boards...))
		}
		if fc.Platform != "" {
			preds = append(preds, Platform(facts, fc.Platform))
		}
		if fc.OSVersion != "" {
			p, err := OSVersion(facts, fc.OSVersion)
			if err != nil {
				return nil, fmt.Errorf("feature %s: %w", key, err)
			}
			preds = append(preds, p)
		}
		if fc.Unit != "" {
			preds = append(preds, Unit(env.Units, fc.Unit))
		}
		if fc.Path != "" {
			preds = append(preds, Path(fc.Path))
		}
		if fc.Privileged {
			preds = append(preds, Privileged(env.Bound, privilegedIdentities(s, key)))
		}
		out[key] = All(preds...)
	}
	return out, nil
}

func privilegedIdentities(s *schema.Schema, feature string) []schema.Identity {
	var ids []schema.Identity
	for _, id := range s.Identities() {
		sig, _ := s.Lookup(id)
		if sig.Feature == feature && sig.Tier == schema.Privileged {
			ids = append(ids, id)
		}
	}
	return ids
}
