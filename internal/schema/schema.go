// Package schema holds the static description of every member the two
// endpoints expose: methods and properties with typed inputs and outputs,
// the privilege tier each operation needs, and the feature key that decides
// whether a conditional member is advertised on a given host.
//
// A Schema is built once at process start and is read-only afterwards, so
// lookups need no locking. Schemas are values passed to each endpoint; there
// is no package-level instance.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Schema is a versioned, immutable set of member descriptors.
type Schema struct {
	iface      string
	version    uint32
	methods    []Method
	properties []Property
	sigs       map[Identity]Signature
}

// New validates the descriptors and builds a schema. Member names must be
// unique across methods and properties and every type code must be known.
func New(iface string, version uint32, methods []Method, properties []Property) (*Schema, error) {
	if iface == "" {
		return nil, errors.New("schema: interface name is required")
	}

	s := &Schema{
		iface:      iface,
		version:    version,
		methods:    append([]Method(nil), methods...),
		properties: append([]Property(nil), properties...),
		sigs:       make(map[Identity]Signature),
	}

	seen := make(map[string]bool)
	for _, m := range methods {
		if err := checkName(seen, m.Name); err != nil {
			return nil, err
		}
		for _, in := range m.Inputs {
			if in.Name == "" || in.Type == TypeVoid || !in.Type.Valid() {
				return nil, fmt.Errorf("schema: method %s: invalid input %q of type %q", m.Name, in.Name, string(in.Type))
			}
		}
		if !m.Output.Valid() {
			return nil, fmt.Errorf("schema: method %s: invalid output type %q", m.Name, string(m.Output))
		}
		sig := m.signature()
		s.sigs[sig.Identity] = sig
	}
	for _, p := range properties {
		if err := checkName(seen, p.Name); err != nil {
			return nil, err
		}
		if p.Type == TypeVoid || !p.Type.Valid() {
			return nil, fmt.Errorf("schema: property %s: invalid type %q", p.Name, string(p.Type))
		}
		for _, sig := range p.signatures() {
			s.sigs[sig.Identity] = sig
		}
	}
	return s, nil
}

// MustNew is New for statically declared schemas.
func MustNew(iface string, version uint32, methods []Method, properties []Property) *Schema {
	s, err := New(iface, version, methods, properties)
	if err != nil {
		panic(err)
	}
	return s
}

func checkName(seen map[string]bool, name string) error {
	if name == "" {
		return errors.New("schema: member name is required")
	}
	if seen[name] {
		return fmt.Errorf("schema: duplicate member %q", name)
	}
	seen[name] = true
	return nil
}

// Interface returns the namespaced interface name.
func (s *Schema) Interface() string { return s.iface }

// Version returns the schema version.
func (s *Schema) Version() uint32 { return s.version }

// Lookup resolves an identity. The second result is false when the member or
// operation is not declared.
func (s *Schema) Lookup(id Identity) (Signature, bool) {
	sig, ok := s.sigs[id]
	return sig, ok
}

// Has reports whether member is declared with any operation.
func (s *Schema) Has(member string) bool {
	for _, op := range []Op{OpCall, OpGet, OpSet} {
		if _, ok := s.sigs[Identity{Member: member, Op: op}]; ok {
			return true
		}
	}
	return false
}

// Methods returns the method descriptors in declaration order.
func (s *Schema) Methods() []Method {
	return append([]Method(nil), s.methods...)
}

// Properties returns the property descriptors in declaration order.
func (s *Schema) Properties() []Property {
	return append([]Property(nil), s.properties...)
}

// Identities returns every declared identity sorted by member then op.
func (s *Schema) Identities() []Identity {
	ids := make([]Identity, 0, len(s.sigs))
	for id := range s.sigs {
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

// FeatureOf returns the feature key of member, or "" when the member is
// unconditional or not declared.
func (s *Schema) FeatureOf(member string) string {
	for _, m := range s.methods {
		if m.Name == member {
			return m.Feature
		}
	}
	for _, p := range s.properties {
		if p.Name == member {
			return p.Feature
		}
	}
	return ""
}

// Features returns the distinct feature keys referenced by the schema.
func (s *Schema) Features() []string {
	set := make(map[string]bool)
	for _, m := range s.methods {
		if m.Feature != "" {
			set[m.Feature] = true
		}
	}
	for _, p := range s.properties {
		if p.Feature != "" {
			set[p.Feature] = true
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Privileged derives the private schema served by the root helper: every
// operation whose tier is Privileged, under a separate interface name.
// Properties keep only their privileged operations, so a property with an
// unprivileged getter and a privileged setter resolves only Set on the
// private side.
func (s *Schema) Privileged(iface string, version uint32) *Schema {
	p := &Schema{
		iface:   iface,
		version: version,
		sigs:    make(map[Identity]Signature),
	}
	for _, m := range s.methods {
		if m.Tier == Privileged {
			p.methods = append(p.methods, m)
		}
	}
	for _, prop := range s.properties {
		if prop.GetTier == Privileged || (prop.Access == ReadWrite && prop.SetTier == Privileged) {
			p.properties = append(p.properties, prop)
		}
	}
	for id, sig := range s.sigs {
		if sig.Tier == Privileged {
			p.sigs[id] = sig
		}
	}
	return p
}
