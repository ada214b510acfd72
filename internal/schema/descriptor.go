package schema

import (
	"fmt"
	"strings"
)

// Tier is the privilege level a member needs to execute.
type Tier int

const (
	// Unprivileged members run inside the session daemon.
	Unprivileged Tier = iota
	// Privileged members are relayed to the root helper.
	Privileged
)

func (t Tier) String() string {
	switch t {
	case Unprivileged:
		return "unprivileged"
	case Privileged:
		return "privileged"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Op selects which operation of a member is invoked.
type Op string

const (
	OpCall Op = "call"
	OpGet  Op = "get"
	OpSet  Op = "set"
)

// Valid reports whether o is a member operation.
func (o Op) Valid() bool {
	return o == OpCall || o == OpGet || o == OpSet
}

// Identity is the dispatch key for one operation of one member.
type Identity struct {
	Member string `json:"member" cbor:"member"`
	Op     Op     `json:"op" cbor:"op"`
}

// Call returns the identity of method member.
func Call(member string) Identity { return Identity{Member: member, Op: OpCall} }

// Get returns the identity of reading property member.
func Get(member string) Identity { return Identity{Member: member, Op: OpGet} }

// Set returns the identity of writing property member.
func Set(member string) Identity { return Identity{Member: member, Op: OpSet} }

func (id Identity) String() string {
	switch id.Op {
	case OpCall:
		return id.Member
	case OpGet:
		return "Get(" + id.Member + ")"
	case OpSet:
		return "Set(" + id.Member + ")"
	}
	return string(id.Op) + "(" + id.Member + ")"
}

// ParseIdentity parses the String form of an identity.
func ParseIdentity(s string) (Identity, error) {
	for _, op := range []Op{OpGet, OpSet} {
		prefix := strings.ToUpper(string(op[:1])) + string(op[1:]) + "("
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			member, ok := strings.CutSuffix(rest, ")")
			if !ok || member == "" {
				return Identity{}, fmt.Errorf("malformed identity %q", s)
			}
			return Identity{Member: member, Op: op}, nil
		}
	}
	if s == "" || strings.ContainsAny(s, "()") {
		return Identity{}, fmt.Errorf("malformed identity %q", s)
	}
	return Call(s), nil
}

// Arg is one named, typed input parameter.
type Arg struct {
	Name string `yaml:"name" json:"name"`
	Type Type   `yaml:"type" json:"type"`
}

// Method describes a callable member.
type Method struct {
	Name    string
	Inputs  []Arg
	Output  Type
	Tier    Tier
	Feature string
}

// Access is the access mode of a property.
type Access int

const (
	Read Access = iota
	ReadWrite
)

func (a Access) String() string {
	if a == ReadWrite {
		return "readwrite"
	}
	return "read"
}

// Property describes a readable, optionally writable, member. Reads and
// writes may live on different tiers: a value that any user can read but only
// root can change has GetTier Unprivileged and SetTier Privileged.
type Property struct {
	Name    string
	Type    Type
	Access  Access
	GetTier Tier
	SetTier Tier
	Feature string
}

// Signature is the resolved shape of one Identity.
type Signature struct {
	Identity Identity
	Inputs   []Arg
	Output   Type
	Tier     Tier
	Feature  string
}

func (m Method) signature() Signature {
	return Signature{
		Identity: Call(m.Name),
		Inputs:   m.Inputs,
		Output:   m.Output,
		Tier:     m.Tier,
		Feature:  m.Feature,
	}
}

func (p Property) signatures() []Signature {
	sigs := []Signature{{
		Identity: Get(p.Name),
		Output:   p.Type,
		Tier:     p.GetTier,
		Feature:  p.Feature,
	}}
	if p.Access == ReadWrite {
		sigs = append(sigs, Signature{
			Identity: Set(p.Name),
			Inputs:   []Arg{{Name: "value", Type: p.Type}},
			Tier:     p.SetTier,
			Feature:  p.Feature,
		})
	}
	return sigs
}

// Validate checks args against the signature and returns them in canonical
// form. The returned slice is always a fresh copy.
func (s Signature) Validate(args []any) ([]any, error) {
	if len(args) != len(s.Inputs) {
		return nil, fmt.Errorf("expected %d argument(s), got %d", len(s.Inputs), len(args))
	}
	out := make([]any, len(args))
	for i, in := range s.Inputs {
		v, err := in.Type.Coerce(args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", in.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// Named returns validated args keyed by input name.
func (s Signature) Named(args []any) map[string]any {
	named := make(map[string]any, len(s.Inputs))
	for i, in := range s.Inputs {
		if i < len(args) {
			named[in.Name] = args[i]
		}
	}
	return named
}
