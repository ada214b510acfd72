package manager

import (
	"fmt"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/schema"
)

// OpIntrospect asks for the advertised surface instead of invoking a member.
const OpIntrospect = "introspect"

// maxRequestBytes is used when Options.MaxRequestBytes is zero.
const maxRequestBytes = 1 << 20

// Request is one public call. Op is "call", "get", "set" or "introspect".
// Set takes the new value as its only argument.
type Request struct {
	Op        string `json:"op"`
	Member    string `json:"member,omitempty"`
	Args      []any  `json:"args,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// Identity returns the dispatch key of a call, get or set request.
func (r *Request) Identity() (schema.Identity, error) {
	id := schema.Identity{Member: r.Member, Op: schema.Op(r.Op)}
	if !id.Op.Valid() {
		return schema.Identity{}, fmt.Errorf("unknown op %q", r.Op)
	}
	if id.Member == "" {
		return schema.Identity{}, fmt.Errorf("missing member")
	}
	return id, nil
}

// Response answers one Request. Result is always present on success so that
// zero values survive the round trip; void members return null.
type Response struct {
	OK      bool            `json:"ok"`
	Result  any             `json:"result"`
	Surface *Surface        `json:"surface,omitempty"`
	Error   *apierror.Error `json:"error,omitempty"`
}

// Surface is the set of members advertised on this host.
type Surface struct {
	Interface  string               `json:"interface"`
	Version    uint32               `json:"version"`
	Methods    []schema.MethodDoc   `json:"methods"`
	Properties []schema.PropertyDoc `json:"properties"`
}
