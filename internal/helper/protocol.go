// protocol.go defines the private protocol between the session daemon and
// the privileged helper. Each connection carries exactly one CBOR-encoded
// Envelope and one Reply. CBOR is self-delimiting, so no framing is needed,
// and it keeps integer and float values distinct on the wire.
package helper

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/journal"
	"github.com/doughall/hostmgr/internal/schema"
)

// OpBindings asks the helper which private identities it has bound. It is
// not a schema member; the session daemon uses it to evaluate privileged
// feature predicates at startup.
const OpBindings = "bindings"

// OpJournal returns the newest entries of the helper's operation journal
// and the number of entries stored.
const OpJournal = "journal"

// maxJournalEntries caps the entries of one journal reply.
const maxJournalEntries = 1000

// maxMessageSize caps one envelope or reply.
const maxMessageSize = 1 << 20

// Envelope is the request sent from the relay proxy to the helper.
type Envelope struct {
	Interface  string `cbor:"interface"`
	Op         string `cbor:"op"`
	Member     string `cbor:"member,omitempty"`
	Args       []any  `cbor:"args,omitempty"`
	Token      string `cbor:"token"`
	DeadlineMs int64  `cbor:"deadline_ms,omitempty"`
	Limit      int    `cbor:"limit,omitempty"`
}

// Reply is the helper's answer to one Envelope.
type Reply struct {
	Token    string            `cbor:"token"`
	OK       bool              `cbor:"ok"`
	Result   any               `cbor:"result"`
	Bindings []schema.Identity `cbor:"bindings,omitempty"`
	Entries  []*journal.Entry  `cbor:"entries,omitempty"`
	Error    *apierror.Error   `cbor:"error,omitempty"`
}

// NewEnvelope captures inv for transmission on interface iface.
func NewEnvelope(iface string, inv *schema.Invocation) Envelope {
	env := Envelope{
		Interface: iface,
		Op:        string(inv.Identity.Op),
		Member:    inv.Identity.Member,
		Args:      inv.Args,
		Token:     inv.Token,
	}
	if !inv.Deadline.IsZero() {
		env.DeadlineMs = inv.Deadline.UnixMilli()
	}
	return env
}

// Identity returns the dispatch key of the envelope.
func (e Envelope) Identity() (schema.Identity, error) {
	op := schema.Op(e.Op)
	if !op.Valid() {
		return schema.Identity{}, fmt.Errorf("unknown op %q", e.Op)
	}
	if e.Member == "" {
		return schema.Identity{}, fmt.Errorf("missing member")
	}
	return schema.Identity{Member: e.Member, Op: op}, nil
}

// Deadline returns the absolute deadline, or the zero time when none was
// sent.
func (e Envelope) Deadline() time.Time {
	if e.DeadlineMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.DeadlineMs)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("helper: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic("helper: CBOR decoder initialization failed: " + err.Error())
	}
}
