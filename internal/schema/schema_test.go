package schema

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		in      any
		want    any
		wantErr bool
	}{
		{"bool", TypeBool, true, true, false},
		{"bool from string", TypeBool, "true", nil, true},
		{"uint32 from json number", TypeUint32, json.Number("15"), uint32(15), false},
		{"uint32 from cbor uint64", TypeUint32, uint64(42), uint32(42), false},
		{"uint32 from integral float", TypeUint32, float64(7), uint32(7), false},
		{"uint32 rejects fraction", TypeUint32, 7.5, nil, true},
		{"uint32 rejects negative", TypeUint32, int64(-1), nil, true},
		{"uint32 rejects overflow", TypeUint32, uint64(math.MaxUint32) + 1, nil, true},
		{"int32 from cbor int64", TypeInt32, int64(-3), int32(-3), false},
		{"int32 rejects overflow", TypeInt32, int64(math.MaxInt32) + 1, nil, true},
		{"float from json number", TypeFloat64, json.Number("1.25"), 1.25, false},
		{"float from int", TypeFloat64, int64(2), float64(2), false},
		{"string", TypeString, "sda", "sda", false},
		{"string rejects number", TypeString, 1, nil, true},
		{"list from any slice", TypeStringList, []any{"a", "b"}, []string{"a", "b"}, false},
		{"list rejects mixed", TypeStringList, []any{"a", 1}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.Coerce(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Coerce(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	if v, err := TypeFloat64.Parse("0.75\n"); err != nil || v != 0.75 {
		t.Errorf("Parse float = %v, %v", v, err)
	}
	if v, err := TypeUint32.Parse(" 12 "); err != nil || v != uint32(12) {
		t.Errorf("Parse uint32 = %v, %v", v, err)
	}
	if _, err := TypeUint32.Parse("twelve"); err == nil {
		t.Error("expected parse error")
	}
	if v, _ := TypeStringList.Parse("performance powersave\n"); !reflect.DeepEqual(v, []string{"performance", "powersave"}) {
		t.Errorf("Parse list = %v", v)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New("test.Iface", 1,
		[]Method{{Name: "Thing"}},
		[]Property{{Name: "Thing", Type: TypeBool}},
	)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestNewRejectsBadTypes(t *testing.T) {
	if _, err := New("test.Iface", 1, []Method{{Name: "M", Inputs: []Arg{{Name: "x", Type: "q"}}}}, nil); err == nil {
		t.Error("expected error for unknown input type")
	}
	if _, err := New("test.Iface", 1, []Method{{Name: "M", Inputs: []Arg{{Name: "x"}}}}, nil); err == nil {
		t.Error("expected error for void input")
	}
	if _, err := New("test.Iface", 1, nil, []Property{{Name: "P"}}); err == nil {
		t.Error("expected error for void property")
	}
}

func TestLookup(t *testing.T) {
	s := Manager()

	sig, ok := s.Lookup(Call("FormatDevice"))
	if !ok {
		t.Fatal("FormatDevice not declared")
	}
	if len(sig.Inputs) != 3 || sig.Tier != Privileged || sig.Feature != FeatureStorage {
		t.Errorf("unexpected signature: %+v", sig)
	}

	if _, ok := s.Lookup(Set("Version")); ok {
		t.Error("Version is read-only and must not resolve Set")
	}
	if _, ok := s.Lookup(Call("TdpLimit")); ok {
		t.Error("a property must not resolve as a method call")
	}
	if _, ok := s.Lookup(Call("DoesNotExist")); ok {
		t.Error("undeclared member resolved")
	}
}

func TestValidate(t *testing.T) {
	sig, _ := Manager().Lookup(Call("FormatDevice"))

	got, err := sig.Validate([]any{"/dev/sda", "games", true})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !reflect.DeepEqual(got, []any{"/dev/sda", "games", true}) {
		t.Errorf("Validate = %v", got)
	}

	if _, err := sig.Validate([]any{"/dev/sda", "games"}); err == nil {
		t.Error("expected arity error")
	}
	if _, err := sig.Validate([]any{"/dev/sda", "games", "yes"}); err == nil {
		t.Error("expected type error")
	}

	named := sig.Named(got)
	if named["device"] != "/dev/sda" || named["validate"] != true {
		t.Errorf("Named = %v", named)
	}
}

func TestPrivilegedDerivation(t *testing.T) {
	pub, err := New("test.Iface", 1,
		[]Method{
			{Name: "Local"},
			{Name: "Remote", Tier: Privileged},
		},
		[]Property{
			{Name: "Mixed", Type: TypeUint32, Access: ReadWrite, GetTier: Unprivileged, SetTier: Privileged},
			{Name: "Plain", Type: TypeBool},
		},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	root := pub.Privileged("test.Iface.Root", 1)

	if root.Interface() != "test.Iface.Root" {
		t.Errorf("Interface = %q", root.Interface())
	}
	if _, ok := root.Lookup(Call("Remote")); !ok {
		t.Error("privileged method missing from private schema")
	}
	if _, ok := root.Lookup(Call("Local")); ok {
		t.Error("unprivileged method leaked into private schema")
	}
	if _, ok := root.Lookup(Set("Mixed")); !ok {
		t.Error("privileged setter missing")
	}
	if _, ok := root.Lookup(Get("Mixed")); ok {
		t.Error("unprivileged getter leaked")
	}
	if root.Has("Plain") {
		t.Error("unprivileged property leaked")
	}
	if got := len(root.Identities()); got != 2 {
		t.Errorf("private identities = %d, want 2", got)
	}
}

func TestRootSchemaCoversPrivilegedMembers(t *testing.T) {
	pub := Manager()
	root := Root()
	for _, id := range pub.Identities() {
		sig, _ := pub.Lookup(id)
		_, inRoot := root.Lookup(id)
		if (sig.Tier == Privileged) != inRoot {
			t.Errorf("%s: tier %s but inRoot=%v", id, sig.Tier, inRoot)
		}
	}
}

func TestInvocationTransitions(t *testing.T) {
	inv := NewInvocation(Call("TrimDevices"), nil, time.Now().Add(time.Second))
	if inv.Token == "" {
		t.Fatal("expected correlation token")
	}
	if inv.State() != StateReceived {
		t.Fatalf("initial state = %s", inv.State())
	}

	if err := inv.Advance(StateRelaying); err == nil {
		t.Fatal("relaying before validation must be rejected")
	}
	for _, next := range []State{StateValidated, StateRelaying, StateCompleted} {
		if err := inv.Advance(next); err != nil {
			t.Fatalf("Advance(%s): %v", next, err)
		}
	}
	if err := inv.Advance(StateFailed); err == nil {
		t.Fatal("terminal state must not transition")
	}

	inv.Fail()
	if inv.State() != StateCompleted {
		t.Error("Fail must not overwrite a terminal state")
	}
}

func TestInvocationContext(t *testing.T) {
	inv := NewInvocation(Call("X"), nil, time.Now().Add(-time.Millisecond))
	if !inv.Expired() {
		t.Error("expected expired invocation")
	}
	ctx, cancel := inv.Context(t.Context())
	defer cancel()
	if ctx.Err() == nil {
		t.Error("context of an expired invocation must be done")
	}

	open := NewInvocation(Call("X"), nil, time.Time{})
	if open.Expired() {
		t.Error("zero deadline never expires")
	}
}

// published is the schema document of the last release. Members listed here
// are frozen: they may never be removed or reshaped.
const published = `interface: io.hostmgr.Manager1
version: 5
methods:
  - name: PrepareFactoryReset
    output: u
  - name: UpdateBios
    conditional: true
  - name: UpdateDock
    conditional: true
  - name: TrimDevices
    conditional: true
  - name: FormatDevice
    inputs:
      - name: device
        type: s
      - name: label
        type: s
      - name: validate
        type: b
    conditional: true
  - name: SetWifiDebugMode
    inputs:
      - name: mode
        type: u
      - name: buffer_size
        type: u
    conditional: true
properties:
  - name: Version
    type: u
    access: read
  - name: HardwareVariant
    type: s
    access: read
  - name: Features
    type: as
    access: read
  - name: FanControlState
    type: u
    access: readwrite
    conditional: true
  - name: GpuPerformanceLevel
    type: s
    access: readwrite
    conditional: true
  - name: TdpLimit
    type: u
    access: readwrite
    conditional: true
  - name: AlsCalibrationGain
    type: d
    access: read
    conditional: true
`

func TestManagerSchemaIsCompatibleWithPublished(t *testing.T) {
	older, err := ReadDocument(strings.NewReader(published))
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}

	var buf bytes.Buffer
	if err := Manager().WriteYAML(&buf); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	current, err := ReadDocument(&buf)
	if err != nil {
		t.Fatalf("re-reading document: %v", err)
	}

	if problems := Compatible(older, current); len(problems) > 0 {
		t.Fatalf("public schema broke compatibility:\n%s", strings.Join(problems, "\n"))
	}
}

func TestCompatibleDetectsBreaks(t *testing.T) {
	older := &Document{
		Interface:  "x",
		Version:    2,
		Methods:    []MethodDoc{{Name: "A", Inputs: []Arg{{Name: "n", Type: TypeUint32}}}},
		Properties: []PropertyDoc{{Name: "P", Type: "u", Access: "readwrite"}},
	}

	tests := []struct {
		name  string
		newer *Document
		want  string
	}{
		{"removed method", &Document{Interface: "x", Version: 3, Properties: older.Properties}, "method removed: A"},
		{"changed input", &Document{
			Interface: "x", Version: 3,
			Methods:    []MethodDoc{{Name: "A", Inputs: []Arg{{Name: "n", Type: TypeString}}}},
			Properties: older.Properties,
		}, "method signature changed: A"},
		{"narrowed access", &Document{
			Interface: "x", Version: 3, Methods: older.Methods,
			Properties: []PropertyDoc{{Name: "P", Type: "u", Access: "read"}},
		}, "property signature changed: P"},
		{"addition without bump", &Document{
			Interface: "x", Version: 2,
			Methods:    append([]MethodDoc{{Name: "B"}}, older.Methods...),
			Properties: older.Properties,
		}, "without a version bump"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := strings.Join(Compatible(older, tt.newer), "\n")
			if !strings.Contains(problems, tt.want) {
				t.Errorf("problems %q missing %q", problems, tt.want)
			}
		})
	}
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    Identity
		wantErr bool
	}{
		{"TrimDevices", Call("TrimDevices"), false},
		{"Get(TdpLimit)", Get("TdpLimit"), false},
		{"Set(TdpLimit)", Set("TdpLimit"), false},
		{"Get()", Identity{}, true},
		{"Set(TdpLimit", Identity{}, true},
		{"Frob(X)", Identity{}, true},
		{"", Identity{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIdentity(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIdentity(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseIdentity(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if err == nil && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}
