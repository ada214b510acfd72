package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/config"
	"github.com/doughall/hostmgr/internal/delegate"
	"github.com/doughall/hostmgr/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingDelegate records every run and returns a canned outcome.
type countingDelegate struct {
	runs    atomic.Int32
	outcome delegate.Outcome
	err     error
	args    delegate.Args
}

func (c *countingDelegate) Run(_ context.Context, args delegate.Args) (*delegate.Outcome, error) {
	c.runs.Add(1)
	c.args = args
	if c.err != nil {
		return nil, c.err
	}
	out := c.outcome
	return &out, nil
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("test.Root", 1,
		[]schema.Method{
			{Name: "Format", Inputs: []schema.Arg{
				{Name: "device", Type: schema.TypeString},
				{Name: "validate", Type: schema.TypeBool},
			}, Tier: schema.Privileged},
			{Name: "Probe", Output: schema.TypeBool, Tier: schema.Privileged},
			{Name: "Reset", Output: schema.TypeUint32, Tier: schema.Privileged},
		},
		[]schema.Property{
			{Name: "Gain", Type: schema.TypeFloat64, GetTier: schema.Privileged},
			{Name: "Fan", Type: schema.TypeUint32, Access: schema.ReadWrite, GetTier: schema.Privileged, SetTier: schema.Privileged},
		},
	)
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return s
}

func TestResolveFailsClosed(t *testing.T) {
	d := &countingDelegate{}
	r, err := New(testSchema(t), []Binding{{Identity: schema.Call("Format"), Delegate: d}}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, id := range []schema.Identity{
		schema.Call("DoesNotExist"),
		schema.Call("Probe"),
		schema.Get("Format"),
	} {
		_, err := r.Dispatch(context.Background(), id, nil)
		if !errors.Is(err, apierror.ErrUnknownMethod) {
			t.Errorf("Dispatch(%s) error = %v, want UnknownMethod", id, err)
		}
	}
	if n := d.runs.Load(); n != 0 {
		t.Errorf("delegate ran %d times for unresolved identities", n)
	}
}

func TestNewRejectsBadBindings(t *testing.T) {
	s := testSchema(t)
	d := &countingDelegate{}

	tests := []struct {
		name     string
		bindings []Binding
	}{
		{"undeclared", []Binding{{Identity: schema.Call("DoesNotExist"), Delegate: d}}},
		{"duplicate", []Binding{
			{Identity: schema.Call("Format"), Delegate: d},
			{Identity: schema.Call("Format"), Delegate: d},
		}},
		{"nil delegate", []Binding{{Identity: schema.Call("Format")}}},
		{"value on void", []Binding{{Identity: schema.Call("Format"), Delegate: d, Output: Output{Mode: OutputValue, Value: 1}}}},
		{"none on typed", []Binding{{Identity: schema.Call("Reset"), Delegate: d, Output: Output{Mode: OutputNone}}}},
		{"exit-bool on uint", []Binding{{Identity: schema.Call("Reset"), Delegate: d, Output: Output{Mode: OutputExitBool}}}},
		{"bad value type", []Binding{{Identity: schema.Call("Reset"), Delegate: d, Output: Output{Mode: OutputValue, Value: "one"}}}},
		{"empty map", []Binding{{Identity: schema.Get("Fan"), Delegate: d, Output: Output{Mode: OutputMap}}}},
		{"unknown mode", []Binding{{Identity: schema.Get("Fan"), Delegate: d, Output: Output{Mode: "json"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(s, tt.bindings, discardLogger()); err == nil {
				t.Fatal("expected construction error")
			}
		})
	}
}

func TestInvalidArgumentsNeverReachDelegate(t *testing.T) {
	d := &countingDelegate{}
	r, err := New(testSchema(t), []Binding{{Identity: schema.Call("Format"), Delegate: d}}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, args := range [][]any{
		nil,
		{"/dev/sda"},
		{"/dev/sda", "yes"},
		{42, true},
		{"/dev/sda", true, "extra"},
	} {
		_, err := r.Dispatch(context.Background(), schema.Call("Format"), args)
		if !errors.Is(err, apierror.ErrInvalidArguments) {
			t.Errorf("Dispatch(%v) error = %v, want InvalidArguments", args, err)
		}
	}
	if n := d.runs.Load(); n != 0 {
		t.Errorf("delegate ran %d times with invalid arguments", n)
	}

	if _, err := r.Dispatch(context.Background(), schema.Call("Format"), []any{"/dev/sda", false}); err != nil {
		t.Fatalf("valid call failed: %v", err)
	}
	if !reflect.DeepEqual(d.args, delegate.Args{"device": "/dev/sda", "validate": false}) {
		t.Errorf("delegate args = %v", d.args)
	}
}

func TestDiskBusy(t *testing.T) {
	script := filepath.Join(t.TempDir(), "format.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'disk busy' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	r, err := New(testSchema(t), []Binding{{
		Identity: schema.Call("Format"),
		Delegate: &delegate.Program{Path: script},
	}}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Dispatch(context.Background(), schema.Call("Format"), []any{"/dev/sda", true})
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierror.Error, got %v", err)
	}
	if apiErr.Kind != apierror.KindDelegateFailed || apiErr.Code != 1 || apiErr.Stderr != "disk busy" {
		t.Errorf("error = %+v, want DelegateFailed{1, disk busy}", apiErr)
	}
}

func TestOutputTranslation(t *testing.T) {
	s := testSchema(t)

	tests := []struct {
		name    string
		id      schema.Identity
		output  Output
		outcome delegate.Outcome
		want    any
		kind    apierror.Kind
	}{
		{"none", schema.Call("Format"), Output{}, delegate.Outcome{}, nil, ""},
		{"stdout float", schema.Get("Gain"), Output{}, delegate.Outcome{Stdout: "0.75\n"}, 0.75, ""},
		{"stdout unparseable", schema.Get("Gain"), Output{}, delegate.Outcome{Stdout: "n/a"}, nil, apierror.KindRejected},
		{"stdout failure fallback", schema.Get("Gain"), Output{Failure: -1}, delegate.Outcome{Stdout: "n/a"}, -1.0, ""},
		{"exit fallback", schema.Get("Gain"), Output{Failure: -1}, delegate.Outcome{ExitCode: 2}, -1.0, ""},
		{"value", schema.Call("Reset"), Output{Mode: OutputValue, Value: 1, Failure: 0}, delegate.Outcome{}, uint32(1), ""},
		{"value failure", schema.Call("Reset"), Output{Mode: OutputValue, Value: 1, Failure: 0}, delegate.Outcome{ExitCode: 1}, uint32(0), ""},
		{"exit-bool true", schema.Call("Probe"), Output{Mode: OutputExitBool}, delegate.Outcome{}, true, ""},
		{"exit-bool false", schema.Call("Probe"), Output{Mode: OutputExitBool}, delegate.Outcome{ExitCode: 3}, false, ""},
		{"map active", schema.Get("Fan"), Output{Mode: OutputMap, Map: map[string]any{"active": 1, "inactive": 0}},
			delegate.Outcome{Stdout: "active"}, uint32(1), ""},
		{"map inactive exit 3", schema.Get("Fan"), Output{Mode: OutputMap, Map: map[string]any{"active": 1, "inactive": 0}},
			delegate.Outcome{Stdout: "inactive", ExitCode: 3}, uint32(0), ""},
		{"map unlisted", schema.Get("Fan"), Output{Mode: OutputMap, Map: map[string]any{"active": 1}},
			delegate.Outcome{Stdout: "reloading"}, nil, apierror.KindRejected},
		{"non-zero exit", schema.Call("Format"), Output{}, delegate.Outcome{ExitCode: 4, Stderr: "nope\n"}, nil, apierror.KindDelegateFailed},
		{"timed out", schema.Call("Format"), Output{}, delegate.Outcome{ExitCode: -1, TimedOut: true}, nil, apierror.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDelegate{outcome: tt.outcome}
			r, err := New(s, []Binding{{Identity: tt.id, Delegate: d, Output: tt.output}}, discardLogger())
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			var args []any
			if tt.id == schema.Call("Format") {
				args = []any{"/dev/sda", true}
			}
			got, err := r.Dispatch(context.Background(), tt.id, args)

			if tt.kind != "" {
				if apierror.KindOf(err) != tt.kind {
					t.Fatalf("error = %v, want kind %s", err, tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("result = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDelegateErrors(t *testing.T) {
	s := testSchema(t)

	tests := []struct {
		name string
		err  error
		kind apierror.Kind
		code int
	}{
		{"start failure", delegate.ErrStart, apierror.KindDelegateFailed, -1},
		{"deadline", context.DeadlineExceeded, apierror.KindTimeout, 0},
		{"cancelled", context.Canceled, apierror.KindRejected, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(s, []Binding{{Identity: schema.Call("Probe"), Delegate: &countingDelegate{err: tt.err}, Output: Output{Mode: OutputExitBool}}}, discardLogger())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = r.Dispatch(context.Background(), schema.Call("Probe"), nil)
			var apiErr *apierror.Error
			if !errors.As(err, &apiErr) || apiErr.Kind != tt.kind || apiErr.Code != tt.code {
				t.Errorf("error = %#v, want kind %s code %d", err, tt.kind, tt.code)
			}
		})
	}
}

func TestIdentities(t *testing.T) {
	d := &countingDelegate{}
	r, err := New(testSchema(t), []Binding{
		{Identity: schema.Set("Fan"), Delegate: d},
		{Identity: schema.Call("Format"), Delegate: d},
		{Identity: schema.Get("Fan"), Delegate: d},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []schema.Identity{schema.Get("Fan"), schema.Set("Fan"), schema.Call("Format")}
	if got := r.Identities(); !reflect.DeepEqual(got, want) {
		t.Errorf("Identities = %v, want %v", got, want)
	}
}

func TestFromConfig(t *testing.T) {
	script := filepath.Join(t.TempDir(), "trim.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	delegates := map[string]config.DelegateConfig{
		"TrimDevices":   {Program: script, Args: []string{"--all"}},
		"UpdateDock":    {Program: "/nonexistent/dock-updater.sh"},
		"UpdateBios":    {},
		"Set(TdpLimit)": {Program: script, Args: []string{"set", "{value}"}},
		"Get(FanControlState)": {
			Unit: "fan.service", Action: "status", Output: "map",
			Map: map[string]any{"active": 1, "inactive": 0},
		},
	}

	r, err := FromConfig(schema.Root(), delegates, Deps{}, discardLogger())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	want := []schema.Identity{schema.Get("FanControlState"), schema.Set("TdpLimit"), schema.Call("TrimDevices")}
	if got := r.Identities(); !reflect.DeepEqual(got, want) {
		t.Errorf("Identities = %v, want %v", got, want)
	}

	if _, err := r.Dispatch(context.Background(), schema.Set("TdpLimit"), []any{uint32(15)}); err != nil {
		t.Errorf("Set(TdpLimit): %v", err)
	}
	if _, err := r.Dispatch(context.Background(), schema.Call("UpdateDock"), nil); !errors.Is(err, apierror.ErrUnknownMethod) {
		t.Errorf("missing program should leave UpdateDock unbound, got %v", err)
	}
}

func TestFromConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		dc   config.DelegateConfig
	}{
		{"unknown identity", "DoesNotExist", config.DelegateConfig{Program: "sh"}},
		{"unprivileged member", "Get(Version)", config.DelegateConfig{Program: "sh"}},
		{"malformed key", "Get(", config.DelegateConfig{Program: "sh"}},
		{"both program and unit", "TrimDevices", config.DelegateConfig{Program: "sh", Unit: "x.service", Action: "start"}},
		{"bad action", "TrimDevices", config.DelegateConfig{Unit: "x.service", Action: "reload"}},
		{"toggle on method", "TrimDevices", config.DelegateConfig{Unit: "x.service", Action: "toggle"}},
		{"template unknown input", "TrimDevices", config.DelegateConfig{Program: "sh", Args: []string{"{device}"}}},
		{"bad output mode", "TrimDevices", config.DelegateConfig{Program: "sh", Output: "stdout"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(schema.Root(), map[string]config.DelegateConfig{tt.key: tt.dc}, Deps{}, discardLogger())
			if err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestFromConfigDefaultsBuild(t *testing.T) {
	// Platform scripts are absent in the test environment; the default
	// table must still build, only with fewer bindings.
	if _, err := FromConfig(schema.Root(), config.DefaultDelegates(), Deps{}, discardLogger()); err != nil {
		t.Fatalf("default delegate table: %v", err)
	}
}
