package registry

import (
	"fmt"

	"github.com/doughall/hostmgr/internal/apierror"
	"github.com/doughall/hostmgr/internal/delegate"
	"github.com/doughall/hostmgr/internal/schema"
)

// OutputMode selects how a delegate outcome becomes a result value.
type OutputMode string

const (
	// OutputNone returns no value. Only void members use it.
	OutputNone OutputMode = "none"
	// OutputStdout parses trimmed stdout as the output type.
	OutputStdout OutputMode = "stdout"
	// OutputValue returns a fixed value on success.
	OutputValue OutputMode = "value"
	// OutputExitBool returns true for exit 0 and false for any other exit.
	OutputExitBool OutputMode = "exit-bool"
	// OutputMap looks trimmed stdout up in a table.
	OutputMap OutputMode = "map"
)

// Output describes the result translation of a binding.
type Output struct {
	Mode OutputMode

	// Value is the success result of OutputValue.
	Value any

	// Failure, when non-nil, is returned instead of DelegateFailed when the
	// delegate exits non-zero or its output is unusable.
	Failure any

	// Map is the lookup table of OutputMap.
	Map map[string]any
}

// normalize applies the default mode and coerces configured values to the
// output type so translation never has to.
func (o Output) normalize(typ schema.Type) (Output, error) {
	if o.Mode == "" {
		o.Mode = OutputStdout
		if typ == schema.TypeVoid {
			o.Mode = OutputNone
		}
	}

	if typ == schema.TypeVoid && o.Mode != OutputNone {
		return o, fmt.Errorf("output mode %s on a void member", o.Mode)
	}

	var err error
	switch o.Mode {
	case OutputNone:
		if typ != schema.TypeVoid {
			return o, fmt.Errorf("output mode none on a member returning %s", typ)
		}
	case OutputStdout:
	case OutputValue:
		if o.Value, err = typ.Coerce(o.Value); err != nil {
			return o, fmt.Errorf("output value: %w", err)
		}
	case OutputExitBool:
		if typ != schema.TypeBool {
			return o, fmt.Errorf("output mode exit-bool on a member returning %s", typ)
		}
	case OutputMap:
		if len(o.Map) == 0 {
			return o, fmt.Errorf("output mode map needs a table")
		}
		m := make(map[string]any, len(o.Map))
		for k, v := range o.Map {
			if m[k], err = typ.Coerce(v); err != nil {
				return o, fmt.Errorf("output map %q: %w", k, err)
			}
		}
		o.Map = m
	default:
		return o, fmt.Errorf("unknown output mode %q", o.Mode)
	}

	if o.Failure != nil {
		if o.Failure, err = typ.Coerce(o.Failure); err != nil {
			return o, fmt.Errorf("output failure value: %w", err)
		}
	}
	return o, nil
}

func (o Output) translate(member string, typ schema.Type, out *delegate.Outcome) (any, error) {
	fail := func(err *apierror.Error) (any, error) {
		if o.Failure != nil {
			return o.Failure, nil
		}
		return nil, err
	}

	switch o.Mode {
	case OutputExitBool:
		return out.ExitCode == 0, nil
	case OutputMap:
		if v, ok := o.Map[out.Output()]; ok {
			return v, nil
		}
	}

	if out.ExitCode != 0 {
		return fail(apierror.DelegateFailed(member, out.ExitCode, out.Reason()))
	}

	switch o.Mode {
	case OutputNone:
		return nil, nil
	case OutputValue:
		return o.Value, nil
	case OutputStdout:
		v, err := typ.Parse(out.Stdout)
		if err != nil {
			return fail(apierror.Rejected(member, fmt.Sprintf("delegate output is not a valid %s: %v", typ, err)))
		}
		return v, nil
	}
	// OutputMap with a zero exit and an unlisted value.
	return fail(apierror.Rejected(member, fmt.Sprintf("unexpected delegate output %q", out.Output())))
}
