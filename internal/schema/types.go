package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type is a value type code. The codes follow D-Bus signature letters so
// the published schema reads the same as the bus interface it replaces.
type Type string

const (
	TypeVoid       Type = ""
	TypeBool       Type = "b"
	TypeUint32     Type = "u"
	TypeInt32      Type = "i"
	TypeFloat64    Type = "d"
	TypeString     Type = "s"
	TypeStringList Type = "as"
)

// Valid reports whether t is a known type code. TypeVoid is valid only as an
// output type.
func (t Type) Valid() bool {
	switch t {
	case TypeVoid, TypeBool, TypeUint32, TypeInt32, TypeFloat64, TypeString, TypeStringList:
		return true
	}
	return false
}

func (t Type) String() string {
	if t == TypeVoid {
		return "void"
	}
	return string(t)
}

// Coerce converts v into the canonical Go representation of t:
// bool, uint32, int32, float64, string or []string. Decoders on both wires
// produce looser types (json.Number, uint64, int64, []any) and this is where
// they become exact. Out-of-range and non-integral numbers are rejected.
func (t Type) Coerce(v any) (any, error) {
	switch t {
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil

	case TypeUint32:
		n, err := integer(v)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > math.MaxUint32 {
			return nil, fmt.Errorf("value %d out of range for uint32", n)
		}
		return uint32(n), nil

	case TypeInt32:
		n, err := integer(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d out of range for int32", n)
		}
		return int32(n), nil

	case TypeFloat64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", x.String())
			}
			return f, nil
		}
		n, err := integer(v)
		if err != nil {
			return nil, err
		}
		return float64(n), nil

	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil

	case TypeStringList:
		switch x := v.(type) {
		case []string:
			return x, nil
		case []any:
			out := make([]string, 0, len(x))
			for i, item := range x {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("element %d: expected string, got %T", i, item)
				}
				out = append(out, s)
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected string list, got %T", v)

	case TypeVoid:
		if v != nil {
			return nil, fmt.Errorf("expected no value, got %T", v)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown type %q", string(t))
}

// Parse converts delegate output text into a value of type t.
func (t Type) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch t {
	case TypeBool:
		return strconv.ParseBool(s)
	case TypeUint32:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, err
		}
		return uint32(n), nil
	case TypeInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case TypeFloat64:
		return strconv.ParseFloat(s, 64)
	case TypeString:
		return s, nil
	case TypeStringList:
		if s == "" {
			return []string{}, nil
		}
		return strings.Fields(s), nil
	case TypeVoid:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown type %q", string(t))
}

// Format renders a canonical value as program argument text.
func Format(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// integer extracts an int64 from any numeric representation, rejecting
// fractional values.
func integer(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", x)
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("value %v is not an integer", x)
		}
		if x < -(1<<63) || x >= 1<<63 {
			return 0, fmt.Errorf("value %v out of range", x)
		}
		return int64(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer", x.String())
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
