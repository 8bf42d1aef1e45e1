package docstore

import (
	"fmt"
	"time"
)

// Fields holds document properties. Values are one of string, bool, int64,
// float64, time.Time, []string or nil.
type Fields map[string]any

// String returns the string value stored under key or "".
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns the boolean under key and whether it was present.
func (f Fields) Bool(key string) (bool, bool) {
	b, ok := f[key].(bool)
	return b, ok
}

// Time returns the timestamp under key and whether it was present.
func (f Fields) Time(key string) (time.Time, bool) {
	t, ok := f[key].(time.Time)
	return t, ok
}

// Strings returns a copy of the list stored under key.
func (f Fields) Strings(key string) []string {
	list, _ := f[key].([]string)
	if list == nil {
		return nil
	}
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if list, ok := v.([]string); ok {
			cp := make([]string, len(list))
			copy(cp, list)
			v = cp
		}
		out[k] = v
	}
	return out
}

// Normalize converts the values of f to the supported set of types.
func Normalize(f Fields) (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int64, float64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case float32:
		return float64(val), nil
	case time.Time:
		return val.UTC(), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return val.UTC(), nil
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported list element %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []string:
		return false
	default:
		na, err := normalizeValue(a)
		if err != nil {
			return false
		}
		nb, err := normalizeValue(b)
		if err != nil {
			return false
		}
		if _, ok := nb.([]string); ok {
			return false
		}
		return na == nb
	}
}
