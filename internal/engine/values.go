package engine

import (
	"fmt"
	"strconv"
	"strings"

	"tiercore/internal/value"
)

// Value converts a host value into a guest value allocated on the loaded
// program's heap. Supported: nil, bool, int, int64, float64, string and
// []any of those.
func (in *Instance) Value(x any) (value.Value, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.heap == nil {
		return value.Null, ErrNotLoaded
	}
	return in.convert(x)
}

func (in *Instance) convert(x any) (value.Value, error) {
	switch x := x.(type) {
	case nil:
		return value.Nil, nil
	case bool:
		return value.FromBool(x), nil
	case int:
		return value.FromInt(int64(x))
	case int64:
		return value.FromInt(x)
	case float64:
		return in.heap.AllocFloat(x)
	case string:
		return in.heap.AllocString(x)
	case []any:
		elems := make([]value.Value, len(x))
		for i, e := range x {
			v, err := in.convert(e)
			if err != nil {
				return value.Null, err
			}
			elems[i] = v
		}
		return in.heap.AllocArray(elems)
	default:
		return value.Null, fmt.Errorf("cannot convert %T to a guest value", x)
	}
}

// ParseLiteral reads a command-line literal: nil, true, false, an integer, a
// float, a quoted string, or any other text as a string.
func ParseLiteral(s string) any {
	switch s {
	case "nil":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.HasPrefix(s, `"`) {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}
