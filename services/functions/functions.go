// Package functions defines the calling convention for workflow work functions,
// the registry that resolves them by name, and the builtin catalog.
package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
)

var (
	// ErrNotFound is returned when no function is registered under a name.
	ErrNotFound = errors.New("function not found")

	// ErrDuplicate is returned by a strict registry on re-registration.
	ErrDuplicate = errors.New("function already registered")

	// ErrInvalidInput is returned by builtins for missing or malformed inputs.
	ErrInvalidInput = errors.New("invalid function input")
)

// UpstreamKey is the reserved input key holding dependency values in
// declaration order.
const UpstreamKey = "_upstream"

// Func is a unit of work. It receives the executor's resolved inputs and
// returns a value or an error. Funcs that perform I/O must honor ctx.
type Func func(ctx context.Context, in Inputs) (any, error)

// Inputs is the resolved input mapping handed to a Func.
type Inputs map[string]any

// Upstream returns dependency values in the order the executor declared them.
func (in Inputs) Upstream() []any {
	v, _ := in[UpstreamKey].([]any)
	return v
}

// Params returns a copy of the inputs without reserved keys.
func (in Inputs) Params() map[string]any {
	out := maps.Clone(map[string]any(in))
	if out == nil {
		out = map[string]any{}
	}
	delete(out, UpstreamKey)
	return out
}

// String returns the value at key if it is a string.
func (in Inputs) String(key string) (string, bool) {
	s, ok := in[key].(string)
	return s, ok
}

// StringOr returns the string at key or def.
func (in Inputs) StringOr(key, def string) string {
	if s, ok := in.String(key); ok && s != "" {
		return s
	}
	return def
}

// Text returns the first present value among keys rendered as text, falling
// back to the first upstream value. The second result is false when nothing
// was found.
func (in Inputs) Text(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := in[k]; ok && v != nil {
			return Stringify(v), true
		}
	}
	if up := in.Upstream(); len(up) > 0 && up[0] != nil {
		return Stringify(up[0]), true
	}
	return "", false
}

// Int returns the integer at key or def.
func (in Inputs) Int(key string, def int) int {
	if f, ok := toFloat64(in[key]); ok {
		return int(f)
	}
	if s, ok := in.String(key); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// Float returns the number at key.
func (in Inputs) Float(key string) (float64, bool) {
	return toFloat64(in[key])
}

// Map returns the mapping at key, or nil.
func (in Inputs) Map(key string) map[string]any {
	m, _ := in[key].(map[string]any)
	return m
}

// Stringify renders a value as text: strings verbatim, structured values as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func invalidInput(fn, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidInput, fn, fmt.Sprintf(format, args...))
}

// toFloat64 converts an any value to float64, handling json.Number and numeric types.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
