package functions

import (
	"context"
	"math"
	"strings"

	"github.com/Knetic/govaluate"
)

// calculate evaluates an arithmetic expression. Variables and functions are
// rejected so user text can never reach anything but numeric operators.
func calculate(_ context.Context, in Inputs) (any, error) {
	expr, ok := in.Text("expression")
	if !ok || strings.TrimSpace(expr) == "" {
		return nil, invalidInput(Calculate, "expression is required")
	}

	parsed, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, invalidInput(Calculate, "parse %q: %v", expr, err)
	}
	if vars := parsed.Vars(); len(vars) > 0 {
		return nil, invalidInput(Calculate, "unknown identifiers in %q: %s", expr, strings.Join(vars, ", "))
	}

	raw, err := parsed.Evaluate(nil)
	if err != nil {
		return nil, invalidInput(Calculate, "evaluate %q: %v", expr, err)
	}
	f, ok := toFloat64(raw)
	if !ok {
		return nil, invalidInput(Calculate, "%q is not numeric", expr)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, invalidInput(Calculate, "%q has no finite result", expr)
	}
	return normalizeNumber(f), nil
}

// normalizeNumber returns whole results as int64 so "2 + 3" yields 5, not 5.0.
func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
