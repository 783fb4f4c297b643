package workflow

import (
	"regexp"
	"strconv"
	"strings"

	"llm-flow-engine/services/functions"
)

var (
	placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)
	wholeRe       = regexp.MustCompile(`^\$\{([^}]+)\}$`)
)

// ResolvePlaceholders replaces ${name} and ${name.path} references in v with
// values from scope. A string that is exactly one placeholder becomes the raw
// value; embedded placeholders are substituted as text. References that do not
// resolve are left untouched. ${name.output} refers to name's whole value.
// Maps and lists are resolved recursively and copied, never modified in place.
func ResolvePlaceholders(v any, scope map[string]any) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = ResolvePlaceholders(x, scope)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = ResolvePlaceholders(x, scope)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, scope map[string]any) any {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := wholeRe.FindStringSubmatch(s); m != nil {
		if val, ok := lookupPath(scope, strings.TrimSpace(m[1])); ok {
			return val
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(ref string) string {
		val, ok := lookupPath(scope, strings.TrimSpace(ref[2:len(ref)-1]))
		if !ok {
			return ref
		}
		return functions.Stringify(val)
	})
}

// lookupPath walks a dotted path. An exact key match wins over splitting, so
// names containing dots still resolve.
func lookupPath(scope map[string]any, path string) (any, bool) {
	if v, ok := scope[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	cur, ok := scope[parts[0]]
	if !ok {
		return nil, false
	}
	for i, p := range parts[1:] {
		// name.output is the executor's value itself unless it has an "output" field.
		if i == 0 && p == "output" {
			if m, isMap := cur.(map[string]any); !isMap || !hasKey(m, p) {
				continue
			}
		}
		switch node := cur.(type) {
		case map[string]any:
			cur, ok = node[p]
		case functions.Inputs:
			cur, ok = node[p]
		case []any:
			i, err := strconv.Atoi(p)
			ok = err == nil && i >= 0 && i < len(node)
			if ok {
				cur = node[i]
			}
		default:
			ok = false
		}
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

// placeholderRefs returns the path of every placeholder found in v.
func placeholderRefs(v any) []string {
	var refs []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholderRe.FindAllStringSubmatch(t, -1) {
				refs = append(refs, strings.TrimSpace(m[1]))
			}
		case map[string]any:
			for _, x := range t {
				walk(x)
			}
		case []any:
			for _, x := range t {
				walk(x)
			}
		}
	}
	walk(v)
	return refs
}

// refTarget reports which of names a placeholder path points at, matching
// lookupPath: the whole path first, then its first segment.
func refTarget(path string, names map[string]bool) (string, bool) {
	if names[path] {
		return path, true
	}
	head, _, _ := strings.Cut(path, ".")
	return head, names[head]
}
