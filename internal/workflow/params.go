package workflow

import (
	"regexp"
	"strings"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// placeholderPattern matches {{name}} references inside templated values,
// with optional dotted paths: {{query}}, {{session.name}}, {{result.niu}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Interpolate replaces {{var}} and {{session.field}} placeholders in s with
// values from the scope. Unresolvable placeholders become empty strings so a
// half-built template never leaks into a user-visible message.
func Interpolate(s string, sc *model.Scope) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := resolvePlaceholder(ref, sc)
		if !ok {
			return ""
		}
		return model.ValueString(v)
	})
}

// InterpolateParams returns a copy of params with every string value
// interpolated, descending into nested maps and slices. A value that is
// exactly one placeholder keeps the referenced value's type instead of
// flattening it to a string, so structured payloads survive the trip into a
// service call.
func InterpolateParams(params map[string]any, sc *model.Scope) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interpolateValue(v, sc)
	}
	return out
}

func interpolateValue(v any, sc *model.Scope) any {
	switch t := v.(type) {
	case string:
		if ref, ok := exactPlaceholder(t); ok {
			if resolved, found := resolvePlaceholder(ref, sc); found {
				return resolved
			}
			return nil
		}
		return Interpolate(t, sc)
	case map[string]any:
		return InterpolateParams(t, sc)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = interpolateValue(item, sc)
		}
		return out
	default:
		return v
	}
}

// exactPlaceholder reports whether s is a single placeholder and nothing
// else, returning the reference inside it.
func exactPlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	match := placeholderPattern.FindStringSubmatch(trimmed)
	if match == nil || match[0] != trimmed {
		return "", false
	}
	return match[1], true
}

// resolvePlaceholder resolves one dotted reference against the scope.
// The "session." prefix reads session facts; everything else reads context
// variables, descending through nested maps for dotted paths.
func resolvePlaceholder(ref string, sc *model.Scope) (any, bool) {
	if field, found := strings.CutPrefix(ref, "session."); found {
		if sc == nil || sc.Session == nil {
			return nil, false
		}
		return sc.Session.Fact(field)
	}
	head, rest, _ := strings.Cut(ref, ".")
	v, ok := sc.Var(head)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return v, true
	}
	return descendPath(v, rest)
}

// descendPath walks a dot-separated path through nested maps.
func descendPath(v any, path string) (any, bool) {
	for _, part := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return v, true
}
