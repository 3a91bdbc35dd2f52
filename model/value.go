package model

import (
	"fmt"
	"strconv"
)

// toString renders a variable value for comparison and interpolation.
// JSON round-trips turn numbers into float64, so integral floats print
// without a decimal point.
func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ValueString is the exported form of toString for collaborators that format
// variable values.
func ValueString(v any) string { return toString(v) }

// emptyValue reports whether a variable value counts as empty for the
// presence predicates.
func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []SelectionItem:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
