// Package filter builds and evaluates the restricted boolean expressions used
// to scope search, query, and delete operations. Expressions are conjunctions
// of `field OP value` predicates joined by " and ". Fields are restricted to an
// allow-list and string values are escaped before substitution, so a caller can
// never smuggle backend query syntax through a session or persona id.
package filter

import (
	"fmt"
	"strings"
)

// Allowed fields. Anything else is rejected by Build and Parse.
var allowedFields = map[string]struct{}{
	"memory_id":      {},
	"session_id":     {},
	"personality_id": {},
	"create_time":    {},
}

// Allowed operators.
var allowedOps = map[string]struct{}{
	"==": {},
	"!=": {},
	">":  {},
	">=": {},
	"<":  {},
	"<=": {},
	"in": {},
}

// Escape makes a string value safe for inclusion in a quoted expression
// literal. Backslashes must be doubled before quotes are escaped.
func Escape(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

// Eq builds an equality predicate with an escaped string value.
func Eq(field, value string) (string, error) {
	return Build(field, "==", value)
}

// Build constructs a single predicate. String values are quoted and escaped;
// integer values are rendered bare. The field and operator must be on the
// allow-lists.
func Build(field, op string, value any) (string, error) {
	if _, ok := allowedFields[field]; !ok {
		return "", fmt.Errorf("field %q not allowed in filter expressions", field)
	}
	if _, ok := allowedOps[op]; !ok {
		return "", fmt.Errorf("operator %q not allowed in filter expressions", op)
	}
	switch v := value.(type) {
	case string:
		if op == "in" {
			return fmt.Sprintf(`%s in ["%s"]`, field, Escape(v)), nil
		}
		return fmt.Sprintf(`%s %s "%s"`, field, op, Escape(v)), nil
	case []string:
		if op != "in" {
			return "", fmt.Errorf("operator %q does not take a list value", op)
		}
		quoted := make([]string, len(v))
		for i, s := range v {
			quoted[i] = `"` + Escape(s) + `"`
		}
		return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", ")), nil
	case int:
		return fmt.Sprintf("%s %s %d", field, op, v), nil
	case int64:
		return fmt.Sprintf("%s %s %d", field, op, v), nil
	default:
		return "", fmt.Errorf("unsupported filter value type %T", value)
	}
}

// And joins predicates into a conjunction, skipping empty parts.
func And(preds ...string) string {
	parts := preds[:0:0]
	for _, p := range preds {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " and ")
}
