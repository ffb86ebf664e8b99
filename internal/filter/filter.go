package filter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnexpectedValue is returned for retired keyword filters. The bare
	// "paid"/"free" shorthands were removed in favour of status expressions.
	ErrUnexpectedValue = errors.New("unexpected filter value")

	// ErrEmptyAudience is returned when the caller explicitly requests an
	// empty audience ("none"). Creating a dispatch with no recipients is
	// disallowed rather than silently accepted.
	ErrEmptyAudience = errors.New("empty audience requested")
)

// Transform normalizes a recipient-selection expression into the audience
// query's filter syntax. It is pure: no I/O, no state.
//
//	"all"   -> "subscribed:true"
//	"none"  -> ErrEmptyAudience
//	"paid"  -> ErrUnexpectedValue (retired keyword)
//	"free"  -> ErrUnexpectedValue (retired keyword)
//	other   -> "subscribed:true+(<expr>)"
func Transform(expr string) (string, error) {
	switch strings.TrimSpace(expr) {
	case "paid", "free":
		return "", fmt.Errorf("recipient filter %q: %w", expr, ErrUnexpectedValue)
	case "all":
		return "subscribed:true", nil
	case "none":
		return "", fmt.Errorf("recipient filter %q: %w", expr, ErrEmptyAudience)
	default:
		return "subscribed:true+(" + expr + ")", nil
	}
}

// Term is one key:value predicate of a conjunctive filter expression.
type Term struct {
	Key     string
	Value   string
	Negated bool
}

// Parse splits a conjunctive filter expression into typed terms. The grammar
// is deliberately closed: terms of the form key:value (value optionally
// prefixed with "-" for negation) joined by "+", with optional grouping
// parentheses around a term. Anything else is a parse error.
func Parse(expr string) ([]Term, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty filter expression")
	}

	parts := strings.Split(expr, "+")
	terms := make([]Term, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "(")
		p = strings.TrimSuffix(p, ")")
		if p == "" {
			return nil, fmt.Errorf("empty term in filter %q", expr)
		}

		key, val, ok := strings.Cut(p, ":")
		if !ok || key == "" || val == "" {
			return nil, fmt.Errorf("malformed term %q in filter %q", p, expr)
		}

		t := Term{Key: strings.TrimSpace(key)}
		val = strings.TrimSpace(val)
		if strings.HasPrefix(val, "-") {
			t.Negated = true
			val = val[1:]
		}
		if val == "" {
			return nil, fmt.Errorf("malformed term %q in filter %q", p, expr)
		}
		t.Value = val
		terms = append(terms, t)
	}
	return terms, nil
}
