package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// render substitutes {{var.path}} placeholders in v. A string that is exactly
// one placeholder takes the variable's native value.
func render(v any, s *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return renderString(t, s)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			r, err := render(elem, s)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			r, err := render(elem, s)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderString(str string, s *Scope) (any, error) {
	if m := placeholder.FindStringSubmatch(str); m != nil && m[0] == strings.TrimSpace(str) {
		v, ok := s.Lookup(m[1])
		if !ok {
			return nil, unresolved(m[1])
		}
		return v, nil
	}

	var missing string
	out := placeholder.ReplaceAllStringFunc(str, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]
		v, ok := s.Lookup(path)
		if !ok {
			if missing == "" {
				missing = path
			}
			return match
		}
		return textOf(v)
	})
	if missing != "" {
		return nil, unresolved(missing)
	}
	return out, nil
}

// renderText renders a template that must produce a string.
func renderText(str string, s *Scope) (string, error) {
	v, err := renderString(str, s)
	if err != nil {
		return "", err
	}
	return textOf(v), nil
}

func renderMap(m map[string]any, s *Scope) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	v, err := render(m, s)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}

func unresolved(path string) error {
	return contracts.NewError(contracts.KindInvalid, "unresolved_variable",
		fmt.Sprintf("template variable %q is not bound", path))
}
