package sandbox

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/types"
)

// ValidationIssue represents a determinism issue in a script.
type ValidationIssue struct {
	Type    string `json:"type"` // "banned_function", "nondeterministic"
	Name    string `json:"name"`
	Message string `json:"message"`
}

// DeterministicValidator rejects CEL scripts that could observe the clock,
// randomness or iteration order.
type DeterministicValidator struct {
	BannedFunctions map[string]bool
	patterns        map[string]*regexp.Regexp
}

// NewDeterministicValidator creates the validator with the default ban list.
func NewDeterministicValidator() *DeterministicValidator {
	banned := map[string]bool{
		"now":          true,
		"timestamp":    true,
		"duration":     true,
		"random":       true,
		"uuid":         true,
		"matches":      true,
		"getDate":      true,
		"getDayOfWeek": true,
		"getFullYear":  true,
		"getHours":     true,
		"getMinutes":   true,
		"getSeconds":   true,
		// Map key/value listing exposes iteration order.
		"keys":   true,
		"values": true,
	}
	v := &DeterministicValidator{BannedFunctions: banned, patterns: map[string]*regexp.Regexp{}}
	for fn := range banned {
		v.patterns[fn] = regexp.MustCompile(`\b` + regexp.QuoteMeta(fn) + `\s*\(`)
	}
	return v
}

// ValidateExpression returns every issue found, sorted by name.
func (v *DeterministicValidator) ValidateExpression(expr string) []ValidationIssue {
	issues := []ValidationIssue{}
	for fn, banned := range v.BannedFunctions {
		if !banned {
			continue
		}
		p := v.patterns[fn]
		if p == nil {
			p = regexp.MustCompile(`\b` + regexp.QuoteMeta(fn) + `\s*\(`)
		}
		if p.MatchString(expr) {
			issues = append(issues, ValidationIssue{
				Type:    "banned_function",
				Name:    fn,
				Message: fmt.Sprintf("function %q is not allowed in decision scripts", fn),
			})
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Name < issues[j].Name })
	return issues
}

// ValidateAST rejects comprehensions that may range over a map literal built
// by the script. Input maps iterate in key order; literal maps do not.
func (v *DeterministicValidator) ValidateAST(checked *cel.Ast) []ValidationIssue {
	native := checked.NativeRep()
	var overMap, literalRange bool
	celast.PostOrderVisit(native.Expr(), celast.NewExprVisitor(func(e celast.Expr) {
		if e.Kind() != celast.ComprehensionKind {
			return
		}
		rng := e.AsComprehension().IterRange()
		if t := native.GetType(rng.ID()); t == nil || t.Kind() != types.ListKind {
			overMap = true
		}
		celast.PostOrderVisit(rng, celast.NewExprVisitor(func(sub celast.Expr) {
			if sub.Kind() == celast.MapKind {
				literalRange = true
			}
		}))
	}))
	if overMap && literalRange {
		return []ValidationIssue{{
			Type:    "nondeterministic",
			Name:    "map_literal_iteration",
			Message: "iterating a map literal has no stable key order",
		}}
	}
	return nil
}
