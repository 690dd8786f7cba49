package queryir

import (
	"fmt"

	"github.com/roach88/cairn/internal/ir"
)

// ValidationResult lists the rule violations found in a predicate tree.
type ValidationResult struct {
	// Valid is true when Problems is empty.
	Valid bool

	// Problems describes each violation, in traversal order.
	Problems []string
}

// Validate checks a predicate tree against the filter rules:
//  1. every field is one of KnownFields
//  2. literals are strings, ints or bools (no null, array or object)
//  3. In has at least one value
//  4. no nil nodes inside And or Or
//
// A nil root is valid and means no filter. Validate is pure.
func Validate(p Predicate) ValidationResult {
	v := &validator{problems: []string{}}
	if p != nil {
		v.validatePredicate(p, "$")
	}
	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validatePredicate(p Predicate, path string) {
	switch pred := p.(type) {
	case nil:
		v.addProblem("%s: nil predicate", path)
	case Equals:
		v.validateField(pred.Field, path)
		v.validateValue(pred.Value, path)
	case *Equals:
		if pred == nil {
			v.addProblem("%s: nil predicate", path)
			return
		}
		v.validatePredicate(*pred, path)
	case In:
		v.validateField(pred.Field, path)
		if len(pred.Values) == 0 {
			v.addProblem("%s: IN on %q has no values", path, pred.Field)
		}
		for i, val := range pred.Values {
			v.validateValue(val, fmt.Sprintf("%s[%d]", path, i))
		}
	case *In:
		if pred == nil {
			v.addProblem("%s: nil predicate", path)
			return
		}
		v.validatePredicate(*pred, path)
	case And:
		for i, sub := range pred.Predicates {
			v.validatePredicate(sub, fmt.Sprintf("%s.and[%d]", path, i))
		}
	case *And:
		if pred == nil {
			v.addProblem("%s: nil predicate", path)
			return
		}
		v.validatePredicate(*pred, path)
	case Or:
		for i, sub := range pred.Predicates {
			v.validatePredicate(sub, fmt.Sprintf("%s.or[%d]", path, i))
		}
	case *Or:
		if pred == nil {
			v.addProblem("%s: nil predicate", path)
			return
		}
		v.validatePredicate(*pred, path)
	default:
		v.addProblem("%s: unknown predicate type %T", path, p)
	}
}

func (v *validator) validateField(f Field, path string) {
	if !KnownFields[f] {
		v.addProblem("%s: unknown field %q", path, f)
	}
}

func (v *validator) validateValue(val ir.IRValue, path string) {
	switch val.(type) {
	case ir.IRString, ir.IRInt, ir.IRBool:
	case nil, ir.IRNull:
		v.addProblem("%s: null literal", path)
	default:
		v.addProblem("%s: %T literal is not a scalar", path, val)
	}
}
