package queryir

import (
	"fmt"
	"regexp"

	"github.com/roach88/truthlayer/internal/ir"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks structural rules a backend relies on:
//   - table, column and order names are plain identifiers (they are
//     interpolated, values never are)
//   - at least one column and one order key
//   - no null or composite literals
//
// Validate is a pure function with no side effects.
func Validate(q Query) error {
	v := &validator{}
	v.validateQuery(q)
	if len(v.problems) > 0 {
		return fmt.Errorf("invalid query: %s", v.problems[0])
	}
	return nil
}

type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) ident(kind, name string) {
	if !identRe.MatchString(name) {
		v.addProblem("%s %q is not a plain identifier", kind, name)
	}
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case Select:
		v.validateSelect(query)
	case *Select:
		if query == nil {
			v.addProblem("nil select")
			return
		}
		v.validateSelect(*query)
	default:
		v.addProblem("unknown query type %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	v.ident("table", sel.From)
	if len(sel.Columns) == 0 {
		v.addProblem("select from %s has no columns", sel.From)
	}
	for _, c := range sel.Columns {
		v.ident("column", c)
	}
	if len(sel.OrderBy) == 0 {
		v.addProblem("select from %s has no ORDER BY", sel.From)
	}
	for _, k := range sel.OrderBy {
		v.ident("order key", k.Field)
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.ident("field", pred.Field)
		v.literal(pred.Field, pred.Value)
	case In:
		v.ident("field", pred.Field)
		for _, val := range pred.Values {
			v.literal(pred.Field, val)
		}
	case Gte:
		v.ident("field", pred.Field)
		v.literal(pred.Field, pred.Value)
	case Lte:
		v.ident("field", pred.Field)
		v.literal(pred.Field, pred.Value)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case nil:
		v.addProblem("nil predicate")
	default:
		v.addProblem("unknown predicate type %T", p)
	}
}

func (v *validator) literal(field string, val ir.Value) {
	switch val.(type) {
	case ir.String, ir.Int, ir.Decimal, ir.Bool:
	case nil, ir.Null:
		v.addProblem("field %q compared to null", field)
	default:
		v.addProblem("field %q compared to %s literal", field, ir.Kind(val))
	}
}
