package queryir

import "github.com/roach88/truthlayer/internal/ir"

// Query is an abstract read query. Sealed: only Select implements it.
type Query interface {
	queryNode()
}

// Predicate is a filter condition. Sealed to this package.
//
// Predicate types:
//   - Equals: field = value
//   - In: field IN (values...)
//   - Gte / Lte: inclusive range bounds
//   - And / Or: conjunction and disjunction
type Predicate interface {
	predicateNode()
}

// Direction orders one sort key.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// OrderKey is one ORDER BY term.
type OrderKey struct {
	Field     string
	Direction Direction
}

// Select reads Columns from one table, filtered and ordered.
//
//	Select{
//	  From:    "timeline_events",
//	  Columns: []string{"id", "event_date"},
//	  Filter:  And{Predicates: []Predicate{
//	    Equals{Field: "entity_id", Value: ir.String("ent_...")},
//	    Gte{Field: "event_date", Value: ir.String("2024-01-01")},
//	  }},
//	  OrderBy: []OrderKey{{Field: "event_date"}},
//	}
//
// Limit <= 0 means no limit.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate // nil = no filter
	OrderBy []OrderKey
	Limit   int
}

func (Select) queryNode() {}

// Equals matches rows whose field equals a literal value.
type Equals struct {
	Field string
	Value ir.Value
}

func (Equals) predicateNode() {}

// In matches rows whose field equals any of Values. An empty list matches
// nothing.
type In struct {
	Field  string
	Values []ir.Value
}

func (In) predicateNode() {}

// Gte matches rows whose field is >= Value.
type Gte struct {
	Field string
	Value ir.Value
}

func (Gte) predicateNode() {}

// Lte matches rows whose field is <= Value.
type Lte struct {
	Field string
	Value ir.Value
}

func (Lte) predicateNode() {}

// And is true when all predicates are true (empty = always true).
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is true when any predicate is true (empty = never true).
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Conjoin builds an And from the non-nil predicates, collapsing the
// trivial cases.
func Conjoin(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Predicates: kept}
	}
}

// Strings is a helper for In over string values.
func Strings(field string, values []string) In {
	vals := make([]ir.Value, len(values))
	for i, v := range values {
		vals[i] = ir.String(v)
	}
	return In{Field: field, Values: vals}
}
