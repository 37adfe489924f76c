package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/queryir"
)

// SQLCompiler compiles queryir selections to parameterized SQLite SQL.
//
// Every query ends in a total order: the declared keys followed by
// "id COLLATE BINARY ASC" unless id is already a key. Values are always
// bound as parameters, never interpolated.
type SQLCompiler struct {
	// TieBreaker is the unique column appended to every ORDER BY.
	TieBreaker string
}

// NewSQLCompiler creates a compiler that breaks ties on id.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{TieBreaker: "id"}
}

// Compile converts a query to (sql, params). The query is validated first.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, err
	}

	var sel queryir.Select
	switch query := q.(type) {
	case queryir.Select:
		sel = query
	case *queryir.Select:
		sel = *query
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
	return c.compileSelect(sel)
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	var b strings.Builder
	var params []any

	b.WriteString("SELECT ")
	b.WriteString(strings.Join(q.Columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.From)

	if q.Filter != nil {
		where, whereParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = append(params, whereParams...)
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(c.orderBy(q.OrderBy))

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, int64(q.Limit))
	}

	return b.String(), params, nil
}

// orderBy renders the declared keys plus the tiebreaker.
// Text columns compare with COLLATE BINARY.
func (c *SQLCompiler) orderBy(keys []queryir.OrderKey) string {
	parts := make([]string, 0, len(keys)+1)
	hasTie := false
	for _, k := range keys {
		dir := "ASC"
		if k.Direction == queryir.Desc {
			dir = "DESC"
		}
		if k.Field == c.TieBreaker {
			hasTie = true
		}
		parts = append(parts, fmt.Sprintf("%s COLLATE BINARY %s", k.Field, dir))
	}
	if !hasTie && c.TieBreaker != "" {
		parts = append(parts, c.TieBreaker+" COLLATE BINARY ASC")
	}
	return strings.Join(parts, ", ")
}

// compilePredicate renders one predicate as a WHERE fragment.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return c.compareOne(pred.Field, "=", pred.Value)
	case queryir.Gte:
		return c.compareOne(pred.Field, ">=", pred.Value)
	case queryir.Lte:
		return c.compareOne(pred.Field, "<=", pred.Value)
	case queryir.In:
		if len(pred.Values) == 0 {
			return "1 = 0", nil, nil
		}
		params := make([]any, 0, len(pred.Values))
		marks := make([]string, 0, len(pred.Values))
		for _, v := range pred.Values {
			param, err := valueToParam(v)
			if err != nil {
				return "", nil, err
			}
			params = append(params, param)
			marks = append(marks, "?")
		}
		return fmt.Sprintf("%s IN (%s)", pred.Field, strings.Join(marks, ", ")), params, nil
	case queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compareOne(field, op string, v ir.Value) (string, []any, error) {
	param, err := valueToParam(v)
	if err != nil {
		return "", nil, fmt.Errorf("field %s: %w", field, err)
	}
	return fmt.Sprintf("%s %s ?", field, op), []any{param}, nil
}

func (c *SQLCompiler) compileJunction(preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(preds))
	var params []any
	for _, p := range preds {
		sql, ps, err := c.compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		params = append(params, ps...)
	}
	return strings.Join(parts, sep), params, nil
}

// valueToParam converts a scalar ir.Value to a database/sql parameter.
// Decimals bind as their canonical text.
func valueToParam(v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Decimal:
		return string(val), nil
	case ir.Bool:
		return bool(val), nil
	default:
		return nil, fmt.Errorf("%s cannot be used as a SQL parameter", ir.Kind(v))
	}
}
