package schema

import (
	"fmt"
	"strconv"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/timeline"
)

// ValidationError reports a definition or value that does not fit a schema.
type ValidationError struct {
	EntityType string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.EntityType, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.EntityType, e.Field, e.Reason)
}

// Validate checks value against the declaration of field in def and
// returns the value to store. Coercions are deliberately narrow:
//   - date: the string is normalised (see timeline.NormalizeDate)
//   - decimal: an Int is accepted and stored as its decimal text
//   - int: a Decimal without a fractional part is accepted
//
// Numeric strings are never coerced to numbers. A merge_array field also
// accepts an array whose elements each fit the declared type.
func Validate(def ir.SchemaDefinition, field string, value ir.Value) (ir.Value, error) {
	fd, ok := def.Field(field)
	if !ok {
		return nil, &ValidationError{EntityType: def.EntityType, Field: field, Reason: "no declared field"}
	}

	if fd.Policy == ir.MergeArray && fd.Type != ir.FieldArray {
		if arr, ok := value.(ir.Array); ok {
			out := make(ir.Array, len(arr))
			for i, elem := range arr {
				v, err := coerce(fd.Type, elem)
				if err != nil {
					return nil, &ValidationError{
						EntityType: def.EntityType,
						Field:      field,
						Reason:     fmt.Sprintf("element %d: %v", i, err),
					}
				}
				out[i] = v
			}
			return out, nil
		}
	}

	v, err := coerce(fd.Type, value)
	if err != nil {
		return nil, &ValidationError{EntityType: def.EntityType, Field: field, Reason: err.Error()}
	}
	return v, nil
}

func coerce(t ir.FieldType, value ir.Value) (ir.Value, error) {
	if value == nil {
		value = ir.Null{}
	}
	if _, null := value.(ir.Null); null {
		return nil, fmt.Errorf("null is not a %s", t)
	}

	switch t {
	case ir.FieldString:
		if s, ok := value.(ir.String); ok {
			return s, nil
		}
	case ir.FieldInt:
		switch v := value.(type) {
		case ir.Int:
			return v, nil
		case ir.Decimal:
			if v.IsIntegral() {
				n, err := strconv.ParseInt(string(v), 10, 64)
				if err == nil {
					return ir.Int(n), nil
				}
			}
		}
	case ir.FieldDecimal:
		switch v := value.(type) {
		case ir.Decimal:
			return v, nil
		case ir.Int:
			return ir.NewDecimal(strconv.FormatInt(int64(v), 10))
		}
	case ir.FieldBool:
		if b, ok := value.(ir.Bool); ok {
			return b, nil
		}
	case ir.FieldDate:
		if s, ok := value.(ir.String); ok {
			d, err := timeline.NormalizeDate(string(s))
			if err != nil {
				return nil, err
			}
			return ir.String(d), nil
		}
	case ir.FieldArray:
		if a, ok := value.(ir.Array); ok {
			return a, nil
		}
	case ir.FieldObject:
		if o, ok := value.(ir.Object); ok {
			return o, nil
		}
	case ir.FieldAny:
		return value, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
	return nil, fmt.Errorf("expected %s, got %s", t, ir.Kind(value))
}

// inferType maps a value to the field type inference would declare for it.
func inferType(name string, value ir.Value) ir.FieldType {
	switch v := value.(type) {
	case ir.String:
		if timeline.IsDateFieldName(name) {
			if _, err := timeline.NormalizeDate(string(v)); err == nil {
				return ir.FieldDate
			}
		}
		return ir.FieldString
	case ir.Int:
		return ir.FieldInt
	case ir.Decimal:
		return ir.FieldDecimal
	case ir.Bool:
		return ir.FieldBool
	case ir.Array:
		return ir.FieldArray
	case ir.Object:
		return ir.FieldObject
	default:
		return ir.FieldAny
	}
}
