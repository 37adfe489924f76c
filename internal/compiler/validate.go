package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/truthlayer/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrEntityTypeInvalid  = "E101" // entity type must be a lower snake_case identifier
	ErrVersionInvalid     = "E102" // version must be >= 1
	ErrNoFields           = "E103" // at least one field required
	ErrInvalidFieldType   = "E104" // unknown field type
	ErrDuplicateName      = "E105" // duplicate field name
	ErrFloatTypeForbidden = "E106" // float types not allowed
	ErrInvalidPolicy      = "E107" // unknown merge policy
	ErrIdentityUndeclared = "E108" // identity names an undeclared field
	ErrReservedField      = "E109" // field name collides with a reserved payload key
	ErrFieldNameInvalid   = "E110" // field name must be an identifier
	ErrIdentityNotScalar  = "E111" // identity field must be a scalar type
)

// ReservedFields are payload keys the engine interprets itself; a schema
// cannot declare them.
var ReservedFields = map[string]bool{
	"entity_type":       true,
	"entity_id":         true,
	"source_priority":   true,
	"specificity_score": true,
}

var (
	typePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidEntityType reports whether name can be used as an entity type.
func ValidEntityType(name string) bool {
	return typePattern.MatchString(name)
}

// ValidFieldName reports whether name can be declared as a field.
func ValidFieldName(name string) bool {
	return fieldPattern.MatchString(name) && !ReservedFields[name]
}

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a schema definition.
// Returns all errors found (does not fail-fast).
func Validate(def ir.SchemaDefinition) []ValidationError {
	var errs []ValidationError

	if !typePattern.MatchString(def.EntityType) {
		errs = append(errs, ValidationError{
			Field:   "entity_type",
			Message: fmt.Sprintf("%q is not a lower snake_case identifier", def.EntityType),
			Code:    ErrEntityTypeInvalid,
		})
	}

	if def.Version < 1 {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("version must be >= 1, got %d", def.Version),
			Code:    ErrVersionInvalid,
		})
	}

	if len(def.Fields) == 0 {
		errs = append(errs, ValidationError{
			Field:   "fields",
			Message: "at least one field is required",
			Code:    ErrNoFields,
		})
	}

	declared := make(map[string]ir.FieldDef, len(def.Fields))
	for i, f := range def.Fields {
		path := fmt.Sprintf("fields[%d]", i)

		if _, dup := declared[f.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("duplicate field name: %q", f.Name),
				Code:    ErrDuplicateName,
			})
		}
		declared[f.Name] = f

		if !fieldPattern.MatchString(f.Name) {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("%q is not an identifier", f.Name),
				Code:    ErrFieldNameInvalid,
			})
		}
		if ReservedFields[f.Name] {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("%q is a reserved payload key", f.Name),
				Code:    ErrReservedField,
			})
		}

		errs = append(errs, validateFieldType(f.Type, path+".type", f.Name)...)

		if f.Policy != "" && !ir.ValidMergePolicies[f.Policy] {
			errs = append(errs, ValidationError{
				Field:   path + ".policy",
				Message: fmt.Sprintf("unknown merge policy %q for field %q", f.Policy, f.Name),
				Code:    ErrInvalidPolicy,
			})
		}
	}

	for i, name := range def.Identity {
		f, ok := declared[name]
		if !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("identity[%d]", i),
				Message: fmt.Sprintf("identity field %q is not declared", name),
				Code:    ErrIdentityUndeclared,
			})
			continue
		}
		if f.Type == ir.FieldArray || f.Type == ir.FieldObject {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("identity[%d]", i),
				Message: fmt.Sprintf("identity field %q must be a scalar, got %s", name, f.Type),
				Code:    ErrIdentityNotScalar,
			})
		}
	}

	return errs
}

// validateFieldType validates a type name, returning errors for invalid types and floats.
func validateFieldType(fieldType ir.FieldType, fieldPath, fieldName string) []ValidationError {
	if isFloatType(string(fieldType)) {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("field %q uses float type %q; use decimal", fieldName, fieldType),
			Code:    ErrFloatTypeForbidden,
		}}
	}
	if !ir.ValidFieldTypes[fieldType] {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("field %q has unknown type %q", fieldName, fieldType),
			Code:    ErrInvalidFieldType,
		}}
	}
	return nil
}

// isFloatType checks if a type string represents a float type.
func isFloatType(t string) bool {
	floatTypes := map[string]bool{
		"float":   true,
		"float32": true,
		"float64": true,
		"number":  true,
		"double":  true,
	}
	return floatTypes[t]
}
