package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/truthlayer/internal/ir"
)

func validContact() ir.SchemaDefinition {
	return ir.SchemaDefinition{
		EntityType: "contact",
		Version:    1,
		Identity:   []string{"email"},
		Fields: []ir.FieldDef{
			{Name: "email", Type: ir.FieldString, Policy: ir.HighestPriority},
			{Name: "name", Type: ir.FieldString, Policy: ir.LastWrite},
			{Name: "tags", Type: ir.FieldArray, Policy: ir.MergeArray},
		},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateValid(t *testing.T) {
	assert.Empty(t, Validate(validContact()))
}

func TestValidateEmptyPolicyIsAllowed(t *testing.T) {
	def := validContact()
	def.Fields[1].Policy = ""
	assert.Empty(t, Validate(def), "an empty policy defaults to last_write")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ir.SchemaDefinition)
		code   string
	}{
		{"bad entity type", func(d *ir.SchemaDefinition) { d.EntityType = "Contact" }, ErrEntityTypeInvalid},
		{"zero version", func(d *ir.SchemaDefinition) { d.Version = 0 }, ErrVersionInvalid},
		{"no fields", func(d *ir.SchemaDefinition) { d.Fields = nil; d.Identity = nil }, ErrNoFields},
		{"unknown type", func(d *ir.SchemaDefinition) { d.Fields[1].Type = "text" }, ErrInvalidFieldType},
		{"float type", func(d *ir.SchemaDefinition) { d.Fields[1].Type = "float64" }, ErrFloatTypeForbidden},
		{"duplicate field", func(d *ir.SchemaDefinition) { d.Fields[2].Name = "name"; d.Fields[2].Type = ir.FieldString }, ErrDuplicateName},
		{"unknown policy", func(d *ir.SchemaDefinition) { d.Fields[1].Policy = "first_write" }, ErrInvalidPolicy},
		{"undeclared identity", func(d *ir.SchemaDefinition) { d.Identity = []string{"phone"} }, ErrIdentityUndeclared},
		{"array identity", func(d *ir.SchemaDefinition) { d.Identity = []string{"tags"} }, ErrIdentityNotScalar},
		{"reserved field", func(d *ir.SchemaDefinition) { d.Fields[1].Name = "entity_id" }, ErrReservedField},
		{"bad field name", func(d *ir.SchemaDefinition) { d.Fields[1].Name = "first name" }, ErrFieldNameInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validContact()
			tt.mutate(&def)
			assert.Contains(t, codes(Validate(def)), tt.code)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	def := validContact()
	def.Version = 0
	def.Fields[1].Type = "text"
	def.Identity = []string{"missing"}

	errs := Validate(def)
	assert.Len(t, errs, 3, "validation does not stop at the first error")
}

func TestValidFieldName(t *testing.T) {
	assert.True(t, ValidFieldName("due_date"))
	assert.True(t, ValidFieldName("firstName"))
	assert.False(t, ValidFieldName("first name"))
	assert.False(t, ValidFieldName("entity_type"))
	assert.False(t, ValidFieldName(""))
}

func TestValidationErrorFormat(t *testing.T) {
	err := ValidationError{Field: "version", Message: "version must be >= 1, got 0", Code: ErrVersionInvalid}
	assert.Equal(t, "[E102] version: version must be >= 1, got 0", err.Error())
}
