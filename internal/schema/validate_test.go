package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/ir"
)

var txSchema = ir.SchemaDefinition{
	EntityType: "transaction",
	Version:    1,
	Fields: []ir.FieldDef{
		{Name: "amount", Type: ir.FieldDecimal, Policy: ir.HighestPriority},
		{Name: "count", Type: ir.FieldInt},
		{Name: "date", Type: ir.FieldDate},
		{Name: "extra", Type: ir.FieldAny},
		{Name: "flagged", Type: ir.FieldBool},
		{Name: "memo", Type: ir.FieldString},
		{Name: "meta", Type: ir.FieldObject},
		{Name: "paid_on", Type: ir.FieldDate, Policy: ir.MergeArray},
		{Name: "tags", Type: ir.FieldArray, Policy: ir.MergeArray},
	},
}

func TestValidateAccepts(t *testing.T) {
	dec, err := ir.NewDecimal("12.5")
	require.NoError(t, err)

	tests := []struct {
		field string
		in    ir.Value
		want  ir.Value
	}{
		{"memo", ir.String("coffee"), ir.String("coffee")},
		{"count", ir.Int(3), ir.Int(3)},
		{"count", ir.Decimal("3"), ir.Int(3)},
		{"amount", dec, dec},
		{"amount", ir.Int(12), ir.Decimal("12")},
		{"flagged", ir.Bool(true), ir.Bool(true)},
		{"date", ir.String("2024-04-15"), ir.String("2024-04-15")},
		{"date", ir.String("2024-04-15 09:00:00"), ir.String("2024-04-15T09:00:00.000000000Z")},
		{"tags", ir.Array{ir.String("a")}, ir.Array{ir.String("a")}},
		{"meta", ir.Object{"k": ir.Int(1)}, ir.Object{"k": ir.Int(1)}},
		{"extra", ir.Int(7), ir.Int(7)},
		{"paid_on", ir.String("2024-01-01"), ir.String("2024-01-01")},
		{"paid_on", ir.Array{ir.String("2024-01-01T00:00:00")}, ir.Array{ir.String("2024-01-01T00:00:00.000000000Z")}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, err := Validate(txSchema, tt.field, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		field string
		in    ir.Value
	}{
		{"undeclared", "shoe_size", ir.Int(42)},
		{"numeric string", "amount", ir.String("12.50")},
		{"fractional int", "count", ir.Decimal("3.5")},
		{"bad date", "date", ir.String("next week")},
		{"null", "memo", ir.Null{}},
		{"nil", "memo", nil},
		{"null any", "extra", ir.Null{}},
		{"bool as string", "memo", ir.Bool(true)},
		{"bad array element", "paid_on", ir.Array{ir.String("soon")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(txSchema, tt.field, tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "transaction", verr.EntityType)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestInfer(t *testing.T) {
	def := Infer("bookmark", ir.Object{
		"url":        ir.String("https://example.com"),
		"name":       ir.String("Example"),
		"saved_at":   ir.String("2024-01-01T10:00:00Z"),
		"entity_id":  ir.String("reserved keys are skipped"),
		"visits":     ir.Int(2),
		"rating":     ir.Decimal("4.5"),
		"archived":   ir.Bool(false),
		"labels":     ir.Array{},
		"extra":      ir.Object{},
		"unknown_on": ir.Null{},
	})

	types := map[string]ir.FieldType{}
	for _, f := range def.Fields {
		types[f.Name] = f.Type
	}
	assert.Equal(t, map[string]ir.FieldType{
		"url":        ir.FieldString,
		"name":       ir.FieldString,
		"saved_at":   ir.FieldDate,
		"visits":     ir.FieldInt,
		"rating":     ir.FieldDecimal,
		"archived":   ir.FieldBool,
		"labels":     ir.FieldArray,
		"extra":      ir.FieldObject,
		"unknown_on": ir.FieldAny,
	}, types)
	assert.Equal(t, []string{"name"}, def.Identity, "name is the first identity candidate present")
	assert.True(t, def.Inferred)
}

func TestInferNoIdentityCandidate(t *testing.T) {
	def := Infer("reading", ir.Object{"value": ir.Int(3)})
	assert.Empty(t, def.Identity)
	assert.NotNil(t, def.Identity)
}
